package dispatch_test

import (
	"context"
	"sync"
	"time"

	"basegraph.app/batchinfer/common/llm"
	"basegraph.app/batchinfer/internal/dispatch"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// gatedEndpoint blocks every call until release is closed.
type gatedEndpoint struct {
	*mockEndpoint
	release chan struct{}
}

func newGatedEndpoint(result func(ctx context.Context) (*llm.Completion, error)) *gatedEndpoint {
	g := &gatedEndpoint{release: make(chan struct{})}
	g.mockEndpoint = newMockEndpoint(func(ctx context.Context, _, _ int) (*llm.Completion, error) {
		<-g.release
		return result(ctx)
	})
	return g
}

var _ = Describe("Cancellation", func() {
	It("lets in-flight calls finish and drains the queue", func() {
		ep := newGatedEndpoint(func(ctx context.Context) (*llm.Completion, error) {
			// The in-flight call must not see the cancellation.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return ok("x"), nil
		})
		d, err := dispatch.New[int, string](ep, textValidator{}, fastConfig(2, 3))
		Expect(err).NotTo(HaveOccurred())

		run, err := d.Start(context.Background(), makeJobs(10))
		Expect(err).NotTo(HaveOccurred())

		Eventually(ep.inFlight.Load).Should(Equal(int32(2)))
		run.Cancel("operator requested")
		run.Cancel("ignored second reason")
		close(ep.release)

		report, err := run.Wait()
		Expect(err).NotTo(HaveOccurred())
		Expect(ep.calls.Load()).To(Equal(int32(2)))

		Expect(report.Successes).To(HaveLen(2))
		Expect(report.Diagnostics).To(HaveLen(8))
		for _, diag := range report.Diagnostics {
			Expect(diag.Kind).To(Equal(dispatch.OutcomeCancelled))
			Expect(diag.Attempts).To(BeZero())
			Expect(diag.Reason).To(Equal(dispatch.ReasonCancelled))
		}
		Expect(report.Cancelled).To(BeTrue())
		Expect(report.CancelReason).To(Equal("operator requested"))
		Expect(indices(report)).To(Equal(seq(10)))
	})

	It("does not retry an in-flight attempt that fails after cancellation", func() {
		ep := newGatedEndpoint(func(context.Context) (*llm.Completion, error) {
			return nil, errUnavailable
		})
		cfg := fastConfig(1, 5)
		cfg.BaseDelay = time.Hour
		d, err := dispatch.New[int, string](ep, textValidator{}, cfg)
		Expect(err).NotTo(HaveOccurred())

		run, err := d.Start(context.Background(), makeJobs(3))
		Expect(err).NotTo(HaveOccurred())

		Eventually(ep.inFlight.Load).Should(Equal(int32(1)))
		run.Cancel("shutdown")
		close(ep.release)

		var report *dispatch.Report[string]
		Eventually(run.Done()).WithTimeout(time.Second).Should(BeClosed())
		report, err = run.Wait()
		Expect(err).NotTo(HaveOccurred())
		Expect(ep.calls.Load()).To(Equal(int32(1)))

		report.SortByIndex()
		Expect(report.Diagnostics).To(HaveLen(3))
		first := report.Diagnostics[0]
		Expect(first.Kind).To(Equal(dispatch.OutcomeCancelled))
		Expect(first.Attempts).To(Equal(1))
		Expect(first.Error).To(ContainSubstring("503 service unavailable"))
	})

	It("finishes a non-interruptible backoff before stopping", func() {
		ep := newGatedEndpoint(func(context.Context) (*llm.Completion, error) {
			return nil, errUnavailable
		})
		cfg := fastConfig(1, 5)
		cfg.BaseDelay = 50 * time.Millisecond
		cfg.InterruptibleSleep = false
		d, err := dispatch.New[int, string](ep, textValidator{}, cfg)
		Expect(err).NotTo(HaveOccurred())

		run, err := d.Start(context.Background(), makeJobs(1))
		Expect(err).NotTo(HaveOccurred())

		Eventually(ep.inFlight.Load).Should(Equal(int32(1)))
		cancelledAt := time.Now()
		run.Cancel("shutdown")
		close(ep.release)

		report, err := run.Wait()
		Expect(err).NotTo(HaveOccurred())
		Expect(time.Since(cancelledAt)).To(BeNumerically(">=", 50*time.Millisecond))
		Expect(ep.calls.Load()).To(Equal(int32(1)))
		Expect(report.Diagnostics[0].Kind).To(Equal(dispatch.OutcomeCancelled))
	})

	It("fires when the caller's context is cancelled", func() {
		ep := newGatedEndpoint(func(ctx context.Context) (*llm.Completion, error) {
			return ok("x"), nil
		})
		d, err := dispatch.New[int, string](ep, textValidator{}, fastConfig(1, 2))
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		run, err := d.Start(ctx, makeJobs(4))
		Expect(err).NotTo(HaveOccurred())

		Eventually(ep.inFlight.Load).Should(Equal(int32(1)))
		cancel()
		Eventually(run.Coordinator().Cancelled).Should(BeTrue())
		close(ep.release)

		report, err := run.Wait()
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Successes).To(HaveLen(1))
		Expect(report.Diagnostics).To(HaveLen(3))
		Expect(report.CancelReason).To(ContainSubstring("context canceled"))
	})

	It("makes no calls when started with a cancelled context", func() {
		ep := newMockEndpoint(nil)
		d, err := dispatch.New[int, string](ep, textValidator{}, fastConfig(4, 2))
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		report, err := d.Run(ctx, makeJobs(6))
		Expect(err).NotTo(HaveOccurred())
		Expect(ep.calls.Load()).To(BeZero())
		Expect(report.Diagnostics).To(HaveLen(6))
		Expect(report.Successes).To(BeEmpty())
	})

	It("is safe to cancel from many goroutines", func() {
		ep := newGatedEndpoint(func(context.Context) (*llm.Completion, error) {
			return ok("x"), nil
		})
		d, err := dispatch.New[int, string](ep, textValidator{}, fastConfig(3, 1))
		Expect(err).NotTo(HaveOccurred())

		run, err := d.Start(context.Background(), makeJobs(9))
		Expect(err).NotTo(HaveOccurred())

		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				run.Cancel("stop")
			}()
		}
		wg.Wait()
		close(ep.release)

		report, err := run.Wait()
		Expect(err).NotTo(HaveOccurred())
		Expect(len(report.Successes) + len(report.Diagnostics)).To(Equal(9))
	})
})

var _ = Describe("Coordinator", func() {
	It("keeps the first reason and reports which call fired it", func() {
		c := dispatch.NewCoordinator()
		Expect(c.Cancelled()).To(BeFalse())
		Expect(c.Done()).NotTo(BeClosed())

		Expect(c.Cancel("first")).To(BeTrue())
		Expect(c.Cancel("second")).To(BeFalse())

		Expect(c.Cancelled()).To(BeTrue())
		Expect(c.Reason()).To(Equal("first"))
		Expect(c.Done()).To(BeClosed())
	})

	It("sleeps the full duration when nothing fires", func() {
		c := dispatch.NewCoordinator()
		start := time.Now()
		Expect(c.Sleep(context.Background(), 10*time.Millisecond)).To(BeTrue())
		Expect(time.Since(start)).To(BeNumerically(">=", 10*time.Millisecond))
	})

	It("wakes a sleeper when it fires", func() {
		c := dispatch.NewCoordinator()
		go func() {
			time.Sleep(10 * time.Millisecond)
			c.Cancel("stop")
		}()

		start := time.Now()
		Expect(c.Sleep(context.Background(), time.Hour)).To(BeFalse())
		Expect(time.Since(start)).To(BeNumerically("<", time.Second))
	})

	It("wakes a sleeper when the context is done", func() {
		c := dispatch.NewCoordinator()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		Expect(c.Sleep(ctx, time.Hour)).To(BeFalse())
	})

	It("reports a zero sleep as interrupted once fired", func() {
		c := dispatch.NewCoordinator()
		Expect(c.Sleep(context.Background(), 0)).To(BeTrue())
		c.Cancel("stop")
		Expect(c.Sleep(context.Background(), 0)).To(BeFalse())
	})
})
