package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"basegraph.app/batchinfer/common/logger"
)

// Run is one dispatch of a job list. It owns its queue, coordinator and
// aggregator; nothing is shared between runs.
type Run[P, V any] struct {
	id        int64
	d         *Dispatcher[P, V]
	queue     chan Job[P]
	coord     *Coordinator
	agg       *Aggregator[V]
	startedAt time.Time
	span      *logger.SpanContext

	wg   sync.WaitGroup
	done chan struct{}

	mu     sync.Mutex
	report *Report[V]
	err    error
}

func (r *Run[P, V]) ID() int64 { return r.id }

// Cancel fires the run's coordinator. Safe to call from any goroutine, any
// number of times.
func (r *Run[P, V]) Cancel(reason string) {
	if r.coord.Cancel(reason) {
		r.d.log.InfoContext(r.span.Context(), "dispatch run cancelled", "reason", reason)
	}
}

func (r *Run[P, V]) Coordinator() *Coordinator { return r.coord }

func (r *Run[P, V]) Cancelled() bool { return r.coord.Cancelled() }

// Done is closed once every job has an outcome.
func (r *Run[P, V]) Done() <-chan struct{} { return r.done }

func (r *Run[P, V]) Progress() Progress { return r.agg.Progress() }

// Wait blocks until every job has an outcome and returns the report. The
// error is non-nil only if the run machinery itself failed.
func (r *Run[P, V]) Wait() (*Report[V], error) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report, r.err
}

func (r *Run[P, V]) work(ctx context.Context, worker int) {
	defer r.wg.Done()

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		WorkerID:  logger.Ptr(worker),
		Component: "batchinfer.dispatch.worker",
	})

	for job := range r.queue {
		r.d.metrics.queueDepth(len(r.queue))
		r.handle(ctx, job)
	}
}

// handle gives job exactly one outcome. A panic in the bookkeeping around
// process is recovered here so the worker keeps draining the queue.
func (r *Run[P, V]) handle(ctx context.Context, job Job[P]) {
	recorded := false
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		err := fmt.Errorf("job %d: panic: %v", job.Index, p)
		r.d.log.ErrorContext(ctx, "panic recovered in worker", "job_index", job.Index, "panic", p)
		if !recorded {
			r.agg.Record(Outcome[V]{
				Kind:     OutcomeFailure,
				Index:    job.Index,
				Metadata: job.Metadata,
				Reason:   ReasonPanic,
				Err:      fmt.Errorf("%w: %v", errPanic, p),
			})
			return
		}
		r.mu.Lock()
		r.err = errors.Join(r.err, err)
		r.mu.Unlock()
	}()

	if r.coord.Cancelled() {
		r.record(Outcome[V]{
			Kind:     OutcomeCancelled,
			Index:    job.Index,
			Metadata: job.Metadata,
			Reason:   ReasonCancelled,
			Err:      ErrCancelled,
		}, &recorded)
		return
	}

	out := r.process(ctx, job)
	r.record(out, &recorded)

	pace := out.Kind == OutcomeSuccess || (out.Kind == OutcomeFailure && r.d.cfg.PaceFailures)
	if pace && r.d.cfg.PacingDelay > 0 && len(r.queue) > 0 {
		r.d.caller.sleep(ctx, r.coord, r.d.cfg.PacingDelay)
	}
}

// process runs one job. A panic outside the attempt recovery fails only this job.
func (r *Run[P, V]) process(ctx context.Context, job Job[P]) (out Outcome[V]) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{JobIndex: logger.Ptr(job.Index)})
	span := logger.StartSpan(ctx, "dispatch.job", trace.WithAttributes(attribute.Int("job.index", job.Index)))
	ctx = span.Context()
	defer span.End()

	r.d.metrics.inFlight(1)
	defer r.d.metrics.inFlight(-1)

	defer func() {
		if p := recover(); p != nil {
			r.d.log.ErrorContext(ctx, "panic recovered in job processing", "panic", p)
			out = Outcome[V]{
				Kind:     OutcomeFailure,
				Index:    job.Index,
				Metadata: job.Metadata,
				Reason:   ReasonPanic,
				Err:      fmt.Errorf("%w: %v", errPanic, p),
			}
		}
	}()

	out = r.d.caller.Call(ctx, job, r.coord)

	span.SetAttributes(
		attribute.String("job.outcome", out.Kind.String()),
		attribute.Int("job.attempts", out.Attempts),
	)
	switch out.Kind {
	case OutcomeSuccess:
		r.d.log.InfoContext(ctx, "job succeeded",
			"attempts", out.Attempts,
			"tokens", out.Usage.TotalTokens,
			"duration", out.Duration)
	case OutcomeFailure:
		span.RecordError(out.Err)
		r.d.log.ErrorContext(ctx, "job failed",
			"attempts", out.Attempts,
			"reason", out.Reason,
			"error", logger.Truncate(out.Err.Error(), 300))
	case OutcomeCancelled:
		r.d.log.InfoContext(ctx, "job cancelled", "attempts", out.Attempts)
	}
	return out
}

// record stores o, marks it recorded, then updates metrics.
func (r *Run[P, V]) record(o Outcome[V], recorded *bool) {
	r.agg.Record(o)
	*recorded = true
	r.d.metrics.outcome(o.Kind, o.Usage.PromptTokens, o.Usage.CompletionTokens)
}

func (r *Run[P, V]) finish(ctx context.Context) {
	report := r.agg.Report()
	report.RunID = r.id
	report.Duration = time.Since(r.startedAt)
	report.Cancelled = r.coord.Cancelled()
	report.CancelReason = r.coord.Reason()

	p := r.agg.Progress()
	r.span.SetAttributes(
		attribute.Int("run.succeeded", p.Succeeded),
		attribute.Int("run.failed", p.Failed),
		attribute.Int("run.cancelled", p.Cancelled),
	)
	r.span.End()

	r.d.log.InfoContext(ctx, "dispatch run finished",
		"succeeded", p.Succeeded,
		"failed", p.Failed,
		"cancelled", p.Cancelled,
		"tokens", p.Usage.TotalTokens,
		"duration", report.Duration)

	r.mu.Lock()
	r.report = &report
	r.mu.Unlock()
}
