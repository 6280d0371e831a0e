package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Coordinator is the cooperative stop signal of one run. Once fired it stays
// fired. Workers check it before taking a job, before each attempt, and while
// sleeping between attempts.
type Coordinator struct {
	fired  atomic.Bool
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
}

func NewCoordinator() *Coordinator {
	return &Coordinator{done: make(chan struct{})}
}

// Cancel fires the coordinator. Only the first call's reason is kept; it
// reports whether this call was the one that fired it.
func (c *Coordinator) Cancel(reason string) bool {
	fired := false
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		c.fired.Store(true)
		close(c.done)
		fired = true
	})
	return fired
}

func (c *Coordinator) Cancelled() bool {
	return c.fired.Load()
}

// Done is closed when the coordinator fires.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Sleep waits for d and reports whether the full duration elapsed. It returns
// false early when the coordinator fires or ctx is done.
func (c *Coordinator) Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !c.Cancelled()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// bind fires the coordinator when ctx is done. The returned func detaches it.
func (c *Coordinator) bind(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		c.Cancel("context: " + context.Cause(ctx).Error())
	})
}
