package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"basegraph.app/batchinfer/common/llm"
	"basegraph.app/batchinfer/common/logger"
)

// Caller runs one job to a single definitive outcome: at most MaxAttempts
// endpoint calls, each validated, with backoff sleeps between them.
type Caller[P, V any] struct {
	endpoint  Endpoint[P]
	validator Validator[V]
	cfg       Config
	limiter   *rate.Limiter
	metrics   *Metrics
	observer  RetryObserver
	log       *slog.Logger
}

// NewCaller validates cfg and builds a Caller. The rate limiter, if any, is
// private to this Caller and shared by everything that uses it.
func NewCaller[P, V any](endpoint Endpoint[P], validator Validator[V], cfg Config, opts ...Option) (*Caller[P, V], error) {
	if endpoint == nil {
		return nil, fmt.Errorf("%w: endpoint is required", ErrInvalidArgument)
	}
	if validator == nil {
		return nil, fmt.Errorf("%w: validator is required", ErrInvalidArgument)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := settings{logger: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}

	c := &Caller[P, V]{
		endpoint:  endpoint,
		validator: validator,
		cfg:       cfg,
		metrics:   s.metrics,
		observer:  s.observer,
		log:       s.logger,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return c, nil
}

// Call runs job until it succeeds, exhausts its attempts, or coord fires.
// ctx carries values and log fields only; an attempt already in progress is
// never interrupted by ctx or coord.
func (c *Caller[P, V]) Call(ctx context.Context, job Job[P], coord *Coordinator) Outcome[V] {
	start := time.Now()
	out := Outcome[V]{Index: job.Index, Metadata: job.Metadata}
	finish := func(kind OutcomeKind, reason string, err error) Outcome[V] {
		out.Kind = kind
		out.Reason = reason
		out.Err = err
		out.Duration = time.Since(start)
		return out
	}
	cancelled := func() Outcome[V] {
		var last error = ErrCancelled
		if n := len(out.History); n > 0 && out.History[n-1].Err != nil {
			last = fmt.Errorf("%w after %q: %w", ErrCancelled, out.History[n-1].Reason, out.History[n-1].Err)
		}
		return finish(OutcomeCancelled, ReasonCancelled, last)
	}

	for n := 1; n <= c.cfg.MaxAttempts; n++ {
		if coord.Cancelled() {
			return cancelled()
		}
		if !c.waitForToken(ctx, coord) {
			return cancelled()
		}

		a := Attempt{Number: n, ID: uuid.NewString(), StartedAt: time.Now()}
		value, usage, err := c.attempt(ctx, job, a)
		a.Duration = time.Since(a.StartedAt)
		out.Attempts = n
		out.Usage = out.Usage.Add(usage)

		if err == nil {
			c.metrics.attempt("ok", a.Duration)
			out.History = append(out.History, a)
			out.Value = value
			return finish(OutcomeSuccess, "", nil)
		}

		a.Err = err
		a.Reason = reasonOf(err)
		out.History = append(out.History, a)
		c.metrics.attempt(a.Reason, a.Duration)

		attemptCtx := logger.WithLogFields(ctx, logger.LogFields{Attempt: logger.Ptr(n), AttemptID: logger.Ptr(a.ID)})
		if n == c.cfg.MaxAttempts {
			c.log.WarnContext(attemptCtx, "attempt failed, no attempts left",
				"reason", a.Reason,
				"error", logger.Truncate(err.Error(), 300))
			break
		}

		delay, derr := c.cfg.Backoff.Delay(n, c.cfg.BaseDelay)
		if derr != nil {
			// Unreachable with a validated config.
			return finish(OutcomeFailure, a.Reason, fmt.Errorf("backoff: %w", derr))
		}
		c.log.WarnContext(attemptCtx, "attempt failed, retrying",
			"reason", a.Reason,
			"error", logger.Truncate(err.Error(), 300),
			"retry_in", delay)
		c.metrics.backoff(delay)
		if c.observer != nil {
			c.observer(job.Index, n, delay, a.Reason)
		}

		if !c.sleep(ctx, coord, delay) {
			return cancelled()
		}
	}

	last := out.History[len(out.History)-1]
	return finish(OutcomeFailure, last.Reason, fmt.Errorf("%d attempts: %w", out.Attempts, last.Err))
}

// attempt makes one endpoint call and validates the result. Panics in the
// endpoint or validator become errors.
func (c *Caller[P, V]) attempt(ctx context.Context, job Job[P], a Attempt) (value V, usage llm.Usage, err error) {
	callCtx := context.WithoutCancel(ctx)
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, c.cfg.CallTimeout)
		defer cancel()
	}
	callCtx = llm.WithRequestID(callCtx, a.ID)
	callCtx = logger.WithLogFields(callCtx, logger.LogFields{
		Attempt:   logger.Ptr(a.Number),
		AttemptID: logger.Ptr(a.ID),
	})

	defer func() {
		if r := recover(); r != nil {
			c.log.ErrorContext(callCtx, "panic recovered in inference attempt", "panic", r)
			var zero V
			value = zero
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()

	completion, err := c.endpoint.Call(callCtx, job.Payload)
	if err != nil {
		return value, usage, fmt.Errorf("endpoint call: %w", err)
	}
	if completion != nil {
		usage = completion.Usage
	}

	value, err = c.validator.Validate(completion)
	if err != nil {
		return value, usage, err
	}
	c.log.DebugContext(callCtx, "attempt accepted", "tokens", usage.TotalTokens)
	return value, usage, nil
}

// waitForToken blocks for the rate limiter. It reports false if cancellation
// interrupted the wait.
func (c *Caller[P, V]) waitForToken(ctx context.Context, coord *Coordinator) bool {
	if c.limiter == nil {
		return true
	}
	r := c.limiter.Reserve()
	if !r.OK() {
		return false
	}
	if !coord.Sleep(ctx, r.Delay()) {
		r.Cancel()
		return false
	}
	return !coord.Cancelled()
}

// sleep waits between attempts or jobs. It reports false if the run was
// cancelled while sleeping.
func (c *Caller[P, V]) sleep(ctx context.Context, coord *Coordinator, d time.Duration) bool {
	if c.cfg.InterruptibleSleep {
		return coord.Sleep(ctx, d)
	}
	if d > 0 {
		t := time.NewTimer(d)
		<-t.C
	}
	return !coord.Cancelled()
}
