// Package dispatch runs a batch of inference jobs over a fixed pool of
// workers. Each job is retried with backoff until its response validates or
// its attempts run out, and every job ends in exactly one outcome: a success,
// a failure diagnostic, or a cancellation diagnostic.
//
// Cancellation is cooperative. When the run's Coordinator fires (explicitly,
// or because the context given to Start is done) no new attempt starts,
// queued jobs are drained as cancelled, and attempts already talking to the
// endpoint are allowed to finish.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"basegraph.app/batchinfer/common/id"
	"basegraph.app/batchinfer/common/logger"
)

type Dispatcher[P, V any] struct {
	caller  *Caller[P, V]
	cfg     Config
	metrics *Metrics
	log     *slog.Logger
}

// New validates cfg and returns a Dispatcher. Nothing is called until Start.
func New[P, V any](endpoint Endpoint[P], validator Validator[V], cfg Config, opts ...Option) (*Dispatcher[P, V], error) {
	caller, err := NewCaller(endpoint, validator, cfg, opts...)
	if err != nil {
		return nil, err
	}

	s := settings{logger: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}

	return &Dispatcher[P, V]{
		caller:  caller,
		cfg:     caller.cfg,
		metrics: s.metrics,
		log:     s.logger,
	}, nil
}

// Run is Start followed by Wait.
func (d *Dispatcher[P, V]) Run(ctx context.Context, jobs []Job[P]) (*Report[V], error) {
	r, err := d.Start(ctx, jobs)
	if err != nil {
		return nil, err
	}
	return r.Wait()
}

// Start queues jobs in order and launches the worker pool. It returns an
// error wrapping ErrInvalidArgument, before any endpoint call, if two jobs
// share an index.
func (d *Dispatcher[P, V]) Start(ctx context.Context, jobs []Job[P]) (*Run[P, V], error) {
	seen := make(map[int]struct{}, len(jobs))
	for _, j := range jobs {
		if _, dup := seen[j.Index]; dup {
			return nil, fmt.Errorf("%w: duplicate job index %d", ErrInvalidArgument, j.Index)
		}
		seen[j.Index] = struct{}{}
	}

	queue := make(chan Job[P], len(jobs))
	for _, j := range jobs {
		queue <- j
	}
	close(queue)

	runID := id.New()
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RunID:     logger.Ptr(runID),
		Component: "batchinfer.dispatch",
	})
	span := logger.StartSpan(ctx, "dispatch.run", trace.WithAttributes(
		attribute.Int64("run.id", runID),
		attribute.Int("run.jobs", len(jobs)),
		attribute.Int("run.pool_size", d.cfg.PoolSize),
	))

	r := &Run[P, V]{
		id:        runID,
		d:         d,
		queue:     queue,
		coord:     NewCoordinator(),
		agg:       NewAggregator[V](len(jobs)),
		startedAt: time.Now(),
		done:      make(chan struct{}),
		span:      span,
	}
	if err := ctx.Err(); err != nil {
		r.coord.Cancel("context: " + context.Cause(ctx).Error())
	}
	unbind := r.coord.bind(ctx)

	workers := min(d.cfg.PoolSize, len(jobs))
	d.metrics.queueDepth(len(jobs))
	d.log.InfoContext(span.Context(), "dispatch run started",
		"jobs", len(jobs),
		"workers", workers,
		"max_attempts", d.cfg.MaxAttempts)

	r.wg.Add(workers)
	for w := range workers {
		go r.work(span.Context(), w)
	}

	go func() {
		r.wg.Wait()
		unbind()
		r.finish(span.Context())
		close(r.done)
	}()

	return r, nil
}
