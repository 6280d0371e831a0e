// Package sink persists a finished run's report: JSON Lines files, Redis
// streams, or a Postgres table.
package sink

import (
	"context"
	"errors"
	"fmt"

	"basegraph.app/batchinfer/internal/dispatch"
)

type Sink[V any] interface {
	Write(ctx context.Context, report *dispatch.Report[V]) error
	Close() error
}

// SuccessRecord is the persisted form of a success.
type SuccessRecord[V any] struct {
	RunID int64 `json:"run_id"`
	dispatch.Success[V]
}

// DiagnosticRecord is the persisted form of a diagnostic.
type DiagnosticRecord struct {
	RunID int64 `json:"run_id"`
	dispatch.Diagnostic
}

// Multi writes to every sink and joins their errors. One failing sink does
// not stop the others.
type Multi[V any] []Sink[V]

func (m Multi[V]) Write(ctx context.Context, report *dispatch.Report[V]) error {
	var errs []error
	for i, s := range m {
		if err := s.Write(ctx, report); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (m Multi[V]) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
