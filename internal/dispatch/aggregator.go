package dispatch

import (
	"slices"
	"sync"

	"basegraph.app/batchinfer/common/llm"
)

// Progress is a point-in-time count of a run's outcomes.
type Progress struct {
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Cancelled int       `json:"cancelled"`
	Pending   int       `json:"pending"`
	Usage     llm.Usage `json:"usage"`
}

// Aggregator collects outcomes from concurrent workers into successes and
// diagnostics, both in completion order.
type Aggregator[V any] struct {
	mu          sync.Mutex
	total       int
	successes   []Success[V]
	diagnostics []Diagnostic
	failed      int
	cancelled   int
	usage       llm.Usage
}

func NewAggregator[V any](total int) *Aggregator[V] {
	return &Aggregator[V]{
		total:     total,
		successes: make([]Success[V], 0, total),
	}
}

func (a *Aggregator[V]) Record(o Outcome[V]) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.usage = a.usage.Add(o.Usage)
	switch o.Kind {
	case OutcomeSuccess:
		a.successes = append(a.successes, o.success())
		return
	case OutcomeCancelled:
		a.cancelled++
	default:
		a.failed++
	}
	a.diagnostics = append(a.diagnostics, o.diagnostic())
}

func (a *Aggregator[V]) Progress() Progress {
	a.mu.Lock()
	defer a.mu.Unlock()

	done := len(a.successes) + a.failed + a.cancelled
	return Progress{
		Total:     a.total,
		Succeeded: len(a.successes),
		Failed:    a.failed,
		Cancelled: a.cancelled,
		Pending:   a.total - done,
		Usage:     a.usage,
	}
}

// Report returns a copy of what has been recorded so far.
func (a *Aggregator[V]) Report() Report[V] {
	a.mu.Lock()
	defer a.mu.Unlock()

	return Report[V]{
		Successes:   slices.Clone(a.successes),
		Diagnostics: slices.Clone(a.diagnostics),
		Usage:       a.usage,
	}
}
