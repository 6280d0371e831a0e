package dispatch

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"basegraph.app/batchinfer/common/llm"
)

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *OutcomeKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "success":
		*k = OutcomeSuccess
	case "failure":
		*k = OutcomeFailure
	case "cancelled":
		*k = OutcomeCancelled
	default:
		return fmt.Errorf("unknown outcome kind %q", b)
	}
	return nil
}

// Attempt records one try of a job.
type Attempt struct {
	Number    int
	ID        string
	StartedAt time.Time
	Duration  time.Duration
	Err       error
	Reason    string
}

// Outcome is the single terminal result of a job.
type Outcome[V any] struct {
	Kind     OutcomeKind
	Index    int
	Value    V
	Usage    llm.Usage // summed over every attempt that returned a completion
	Metadata map[string]string
	Attempts int
	Reason   string
	Err      error
	Duration time.Duration
	History  []Attempt
}

// Success is an accepted job result.
type Success[V any] struct {
	Index    int               `json:"index"`
	Value    V                 `json:"value"`
	Usage    llm.Usage         `json:"usage"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Attempts int               `json:"attempts"`
	Duration time.Duration     `json:"duration_ns"`
}

// Diagnostic describes a job that did not succeed.
type Diagnostic struct {
	Index    int               `json:"index"`
	Kind     OutcomeKind       `json:"kind"`
	Reason   string            `json:"reason"`
	Error    string            `json:"error,omitempty"`
	Attempts int               `json:"attempts"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Report holds the two result collections of a run in completion order.
type Report[V any] struct {
	RunID        int64
	Successes    []Success[V]
	Diagnostics  []Diagnostic
	Usage        llm.Usage
	Cancelled    bool
	CancelReason string
	Duration     time.Duration
}

// SortByIndex reorders both collections by submission index.
func (r *Report[V]) SortByIndex() {
	slices.SortFunc(r.Successes, func(a, b Success[V]) int { return cmp.Compare(a.Index, b.Index) })
	slices.SortFunc(r.Diagnostics, func(a, b Diagnostic) int { return cmp.Compare(a.Index, b.Index) })
}

func (o Outcome[V]) success() Success[V] {
	return Success[V]{
		Index:    o.Index,
		Value:    o.Value,
		Usage:    o.Usage,
		Metadata: o.Metadata,
		Attempts: o.Attempts,
		Duration: o.Duration,
	}
}

func (o Outcome[V]) diagnostic() Diagnostic {
	d := Diagnostic{
		Index:    o.Index,
		Kind:     o.Kind,
		Reason:   o.Reason,
		Attempts: o.Attempts,
		Metadata: o.Metadata,
	}
	if o.Err != nil {
		d.Error = o.Err.Error()
	}
	return d
}
