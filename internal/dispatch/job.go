package dispatch

import (
	"context"

	"basegraph.app/batchinfer/common/llm"
)

// Job is one unit of work. Index orders results and must be unique within a
// run; Metadata is carried into the outcome untouched.
type Job[P any] struct {
	Index    int
	Payload  P
	Metadata map[string]string
}

// Endpoint performs one remote inference call. It may be slow, fail, or
// return content the validator rejects.
type Endpoint[P any] interface {
	Call(ctx context.Context, payload P) (*llm.Completion, error)
}

// EndpointFunc adapts a function to Endpoint. An llm.Client can be used as
// EndpointFunc[llm.Request](client.Complete).
type EndpointFunc[P any] func(ctx context.Context, payload P) (*llm.Completion, error)

func (f EndpointFunc[P]) Call(ctx context.Context, payload P) (*llm.Completion, error) {
	return f(ctx, payload)
}

// Validator turns a completion into a value or rejects it.
// *validate.Validator satisfies it.
type Validator[V any] interface {
	Validate(c *llm.Completion) (V, error)
}
