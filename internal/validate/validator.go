package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"basegraph.app/batchinfer/common/llm"
	"basegraph.app/batchinfer/common/logger"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Rejection reasons. Every rejection is retried the same way; the reason only
// labels diagnostics and metrics.
const (
	ReasonEmptyResponse     = "empty_response"
	ReasonGenerationBlocked = "generation_blocked"
	ReasonMalformedJSON     = "malformed_json"
	ReasonSchemaViolation   = "schema_violation"
)

const schemaResource = "schema.json"

// Rejection is returned when a completion arrived but is not acceptable.
type Rejection struct {
	Reason       string
	Detail       string
	FinishReason string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return "rejected: " + r.Reason
	}
	return "rejected: " + r.Reason + ": " + r.Detail
}

// Code returns the reason label.
func (r *Rejection) Code() string {
	return r.Reason
}

// ParseFunc turns accepted completion text into a value.
type ParseFunc[V any] func(text []byte) (V, error)

type options struct {
	schema        any
	repair        bool
	finishReasons []string
}

type Option func(*options)

// WithSchema enforces a JSON Schema document on the completion text. doc may be
// raw JSON bytes, a json.RawMessage or any marshalable schema value.
func WithSchema(doc any) Option {
	return func(o *options) { o.schema = doc }
}

// WithGeneratedSchema enforces the schema reflected from T.
func WithGeneratedSchema[T any]() Option {
	return func(o *options) { o.schema = llm.GenerateSchema[T]() }
}

// WithRepair lets the validator retry near-valid JSON after Repair.
func WithRepair(enabled bool) Option {
	return func(o *options) { o.repair = enabled }
}

// WithFinishReasons replaces the set of finish reasons treated as normal.
// An empty finish reason is always accepted as unknown.
func WithFinishReasons(reasons ...string) Option {
	return func(o *options) { o.finishReasons = reasons }
}

// Validator classifies a completion as accepted or rejected. It is safe for
// concurrent use and never panics on malformed input.
type Validator[V any] struct {
	parse  ParseFunc[V]
	schema *jsonschema.Schema
	repair bool
	normal map[string]struct{}
}

// New builds a validator around parse.
func New[V any](parse ParseFunc[V], opts ...Option) (*Validator[V], error) {
	if parse == nil {
		return nil, fmt.Errorf("validate: parse function is required")
	}

	o := options{finishReasons: []string{llm.FinishStop}}
	for _, opt := range opts {
		opt(&o)
	}

	v := &Validator[V]{
		parse:  parse,
		repair: o.repair,
		normal: make(map[string]struct{}, len(o.finishReasons)),
	}
	for _, r := range o.finishReasons {
		v.normal[r] = struct{}{}
	}

	if o.schema != nil {
		sch, err := compileSchema(o.schema)
		if err != nil {
			return nil, err
		}
		v.schema = sch
	}
	return v, nil
}

// NewJSON builds a validator that decodes the completion text with encoding/json.
func NewJSON[V any](opts ...Option) (*Validator[V], error) {
	return New(func(text []byte) (V, error) {
		var out V
		err := json.Unmarshal(text, &out)
		return out, err
	}, opts...)
}

func compileSchema(doc any) (*jsonschema.Schema, error) {
	var raw []byte
	switch d := doc.(type) {
	case []byte:
		raw = d
	default:
		b, err := llm.SchemaJSON(doc)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	// Reflected schemas carry a package-derived $id that would rebase the resource.
	if m, ok := parsed.(map[string]any); ok {
		delete(m, "$id")
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaResource, parsed); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	sch, err := c.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// Validate accepts or rejects c. Rejections are *Rejection values.
func (v *Validator[V]) Validate(c *llm.Completion) (V, error) {
	var zero V
	if c == nil {
		return zero, &Rejection{Reason: ReasonEmptyResponse, Detail: "no completion"}
	}

	if c.FinishReason != "" {
		if _, ok := v.normal[c.FinishReason]; !ok {
			return zero, &Rejection{
				Reason:       ReasonGenerationBlocked,
				Detail:       "finish reason " + c.FinishReason,
				FinishReason: c.FinishReason,
			}
		}
	}

	text := strings.TrimSpace(c.Text)
	if text == "" {
		return zero, &Rejection{Reason: ReasonEmptyResponse, FinishReason: c.FinishReason}
	}

	out, rej := v.accept([]byte(text))
	if rej != nil && v.repair && rej.Reason == ReasonMalformedJSON {
		if repaired, ok := Repair(text); ok {
			fixed, again := v.accept([]byte(repaired))
			if again == nil {
				return fixed, nil
			}
			if again.Reason == ReasonSchemaViolation {
				rej = again
			}
		}
	}
	if rej != nil {
		rej.FinishReason = c.FinishReason
		return zero, rej
	}
	return out, nil
}

func (v *Validator[V]) accept(text []byte) (V, *Rejection) {
	var zero V

	if v.schema != nil {
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(text))
		if err != nil {
			return zero, &Rejection{Reason: ReasonMalformedJSON, Detail: logger.Truncate(err.Error(), 200)}
		}
		if err := v.schema.Validate(inst); err != nil {
			return zero, &Rejection{Reason: ReasonSchemaViolation, Detail: logger.Truncate(err.Error(), 500)}
		}
	}

	out, err := v.safeParse(text)
	if err != nil {
		// Well-formed JSON with a field of the wrong type.
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return zero, &Rejection{Reason: ReasonSchemaViolation, Detail: logger.Truncate(err.Error(), 500)}
		}
		return zero, &Rejection{Reason: ReasonMalformedJSON, Detail: logger.Truncate(err.Error(), 200)}
	}
	return out, nil
}

func (v *Validator[V]) safeParse(text []byte) (out V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parser panic: %v", r)
		}
	}()
	return v.parse(text)
}
