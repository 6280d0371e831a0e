package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// The dispatcher enriches the context as work moves from run to job to attempt, so
// every log line emitted by an endpoint or validator carries its attribution.
type LogFields struct {
	RunID     *int64  // Snowflake id of the dispatch run
	JobIndex  *int    // Submission index of the job
	Attempt   *int    // 1-based attempt number
	AttemptID *string // Per-attempt request id forwarded to the provider
	WorkerID  *int    // Pool slot processing the job
	Component string  // Component name (OTel semantic convention style, e.g., "batchinfer.dispatch.worker")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.RunID != nil {
		result.RunID = new.RunID
	}
	if new.JobIndex != nil {
		result.JobIndex = new.JobIndex
	}
	if new.Attempt != nil {
		result.Attempt = new.Attempt
	}
	if new.AttemptID != nil {
		result.AttemptID = new.AttemptID
	}
	if new.WorkerID != nil {
		result.WorkerID = new.WorkerID
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{JobIndex: logger.Ptr(i)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging potentially long strings like model output or error messages.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
