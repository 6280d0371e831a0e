package dispatch

import (
	"errors"

	"basegraph.app/batchinfer/common/llm"
)

var (
	// ErrInvalidArgument wraps every configuration or job-list error reported
	// before a run starts.
	ErrInvalidArgument = errors.New("dispatch: invalid argument")

	// ErrCancelled is the error of a cancelled outcome that never got a failure of its own.
	ErrCancelled = errors.New("dispatch: cancelled")

	errPanic = errors.New("panic")
)

// Outcome reasons that do not come from the endpoint or the validator.
const (
	ReasonCancelled = "cancelled"
	ReasonPanic     = "panic"
)

// reasonOf labels an attempt failure. Validator rejections expose a Code;
// anything else is classified as a transport error.
func reasonOf(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	if errors.Is(err, errPanic) {
		return ReasonPanic
	}
	return llm.ErrorReason(err)
}
