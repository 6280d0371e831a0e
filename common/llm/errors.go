package llm

import (
	"context"
	"errors"
	"net"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// Error reasons reported for failed calls. They label diagnostics and metrics;
// the dispatcher retries every one of them the same way.
const (
	ReasonRateLimited = "rate_limited"
	ReasonServerError = "server_error"
	ReasonClientError = "client_error"
	ReasonTimeout     = "timeout"
	ReasonCanceled    = "canceled"
	ReasonNoChoices   = "no_choices"
	ReasonTransport   = "transport"
)

// ErrorReason classifies a call error into one of the Reason* labels.
func ErrorReason(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}
	if errors.Is(err, ErrNoChoices) {
		return ReasonNoChoices
	}

	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return statusReason(openaiErr.StatusCode)
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return statusReason(anthropicErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}

	return ReasonTransport
}

func statusReason(code int) string {
	switch {
	case code == 429:
		return ReasonRateLimited
	case code == 408:
		return ReasonTimeout
	case code >= 500:
		return ReasonServerError
	default:
		return ReasonClientError
	}
}
