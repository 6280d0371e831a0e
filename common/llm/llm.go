package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Provider constants for LLM provider selection.
const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
)

// Normalised finish reasons. Providers map their own stop reasons onto these;
// anything else is passed through verbatim.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
	FinishToolCalls     = "tool_calls"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

var ErrNoChoices = errors.New("no choices in response")

// Config holds LLM client configuration.
type Config struct {
	Provider    string   // "openai", "openrouter" or "anthropic"
	APIKey      string   // Required: API key for the provider
	BaseURL     string   // Optional: custom API endpoint
	Model       string   // Model name (e.g., "gpt-4o-mini", "openai/gpt-oss-120b")
	MaxTokens   int      // Default completion budget when a request leaves it at 0
	Temperature *float64 // nil = model default
}

// Client performs a single completion against a remote model. It never
// retries on its own; retrying is the dispatcher's job.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Model() string
}

// Request is one prompt. Schema, when set, is sent as a strict JSON schema
// response format to providers that support it.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	SchemaName   string
	Schema       any
	MaxTokens    int
	Temperature  *float64 // nil = model default, explicit 0 = deterministic
}

// Completion is the raw model output. It is not validated.
type Completion struct {
	Text         string
	FinishReason string
	Model        string
	Usage        Usage
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// New creates a Client for cfg.Provider. Defaults to OpenAI if no provider is specified.
func New(cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	switch cfg.Provider {
	case "", ProviderOpenAI:
		return newOpenAIClient(cfg)
	case ProviderOpenRouter:
		if cfg.BaseURL == "" {
			cfg.BaseURL = defaultOpenRouterBaseURL
		}
		if cfg.Model == "" {
			cfg.Model = "openai/gpt-oss-120b"
		}
		return newOpenAIClient(cfg)
	case ProviderAnthropic:
		return newAnthropicClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

func GenerateSchema[T any]() any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

// SchemaJSON renders a schema produced by GenerateSchema (or any JSON-marshalable
// schema document) to bytes.
func SchemaJSON(schema any) ([]byte, error) {
	if raw, ok := schema.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return b, nil
}

func Temp(t float64) *float64 {
	return &t
}

type requestIDKey struct{}

// WithRequestID attaches an idempotency/correlation id that clients forward to
// the provider as the X-Request-Id header.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
