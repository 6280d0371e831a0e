package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	OTel     OTelConfig
	LLM      LLMConfig
	Dispatch DispatchConfig
	Sink     SinkConfig
	HTTP     HTTPConfig
	Env      string
	Debug    bool
	NodeID   int64
}

type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
}

type LLMConfig struct {
	Provider    string // "openai", "openrouter" or "anthropic"
	APIKey      string
	BaseURL     string // Optional: for custom endpoints
	Model       string
	MaxTokens   int
	Temperature *float64 // nil = model default
}

// DispatchConfig holds the dispatcher tunables. Durations accept Go duration
// syntax ("10s", "1m30s").
type DispatchConfig struct {
	PoolSize           int
	MaxAttempts        int
	BaseDelay          time.Duration
	PacingDelay        time.Duration
	PaceFailures       bool
	CallTimeout        time.Duration
	InterruptibleSleep bool
	RateLimit          float64 // requests per second across the pool, 0 = unlimited
	RateBurst          int
	BackoffMax         time.Duration
	BackoffJitter      time.Duration
}

type SinkConfig struct {
	OutputDir      string
	RedisURL       string
	RedisStream    string
	RedisDLQStream string
	DatabaseURL    string
	DBMaxConns     int32
	DBMinConns     int32
}

type HTTPConfig struct {
	Addr string // empty disables the control server
}

// Load loads configuration from environment variables.
// In development, it loads from .env.batchinfer, falling back to .env.
func Load() (Config, error) {
	if getEnv("BATCHINFER_ENV", "development") == "development" {
		if err := godotenv.Load(".env.batchinfer"); err != nil {
			_ = godotenv.Load(".env")
		}
	}

	temperature, err := getEnvFloatPtr("LLM_TEMPERATURE")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Env:    getEnv("BATCHINFER_ENV", "development"),
		Debug:  getEnvBool("BATCHINFER_DEBUG", false),
		NodeID: int64(getEnvInt("BATCHINFER_NODE_ID", 1)),
		OTel: OTelConfig{
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "batchinfer"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
		},
		LLM: LLMConfig{
			Provider:    getEnv("LLM_PROVIDER", "openai"),
			APIKey:      getEnv("LLM_API_KEY", ""),
			BaseURL:     getEnv("LLM_BASE_URL", ""),
			Model:       getEnv("LLM_MODEL", ""),
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 4000),
			Temperature: temperature,
		},
		Dispatch: DispatchConfig{
			PoolSize:           getEnvInt("DISPATCH_POOL_SIZE", 5),
			MaxAttempts:        getEnvInt("DISPATCH_MAX_ATTEMPTS", 4),
			BaseDelay:          getEnvDuration("DISPATCH_BASE_DELAY", 10*time.Second),
			PacingDelay:        getEnvDuration("DISPATCH_PACING_DELAY", 60*time.Second),
			PaceFailures:       getEnvBool("DISPATCH_PACE_FAILURES", false),
			CallTimeout:        getEnvDuration("DISPATCH_CALL_TIMEOUT", 10*time.Minute),
			InterruptibleSleep: getEnvBool("DISPATCH_INTERRUPTIBLE_SLEEP", true),
			RateLimit:          getEnvFloat("DISPATCH_RATE_LIMIT", 0),
			RateBurst:          getEnvInt("DISPATCH_RATE_BURST", 1),
			BackoffMax:         getEnvDuration("DISPATCH_BACKOFF_MAX", 0),
			BackoffJitter:      getEnvDuration("DISPATCH_BACKOFF_JITTER", time.Second),
		},
		Sink: SinkConfig{
			OutputDir:      getEnv("SINK_OUTPUT_DIR", "out"),
			RedisURL:       getEnv("REDIS_URL", ""),
			RedisStream:    getEnv("REDIS_STREAM", "batchinfer_results"),
			RedisDLQStream: getEnv("REDIS_DLQ_STREAM", "batchinfer_diagnostics"),
			DatabaseURL:    getEnv("DATABASE_URL", ""),
			DBMaxConns:     getEnvInt32("DB_MAX_CONNS", 4),
			DBMinConns:     getEnvInt32("DB_MIN_CONNS", 1),
		},
		HTTP: HTTPConfig{
			Addr: getEnv("HTTP_ADDR", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that cannot be defaulted.
func (c Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}
	switch c.LLM.Provider {
	case "openai", "openrouter", "anthropic":
	default:
		return fmt.Errorf("LLM_PROVIDER %q is not supported", c.LLM.Provider)
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("BATCHINFER_NODE_ID must be between 0 and 1023")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

func (c SinkConfig) RedisEnabled() bool {
	return c.RedisURL != ""
}

func (c SinkConfig) PostgresEnabled() bool {
	return c.DatabaseURL != ""
}

func (c HTTPConfig) Enabled() bool {
	return c.Addr != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt32(key string, fallback int32) int32 {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(i)
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvFloatPtr(key string) (*float64, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &f, nil
}
