package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"basegraph.app/batchinfer/common/llm"
	"basegraph.app/batchinfer/core/config"
	"basegraph.app/batchinfer/internal/backoff"
	"basegraph.app/batchinfer/internal/dispatch"
	"basegraph.app/batchinfer/internal/sink"
)

// runFlags are command line overrides. Only flags the user actually set are
// applied over the environment.
type runFlags struct {
	manifest     string
	outputDir    string
	poolSize     int
	maxAttempts  int
	pacingDelay  time.Duration
	httpAddr     string
	debug        bool
	paceFailures bool
}

func (f runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed

	if changed("out") {
		cfg.Sink.OutputDir = f.outputDir
	}
	if changed("pool") {
		cfg.Dispatch.PoolSize = f.poolSize
	}
	if changed("attempts") {
		cfg.Dispatch.MaxAttempts = f.maxAttempts
	}
	if changed("pacing") {
		cfg.Dispatch.PacingDelay = f.pacingDelay
	}
	if changed("pace-failures") {
		cfg.Dispatch.PaceFailures = f.paceFailures
	}
	if changed("http") {
		cfg.HTTP.Addr = f.httpAddr
	}
	if changed("debug") {
		cfg.Debug = f.debug
	}
}

func dispatchConfig(c config.DispatchConfig) dispatch.Config {
	return dispatch.Config{
		PoolSize:           c.PoolSize,
		MaxAttempts:        c.MaxAttempts,
		BaseDelay:          c.BaseDelay,
		PacingDelay:        c.PacingDelay,
		PaceFailures:       c.PaceFailures,
		CallTimeout:        c.CallTimeout,
		InterruptibleSleep: c.InterruptibleSleep,
		RateLimit:          c.RateLimit,
		RateBurst:          c.RateBurst,
		Backoff: backoff.Policy{
			Growth: backoff.DefaultGrowth,
			Jitter: c.BackoffJitter,
			Max:    c.BackoffMax,
		},
	}
}

func llmConfig(c config.LLMConfig) llm.Config {
	return llm.Config{
		Provider:    c.Provider,
		APIKey:      c.APIKey,
		BaseURL:     c.BaseURL,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
	}
}

// buildSinks always writes files; Redis and Postgres join when configured.
// Already opened sinks are closed if a later one fails to connect.
func buildSinks[V any](ctx context.Context, cfg config.SinkConfig) (sink.Multi[V], error) {
	file, err := sink.NewFile[V](cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	sinks := sink.Multi[V]{file}

	if cfg.RedisEnabled() {
		client, err := sink.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		slog.InfoContext(ctx, "redis connected", "stream", cfg.RedisStream, "dlq_stream", cfg.RedisDLQStream)
		sinks = append(sinks, sink.NewRedis[V](client, sink.RedisConfig{
			Stream:    cfg.RedisStream,
			DLQStream: cfg.RedisDLQStream,
		}, slog.Default()))
	}

	if cfg.PostgresEnabled() {
		pool, err := sink.NewPool(ctx, sink.PostgresConfig{
			DSN:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		pg, err := sink.NewPostgres[V](ctx, pool, pool.Close)
		if err != nil {
			pool.Close()
			_ = sinks.Close()
			return nil, err
		}
		slog.InfoContext(ctx, "database connected")
		sinks = append(sinks, pg)
	}

	return sinks, nil
}
