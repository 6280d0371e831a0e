package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"basegraph.app/batchinfer/internal/dispatch"
)

// StreamAdder is the part of *redis.Client the Redis sink uses.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

type RedisConfig struct {
	Stream    string // successes
	DLQStream string // diagnostics
	MaxLen    int64  // approximate stream cap, 0 = unbounded
}

// Redis publishes successes to one stream and diagnostics to a dead letter
// stream so downstream consumers can pick them up.
type Redis[V any] struct {
	client StreamAdder
	cfg    RedisConfig
	logger *slog.Logger
}

// NewRedisClient parses url and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

func NewRedis[V any](client StreamAdder, cfg RedisConfig, logger *slog.Logger) *Redis[V] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis[V]{client: client, cfg: cfg, logger: logger}
}

func (r *Redis[V]) Write(ctx context.Context, report *dispatch.Report[V]) error {
	for _, s := range report.Successes {
		values, err := SuccessValues(report.RunID, s)
		if err != nil {
			return err
		}
		if err := r.add(ctx, r.cfg.Stream, values); err != nil {
			return fmt.Errorf("xadd result (index=%d): %w", s.Index, err)
		}
	}

	for _, d := range report.Diagnostics {
		values, err := DiagnosticValues(report.RunID, d)
		if err != nil {
			return err
		}
		if err := r.add(ctx, r.cfg.DLQStream, values); err != nil {
			return fmt.Errorf("xadd dlq (stream=%s, index=%d): %w", r.cfg.DLQStream, d.Index, err)
		}
	}

	r.logger.InfoContext(ctx, "published run to redis",
		"stream", r.cfg.Stream,
		"dlq_stream", r.cfg.DLQStream,
		"results", len(report.Successes),
		"diagnostics", len(report.Diagnostics))
	return nil
}

func (r *Redis[V]) add(ctx context.Context, stream string, values map[string]any) error {
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if r.cfg.MaxLen > 0 {
		args.MaxLen = r.cfg.MaxLen
		args.Approx = true
	}
	return r.client.XAdd(ctx, args).Err()
}

func (r *Redis[V]) Close() error {
	return r.client.Close()
}

// SuccessValues flattens a success into stream fields.
func SuccessValues[V any](runID int64, s dispatch.Success[V]) (map[string]any, error) {
	value, err := json.Marshal(s.Value)
	if err != nil {
		return nil, fmt.Errorf("encoding value (index=%d): %w", s.Index, err)
	}
	values := map[string]any{
		"run_id":            runID,
		"index":             s.Index,
		"attempts":          s.Attempts,
		"prompt_tokens":     s.Usage.PromptTokens,
		"completion_tokens": s.Usage.CompletionTokens,
		"total_tokens":      s.Usage.TotalTokens,
		"value":             string(value),
	}
	if err := addMetadata(values, s.Metadata); err != nil {
		return nil, err
	}
	return values, nil
}

// DiagnosticValues flattens a diagnostic into stream fields.
func DiagnosticValues(runID int64, d dispatch.Diagnostic) (map[string]any, error) {
	values := map[string]any{
		"run_id":   runID,
		"index":    d.Index,
		"kind":     d.Kind.String(),
		"reason":   d.Reason,
		"attempts": d.Attempts,
	}
	if d.Error != "" {
		values["error"] = d.Error
	}
	if err := addMetadata(values, d.Metadata); err != nil {
		return nil, err
	}
	return values, nil
}

func addMetadata(values map[string]any, md map[string]string) error {
	if len(md) == 0 {
		return nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	values["metadata"] = string(b)
	return nil
}
