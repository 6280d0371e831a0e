package dispatch

import (
	"fmt"
	"log/slog"
	"time"

	"basegraph.app/batchinfer/internal/backoff"
)

type Config struct {
	PoolSize    int           // concurrent workers
	MaxAttempts int           // tries per job, including the first
	BaseDelay   time.Duration // backoff unit
	PacingDelay time.Duration // per-worker pause after a success

	// PaceFailures applies PacingDelay after failed jobs too.
	PaceFailures bool

	// CallTimeout bounds a single endpoint call. 0 = no timeout.
	CallTimeout time.Duration

	// InterruptibleSleep lets cancellation cut backoff and pacing sleeps
	// short. When false a worker finishes its sleep before noticing.
	InterruptibleSleep bool

	// RateLimit caps calls per second across the pool. 0 = unlimited.
	RateLimit float64
	RateBurst int

	// Backoff is the retry delay policy. The zero value means backoff.Default();
	// a random source set with WithRand on the zero value is kept.
	Backoff backoff.Policy
}

// DefaultConfig returns the settings batch jobs were tuned with: five
// workers, four attempts, a 10s backoff unit and a one minute pause between
// successes.
func DefaultConfig() Config {
	return Config{
		PoolSize:           5,
		MaxAttempts:        4,
		BaseDelay:          10 * time.Second,
		PacingDelay:        60 * time.Second,
		CallTimeout:        10 * time.Minute,
		InterruptibleSleep: true,
		Backoff:            backoff.Default(),
	}
}

func (c Config) withDefaults() Config {
	c.Backoff = c.Backoff.OrDefault()
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}

// Validate reports configuration errors wrapped in ErrInvalidArgument.
func (c Config) Validate() error {
	switch {
	case c.PoolSize <= 0:
		return fmt.Errorf("%w: pool size must be positive, got %d", ErrInvalidArgument, c.PoolSize)
	case c.MaxAttempts <= 0:
		return fmt.Errorf("%w: max attempts must be positive, got %d", ErrInvalidArgument, c.MaxAttempts)
	case c.BaseDelay <= 0:
		return fmt.Errorf("%w: base delay must be positive, got %s", ErrInvalidArgument, c.BaseDelay)
	case c.PacingDelay < 0:
		return fmt.Errorf("%w: pacing delay must not be negative, got %s", ErrInvalidArgument, c.PacingDelay)
	case c.CallTimeout < 0:
		return fmt.Errorf("%w: call timeout must not be negative, got %s", ErrInvalidArgument, c.CallTimeout)
	case c.RateLimit < 0:
		return fmt.Errorf("%w: rate limit must not be negative, got %v", ErrInvalidArgument, c.RateLimit)
	}
	if err := c.Backoff.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return nil
}

// RetryObserver is told about every scheduled retry.
type RetryObserver func(index, attempt int, delay time.Duration, reason string)

type settings struct {
	metrics  *Metrics
	observer RetryObserver
	logger   *slog.Logger
}

type Option func(*settings)

// WithMetrics records dispatcher metrics on m.
func WithMetrics(m *Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

func WithRetryObserver(fn RetryObserver) Option {
	return func(s *settings) { s.observer = fn }
}

// WithLogger replaces slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}
