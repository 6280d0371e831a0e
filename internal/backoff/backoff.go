// Package backoff computes the wait between retry attempts of an inference call.
//
// Delay = min(base * Growth^(attempt-1), Max) + U[0, Jitter).
//
// The jitter term spreads retries of workers that failed at the same moment
// (typically a burst of 429s) so they don't hit the endpoint again in lockstep.
package backoff

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

var ErrInvalidArgument = errors.New("backoff: invalid argument")

const (
	DefaultGrowth = 2.0
	DefaultJitter = time.Second
)

// Policy is an exponential backoff with additive jitter. The zero value is not
// usable; start from Default().
type Policy struct {
	Growth float64       // multiplier per attempt, must be >= 1
	Jitter time.Duration // upper bound (exclusive) of the random term, 0 disables it
	Max    time.Duration // cap on the exponential term, 0 = uncapped

	// rand returns a value in [0, 1). Nil uses math/rand/v2.
	rand func() float64
}

// Default returns Growth 2 with up to one second of jitter and no cap.
func Default() Policy {
	return Policy{
		Growth: DefaultGrowth,
		Jitter: DefaultJitter,
	}
}

// WithRand returns a copy of p that draws jitter from fn.
func (p Policy) WithRand(fn func() float64) Policy {
	p.rand = fn
	return p
}

// IsZero reports whether no parameter was set. An injected random source
// alone does not count.
func (p Policy) IsZero() bool {
	return p.Growth == 0 && p.Jitter == 0 && p.Max == 0
}

// OrDefault returns Default() when p is zero, keeping any random source
// injected with WithRand. Otherwise p is returned unchanged.
func (p Policy) OrDefault() Policy {
	if !p.IsZero() {
		return p
	}
	d := Default()
	d.rand = p.rand
	return d
}

// Validate reports whether the policy parameters are usable.
func (p Policy) Validate() error {
	if p.Growth < 1 || math.IsNaN(p.Growth) || math.IsInf(p.Growth, 0) {
		return fmt.Errorf("%w: growth must be >= 1, got %v", ErrInvalidArgument, p.Growth)
	}
	if p.Jitter < 0 {
		return fmt.Errorf("%w: jitter must not be negative, got %s", ErrInvalidArgument, p.Jitter)
	}
	if p.Max < 0 {
		return fmt.Errorf("%w: max must not be negative, got %s", ErrInvalidArgument, p.Max)
	}
	return nil
}

// Delay returns how long to wait after the given 1-based attempt failed.
func (p Policy) Delay(attempt int, base time.Duration) (time.Duration, error) {
	if attempt < 1 {
		return 0, fmt.Errorf("%w: attempt must be >= 1, got %d", ErrInvalidArgument, attempt)
	}
	if base <= 0 {
		return 0, fmt.Errorf("%w: base delay must be positive, got %s", ErrInvalidArgument, base)
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}

	d := float64(base) * math.Pow(p.Growth, float64(attempt-1))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	// Guard against overflow for large attempt counts.
	if d > float64(math.MaxInt64/2) {
		d = float64(math.MaxInt64 / 2)
	}

	return time.Duration(d) + p.jitter(), nil
}

func (p Policy) jitter() time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	r := p.rand
	if r == nil {
		r = rand.Float64 //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(r() * float64(p.Jitter))
}
