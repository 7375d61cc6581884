// Package backoff provides exponential backoff with optional jitter for the
// kernel's retry paths.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// BaseDelay is the delay after the first failed attempt.
	BaseDelay time.Duration
	// MaxDelay clamps the computed delay.
	MaxDelay time.Duration
	// Factor is the exponential growth factor per attempt.
	Factor float64
	// Jitter randomizes each delay by up to +/-50% when set.
	Jitter bool
}

// DefaultPolicy returns the kernel's standard backoff: 500ms base, 30s cap,
// doubling, jittered.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  30 * time.Second,
		Factor:    2,
		Jitter:    true,
	}
}

// Delay computes the backoff before retry attempt n (0-indexed: Delay(0) is
// the wait after the first failure). The base curve is
// BaseDelay * Factor^attempt, clamped to MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

// delayWithRand takes the random value explicitly so tests are deterministic.
// randomValue is in [0.0, 1.0).
func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}
	base := float64(p.BaseDelay) * math.Pow(factor, float64(attempt))
	if p.MaxDelay > 0 {
		base = math.Min(base, float64(p.MaxDelay))
	}
	if p.Jitter {
		// Scale into [0.5, 1.5) so the clamp above still bounds the mean.
		base *= 0.5 + randomValue
		if p.MaxDelay > 0 {
			base = math.Min(base, float64(p.MaxDelay))
		}
	}
	return time.Duration(base)
}
