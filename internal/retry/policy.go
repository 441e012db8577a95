package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy controls how many times an operation is retried and how long to
// wait between attempts.
type Policy struct {
	// MaxRetries is the number of re-attempts after the initial one, so an
	// always-failing operation runs MaxRetries+1 times in total.
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultPolicy returns the tuning used when the config does not override it.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
	}
}

// Base returns the deterministic exponential component of the delay before
// re-attempt number attempt+1: min(maxDelay, initialDelay * factor^attempt).
// Large attempt numbers saturate at MaxDelay instead of overflowing.
func (p Policy) Base(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.InitialDelay) * math.Pow(factor, float64(attempt))
	if math.IsInf(d, 1) || d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay returns Base plus uniform jitter in [0, InitialDelay), so concurrent
// retries do not synchronize. The result never exceeds MaxDelay+InitialDelay.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base(attempt)
	if p.InitialDelay <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(p.InitialDelay)))
}
