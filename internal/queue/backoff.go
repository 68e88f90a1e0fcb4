package queue

import (
	"math"
	"time"
)

// Backoff computes retry delays: Base * Factor^(attempts-1), capped at Max,
// then spread by ±Jitter so competing processes do not retry in lockstep.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	// Jitter is the maximum relative perturbation (0.2 = ±20%).
	Jitter float64
}

// DefaultBackoff returns 1.5s base, doubling, 5 minute cap, ±20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   1500 * time.Millisecond,
		Factor: 2,
		Max:    5 * time.Minute,
		Jitter: 0.2,
	}
}

// Raw returns the un-jittered delay after the given number of failed attempts.
func (b Backoff) Raw(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}
	d := float64(b.Base) * math.Pow(factor, float64(attempts-1))
	if b.Max > 0 && (d > float64(b.Max) || math.IsInf(d, 0)) {
		return b.Max
	}
	return time.Duration(d)
}

// Delay applies jitter to Raw. r must be uniform in [0,1).
func (b Backoff) Delay(attempts int, r float64) time.Duration {
	base := b.Raw(attempts)
	if b.Jitter <= 0 {
		return base
	}
	multiplier := 1.0 + (r*2-1)*b.Jitter
	return time.Duration(float64(base) * multiplier)
}
