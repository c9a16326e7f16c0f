package worker

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the exponential retry schedule. The delay for attempt N
// (1-based) is min(max, base*2^(N-1)) plus symmetric jitter, so synchronized
// failures fan out instead of thundering back in one herd.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	rand   func() float64
}

func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = time.Minute
	}
	if jitter < 0 || jitter >= 1 {
		jitter = 0.25
	}
	return &Backoff{Base: base, Max: max, Jitter: jitter, rand: rand.Float64}
}

// Delay returns the wait before retry attempt n. Attempts below 1 are
// treated as 1; the result is never negative and never above Max*(1+Jitter).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	// jitter in [-Jitter, +Jitter] of the computed delay
	d += d * b.Jitter * (2*b.rand() - 1)
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
