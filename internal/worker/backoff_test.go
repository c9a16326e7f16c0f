package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedRand(v float64) func() float64 { return func() float64 { return v } }

func TestBackoffDoublesPerAttempt(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute, 0.25)
	b.rand = fixedRand(0.5) // zero jitter offset

	assert.Equal(t, 1*time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 8*time.Second, b.Delay(4))
	assert.Equal(t, 16*time.Second, b.Delay(5))
}

func TestBackoffCapsAtMax(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute, 0.25)
	b.rand = fixedRand(0.5)

	assert.Equal(t, time.Minute, b.Delay(7))
	assert.Equal(t, time.Minute, b.Delay(50))
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute, 0.25)

	for attempt := 1; attempt <= 8; attempt++ {
		base := float64(time.Second) * float64(int(1)<<(attempt-1))
		if base > float64(time.Minute) {
			base = float64(time.Minute)
		}
		for i := 0; i < 200; i++ {
			d := float64(b.Delay(attempt))
			assert.GreaterOrEqual(t, d, base*0.75)
			assert.LessOrEqual(t, d, base*1.25)
		}
	}
}

func TestBackoffNeverNegative(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute, 0.25)
	b.rand = fixedRand(0) // fully negative jitter offset

	for attempt := 0; attempt < 10; attempt++ {
		assert.GreaterOrEqual(t, b.Delay(attempt), time.Duration(0))
	}
}
