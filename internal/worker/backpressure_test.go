package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ignite/mailgate/internal/queue"
)

type fakeDepth struct{ stats queue.Stats }

func (f *fakeDepth) Stats(_ context.Context) (queue.Stats, error) { return f.stats, nil }

func TestMonitorHysteresis(t *testing.T) {
	src := &fakeDepth{}
	m := NewMonitor(src, 1000, 0)
	ctx := context.Background()

	assert.True(t, m.Accepting())

	src.stats = queue.Stats{Ready: 999}
	m.sample(ctx)
	assert.True(t, m.Accepting())

	src.stats = queue.Stats{Ready: 800, Delayed: 150, Active: 50}
	m.sample(ctx)
	assert.False(t, m.Accepting(), "combined depth at the limit sheds ingestion")

	// draining below the limit is not enough; resume needs half
	src.stats = queue.Stats{Ready: 700}
	m.sample(ctx)
	assert.False(t, m.Accepting())

	src.stats = queue.Stats{Ready: 500}
	m.sample(ctx)
	assert.True(t, m.Accepting())
}
