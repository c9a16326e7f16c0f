package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ignite/mailgate/internal/pkg/logger"
	"github.com/ignite/mailgate/internal/queue"
)

// DepthSource exposes the backlog snapshot the monitor samples.
type DepthSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// Monitor watches total queue depth and flips ingestion into shed mode when
// the backlog crosses the limit. Hysteresis: accepting resumes only once
// the backlog has drained below half the limit, so the gate doesn't flap
// around the threshold.
type Monitor struct {
	src      DepthSource
	limit    int64
	resumeAt int64
	interval time.Duration

	paused atomic.Bool
}

func NewMonitor(src DepthSource, limit int64, interval time.Duration) *Monitor {
	if limit <= 0 {
		limit = 100_000
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		src:      src,
		limit:    limit,
		resumeAt: limit / 2,
		interval: interval,
	}
}

// Accepting reports whether ingestion should take new work. The zero-value
// answer is yes; an unreachable queue is surfaced by the enqueue path
// itself, not here.
func (m *Monitor) Accepting() bool {
	return !m.paused.Load()
}

// Run samples depth until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	stats, err := m.src.Stats(ctx)
	if err != nil {
		logger.Warn("backpressure depth sample failed", "error", err.Error())
		return
	}
	depth := stats.Depth()
	switch {
	case !m.paused.Load() && depth >= m.limit:
		m.paused.Store(true)
		logger.Error("queue backlog over limit, shedding ingestion",
			"depth", depth, "limit", m.limit)
	case m.paused.Load() && depth <= m.resumeAt:
		m.paused.Store(false)
		logger.Info("queue backlog drained, accepting ingestion",
			"depth", depth, "resume_at", m.resumeAt)
	}
}
