package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/metrics"
	"github.com/ignite/mailgate/internal/pkg/logger"
	"github.com/ignite/mailgate/internal/queue"
	"github.com/ignite/mailgate/internal/repository/postgres"
)

// ReplayDLQ is the dead-letter slice the replayer consumes.
type ReplayDLQ interface {
	List(ctx context.Context, f postgres.DLQFilter) ([]domain.DLQEntry, error)
	MarkReplayed(ctx context.Context, jobID string) error
}

// Reviver moves a dead-lettered outbox row back into the live state
// machine.
type Reviver interface {
	ReviveForReplay(ctx context.Context, id string, ev postgres.EventDraft) error
}

// Enqueuer re-publishes revived jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, env *queue.Envelope) error
}

// ReplayConfig bounds the replay drain.
type ReplayConfig struct {
	// PerSecond paces re-enqueues so a drained DLQ doesn't slam providers.
	PerSecond float64
	// AbortAfter stops the run after this many consecutive failures; the
	// downstream problem that killed these jobs is likely still there.
	AbortAfter int
	// JobTTL is the fresh queue ttl granted to each replayed job.
	JobTTL time.Duration
}

func (c ReplayConfig) withDefaults() ReplayConfig {
	if c.PerSecond <= 0 {
		c.PerSecond = 1
	}
	if c.AbortAfter <= 0 {
		c.AbortAfter = 5
	}
	if c.JobTTL <= 0 {
		c.JobTTL = queue.DefaultTTL
	}
	return c
}

// ReplayReport summarizes one replay run.
type ReplayReport struct {
	Matched  int `json:"matched"`
	Replayed int `json:"replayed"`
	Skipped  int `json:"skipped"`
	Aborted  bool `json:"aborted"`
}

// Replayer re-enqueues dead-lettered jobs under their original outbox ids,
// with attempt counters reset so they get a full retry budget.
type Replayer struct {
	dlq     ReplayDLQ
	outbox  Reviver
	jobs    Enqueuer
	cfg     ReplayConfig
	limiter *rate.Limiter
	now     func() time.Time
}

func NewReplayer(dlq ReplayDLQ, outbox Reviver, jobs Enqueuer, cfg ReplayConfig) *Replayer {
	cfg = cfg.withDefaults()
	return &Replayer{
		dlq:     dlq,
		outbox:  outbox,
		jobs:    jobs,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.PerSecond), 1),
		now:     time.Now,
	}
}

// Replay drains the entries matching the filter. Already-replayed entries
// never match; each success is marked so a re-run is idempotent.
func (r *Replayer) Replay(ctx context.Context, f postgres.DLQFilter) (*ReplayReport, error) {
	entries, err := r.dlq.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}

	report := &ReplayReport{Matched: len(entries)}
	consecutive := 0
	for i := range entries {
		if err := r.limiter.Wait(ctx); err != nil {
			return report, err
		}
		if err := r.replayOne(ctx, &entries[i]); err != nil {
			report.Skipped++
			consecutive++
			logger.Error("replay failed", "job_id", entries[i].JobID, "error", err.Error())
			if consecutive >= r.cfg.AbortAfter {
				report.Aborted = true
				logger.Error("replay aborted after consecutive failures",
					"failures", consecutive, "replayed", report.Replayed)
				return report, nil
			}
			continue
		}
		consecutive = 0
		report.Replayed++
	}
	logger.Info("replay run finished",
		"matched", report.Matched, "replayed", report.Replayed, "skipped", report.Skipped)
	return report, nil
}

func (r *Replayer) replayOne(ctx context.Context, e *domain.DLQEntry) error {
	env, err := queue.Unmarshal(e.OriginalPayload)
	if err != nil {
		return fmt.Errorf("payload undecodable: %w", err)
	}

	now := r.now()
	env.Attempt = 0
	env.Priority = queue.DefaultPriority
	env.EnqueuedAt = now
	env.ExpiresAt = now.Add(r.cfg.JobTTL)

	ev := postgres.EventDraft{
		Type: domain.EventRetry,
		Metadata: domain.EventMetadata{
			ErrorCode:   e.LastFailureCode,
			ErrorReason: "replayed from dead-letter queue",
		},
	}
	if err := r.outbox.ReviveForReplay(ctx, e.OutboxID, ev); err != nil {
		return fmt.Errorf("revive outbox: %w", err)
	}
	if err := r.jobs.Enqueue(ctx, env); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if err := r.dlq.MarkReplayed(ctx, e.JobID); err != nil {
		return fmt.Errorf("mark replayed: %w", err)
	}
	metrics.JobsEnqueued.WithLabelValues("replay").Inc()
	return nil
}
