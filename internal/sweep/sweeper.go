// Package sweep is the maintenance loop: it repairs rows the crash paths
// left behind, enforces queue and dead-letter TTLs, ages out PII, and keeps
// the reputation counters fresh. Exactly one sweeper runs at a time across
// the fleet, guarded by a distributed lock.
package sweep

import (
	"context"
	"time"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/metrics"
	"github.com/ignite/mailgate/internal/pkg/distlock"
	"github.com/ignite/mailgate/internal/pkg/logger"
	"github.com/ignite/mailgate/internal/queue"
	"github.com/ignite/mailgate/internal/repository/postgres"
)

// OutboxSweep is the outbox slice the sweeper repairs.
type OutboxSweep interface {
	StuckPending(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Outbox, error)
	GetByID(ctx context.Context, id string) (*domain.Outbox, error)
	MarkEnqueued(ctx context.Context, outboxID string) error
	UpdateStatus(ctx context.Context, id string, from []domain.OutboxStatus, to domain.OutboxStatus, ev postgres.EventDraft) error
}

// MaintenanceStore covers crash recovery, retention, and reputation reads.
type MaintenanceStore interface {
	RecoverStaleProcessing(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)
	PurgeIdempotency(ctx context.Context) (int64, error)
	PseudonymizeOutbox(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	PseudonymizeRecipients(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	HardDeleteOutbox(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	BounceStats(ctx context.Context, since time.Time) ([]postgres.BounceStats, error)
	SentCount(ctx context.Context, companyID string, since time.Time) (int, error)
}

// DLQSweep is the dead-letter slice the sweeper ages and caps.
type DLQSweep interface {
	Insert(ctx context.Context, e *domain.DLQEntry) error
	CountActive(ctx context.Context) (int, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.DLQEntry, error)
	ListOldestActive(ctx context.Context, limit int) ([]domain.DLQEntry, error)
	Delete(ctx context.Context, jobIDs []string) (int64, error)
}

// Archiver lands aged dead letters in long-term storage before deletion.
type Archiver interface {
	ArchiveDLQ(ctx context.Context, date time.Time, entries []*domain.DLQEntry) (string, error)
}

// QueueSweep is the queue slice the sweeper touches.
type QueueSweep interface {
	Enqueue(ctx context.Context, env *queue.Envelope) error
	ExpiredReady(ctx context.Context, perTenant int) ([]*queue.Envelope, error)
}

// ReputationStore receives the rolling bounce and complaint rates.
type ReputationStore interface {
	UpdateReputation(ctx context.Context, id string, bounceRate, complaintRate float64) error
}

// CapSync reconciles the Redis day counter to the database truth.
type CapSync interface {
	SyncDayCounter(ctx context.Context, companyID string, sent int) error
}

// Config tunes the sweep cycle.
type Config struct {
	Interval             time.Duration
	PendingRequeueAfter  time.Duration
	StaleProcessingAfter time.Duration
	JobTTL               time.Duration
	DLQTTL               time.Duration
	DLQMaxSize           int
	PseudonymizeAfter    time.Duration
	HardDeleteAfter      time.Duration
	BatchLimit           int
	// MinReputationSample suppresses rate updates for tenants with too few
	// sends to say anything meaningful.
	MinReputationSample int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.PendingRequeueAfter <= 0 {
		c.PendingRequeueAfter = 2 * time.Minute
	}
	if c.StaleProcessingAfter <= 0 {
		c.StaleProcessingAfter = 5 * time.Minute
	}
	if c.JobTTL <= 0 {
		c.JobTTL = queue.DefaultTTL
	}
	if c.DLQTTL <= 0 {
		c.DLQTTL = 7 * 24 * time.Hour
	}
	if c.DLQMaxSize <= 0 {
		c.DLQMaxSize = 10000
	}
	if c.PseudonymizeAfter <= 0 {
		c.PseudonymizeAfter = 90 * 24 * time.Hour
	}
	if c.HardDeleteAfter <= 0 {
		c.HardDeleteAfter = 180 * 24 * time.Hour
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 500
	}
	if c.MinReputationSample <= 0 {
		c.MinReputationSample = 100
	}
	return c
}

// Sweeper runs all maintenance passes under one lock.
type Sweeper struct {
	outbox  OutboxSweep
	maint   MaintenanceStore
	dlq     DLQSweep
	archive Archiver
	jobs    QueueSweep
	reput   ReputationStore
	caps    CapSync
	lock    distlock.DistLock
	cfg     Config
	now     func() time.Time
}

func New(outbox OutboxSweep, maint MaintenanceStore, dlq DLQSweep, archive Archiver,
	jobs QueueSweep, reput ReputationStore, caps CapSync, lock distlock.DistLock, cfg Config) *Sweeper {
	return &Sweeper{
		outbox:  outbox,
		maint:   maint,
		dlq:     dlq,
		archive: archive,
		jobs:    jobs,
		reput:   reput,
		caps:    caps,
		lock:    lock,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

// Run sweeps on the configured interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	logger.Info("sweeper starting", "interval_seconds", int(s.cfg.Interval.Seconds()))
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopped")
			return
		case <-t.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one full cycle if the lock is free. Passes are independent:
// one failing pass never blocks the others.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	ok, err := s.lock.Acquire(ctx)
	if err != nil {
		logger.Warn("sweep lock acquire failed", "error", err.Error())
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := s.lock.Release(ctx); err != nil {
			logger.Warn("sweep lock release failed", "error", err.Error())
		}
	}()

	s.requeueStuckPending(ctx)
	s.recoverStaleProcessing(ctx)
	s.expireQueuedJobs(ctx)
	s.ageDLQ(ctx)
	s.capDLQ(ctx)
	s.purgeIdempotency(ctx)
	s.enforceRetention(ctx)
	s.refreshReputation(ctx)
}

// requeueStuckPending re-publishes rows whose enqueue never landed: the
// outbox commit succeeded but the process died before the queue write.
func (s *Sweeper) requeueStuckPending(ctx context.Context) {
	rows, err := s.outbox.StuckPending(ctx, s.cfg.PendingRequeueAfter, s.cfg.BatchLimit)
	if err != nil {
		logger.Error("stuck pending scan failed", "error", err.Error())
		return
	}
	for i := range rows {
		o := &rows[i]
		if err := s.jobs.Enqueue(ctx, s.envelopeFor(o)); err != nil {
			logger.Error("stuck pending requeue failed", "outbox_id", o.ID, "error", err.Error())
			continue
		}
		if err := s.outbox.MarkEnqueued(ctx, o.ID); err != nil {
			logger.Warn("stuck pending mark failed", "outbox_id", o.ID, "error", err.Error())
		}
		metrics.JobsEnqueued.WithLabelValues("initial").Inc()
	}
	if len(rows) > 0 {
		logger.Warn("re-published stuck pending rows", "count", len(rows))
	}
}

// recoverStaleProcessing parks crashed-worker rows in RETRYING and puts
// their jobs back on the queue.
func (s *Sweeper) recoverStaleProcessing(ctx context.Context) {
	ids, err := s.maint.RecoverStaleProcessing(ctx, s.cfg.StaleProcessingAfter, s.cfg.BatchLimit)
	if err != nil {
		logger.Error("stale processing recovery failed", "error", err.Error())
		return
	}
	for _, id := range ids {
		o, err := s.outbox.GetByID(ctx, id)
		if err != nil {
			logger.Warn("recovered row fetch failed", "outbox_id", id, "error", err.Error())
			continue
		}
		if err := s.jobs.Enqueue(ctx, s.envelopeFor(o)); err != nil {
			logger.Error("recovered row requeue failed", "outbox_id", id, "error", err.Error())
		}
	}
	if len(ids) > 0 {
		logger.Warn("recovered stale processing rows", "count", len(ids))
	}
}

// expireQueuedJobs dead-letters ready jobs that outlived their queue ttl.
func (s *Sweeper) expireQueuedJobs(ctx context.Context) {
	envs, err := s.jobs.ExpiredReady(ctx, s.cfg.BatchLimit)
	if err != nil {
		logger.Error("expired job scan failed", "error", err.Error())
		return
	}
	now := s.now()
	for _, env := range envs {
		entry := &domain.DLQEntry{
			JobID:             env.JobID,
			OutboxID:          env.JobID,
			CompanyID:         env.CompanyID,
			OriginalPayload:   mustPayload(env),
			FailedAttempts:    env.Attempt,
			LastFailureReason: "job exceeded its queue ttl before dispatch",
			LastFailureCode:   domain.CodeTTLExpired,
			LastFailureAt:     now,
			EnqueuedAt:        env.EnqueuedAt,
			MovedToDLQAt:      now,
			ExpiresAt:         now.Add(s.cfg.DLQTTL),
		}
		if err := s.dlq.Insert(ctx, entry); err != nil {
			logger.Error("expired job dead-letter failed", "job_id", env.JobID, "error", err.Error())
			continue
		}
		ev := postgres.EventDraft{
			Type: domain.EventDLQ,
			Metadata: domain.EventMetadata{
				ErrorCode:   domain.CodeTTLExpired,
				ErrorReason: entry.LastFailureReason,
			},
		}
		if err := s.outbox.UpdateStatus(ctx, env.JobID,
			append(domain.ClaimableStatuses(), domain.StatusProcessing),
			domain.StatusFailed, ev); err != nil {
			logger.Warn("expired job fail transition lost", "job_id", env.JobID, "error", err.Error())
		}
		metrics.DLQPromoted.WithLabelValues("ttl_expired").Inc()
	}
}

// ageDLQ archives and deletes dead letters past their retention.
func (s *Sweeper) ageDLQ(ctx context.Context) {
	entries, err := s.dlq.ListExpired(ctx, s.now(), s.cfg.BatchLimit)
	if err != nil {
		logger.Error("dlq expiry scan failed", "error", err.Error())
		return
	}
	s.archiveAndDelete(ctx, entries, "ttl")
}

// capDLQ archives the oldest entries when the dead-letter set outgrows its
// cap, so one poisoned tenant cannot grow the table without bound.
func (s *Sweeper) capDLQ(ctx context.Context) {
	n, err := s.dlq.CountActive(ctx)
	if err != nil {
		logger.Error("dlq count failed", "error", err.Error())
		return
	}
	metrics.DLQDepth.Set(float64(n))
	if n <= s.cfg.DLQMaxSize {
		return
	}
	excess := n - s.cfg.DLQMaxSize
	if excess > s.cfg.BatchLimit {
		excess = s.cfg.BatchLimit
	}
	entries, err := s.dlq.ListOldestActive(ctx, excess)
	if err != nil {
		logger.Error("dlq overflow scan failed", "error", err.Error())
		return
	}
	s.archiveAndDelete(ctx, entries, "overflow")
}

func (s *Sweeper) archiveAndDelete(ctx context.Context, entries []domain.DLQEntry, cause string) {
	if len(entries) == 0 {
		return
	}
	ptrs := make([]*domain.DLQEntry, len(entries))
	ids := make([]string, len(entries))
	for i := range entries {
		ptrs[i] = &entries[i]
		ids[i] = entries[i].JobID
	}
	key, err := s.archive.ArchiveDLQ(ctx, s.now(), ptrs)
	if err != nil {
		// keep the rows; deletion without an archive copy loses the record
		logger.Error("dlq archive failed", "cause", cause, "error", err.Error())
		return
	}
	deleted, err := s.dlq.Delete(ctx, ids)
	if err != nil {
		logger.Error("dlq delete failed", "cause", cause, "error", err.Error())
		return
	}
	logger.Info("archived dead letters", "cause", cause, "count", deleted, "archive", key)
}

func (s *Sweeper) purgeIdempotency(ctx context.Context) {
	n, err := s.maint.PurgeIdempotency(ctx)
	if err != nil {
		logger.Error("idempotency purge failed", "error", err.Error())
		return
	}
	if n > 0 {
		logger.Info("purged expired idempotency keys", "count", n)
	}
}

// enforceRetention pseudonymizes old terminal rows and hard-deletes the
// oldest ones, children first.
func (s *Sweeper) enforceRetention(ctx context.Context) {
	now := s.now()
	if n, err := s.maint.PseudonymizeOutbox(ctx, now.Add(-s.cfg.PseudonymizeAfter), s.cfg.BatchLimit); err != nil {
		logger.Error("outbox pseudonymization failed", "error", err.Error())
	} else if n > 0 {
		logger.Info("pseudonymized outbox rows", "count", n)
	}
	if n, err := s.maint.PseudonymizeRecipients(ctx, now.Add(-s.cfg.PseudonymizeAfter), s.cfg.BatchLimit); err != nil {
		logger.Error("recipient pseudonymization failed", "error", err.Error())
	} else if n > 0 {
		logger.Info("pseudonymized recipients", "count", n)
	}
	if n, err := s.maint.HardDeleteOutbox(ctx, now.Add(-s.cfg.HardDeleteAfter), s.cfg.BatchLimit); err != nil {
		logger.Error("outbox hard delete failed", "error", err.Error())
	} else if n > 0 {
		logger.Info("hard-deleted outbox rows", "count", n)
	}
}

// refreshReputation recomputes rolling bounce and complaint rates over the
// last 24h and reconciles the Redis day counters for active senders.
func (s *Sweeper) refreshReputation(ctx context.Context) {
	now := s.now()
	stats, err := s.maint.BounceStats(ctx, now.Add(-24*time.Hour))
	if err != nil {
		logger.Error("bounce stats scan failed", "error", err.Error())
		return
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for _, st := range stats {
		if st.Sent >= s.cfg.MinReputationSample {
			bounce := float64(st.Bounced) / float64(st.Sent)
			complaint := float64(st.Complained) / float64(st.Sent)
			if err := s.reput.UpdateReputation(ctx, st.CompanyID, bounce, complaint); err != nil {
				logger.Warn("reputation update failed", "company_id", st.CompanyID, "error", err.Error())
			}
		}
		if s.caps != nil {
			sent, err := s.maint.SentCount(ctx, st.CompanyID, midnight)
			if err != nil {
				continue
			}
			if err := s.caps.SyncDayCounter(ctx, st.CompanyID, sent); err != nil {
				logger.Warn("day counter sync failed", "company_id", st.CompanyID, "error", err.Error())
			}
		}
	}
}

func (s *Sweeper) envelopeFor(o *domain.Outbox) *queue.Envelope {
	now := s.now()
	htmlRef := o.HTMLRef
	if o.HTMLInline() {
		htmlRef = queue.InlineHTMLRef
	}
	env := &queue.Envelope{
		JobID:      o.ID,
		CompanyID:  o.CompanyID,
		RequestID:  o.RequestID,
		To:         o.To,
		CC:         o.CC,
		BCC:        o.BCC,
		Subject:    o.Subject,
		HTMLRef:    htmlRef,
		ReplyTo:    o.ReplyTo,
		Headers:    o.Headers,
		Tags:       o.Tags,
		Attempt:    o.Attempts,
		Priority:   queue.DefaultPriority,
		EnqueuedAt: now,
		ExpiresAt:  now.Add(s.cfg.JobTTL),
	}
	if o.RecipientID != nil {
		env.RecipientID = *o.RecipientID
	}
	return env
}

func mustPayload(env *queue.Envelope) []byte {
	b, err := env.Marshal()
	if err != nil {
		return []byte(`{"jobId":"` + env.JobID + `"}`)
	}
	return b
}
