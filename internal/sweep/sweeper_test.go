package sweep

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/queue"
	"github.com/ignite/mailgate/internal/repository/postgres"
)

type fakeLock struct {
	held     bool
	acquired int
}

func (l *fakeLock) Acquire(_ context.Context) (bool, error) {
	l.acquired++
	return !l.held, nil
}
func (l *fakeLock) Release(_ context.Context) error { return nil }

type fakeOutboxSweep struct {
	stuck    []domain.Outbox
	rows     map[string]*domain.Outbox
	enqueued []string
	failed   []string
}

func (f *fakeOutboxSweep) StuckPending(_ context.Context, _ time.Duration, _ int) ([]domain.Outbox, error) {
	return f.stuck, nil
}
func (f *fakeOutboxSweep) GetByID(_ context.Context, id string) (*domain.Outbox, error) {
	if o, ok := f.rows[id]; ok {
		return o, nil
	}
	return nil, errors.New("not found")
}
func (f *fakeOutboxSweep) MarkEnqueued(_ context.Context, id string) error {
	f.enqueued = append(f.enqueued, id)
	return nil
}
func (f *fakeOutboxSweep) UpdateStatus(_ context.Context, id string, _ []domain.OutboxStatus, to domain.OutboxStatus, _ postgres.EventDraft) error {
	if to == domain.StatusFailed {
		f.failed = append(f.failed, id)
	}
	return nil
}

type fakeMaint struct {
	recovered []string
	stats     []postgres.BounceStats
	sent      map[string]int
	purged    int64
}

func (f *fakeMaint) RecoverStaleProcessing(_ context.Context, _ time.Duration, _ int) ([]string, error) {
	return f.recovered, nil
}
func (f *fakeMaint) PurgeIdempotency(_ context.Context) (int64, error) { return f.purged, nil }
func (f *fakeMaint) PseudonymizeOutbox(_ context.Context, _ time.Time, _ int) (int64, error) {
	return 0, nil
}
func (f *fakeMaint) PseudonymizeRecipients(_ context.Context, _ time.Time, _ int) (int64, error) {
	return 0, nil
}
func (f *fakeMaint) HardDeleteOutbox(_ context.Context, _ time.Time, _ int) (int64, error) {
	return 0, nil
}
func (f *fakeMaint) BounceStats(_ context.Context, _ time.Time) ([]postgres.BounceStats, error) {
	return f.stats, nil
}
func (f *fakeMaint) SentCount(_ context.Context, companyID string, _ time.Time) (int, error) {
	return f.sent[companyID], nil
}

type fakeDLQSweep struct {
	active   int
	expired  []domain.DLQEntry
	oldest   []domain.DLQEntry
	inserted []*domain.DLQEntry
	deleted  []string
}

func (f *fakeDLQSweep) Insert(_ context.Context, e *domain.DLQEntry) error {
	f.inserted = append(f.inserted, e)
	return nil
}
func (f *fakeDLQSweep) CountActive(_ context.Context) (int, error) { return f.active, nil }
func (f *fakeDLQSweep) ListExpired(_ context.Context, _ time.Time, _ int) ([]domain.DLQEntry, error) {
	return f.expired, nil
}
func (f *fakeDLQSweep) ListOldestActive(_ context.Context, limit int) ([]domain.DLQEntry, error) {
	if limit > len(f.oldest) {
		limit = len(f.oldest)
	}
	return f.oldest[:limit], nil
}
func (f *fakeDLQSweep) Delete(_ context.Context, ids []string) (int64, error) {
	f.deleted = append(f.deleted, ids...)
	return int64(len(ids)), nil
}

type fakeArchiver struct {
	batches [][]*domain.DLQEntry
	err     error
}

func (f *fakeArchiver) ArchiveDLQ(_ context.Context, _ time.Time, entries []*domain.DLQEntry) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.batches = append(f.batches, entries)
	return "dlq-archive/2026-08-26.jsonl", nil
}

type fakeQueueSweep struct {
	enqueued []*queue.Envelope
	expired  []*queue.Envelope
}

func (f *fakeQueueSweep) Enqueue(_ context.Context, env *queue.Envelope) error {
	f.enqueued = append(f.enqueued, env)
	return nil
}
func (f *fakeQueueSweep) ExpiredReady(_ context.Context, _ int) ([]*queue.Envelope, error) {
	return f.expired, nil
}

type fakeReputation struct{ updates map[string][2]float64 }

func (f *fakeReputation) UpdateReputation(_ context.Context, id string, b, c float64) error {
	if f.updates == nil {
		f.updates = map[string][2]float64{}
	}
	f.updates[id] = [2]float64{b, c}
	return nil
}

type fakeCapSync struct{ synced map[string]int }

func (f *fakeCapSync) SyncDayCounter(_ context.Context, id string, sent int) error {
	if f.synced == nil {
		f.synced = map[string]int{}
	}
	f.synced[id] = sent
	return nil
}

type sweepFixture struct {
	outbox  *fakeOutboxSweep
	maint   *fakeMaint
	dlq     *fakeDLQSweep
	archive *fakeArchiver
	jobs    *fakeQueueSweep
	reput   *fakeReputation
	caps    *fakeCapSync
	lock    *fakeLock
	sweeper *Sweeper
}

func newSweepFixture() *sweepFixture {
	f := &sweepFixture{
		outbox:  &fakeOutboxSweep{rows: map[string]*domain.Outbox{}},
		maint:   &fakeMaint{sent: map[string]int{}},
		dlq:     &fakeDLQSweep{},
		archive: &fakeArchiver{},
		jobs:    &fakeQueueSweep{},
		reput:   &fakeReputation{},
		caps:    &fakeCapSync{},
		lock:    &fakeLock{},
	}
	f.sweeper = New(f.outbox, f.maint, f.dlq, f.archive, f.jobs, f.reput, f.caps,
		f.lock, Config{DLQMaxSize: 10})
	return f
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	f := newSweepFixture()
	f.lock.held = true
	f.outbox.stuck = []domain.Outbox{{ID: "o-1", CompanyID: "co-1", To: "u@example.com", Subject: "s", HTMLRef: "<p>x</p>"}}

	f.sweeper.SweepOnce(context.Background())

	assert.Equal(t, 1, f.lock.acquired)
	assert.Empty(t, f.jobs.enqueued)
}

func TestSweepRequeuesStuckPending(t *testing.T) {
	f := newSweepFixture()
	f.outbox.stuck = []domain.Outbox{
		{ID: "o-1", CompanyID: "co-1", To: "u@example.com", Subject: "s", HTMLRef: "<p>x</p>"},
	}

	f.sweeper.SweepOnce(context.Background())

	require.Len(t, f.jobs.enqueued, 1)
	env := f.jobs.enqueued[0]
	assert.Equal(t, "o-1", env.JobID)
	assert.Equal(t, queue.InlineHTMLRef, env.HTMLRef, "inline bodies stay on the outbox row")
	assert.True(t, env.ExpiresAt.After(time.Now()))
	assert.Equal(t, []string{"o-1"}, f.outbox.enqueued)
}

func TestSweepRecoversStaleProcessing(t *testing.T) {
	f := newSweepFixture()
	f.maint.recovered = []string{"o-9"}
	f.outbox.rows["o-9"] = &domain.Outbox{
		ID: "o-9", CompanyID: "co-1", To: "u@example.com", Subject: "s",
		HTMLRef: "s3://emails/html/co-1/o-9.html", Attempts: 2,
	}

	f.sweeper.SweepOnce(context.Background())

	require.Len(t, f.jobs.enqueued, 1)
	assert.Equal(t, "o-9", f.jobs.enqueued[0].JobID)
	assert.Equal(t, "s3://emails/html/co-1/o-9.html", f.jobs.enqueued[0].HTMLRef)
	assert.Equal(t, 2, f.jobs.enqueued[0].Attempt)
}

func TestSweepDeadLettersExpiredReadyJobs(t *testing.T) {
	f := newSweepFixture()
	f.jobs.expired = []*queue.Envelope{
		{JobID: "o-2", CompanyID: "co-1", To: "u@example.com", Subject: "s",
			HTMLRef: queue.InlineHTMLRef, Attempt: 1,
			EnqueuedAt: time.Now().Add(-25 * time.Hour)},
	}

	f.sweeper.SweepOnce(context.Background())

	require.Len(t, f.dlq.inserted, 1)
	assert.Equal(t, domain.CodeTTLExpired, f.dlq.inserted[0].LastFailureCode)
	assert.NotEmpty(t, f.dlq.inserted[0].LastFailureReason)
	assert.Equal(t, []string{"o-2"}, f.outbox.failed)
}

func TestSweepArchivesExpiredDLQ(t *testing.T) {
	f := newSweepFixture()
	f.dlq.expired = []domain.DLQEntry{
		{JobID: "j-1", CompanyID: "co-1", LastFailureReason: "x"},
		{JobID: "j-2", CompanyID: "co-1", LastFailureReason: "y"},
	}

	f.sweeper.SweepOnce(context.Background())

	require.Len(t, f.archive.batches, 1)
	assert.Len(t, f.archive.batches[0], 2)
	assert.ElementsMatch(t, []string{"j-1", "j-2"}, f.dlq.deleted)
}

func TestSweepKeepsDLQWhenArchiveFails(t *testing.T) {
	f := newSweepFixture()
	f.dlq.expired = []domain.DLQEntry{{JobID: "j-1", LastFailureReason: "x"}}
	f.archive.err = errors.New("s3 unavailable")

	f.sweeper.SweepOnce(context.Background())

	assert.Empty(t, f.dlq.deleted, "rows without an archive copy are never deleted")
}

func TestSweepCapsDLQByArchivingOldest(t *testing.T) {
	f := newSweepFixture()
	f.dlq.active = 13 // cap is 10
	f.dlq.oldest = []domain.DLQEntry{
		{JobID: "old-1", LastFailureReason: "x"},
		{JobID: "old-2", LastFailureReason: "x"},
		{JobID: "old-3", LastFailureReason: "x"},
		{JobID: "old-4", LastFailureReason: "x"},
	}

	f.sweeper.SweepOnce(context.Background())

	assert.ElementsMatch(t, []string{"old-1", "old-2", "old-3"}, f.dlq.deleted)
}

func TestSweepReputationAndCapSync(t *testing.T) {
	f := newSweepFixture()
	f.maint.stats = []postgres.BounceStats{
		{CompanyID: "co-big", Sent: 1000, Bounced: 30, Complained: 1},
		{CompanyID: "co-tiny", Sent: 4, Bounced: 4},
	}
	f.maint.sent = map[string]int{"co-big": 820, "co-tiny": 2}

	f.sweeper.SweepOnce(context.Background())

	require.Contains(t, f.reput.updates, "co-big")
	assert.InDelta(t, 0.03, f.reput.updates["co-big"][0], 1e-9)
	assert.NotContains(t, f.reput.updates, "co-tiny", "too few sends for a meaningful rate")
	assert.Equal(t, 820, f.caps.synced["co-big"])
	assert.Equal(t, 2, f.caps.synced["co-tiny"], "day counters sync regardless of sample size")
}
