package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailgate/internal/admission"
	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/provider"
	"github.com/ignite/mailgate/internal/queue"
	"github.com/ignite/mailgate/internal/repository/postgres"
	"github.com/ignite/mailgate/internal/service/email"
)

type fakeOutbox struct {
	claimed  *domain.Outbox
	claimErr error

	sentID      string
	sentMsgID   string
	retriedID   string
	failedID    string
	statusTo    domain.OutboxStatus
	statusID    string
	logs        []*domain.EmailLog
	events      []domain.EventType
}

func (f *fakeOutbox) ClaimForProcessing(_ context.Context, id string) (*domain.Outbox, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	return f.claimed, nil
}

func (f *fakeOutbox) UpdateStatus(_ context.Context, id string, _ []domain.OutboxStatus, to domain.OutboxStatus, ev postgres.EventDraft) error {
	f.statusID, f.statusTo = id, to
	f.events = append(f.events, ev.Type)
	return nil
}

func (f *fakeOutbox) MarkSent(_ context.Context, id, msgID string, ev postgres.EventDraft) error {
	f.sentID, f.sentMsgID = id, msgID
	f.events = append(f.events, ev.Type)
	return nil
}

func (f *fakeOutbox) MarkRetrying(_ context.Context, id string, ev postgres.EventDraft) error {
	f.retriedID = id
	f.events = append(f.events, ev.Type)
	return nil
}

func (f *fakeOutbox) MarkFailed(_ context.Context, id string, ev postgres.EventDraft) error {
	f.failedID = id
	f.events = append(f.events, ev.Type)
	return nil
}

func (f *fakeOutbox) AppendLog(_ context.Context, l *domain.EmailLog) (string, error) {
	f.logs = append(f.logs, l)
	return "log-1", nil
}

func (f *fakeOutbox) AppendEvent(_ context.Context, _ string, _ *string, typ domain.EventType, _ domain.EventMetadata) error {
	f.events = append(f.events, typ)
	return nil
}

type fakeDLQ struct{ entries []*domain.DLQEntry }

func (f *fakeDLQ) Insert(_ context.Context, e *domain.DLQEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

type fakeCompanies struct{ company *domain.Company }

func (f *fakeCompanies) Get(_ context.Context, _ string) (*domain.Company, error) {
	if f.company == nil {
		return nil, email.ErrNotFound
	}
	return f.company, nil
}

type fakeProviderConfigs struct{ cfgs []domain.ProviderConfig }

func (f *fakeProviderConfigs) ListActive(_ context.Context, _ string) ([]domain.ProviderConfig, error) {
	return f.cfgs, nil
}

type fakeGate struct {
	domainErr    error
	recipientErr error
	capErr       error
	committed    int
}

func (f *fakeGate) CheckDomain(_ context.Context, _ *domain.Company) error { return f.domainErr }
func (f *fakeGate) CheckRecipients(_ context.Context, _ *domain.Company, _ []string) error {
	return f.recipientErr
}
func (f *fakeGate) CheckEmailCaps(_ context.Context, _ *domain.Company, _ int) error {
	return f.capErr
}
func (f *fakeGate) CommitSend(_ context.Context, _ string, n int) { f.committed += n }

type fakeBodies struct {
	html []byte
	err  error
	refs []string
}

func (f *fakeBodies) GetHTML(_ context.Context, ref string) ([]byte, error) {
	f.refs = append(f.refs, ref)
	return f.html, f.err
}

type fakeJobs struct {
	acked   []string
	retried []*queue.Envelope
	readyAt time.Time
}

func (f *fakeJobs) Ack(_ context.Context, jobID string) error {
	f.acked = append(f.acked, jobID)
	return nil
}

func (f *fakeJobs) Retry(_ context.Context, env *queue.Envelope, readyAt time.Time) error {
	f.retried = append(f.retried, env)
	f.readyAt = readyAt
	return nil
}

type fakeSender struct {
	res  *provider.Result
	err  error
	msgs []*provider.Message
}

func (f *fakeSender) Send(_ context.Context, _ []domain.ProviderConfig, msg *provider.Message) (*provider.Result, error) {
	f.msgs = append(f.msgs, msg)
	return f.res, f.err
}

func testOutboxRow(attempts int) *domain.Outbox {
	return &domain.Outbox{
		ID:        "job-1",
		CompanyID: "co-1",
		To:        "user@example.com",
		Subject:   "Your receipt",
		HTMLRef:   "<p>hi</p>",
		Status:    domain.StatusProcessing,
		Attempts:  attempts,
	}
}

func testEnvelope() *queue.Envelope {
	return &queue.Envelope{
		JobID:      "job-1",
		CompanyID:  "co-1",
		To:         "user@example.com",
		Subject:    "Your receipt",
		HTMLRef:    queue.InlineHTMLRef,
		EnqueuedAt: time.Now().Add(-time.Minute),
		ExpiresAt:  time.Now().Add(time.Hour),
	}
}

type pipeFixture struct {
	outbox    *fakeOutbox
	dlq       *fakeDLQ
	companies *fakeCompanies
	gate      *fakeGate
	bodies    *fakeBodies
	jobs      *fakeJobs
	sender    *fakeSender
	pipe      *Pipeline
}

func newFixture(attempts int) *pipeFixture {
	f := &pipeFixture{
		outbox:    &fakeOutbox{claimed: testOutboxRow(attempts)},
		dlq:       &fakeDLQ{},
		companies: &fakeCompanies{company: &domain.Company{ID: "co-1", DefaultFrom: "no-reply@acme.io", Approval: domain.ApprovalApproved}},
		gate:      &fakeGate{},
		bodies:    &fakeBodies{},
		jobs:      &fakeJobs{},
		sender:    &fakeSender{res: &provider.Result{MessageID: "ses-123", Provider: domain.ProviderSES}},
	}
	f.pipe = NewPipeline(f.outbox, f.dlq, f.companies, &fakeProviderConfigs{},
		f.gate, f.bodies, f.jobs, f.sender,
		PipelineConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.25})
	return f
}

func TestProcessSuccess(t *testing.T) {
	f := newFixture(1)

	err := f.pipe.Process(context.Background(), testEnvelope())
	require.NoError(t, err)

	assert.Equal(t, "job-1", f.outbox.sentID)
	assert.Equal(t, "ses-123", f.outbox.sentMsgID)
	assert.Equal(t, []string{"job-1"}, f.jobs.acked)
	require.Len(t, f.sender.msgs, 1)
	assert.Equal(t, "no-reply@acme.io", f.sender.msgs[0].From)
	require.Len(t, f.outbox.logs, 1)
	assert.Equal(t, domain.StatusSent, f.outbox.logs[0].Status)
	assert.Empty(t, f.dlq.entries)
	assert.Equal(t, 1, f.gate.committed)
}

func TestProcessClaimConflictIsNoOp(t *testing.T) {
	f := newFixture(1)
	f.outbox.claimErr = email.ErrTransitionConflict

	err := f.pipe.Process(context.Background(), testEnvelope())
	require.NoError(t, err)

	assert.Equal(t, []string{"job-1"}, f.jobs.acked)
	assert.Empty(t, f.sender.msgs)
	assert.Empty(t, f.outbox.logs)
}

func TestProcessRetryableFailureSchedulesRetry(t *testing.T) {
	f := newFixture(2)
	f.sender.res = nil
	f.sender.err = domain.NewTransient(domain.CodeProviderUnavailable, "ses 503", nil)

	err := f.pipe.Process(context.Background(), testEnvelope())
	require.NoError(t, err)

	assert.Equal(t, "job-1", f.outbox.retriedID)
	require.Len(t, f.jobs.retried, 1)
	assert.Equal(t, 2, f.jobs.retried[0].Attempt)
	assert.True(t, f.jobs.readyAt.After(time.Now()))
	assert.Empty(t, f.jobs.acked, "retry hands the job back through the delayed set, not ack")
	assert.Empty(t, f.dlq.entries)
}

func TestProcessExhaustedRetryableGoesToDLQ(t *testing.T) {
	f := newFixture(5)
	f.sender.res = nil
	f.sender.err = domain.NewTransient(domain.CodeProviderUnavailable, "ses 503", nil)

	err := f.pipe.Process(context.Background(), testEnvelope())
	require.NoError(t, err)

	require.Len(t, f.dlq.entries, 1)
	assert.Equal(t, domain.CodeProviderUnavailable, f.dlq.entries[0].LastFailureCode)
	assert.Equal(t, 5, f.dlq.entries[0].FailedAttempts)
	assert.NotEmpty(t, f.dlq.entries[0].LastFailureReason)
	assert.Equal(t, domain.StatusFailed, f.outbox.statusTo)
	assert.Contains(t, f.outbox.events, domain.EventDLQ)
	assert.Equal(t, []string{"job-1"}, f.jobs.acked)
}

func TestProcessPermanentFailureSkipsDLQ(t *testing.T) {
	f := newFixture(1)
	f.sender.res = nil
	f.sender.err = domain.NewPermanent(domain.CodeProviderRejected, "mailbox does not exist", nil)

	err := f.pipe.Process(context.Background(), testEnvelope())
	require.NoError(t, err)

	assert.Equal(t, "job-1", f.outbox.failedID)
	assert.Empty(t, f.dlq.entries, "permanent rejections are terminal without dead-lettering")
	assert.Empty(t, f.jobs.retried)
	assert.Equal(t, []string{"job-1"}, f.jobs.acked)
}

func TestProcessExpiredJobDeadLettersWithoutDispatch(t *testing.T) {
	f := newFixture(1)
	env := testEnvelope()
	env.ExpiresAt = time.Now().Add(-time.Minute)
	env.Attempt = 3

	err := f.pipe.Process(context.Background(), env)
	require.NoError(t, err)

	require.Len(t, f.dlq.entries, 1)
	assert.Equal(t, domain.CodeTTLExpired, f.dlq.entries[0].LastFailureCode)
	assert.Empty(t, f.sender.msgs)
	assert.Equal(t, []string{"job-1"}, f.jobs.acked)
}

func TestProcessSuppressedAtDispatchFailsTerminally(t *testing.T) {
	f := newFixture(1)
	f.gate.recipientErr = admission.ErrSuppressed

	err := f.pipe.Process(context.Background(), testEnvelope())
	require.NoError(t, err)

	assert.Equal(t, "job-1", f.outbox.failedID)
	assert.Empty(t, f.sender.msgs)
	assert.Empty(t, f.dlq.entries)
	require.Len(t, f.outbox.logs, 1)
	assert.Equal(t, domain.CodeSuppressed, f.outbox.logs[0].ErrorCode)
}

func TestProcessResolvesExternalBody(t *testing.T) {
	f := newFixture(1)
	f.outbox.claimed.HTMLRef = "s3://emails/html/co-1/job-1.html"
	f.bodies.html = []byte("<h1>offloaded</h1>")

	err := f.pipe.Process(context.Background(), testEnvelope())
	require.NoError(t, err)

	assert.Equal(t, []string{"s3://emails/html/co-1/job-1.html"}, f.bodies.refs)
	require.Len(t, f.sender.msgs, 1)
	assert.Equal(t, "<h1>offloaded</h1>", f.sender.msgs[0].HTML)
}

func TestProcessQuotaFailureRetries(t *testing.T) {
	f := newFixture(1)
	f.gate.capErr = admission.ErrDailyCapExceeded

	err := f.pipe.Process(context.Background(), testEnvelope())
	require.NoError(t, err)

	// quota errors are retryable: the cap window rolls over
	assert.Equal(t, "job-1", f.outbox.retriedID)
	require.Len(t, f.jobs.retried, 1)
	assert.Empty(t, f.dlq.entries)
}
