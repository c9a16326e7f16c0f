// Package worker runs the dispatch side of the gateway: claiming jobs from
// the queue under per-tenant fairness, re-validating them, driving provider
// delivery, and landing every job in exactly one terminal state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/metrics"
	"github.com/ignite/mailgate/internal/pkg/logger"
	"github.com/ignite/mailgate/internal/provider"
	"github.com/ignite/mailgate/internal/queue"
	"github.com/ignite/mailgate/internal/repository/postgres"
	"github.com/ignite/mailgate/internal/service/email"
)

// validateTimeout bounds the pre-dispatch checks so a slow dependency never
// eats the whole lease.
const validateTimeout = 5 * time.Second

// OutboxStore is the outbox slice the pipeline drives.
type OutboxStore interface {
	ClaimForProcessing(ctx context.Context, id string) (*domain.Outbox, error)
	UpdateStatus(ctx context.Context, id string, from []domain.OutboxStatus, to domain.OutboxStatus, ev postgres.EventDraft) error
	MarkSent(ctx context.Context, id, providerMessageID string, ev postgres.EventDraft) error
	MarkRetrying(ctx context.Context, id string, ev postgres.EventDraft) error
	MarkFailed(ctx context.Context, id string, ev postgres.EventDraft) error
	AppendLog(ctx context.Context, l *domain.EmailLog) (string, error)
	AppendEvent(ctx context.Context, outboxID string, logID *string, typ domain.EventType, md domain.EventMetadata) error
}

// DLQStore receives terminally dead jobs.
type DLQStore interface {
	Insert(ctx context.Context, e *domain.DLQEntry) error
}

// CompanyGetter resolves the sending tenant.
type CompanyGetter interface {
	Get(ctx context.Context, id string) (*domain.Company, error)
}

// ProviderConfigSource lists the priority-ordered dispatch targets for a
// tenant.
type ProviderConfigSource interface {
	ListActive(ctx context.Context, companyID string) ([]domain.ProviderConfig, error)
}

// AdmissionChecker re-runs the policy gate at dispatch time. Hours can pass
// between accept and send; suppression, domain status and caps may have
// changed.
type AdmissionChecker interface {
	CheckDomain(ctx context.Context, company *domain.Company) error
	CheckRecipients(ctx context.Context, company *domain.Company, addrs []string) error
	CheckEmailCaps(ctx context.Context, company *domain.Company, pending int) error
	CommitSend(ctx context.Context, companyID string, n int)
}

// BodyStore resolves externalized html bodies.
type BodyStore interface {
	GetHTML(ctx context.Context, ref string) ([]byte, error)
}

// JobQueue is the queue slice the pipeline needs to finish a job.
type JobQueue interface {
	Ack(ctx context.Context, jobID string) error
	Retry(ctx context.Context, env *queue.Envelope, readyAt time.Time) error
}

// Sender dispatches one resolved message through a tenant's provider chain.
type Sender interface {
	Send(ctx context.Context, cfgs []domain.ProviderConfig, msg *provider.Message) (*provider.Result, error)
}

// FactorySender adapts the provider factory to the Sender interface.
type FactorySender struct {
	Factory *provider.Factory
}

func (s FactorySender) Send(ctx context.Context, cfgs []domain.ProviderConfig, msg *provider.Message) (*provider.Result, error) {
	ptrs := make([]*domain.ProviderConfig, len(cfgs))
	for i := range cfgs {
		ptrs[i] = &cfgs[i]
	}
	return s.Factory.Chain(ptrs).Send(ctx, msg)
}

// Pipeline processes one claimed job end to end. It is stateless and safe
// for concurrent use.
type Pipeline struct {
	outbox    OutboxStore
	dlq       DLQStore
	companies CompanyGetter
	providers ProviderConfigSource
	gate      AdmissionChecker
	bodies    BodyStore
	jobs      JobQueue
	sender    Sender

	backoff     *Backoff
	maxAttempts int
	dlqTTL      time.Duration
	now         func() time.Time
}

// PipelineConfig carries the retry policy knobs.
type PipelineConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	DLQTTL      time.Duration
}

func NewPipeline(outbox OutboxStore, dlq DLQStore, companies CompanyGetter,
	providers ProviderConfigSource, gate AdmissionChecker, bodies BodyStore,
	jobs JobQueue, sender Sender, cfg PipelineConfig) *Pipeline {

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.DLQTTL <= 0 {
		cfg.DLQTTL = 7 * 24 * time.Hour
	}
	return &Pipeline{
		outbox:      outbox,
		dlq:         dlq,
		companies:   companies,
		providers:   providers,
		gate:        gate,
		bodies:      bodies,
		jobs:        jobs,
		sender:      sender,
		backoff:     NewBackoff(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter),
		maxAttempts: cfg.MaxAttempts,
		dlqTTL:      cfg.DLQTTL,
		now:         time.Now,
	}
}

// Process drives one popped envelope to an outcome: sent, scheduled retry,
// terminal failure, or dead letter. A nil return means the job is settled
// and its lease released; an error leaves the lease to expire so the job is
// re-delivered.
func (p *Pipeline) Process(ctx context.Context, env *queue.Envelope) error {
	now := p.now()

	if env.Expired(now) {
		return p.deadLetter(ctx, env, nil, domain.CodeTTLExpired,
			"job exceeded its queue ttl before dispatch", "ttl_expired")
	}

	out, err := p.outbox.ClaimForProcessing(ctx, env.JobID)
	if err != nil {
		if errors.Is(err, email.ErrTransitionConflict) {
			// already terminal or claimed elsewhere; drop our copy
			logger.Info("job claim lost, acking", "job_id", env.JobID)
			return p.jobs.Ack(ctx, env.JobID)
		}
		return fmt.Errorf("claim %s: %w", env.JobID, err)
	}
	env.Attempt = out.Attempts
	metrics.QueueWaitDuration.Observe(now.Sub(env.EnqueuedAt).Seconds())

	msg, derr := p.validate(ctx, env, out)
	if derr != nil {
		return p.settleFailure(ctx, env, out, derr, 0)
	}

	cfgs, err := p.providers.ListActive(ctx, out.CompanyID)
	if err != nil {
		return p.settleFailure(ctx, env, out,
			domain.NewTransient(domain.CodeUnknown, "provider config lookup failed", err), 0)
	}

	start := p.now()
	res, err := p.sender.Send(ctx, cfgs, msg)
	elapsed := p.now().Sub(start)
	if err != nil {
		return p.settleFailure(ctx, env, out, domain.AsError(err), elapsed)
	}
	return p.settleSuccess(ctx, env, out, res, elapsed)
}

// validate re-checks admission and resolves the message body. Returns a
// taxonomy error on refusal; transient dependency failures come back
// retryable.
func (p *Pipeline) validate(ctx context.Context, env *queue.Envelope, out *domain.Outbox) (*provider.Message, *domain.Error) {
	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	if out.To == "" || out.Subject == "" {
		return nil, domain.NewPermanent(domain.CodeInvalidPayload,
			"outbox row is missing recipient or subject", nil)
	}

	company, err := p.companies.Get(vctx, out.CompanyID)
	if err != nil {
		if errors.Is(err, email.ErrNotFound) {
			return nil, domain.NewConfiguration(domain.CodeInvalidPayload,
				"sending company no longer exists", err)
		}
		return nil, domain.NewTransient(domain.CodeUnknown, "company lookup failed", err)
	}

	if err := p.gate.CheckDomain(vctx, company); err != nil {
		return nil, domain.AsError(err)
	}
	addrs := append([]string{out.To}, out.CC...)
	addrs = append(addrs, out.BCC...)
	if err := p.gate.CheckRecipients(vctx, company, addrs); err != nil {
		e := domain.AsError(err)
		if e.Code == domain.CodeSuppressed {
			metrics.SuppressionHits.WithLabelValues(company.ID).Inc()
		}
		return nil, e
	}
	if err := p.gate.CheckEmailCaps(vctx, company, 1); err != nil {
		return nil, domain.AsError(err)
	}

	html := out.HTMLRef
	if !out.HTMLInline() {
		b, err := p.bodies.GetHTML(vctx, out.HTMLRef)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, domain.NewTimeout(domain.CodeProviderTimeout, "body fetch timed out", err)
			}
			return nil, domain.NewTransient(domain.CodeInvalidTemplate, "body fetch failed", err)
		}
		html = string(b)
	}

	return &provider.Message{
		OutboxID:  out.ID,
		CompanyID: out.CompanyID,
		From:      company.DefaultFrom,
		To:        out.To,
		CC:        out.CC,
		BCC:       out.BCC,
		ReplyTo:   out.ReplyTo,
		Subject:   out.Subject,
		HTML:      html,
		Headers:   out.Headers,
		Tags:      out.Tags,
	}, nil
}

func (p *Pipeline) settleSuccess(ctx context.Context, env *queue.Envelope, out *domain.Outbox, res *provider.Result, elapsed time.Duration) error {
	logID, err := p.outbox.AppendLog(ctx, &domain.EmailLog{
		OutboxID:          out.ID,
		Attempt:           out.Attempts,
		Provider:          string(res.Provider),
		ProviderMessageID: res.MessageID,
		Status:            domain.StatusSent,
		DurationMS:        elapsed.Milliseconds(),
	})
	if err != nil {
		logger.Error("sent log write failed", "outbox_id", out.ID, "error", err.Error())
	}
	ev := postgres.EventDraft{
		LogID: optional(logID),
		Type:  domain.EventSent,
		Metadata: domain.EventMetadata{
			Attempt:   out.Attempts,
			Provider:  string(res.Provider),
			MessageID: res.MessageID,
		},
	}
	if err := p.outbox.MarkSent(ctx, out.ID, res.MessageID, ev); err != nil {
		if !errors.Is(err, email.ErrTransitionConflict) {
			return fmt.Errorf("mark sent %s: %w", out.ID, err)
		}
	}
	metrics.EmailsSent.WithLabelValues(string(res.Provider)).Inc()
	metrics.EndToEndDuration.Observe(p.now().Sub(env.EnqueuedAt).Seconds())
	p.gate.CommitSend(ctx, out.CompanyID, 1+len(out.CC)+len(out.BCC))
	logger.Info("email sent",
		"outbox_id", out.ID, "company_id", out.CompanyID,
		"provider", string(res.Provider), "attempt", out.Attempts,
		"duration_ms", elapsed.Milliseconds())
	return p.jobs.Ack(ctx, env.JobID)
}

// settleFailure applies the retry decision: delayed redelivery for
// retryable errors with attempts left, dead letter on exhaustion, terminal
// failure for everything non-retryable.
func (p *Pipeline) settleFailure(ctx context.Context, env *queue.Envelope, out *domain.Outbox, derr *domain.Error, elapsed time.Duration) error {
	logID, err := p.outbox.AppendLog(ctx, &domain.EmailLog{
		OutboxID:      out.ID,
		Attempt:       out.Attempts,
		Provider:      providerLabel(derr),
		Status:        domain.StatusFailed,
		ErrorCode:     derr.Code,
		ErrorCategory: derr.Category,
		ErrorReason:   derr.Message,
		DurationMS:    elapsed.Milliseconds(),
	})
	if err != nil {
		logger.Error("failure log write failed", "outbox_id", out.ID, "error", err.Error())
	}
	metrics.EmailsFailed.WithLabelValues(providerLabel(derr), string(derr.Category)).Inc()

	if derr.Retryable && out.Attempts < p.maxAttempts {
		delay := p.backoff.Delay(out.Attempts)
		readyAt := p.now().Add(delay)
		ev := postgres.EventDraft{
			LogID: optional(logID),
			Type:  domain.EventRetry,
			Metadata: domain.EventMetadata{
				Attempt:       out.Attempts,
				ErrorCode:     derr.Code,
				ErrorCategory: derr.Category,
				ErrorReason:   derr.Message,
				DelayMS:       delay.Milliseconds(),
				NextAttemptAt: &readyAt,
			},
		}
		if err := p.outbox.MarkRetrying(ctx, out.ID, ev); err != nil && !errors.Is(err, email.ErrTransitionConflict) {
			return fmt.Errorf("mark retrying %s: %w", out.ID, err)
		}
		if err := p.jobs.Retry(ctx, env, readyAt); err != nil {
			return fmt.Errorf("schedule retry %s: %w", env.JobID, err)
		}
		metrics.EmailsRetried.Inc()
		logger.Warn("dispatch failed, retry scheduled",
			"outbox_id", out.ID, "attempt", out.Attempts, "code", derr.Code,
			"delay_ms", delay.Milliseconds())
		return nil
	}

	if derr.Retryable {
		// attempts exhausted on a retryable failure
		return p.deadLetter(ctx, env, optional(logID), derr.Code, derr.Message, "max_attempts")
	}

	// non-retryable: terminal failure, no dead letter
	ev := postgres.EventDraft{
		LogID: optional(logID),
		Type:  domain.EventFailed,
		Metadata: domain.EventMetadata{
			Attempt:       out.Attempts,
			ErrorCode:     derr.Code,
			ErrorCategory: derr.Category,
			ErrorReason:   derr.Message,
		},
	}
	if err := p.outbox.MarkFailed(ctx, out.ID, ev); err != nil && !errors.Is(err, email.ErrTransitionConflict) {
		return fmt.Errorf("mark failed %s: %w", out.ID, err)
	}
	logger.Warn("dispatch failed terminally",
		"outbox_id", out.ID, "company_id", out.CompanyID,
		"code", derr.Code, "category", string(derr.Category))
	return p.jobs.Ack(ctx, env.JobID)
}

// deadLetter records the job in the DLQ and lands the outbox row in FAILED.
// Used for retry exhaustion and queue-ttl expiry.
func (p *Pipeline) deadLetter(ctx context.Context, env *queue.Envelope, logID *string, code, reason, promoteReason string) error {
	now := p.now()
	payload, err := env.Marshal()
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"jobId":%q}`, env.JobID))
	}
	entry := &domain.DLQEntry{
		JobID:             env.JobID,
		OutboxID:          env.JobID,
		CompanyID:         env.CompanyID,
		OriginalPayload:   payload,
		FailedAttempts:    env.Attempt,
		LastFailureReason: reason,
		LastFailureCode:   code,
		LastFailureAt:     now,
		EnqueuedAt:        env.EnqueuedAt,
		MovedToDLQAt:      now,
		ExpiresAt:         now.Add(p.dlqTTL),
	}
	if err := p.dlq.Insert(ctx, entry); err != nil {
		return fmt.Errorf("dead-letter %s: %w", env.JobID, err)
	}

	ev := postgres.EventDraft{
		LogID: logID,
		Type:  domain.EventDLQ,
		Metadata: domain.EventMetadata{
			Attempt:     env.Attempt,
			ErrorCode:   code,
			ErrorReason: reason,
		},
	}
	if err := p.outbox.UpdateStatus(ctx, env.JobID,
		append(domain.ClaimableStatuses(), domain.StatusProcessing),
		domain.StatusFailed, ev); err != nil && !errors.Is(err, email.ErrTransitionConflict) {
		return fmt.Errorf("fail dead-lettered %s: %w", env.JobID, err)
	}

	metrics.DLQPromoted.WithLabelValues(promoteReason).Inc()
	logger.Error("job moved to dead-letter queue",
		"job_id", env.JobID, "company_id", env.CompanyID,
		"code", code, "attempts", env.Attempt)
	return p.jobs.Ack(ctx, env.JobID)
}

func providerLabel(derr *domain.Error) string {
	// failures before any provider was reached carry an empty label
	switch derr.Category {
	case domain.CategoryValidation, domain.CategoryConfiguration:
		return "none"
	}
	return "chain"
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
