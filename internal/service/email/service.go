package email

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/metrics"
	"github.com/ignite/mailgate/internal/pkg/logger"
	"github.com/ignite/mailgate/internal/queue"
	"github.com/ignite/mailgate/internal/sanitize"
	"github.com/ignite/mailgate/internal/secrets"
)

// Enqueuer hands accepted jobs to the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, env *queue.Envelope) error
}

// BodyStore offloads large HTML bodies and attachment content to external
// storage. References use the s3:// scheme.
type BodyStore interface {
	PutHTML(ctx context.Context, companyID, outboxID string, html []byte) (ref string, err error)
	PutAttachment(ctx context.Context, companyID, outboxID string, att sanitize.AttachmentInput) error
}

// Admission runs the body-dependent admission checks: suppression and
// sandbox gating need the decoded recipient set, the domain gate needs the
// tenant's verified sending domain.
type Admission interface {
	CheckRecipients(ctx context.Context, company *domain.Company, addrs []string) error
	CheckDomain(ctx context.Context, company *domain.Company) error
}

// ServiceConfig carries the tunables the ingestion path needs.
type ServiceConfig struct {
	InlineHTMLMax  int
	MaxHTMLBytes   int
	IdempotencyTTL time.Duration
	JobTTL         time.Duration
}

// Service implements the send pipeline's ingestion and read operations.
type Service struct {
	store     Store
	queue     Enqueuer
	bodies    BodyStore
	admission Admission
	policy    *sanitize.HTMLPolicy
	cipher    *secrets.Cipher
	validate  *validator.Validate
	cfg       ServiceConfig
}

// NewService wires the ingestion pipeline.
func NewService(store Store, q Enqueuer, bodies BodyStore, adm Admission, policy *sanitize.HTMLPolicy, cipher *secrets.Cipher, cfg ServiceConfig) *Service {
	if cfg.InlineHTMLMax <= 0 {
		cfg.InlineHTMLMax = 64 << 10
	}
	if cfg.MaxHTMLBytes <= 0 {
		cfg.MaxHTMLBytes = 1 << 20
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 48 * time.Hour
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = 24 * time.Hour
	}
	return &Service{
		store:     store,
		queue:     q,
		bodies:    bodies,
		admission: adm,
		policy:    policy,
		cipher:    cipher,
		validate:  validator.New(),
		cfg:       cfg,
	}
}

// SendInput is the decoded request body plus the relevant headers.
type SendInput struct {
	To          string                     `json:"to" validate:"required,email,max=254"`
	CC          []string                   `json:"cc" validate:"max=5,dive,email,max=254"`
	BCC         []string                   `json:"bcc" validate:"max=5,dive,email,max=254"`
	Subject     string                     `json:"subject" validate:"required,min=1,max=150"`
	HTML        string                     `json:"html" validate:"required"`
	ReplyTo     string                     `json:"replyTo" validate:"omitempty,email,max=254"`
	Headers     map[string]string          `json:"headers" validate:"max=10"`
	Tags        []string                   `json:"tags" validate:"max=5,dive,max=32"`
	Attachments []sanitize.AttachmentInput `json:"attachments" validate:"max=10"`
	Recipient   *RecipientInput            `json:"recipient"`
	ExternalID  string                     `json:"externalId"`

	// From headers, not the body.
	IdempotencyKey string `json:"-"`
	RequestID      string `json:"-"`
}

// RecipientInput is the optional identifier block. The fiscal identifier is
// encrypted at rest and never echoed back.
type RecipientInput struct {
	ExternalID  string `json:"externalId"`
	Nome        string `json:"nome" validate:"max=200"`
	RazaoSocial string `json:"razaoSocial" validate:"max=200"`
	CpfCnpj     string `json:"cpfCnpj" validate:"omitempty,min=11,max=18"`
}

// Receipt is the 202 response payload.
type Receipt struct {
	OutboxID   string              `json:"outboxId"`
	JobID      string              `json:"jobId"`
	RequestID  string              `json:"requestId"`
	Status     domain.OutboxStatus `json:"status"`
	ReceivedAt time.Time           `json:"receivedAt"`
	Recipient  *RecipientEcho      `json:"recipient,omitempty"`
}

// RecipientEcho returns only the caller's own identifier.
type RecipientEcho struct {
	ExternalID string `json:"externalId,omitempty"`
}

// Ingest runs the full accept path: validate, sanitize, idempotency,
// persist PENDING + CREATED, enqueue, flip to ENQUEUED. On success the row
// is committed and the job is durably queued.
func (s *Service) Ingest(ctx context.Context, company *domain.Company, in *SendInput) (*Receipt, error) {
	start := time.Now()
	if in.RequestID == "" {
		in.RequestID = uuid.New().String()
	}

	if err := s.validateInput(in); err != nil {
		metrics.EmailsRejected.WithLabelValues(domain.CodeValidationError).Inc()
		return nil, err
	}

	if err := s.admission.CheckDomain(ctx, company); err != nil {
		return nil, err
	}
	if err := s.admission.CheckRecipients(ctx, company, allRecipients(in)); err != nil {
		return nil, err
	}

	payloadHash := hashPayload(in)
	if in.IdempotencyKey != "" {
		receipt, done, err := s.replayIdempotent(ctx, company.ID, in, payloadHash)
		if err != nil || done {
			return receipt, err
		}
	}

	digest, err := sanitize.CheckAttachments(in.Attachments)
	if err != nil {
		metrics.EmailsRejected.WithLabelValues(domain.CodeInvalidPayload).Inc()
		return nil, domain.NewValidationError(domain.CodeInvalidPayload, err.Error())
	}

	clean := s.policy.Sanitize(in.HTML)
	outboxID := uuid.New().String()

	htmlRef := clean
	if len(clean) > s.cfg.InlineHTMLMax {
		ref, err := s.bodies.PutHTML(ctx, company.ID, outboxID, []byte(clean))
		if err != nil {
			return nil, domain.NewServiceUnavailable("body storage unavailable", err)
		}
		htmlRef = ref
	}
	for _, att := range in.Attachments {
		if err := s.bodies.PutAttachment(ctx, company.ID, outboxID, att); err != nil {
			return nil, domain.NewServiceUnavailable("attachment storage unavailable", err)
		}
	}

	o := &domain.Outbox{
		ID:               outboxID,
		CompanyID:        company.ID,
		To:               in.To,
		CC:               in.CC,
		BCC:              in.BCC,
		Subject:          in.Subject,
		HTMLRef:          htmlRef,
		ReplyTo:          in.ReplyTo,
		Headers:          in.Headers,
		Tags:             in.Tags,
		AttachmentCount:  len(in.Attachments),
		AttachmentDigest: digest,
		Status:           domain.StatusPending,
		RequestID:        in.RequestID,
	}
	if in.IdempotencyKey != "" {
		k := in.IdempotencyKey
		o.IdempotencyKey = &k
	}

	rcpt := s.buildRecipient(company.ID, in)
	var claim *IdempotencyClaim
	if in.IdempotencyKey != "" {
		claim = &IdempotencyClaim{
			Key:         in.IdempotencyKey,
			PayloadHash: payloadHash,
			ExpiresAt:   time.Now().UTC().Add(s.cfg.IdempotencyTTL),
		}
	}

	if err := s.store.CreateOutbox(ctx, o, rcpt, claim); err != nil {
		if errors.Is(err, ErrIdempotencyDuplicate) {
			// Lost the insert race; resolve against the stored claim.
			receipt, done, rerr := s.replayIdempotent(ctx, company.ID, in, payloadHash)
			if rerr != nil || done {
				return receipt, rerr
			}
			return nil, domain.NewConflict("idempotency key in flight")
		}
		return nil, domain.NewServiceUnavailable("outbox store unavailable", err)
	}

	if err := s.enqueue(ctx, o); err != nil {
		// Row stays PENDING; the sweeper re-enqueues it. The caller can also
		// retry with the same idempotency key.
		logger.Warn("enqueue failed, outbox left pending",
			"outbox_id", o.ID, "company_id", o.CompanyID, "error", err.Error())
		return nil, domain.NewServiceUnavailable("queue unavailable", err)
	}

	metrics.EmailsAccepted.WithLabelValues(company.ID).Inc()
	metrics.JobsEnqueued.WithLabelValues("initial").Inc()
	metrics.IngestionDuration.Observe(time.Since(start).Seconds())

	return s.receipt(o, in), nil
}

// replayIdempotent resolves an idempotency hit. done=true means the receipt
// (or error) is final; done=false with nil error means no claim exists yet.
func (s *Service) replayIdempotent(ctx context.Context, companyID string, in *SendInput, payloadHash string) (*Receipt, bool, error) {
	rec, err := s.store.ReadIdempotency(ctx, companyID, in.IdempotencyKey)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, domain.NewServiceUnavailable("idempotency lookup failed", err)
	}
	if rec.PayloadHash != payloadHash {
		metrics.EmailsRejected.WithLabelValues(domain.CodeConflict).Inc()
		return nil, true, domain.NewConflict("idempotency key reused with a different payload")
	}

	o, err := s.store.Get(ctx, companyID, rec.OutboxID)
	if err != nil {
		return nil, true, domain.NewServiceUnavailable("outbox store unavailable", err)
	}

	// A PENDING replay means the original enqueue never landed; finish it.
	if o.Status == domain.StatusPending {
		if err := s.enqueue(ctx, o); err != nil {
			return nil, true, domain.NewServiceUnavailable("queue unavailable", err)
		}
		o.Status = domain.StatusEnqueued
	}

	logger.Info("idempotent replay", "outbox_id", o.ID, "company_id", companyID)
	return s.receipt(o, in), true, nil
}

// enqueue publishes the job and confirms it on the outbox row. A failed
// confirm is tolerated: workers claim PENDING rows too.
func (s *Service) enqueue(ctx context.Context, o *domain.Outbox) error {
	now := time.Now().UTC()
	env := &queue.Envelope{
		JobID:      o.ID,
		CompanyID:  o.CompanyID,
		RequestID:  o.RequestID,
		To:         o.To,
		CC:         o.CC,
		BCC:        o.BCC,
		Subject:    o.Subject,
		HTMLRef:    o.HTMLRef,
		ReplyTo:    o.ReplyTo,
		Headers:    o.Headers,
		Tags:       o.Tags,
		Attempt:    0,
		Priority:   queue.DefaultPriority,
		EnqueuedAt: now,
		ExpiresAt:  now.Add(s.cfg.JobTTL),
	}
	if o.RecipientID != nil {
		env.RecipientID = *o.RecipientID
	}
	if o.HTMLInline() {
		env.HTMLRef = queue.InlineHTMLRef
	}

	if err := s.queue.Enqueue(ctx, env); err != nil {
		return err
	}
	if err := s.store.MarkEnqueued(ctx, o.ID); err != nil {
		logger.Warn("enqueue confirm failed", "outbox_id", o.ID, "error", err.Error())
	}
	return nil
}

func (s *Service) receipt(o *domain.Outbox, in *SendInput) *Receipt {
	r := &Receipt{
		OutboxID:   o.ID,
		JobID:      o.ID,
		RequestID:  in.RequestID,
		Status:     domain.StatusEnqueued,
		ReceivedAt: o.CreatedAt,
	}
	if o.CreatedAt.IsZero() {
		r.ReceivedAt = time.Now().UTC()
	}
	if ext := recipientExternalID(in); ext != "" {
		r.Recipient = &RecipientEcho{ExternalID: ext}
	}
	return r
}

func (s *Service) validateInput(in *SendInput) error {
	if len(in.HTML) > s.cfg.MaxHTMLBytes {
		return domain.NewPayloadTooLarge(fmt.Sprintf("html exceeds %d bytes", s.cfg.MaxHTMLBytes))
	}
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			code := domain.CodeValidationError
			if f.Tag() == "email" {
				code = domain.CodeInvalidEmail
			}
			return domain.NewValidationError(code,
				fmt.Sprintf("field %s failed on %s", f.Field(), f.Tag()))
		}
		return domain.NewValidationError(domain.CodeInvalidPayload, err.Error())
	}
	if strings.ContainsAny(in.Subject, "\r\n") {
		return domain.NewValidationError(domain.CodeValidationError, "subject must not contain line breaks")
	}
	for name, val := range in.Headers {
		if !headerAllowed(name) {
			return domain.NewValidationError(domain.CodeValidationError,
				fmt.Sprintf("header %q is not on the allow-list", name))
		}
		if len(val) > 256 {
			return domain.NewValidationError(domain.CodeValidationError,
				fmt.Sprintf("header %q value exceeds 256 characters", name))
		}
		if !headerTextClean(val) {
			return domain.NewValidationError(domain.CodeValidationError,
				fmt.Sprintf("header %q value contains control characters", name))
		}
	}
	return nil
}

// headerAllowed accepts only X-Custom-* and X-Priority. Names are vetted
// character by character; a line break or colon in the suffix would let a
// tenant splice extra headers into the wire message.
func headerAllowed(name string) bool {
	if !headerNameClean(name) {
		return false
	}
	if strings.EqualFold(name, "X-Priority") {
		return true
	}
	return len(name) > len("X-Custom-") && strings.EqualFold(name[:len("X-Custom-")], "X-Custom-")
}

// headerNameClean restricts names to RFC 5322 field-name characters:
// printable ASCII excluding colon.
func headerNameClean(name string) bool {
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 33 || c > 126 || c == ':' {
			return false
		}
	}
	return len(name) > 0
}

// headerTextClean rejects CR, LF, and every other non-printable byte so
// values cannot terminate the header line they are written into.
func headerTextClean(val string) bool {
	for i := 0; i < len(val); i++ {
		if c := val[i]; c < 32 || c == 127 {
			return false
		}
	}
	return true
}

func allRecipients(in *SendInput) []string {
	out := make([]string, 0, 1+len(in.CC)+len(in.BCC))
	out = append(out, in.To)
	out = append(out, in.CC...)
	out = append(out, in.BCC...)
	return out
}

func recipientExternalID(in *SendInput) string {
	if in.Recipient != nil && in.Recipient.ExternalID != "" {
		return in.Recipient.ExternalID
	}
	return in.ExternalID
}

// buildRecipient maps the identifier block to a recipient row, reducing the
// fiscal identifier to its (hash, ciphertext, salt) triple.
func (s *Service) buildRecipient(companyID string, in *SendInput) *domain.Recipient {
	if in.Recipient == nil && in.ExternalID == "" {
		return nil
	}
	r := &domain.Recipient{
		ID:        uuid.New().String(),
		CompanyID: companyID,
		Email:     in.To,
	}
	if ext := recipientExternalID(in); ext != "" {
		e := ext
		r.ExternalID = &e
	}
	if in.Recipient != nil {
		r.DisplayName = in.Recipient.Nome
		r.LegalName = in.Recipient.RazaoSocial
		if in.Recipient.CpfCnpj != "" && s.cipher != nil {
			r.FiscalHash = s.cipher.Hash(in.Recipient.CpfCnpj)
			if ct, salt, ver, err := s.cipher.Seal(in.Recipient.CpfCnpj); err == nil {
				r.FiscalCipher = ct
				r.FiscalSalt = salt
				r.FiscalKeyVer = ver
			} else {
				logger.Error("fiscal id encryption failed", "company_id", companyID, "error", err.Error())
			}
		}
	}
	return r
}

// hashPayload produces the idempotency comparison hash over the
// client-controlled body fields.
func hashPayload(in *SendInput) string {
	b, _ := json.Marshal(in)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// RevealFiscal decrypts a recipient's fiscal identifier. Callers hold a
// break-glass session and are responsible for auditing each reveal.
func (s *Service) RevealFiscal(r *domain.Recipient) (string, error) {
	if r == nil || !r.HasFiscalID() {
		return "", domain.NewNotFound(domain.CodeRecipientNotFound, "recipient has no fiscal identifier")
	}
	if s.cipher == nil {
		return "", domain.NewServiceUnavailable("fiscal encryption is not configured", nil)
	}
	plain, err := s.cipher.Open(r.FiscalCipher, r.FiscalSalt, r.FiscalKeyVer)
	if err != nil {
		return "", fmt.Errorf("open fiscal cipher: %w", err)
	}
	return plain, nil
}

// Get returns the full operator detail for one outbox row.
func (s *Service) Get(ctx context.Context, companyID, id string) (*Detail, error) {
	o, err := s.store.Get(ctx, companyID, id)
	if errors.Is(err, ErrNotFound) {
		return nil, domain.NewNotFound(domain.CodeOutboxNotFound, "email not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox: %w", err)
	}

	d := &Detail{Outbox: o}
	if d.Events, err = s.store.Events(ctx, o.ID); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if d.Logs, err = s.store.Logs(ctx, o.ID); err != nil {
		return nil, fmt.Errorf("load logs: %w", err)
	}
	if o.RecipientID != nil {
		r, err := s.store.GetRecipient(ctx, companyID, *o.RecipientID)
		if err != nil && !errors.Is(err, ErrRecipientNotFound) {
			return nil, fmt.Errorf("load recipient: %w", err)
		}
		d.Recipient = r
	}
	return d, nil
}

// Detail is the GET /v1/emails/:id aggregate.
type Detail struct {
	Outbox    *domain.Outbox
	Recipient *domain.Recipient
	Events    []domain.EmailEvent
	Logs      []domain.EmailLog
}

// ListFilter is the raw operator query before validation.
type ListFilter struct {
	Status              []string
	DateFrom            *time.Time
	DateTo              *time.Time
	To                  string
	RecipientExternalID string
	CpfCnpj             string
	RazaoSocial         string
	Nome                string
	Tags                []string
	PageSize            int
	Offset              *int
	Cursor              string
}

// Page is one operator list page with its pagination block.
type Page struct {
	Items      []domain.Outbox `json:"items"`
	Pagination Pagination      `json:"pagination"`
}

// Pagination mirrors the mode the caller chose: offset mode carries total,
// cursor mode carries the next opaque cursor.
type Pagination struct {
	PageSize   int    `json:"pageSize"`
	Offset     *int   `json:"offset,omitempty"`
	Total      *int   `json:"total,omitempty"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// List runs the operator search. Offset and cursor pagination are mutually
// exclusive; the fiscal filter is hashed before it reaches the store.
func (s *Service) List(ctx context.Context, companyID string, f ListFilter) (*Page, error) {
	if f.Offset != nil && f.Cursor != "" {
		return nil, domain.NewValidationError(domain.CodeValidationError,
			"cursor and offset pagination cannot be combined")
	}
	if f.PageSize <= 0 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		return nil, domain.NewValidationError(domain.CodeValidationError, "pageSize exceeds 100")
	}

	q := ListQuery{
		DateFrom:   f.DateFrom,
		DateTo:     f.DateTo,
		To:         f.To,
		ExternalID: f.RecipientExternalID,
		LegalName:  f.RazaoSocial,
		Name:       f.Nome,
		Tags:       f.Tags,
		PageSize:   f.PageSize,
	}
	for _, raw := range f.Status {
		st := domain.OutboxStatus(strings.ToUpper(strings.TrimSpace(raw)))
		switch st {
		case domain.StatusPending, domain.StatusEnqueued, domain.StatusProcessing,
			domain.StatusSent, domain.StatusFailed, domain.StatusRetrying:
			q.Status = append(q.Status, st)
		default:
			return nil, domain.NewValidationError(domain.CodeValidationError,
				fmt.Sprintf("unknown status %q", raw))
		}
	}
	if f.CpfCnpj != "" && s.cipher != nil {
		q.FiscalHash = s.cipher.Hash(f.CpfCnpj)
	}
	if f.Offset != nil {
		if *f.Offset < 0 {
			return nil, domain.NewValidationError(domain.CodeValidationError, "offset must be >= 0")
		}
		q.UseOffset = true
		q.Offset = *f.Offset
	} else if f.Cursor != "" {
		c, err := DecodeCursor(f.Cursor)
		if err != nil {
			return nil, domain.NewValidationError(domain.CodeValidationError, "malformed cursor")
		}
		q.Cursor = c
	}

	res, err := s.store.List(ctx, companyID, q)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}

	page := &Page{
		Items:      res.Items,
		Pagination: Pagination{PageSize: f.PageSize, HasMore: res.HasMore},
	}
	if q.UseOffset {
		total := res.Total
		page.Pagination.Offset = f.Offset
		page.Pagination.Total = &total
	} else if res.HasMore && len(res.Items) > 0 {
		last := res.Items[len(res.Items)-1]
		page.Pagination.NextCursor = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	return page, nil
}
