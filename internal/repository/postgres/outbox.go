package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/service/email"
)

// outboxColumns is the canonical select list for email_outbox.
const outboxColumns = `id, company_id, recipient_id, to_address, cc, bcc, subject,
	       html_ref, COALESCE(reply_to,''), headers, tags, attachment_count,
	       COALESCE(attachment_digest,''), status, attempts, COALESCE(request_id,''),
	       idempotency_key, provider_message_id, created_at, updated_at`

// OutboxRepo implements email.Store against PostgreSQL and carries the
// CAS transitions the worker relies on.
type OutboxRepo struct{ db *sql.DB }

// NewOutboxRepo creates a Postgres-backed outbox repository.
func NewOutboxRepo(db *sql.DB) *OutboxRepo { return &OutboxRepo{db: db} }

// EventDraft is the event appended alongside a status transition.
type EventDraft struct {
	LogID    *string
	Type     domain.EventType
	Metadata domain.EventMetadata
}

func (r *OutboxRepo) CreateOutbox(ctx context.Context, o *domain.Outbox, rcpt *domain.Recipient, claim *email.IdempotencyClaim) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create outbox: %w", err)
	}
	defer tx.Rollback()

	if rcpt != nil {
		if err := upsertRecipientTx(ctx, tx, rcpt); err != nil {
			return err
		}
		o.RecipientID = &rcpt.ID
	}

	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	headers, err := marshalHeaders(o.Headers)
	if err != nil {
		return err
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO email_outbox
			(id, company_id, recipient_id, to_address, cc, bcc, subject, html_ref,
			 reply_to, headers, tags, attachment_count, attachment_digest,
			 status, attempts, request_id, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 0, $15, $16, NOW(), NOW())
		RETURNING created_at, updated_at
	`, o.ID, o.CompanyID, o.RecipientID, o.To, pq.Array(o.CC), pq.Array(o.BCC),
		o.Subject, o.HTMLRef, o.ReplyTo, headers, pq.Array(o.Tags),
		o.AttachmentCount, o.AttachmentDigest, o.Status, o.RequestID, o.IdempotencyKey,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}

	if claim != nil {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (company_id, key, outbox_id, payload_hash, created_at, expires_at)
			VALUES ($1, $2, $3, $4, NOW(), $5)
			ON CONFLICT (company_id, key) DO NOTHING
		`, o.CompanyID, claim.Key, o.ID, claim.PayloadHash, claim.ExpiresAt)
		if err != nil {
			return fmt.Errorf("claim idempotency key: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Rolling back discards the freshly inserted row; the winner's
			// claim is authoritative.
			return email.ErrIdempotencyDuplicate
		}
	}

	if err := appendEventTx(ctx, tx, o.ID, nil, domain.EventCreated,
		domain.EventMetadata{RequestID: o.RequestID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create outbox: %w", err)
	}
	return nil
}

func (r *OutboxRepo) ReadIdempotency(ctx context.Context, companyID, key string) (*email.IdempotencyRecord, error) {
	rec := &email.IdempotencyRecord{}
	err := r.db.QueryRowContext(ctx, `
		SELECT outbox_id, payload_hash, created_at
		FROM idempotency_keys
		WHERE company_id = $1 AND key = $2 AND expires_at > NOW()
	`, companyID, key).Scan(&rec.OutboxID, &rec.PayloadHash, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, email.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency: %w", err)
	}
	return rec, nil
}

func (r *OutboxRepo) MarkEnqueued(ctx context.Context, outboxID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark enqueued: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE email_outbox SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, domain.StatusEnqueued, outboxID, domain.StatusPending)
	if err != nil {
		return fmt.Errorf("mark enqueued: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Already past PENDING; nothing to confirm.
		return nil
	}
	if err := appendEventTx(ctx, tx, outboxID, nil, domain.EventEnqueued, domain.EventMetadata{}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark enqueued: %w", err)
	}
	return nil
}

// ClaimForProcessing CAS-transitions a claimable row into PROCESSING,
// increments the attempt counter, and returns the full row. Exactly one
// worker wins; losers get email.ErrTransitionConflict.
func (r *OutboxRepo) ClaimForProcessing(ctx context.Context, id string) (*domain.Outbox, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		UPDATE email_outbox
		SET status = $1, attempts = attempts + 1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
		RETURNING `+outboxColumns+`
	`, domain.StatusProcessing, id, pq.Array(statusStrings(domain.ClaimableStatuses())))

	o, err := scanOutbox(row)
	if err == sql.ErrNoRows {
		return nil, email.ErrTransitionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}

	if err := appendEventTx(ctx, tx, o.ID, nil, domain.EventProcessing,
		domain.EventMetadata{Attempt: o.Attempts}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return o, nil
}

// UpdateStatus runs a generic CAS transition with its paired event.
// Terminal rows never move again regardless of the from set.
func (r *OutboxRepo) UpdateStatus(ctx context.Context, id string, from []domain.OutboxStatus, to domain.OutboxStatus, ev EventDraft) error {
	return r.transition(ctx, id, from, to, "", ev)
}

// MarkSent finishes an attempt successfully and records the provider
// message id on the row.
func (r *OutboxRepo) MarkSent(ctx context.Context, id, providerMessageID string, ev EventDraft) error {
	return r.transition(ctx, id, []domain.OutboxStatus{domain.StatusProcessing},
		domain.StatusSent, providerMessageID, ev)
}

// MarkRetrying parks a row for a delayed re-dispatch.
func (r *OutboxRepo) MarkRetrying(ctx context.Context, id string, ev EventDraft) error {
	return r.transition(ctx, id, []domain.OutboxStatus{domain.StatusProcessing},
		domain.StatusRetrying, "", ev)
}

// MarkFailed lands a row in its terminal failure state.
func (r *OutboxRepo) MarkFailed(ctx context.Context, id string, ev EventDraft) error {
	return r.transition(ctx, id, []domain.OutboxStatus{domain.StatusProcessing},
		domain.StatusFailed, "", ev)
}

func (r *OutboxRepo) transition(ctx context.Context, id string, from []domain.OutboxStatus, to domain.OutboxStatus, providerMessageID string, ev EventDraft) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if providerMessageID != "" {
		res, err = tx.ExecContext(ctx, `
			UPDATE email_outbox
			SET status = $1, provider_message_id = $2, updated_at = NOW()
			WHERE id = $3 AND status = ANY($4) AND status NOT IN ($5, $6)
		`, to, providerMessageID, id, pq.Array(statusStrings(from)),
			domain.StatusSent, domain.StatusFailed)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE email_outbox
			SET status = $1, updated_at = NOW()
			WHERE id = $2 AND status = ANY($3) AND status NOT IN ($4, $5)
		`, to, id, pq.Array(statusStrings(from)),
			domain.StatusSent, domain.StatusFailed)
	}
	if err != nil {
		return fmt.Errorf("transition to %s: %w", to, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return email.ErrTransitionConflict
	}

	if err := appendEventTx(ctx, tx, id, ev.LogID, ev.Type, ev.Metadata); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// AppendLog records one dispatch attempt and returns the log id.
func (r *OutboxRepo) AppendLog(ctx context.Context, l *domain.EmailLog) (string, error) {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_logs
			(id, outbox_id, attempt, provider, provider_message_id, status,
			 error_code, error_category, error_reason, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`, l.ID, l.OutboxID, l.Attempt, l.Provider, l.ProviderMessageID, l.Status,
		l.ErrorCode, l.ErrorCategory, truncateReason(l.ErrorReason), l.DurationMS)
	if err != nil {
		return "", fmt.Errorf("append log: %w", err)
	}
	return l.ID, nil
}

// AppendEvent adds a non-transition event (DLQ, BOUNCE, COMPLAINT, DELIVERY)
// to the stream.
func (r *OutboxRepo) AppendEvent(ctx context.Context, outboxID string, logID *string, typ domain.EventType, md domain.EventMetadata) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append event: %w", err)
	}
	defer tx.Rollback()
	if err := appendEventTx(ctx, tx, outboxID, logID, typ, md); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append event: %w", err)
	}
	return nil
}

func appendEventTx(ctx context.Context, tx *sql.Tx, outboxID string, logID *string, typ domain.EventType, md domain.EventMetadata) error {
	meta, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO email_events (id, outbox_id, log_id, type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, uuid.New().String(), outboxID, logID, typ, meta)
	if err != nil {
		return fmt.Errorf("append event %s: %w", typ, err)
	}
	return nil
}

func (r *OutboxRepo) Get(ctx context.Context, companyID, id string) (*domain.Outbox, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+outboxColumns+`
		FROM email_outbox
		WHERE id = $1 AND company_id = $2
	`, id, companyID)
	o, err := scanOutbox(row)
	if err == sql.ErrNoRows {
		return nil, email.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox: %w", err)
	}
	return o, nil
}

// GetByID loads a row without tenant scoping; worker-side only.
func (r *OutboxRepo) GetByID(ctx context.Context, id string) (*domain.Outbox, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+outboxColumns+`
		FROM email_outbox
		WHERE id = $1
	`, id)
	o, err := scanOutbox(row)
	if err == sql.ErrNoRows {
		return nil, email.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox by id: %w", err)
	}
	return o, nil
}

// GetByProviderMessageID resolves a provider webhook notification back to
// its outbox row.
func (r *OutboxRepo) GetByProviderMessageID(ctx context.Context, messageID string) (*domain.Outbox, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+outboxColumns+`
		FROM email_outbox
		WHERE provider_message_id = $1
	`, messageID)
	o, err := scanOutbox(row)
	if err == sql.ErrNoRows {
		return nil, email.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox by provider message id: %w", err)
	}
	return o, nil
}

func (r *OutboxRepo) Events(ctx context.Context, outboxID string) ([]domain.EmailEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, outbox_id, log_id, seq, type, metadata, created_at
		FROM email_events
		WHERE outbox_id = $1
		ORDER BY seq
	`, outboxID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []domain.EmailEvent
	for rows.Next() {
		var ev domain.EmailEvent
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.OutboxID, &ev.LogID, &ev.Seq, &ev.Type, &meta, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *OutboxRepo) Logs(ctx context.Context, outboxID string) ([]domain.EmailLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, outbox_id, attempt, provider, COALESCE(provider_message_id,''),
		       status, error_code, error_category, error_reason, duration_ms, created_at
		FROM email_logs
		WHERE outbox_id = $1
		ORDER BY attempt
	`, outboxID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []domain.EmailLog
	for rows.Next() {
		var l domain.EmailLog
		if err := rows.Scan(&l.ID, &l.OutboxID, &l.Attempt, &l.Provider, &l.ProviderMessageID,
			&l.Status, &l.ErrorCode, &l.ErrorCategory, &l.ErrorReason, &l.DurationMS, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *OutboxRepo) GetRecipient(ctx context.Context, companyID, id string) (*domain.Recipient, error) {
	rc := &domain.Recipient{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, company_id, external_id, email, display_name, legal_name,
		       fiscal_hash, fiscal_cipher, fiscal_salt, fiscal_key_version,
		       deleted_at, created_at, updated_at
		FROM recipients
		WHERE id = $1 AND company_id = $2
	`, id, companyID).Scan(
		&rc.ID, &rc.CompanyID, &rc.ExternalID, &rc.Email, &rc.DisplayName, &rc.LegalName,
		&rc.FiscalHash, &rc.FiscalCipher, &rc.FiscalSalt, &rc.FiscalKeyVer,
		&rc.DeletedAt, &rc.CreatedAt, &rc.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, email.ErrRecipientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	return rc, nil
}

func (r *OutboxRepo) List(ctx context.Context, companyID string, q email.ListQuery) (*email.ListResult, error) {
	where := "o.company_id = $1"
	args := []interface{}{companyID}
	idx := 2
	add := func(cond string, vals ...interface{}) {
		where += fmt.Sprintf(" AND "+cond, seqArgs(idx, len(vals))...)
		args = append(args, vals...)
		idx += len(vals)
	}

	join := ""
	needsRecipient := q.ExternalID != "" || q.FiscalHash != "" || q.LegalName != "" || q.Name != ""
	if needsRecipient {
		join = " JOIN recipients rc ON rc.id = o.recipient_id"
	}

	if len(q.Status) > 0 {
		add("o.status = ANY(%s)", pq.Array(statusStrings(q.Status)))
	}
	if q.DateFrom != nil {
		add("o.created_at >= %s", *q.DateFrom)
	}
	if q.DateTo != nil {
		add("o.created_at <= %s", *q.DateTo)
	}
	if q.To != "" {
		add("o.to_address = %s", q.To)
	}
	if q.ExternalID != "" {
		add("rc.external_id = %s", q.ExternalID)
	}
	if q.FiscalHash != "" {
		add("rc.fiscal_hash = %s", q.FiscalHash)
	}
	if q.LegalName != "" {
		add("rc.legal_name ILIKE '%%' || %s || '%%'", q.LegalName)
	}
	if q.Name != "" {
		add("rc.display_name ILIKE '%%' || %s || '%%'", q.Name)
	}
	if len(q.Tags) > 0 {
		add("o.tags && %s", pq.Array(q.Tags))
	}

	res := &email.ListResult{}
	if q.UseOffset {
		countQ := "SELECT COUNT(*) FROM email_outbox o" + join + " WHERE " + where
		if err := r.db.QueryRowContext(ctx, countQ, args...).Scan(&res.Total); err != nil {
			return nil, fmt.Errorf("count outbox: %w", err)
		}
	} else if q.Cursor != nil {
		add("(o.created_at, o.id) < (%s, %s)", q.Cursor.CreatedAt, q.Cursor.ID)
	}

	sel := fmt.Sprintf(`
		SELECT %s
		FROM email_outbox o%s
		WHERE %s
		ORDER BY o.created_at DESC, o.id DESC
		LIMIT $%d`, prefixColumns("o"), join, where, idx)
	args = append(args, q.PageSize+1)
	idx++
	if q.UseOffset {
		sel += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, q.Offset)
	}

	rows, err := r.db.QueryContext(ctx, sel, args...)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		o, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		res.Items = append(res.Items, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	if len(res.Items) > q.PageSize {
		res.Items = res.Items[:q.PageSize]
		res.HasMore = true
	}
	return res, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOutbox(s scanner) (*domain.Outbox, error) {
	o := &domain.Outbox{}
	var headers []byte
	err := s.Scan(
		&o.ID, &o.CompanyID, &o.RecipientID, &o.To, pq.Array(&o.CC), pq.Array(&o.BCC),
		&o.Subject, &o.HTMLRef, &o.ReplyTo, &headers, pq.Array(&o.Tags),
		&o.AttachmentCount, &o.AttachmentDigest, &o.Status, &o.Attempts, &o.RequestID,
		&o.IdempotencyKey, &o.ProviderMessageID, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 && string(headers) != "{}" && string(headers) != "null" {
		if err := json.Unmarshal(headers, &o.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	return o, nil
}

func upsertRecipientTx(ctx context.Context, tx *sql.Tx, rc *domain.Recipient) error {
	if rc.ID == "" {
		rc.ID = uuid.New().String()
	}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO recipients
			(id, company_id, external_id, email, display_name, legal_name,
			 fiscal_hash, fiscal_cipher, fiscal_salt, fiscal_key_version,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (company_id, email) WHERE deleted_at IS NULL DO UPDATE SET
			external_id  = COALESCE(EXCLUDED.external_id, recipients.external_id),
			display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE recipients.display_name END,
			legal_name   = CASE WHEN EXCLUDED.legal_name <> '' THEN EXCLUDED.legal_name ELSE recipients.legal_name END,
			fiscal_hash  = CASE WHEN EXCLUDED.fiscal_hash <> '' THEN EXCLUDED.fiscal_hash ELSE recipients.fiscal_hash END,
			fiscal_cipher = CASE WHEN EXCLUDED.fiscal_hash <> '' THEN EXCLUDED.fiscal_cipher ELSE recipients.fiscal_cipher END,
			fiscal_salt   = CASE WHEN EXCLUDED.fiscal_hash <> '' THEN EXCLUDED.fiscal_salt ELSE recipients.fiscal_salt END,
			fiscal_key_version = CASE WHEN EXCLUDED.fiscal_hash <> '' THEN EXCLUDED.fiscal_key_version ELSE recipients.fiscal_key_version END,
			updated_at   = NOW()
		RETURNING id
	`, rc.ID, rc.CompanyID, rc.ExternalID, rc.Email, rc.DisplayName, rc.LegalName,
		rc.FiscalHash, rc.FiscalCipher, rc.FiscalSalt, rc.FiscalKeyVer,
	).Scan(&rc.ID)
	if err != nil {
		return fmt.Errorf("upsert recipient: %w", err)
	}
	return nil
}

func marshalHeaders(h map[string]string) ([]byte, error) {
	if len(h) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}
	return b, nil
}

func truncateReason(s string) string {
	if len(s) > domain.MaxErrorReasonLen {
		return s[:domain.MaxErrorReasonLen]
	}
	return s
}

func statusStrings(in []domain.OutboxStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// seqArgs renders consecutive placeholders $idx..$idx+n-1 for fmt verbs.
func seqArgs(idx, n int) []interface{} {
	out := make([]interface{}, n)
	for i := 0; i < n; i++ {
		out[i] = fmt.Sprintf("$%d", idx+i)
	}
	return out
}

// prefixColumns qualifies the outbox select list with a table alias.
func prefixColumns(alias string) string {
	return fmt.Sprintf(`%[1]s.id, %[1]s.company_id, %[1]s.recipient_id, %[1]s.to_address,
	       %[1]s.cc, %[1]s.bcc, %[1]s.subject, %[1]s.html_ref, COALESCE(%[1]s.reply_to,''),
	       %[1]s.headers, %[1]s.tags, %[1]s.attachment_count, COALESCE(%[1]s.attachment_digest,''),
	       %[1]s.status, %[1]s.attempts, COALESCE(%[1]s.request_id,''), %[1]s.idempotency_key,
	       %[1]s.provider_message_id, %[1]s.created_at, %[1]s.updated_at`, alias)
}

var _ email.Store = (*OutboxRepo)(nil)

// StuckPending returns rows that stayed PENDING longer than the given age;
// their enqueue never landed and the sweeper re-publishes them.
func (r *OutboxRepo) StuckPending(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Outbox, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM email_outbox
		WHERE status = $1 AND updated_at < NOW() - $2::interval
		ORDER BY updated_at
		LIMIT $3
	`, domain.StatusPending, intervalArg(olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck pending: %w", err)
	}
	defer rows.Close()

	var out []domain.Outbox
	for rows.Next() {
		o, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stuck pending: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// ReviveForReplay moves a dead-lettered FAILED row back to ENQUEUED with a
// fresh attempt counter. This is the one transition allowed out of a
// terminal state, and only the replay path performs it.
func (r *OutboxRepo) ReviveForReplay(ctx context.Context, id string, ev EventDraft) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revive: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE email_outbox
		SET status = $1, attempts = 0, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, domain.StatusEnqueued, id, domain.StatusFailed)
	if err != nil {
		return fmt.Errorf("revive outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return email.ErrTransitionConflict
	}

	if err := appendEventTx(ctx, tx, id, ev.LogID, ev.Type, ev.Metadata); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revive: %w", err)
	}
	return nil
}
