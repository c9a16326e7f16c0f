package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/mailgate/internal/domain"
)

// SweepRepo carries the maintenance queries run by the background sweeper:
// crash recovery, idempotency purges, and PII retention.
type SweepRepo struct{ db *sql.DB }

func NewSweepRepo(db *sql.DB) *SweepRepo { return &SweepRepo{db: db} }

// RecoverStaleProcessing flips rows stuck in PROCESSING back to RETRYING so
// queue redelivery can claim them again. A row only stays PROCESSING past the
// lease window when its worker died mid-attempt.
func (r *SweepRepo) RecoverStaleProcessing(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin recover: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE email_outbox SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM email_outbox
			WHERE status = $2 AND updated_at < NOW() - $3::interval
			ORDER BY updated_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`, domain.StatusRetrying, domain.StatusProcessing, intervalArg(olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("recover stale processing: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := appendEventTx(ctx, tx, id, nil, domain.EventRetry,
			domain.EventMetadata{ErrorReason: "worker lease expired"}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit recover: %w", err)
	}
	return ids, nil
}

// PurgeIdempotency drops expired idempotency keys.
func (r *SweepRepo) PurgeIdempotency(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE expires_at <= NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PseudonymizeOutbox blanks recipient-identifying fields on terminal rows
// older than the retention cutoff. Status, attempt counts, and the event
// stream survive for accounting.
func (r *SweepRepo) PseudonymizeOutbox(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_outbox SET
			to_address = '', cc = '{}', bcc = '{}', subject = '',
			html_ref = '', headers = '{}', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM email_outbox
			WHERE created_at < $1 AND status = ANY($2) AND to_address <> ''
			LIMIT $3
		)
	`, cutoff, pq.Array([]string{string(domain.StatusSent), string(domain.StatusFailed)}), limit)
	if err != nil {
		return 0, fmt.Errorf("pseudonymize outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PseudonymizeRecipients soft-deletes recipients with no outbox activity
// since the cutoff: contact fields are blanked and the fiscal triple erased.
func (r *SweepRepo) PseudonymizeRecipients(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE recipients SET
			email = '', display_name = '', legal_name = '',
			fiscal_hash = '', fiscal_cipher = NULL, fiscal_salt = NULL,
			deleted_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT r.id FROM recipients r
			WHERE r.deleted_at IS NULL AND r.updated_at < $1
			  AND NOT EXISTS (
				SELECT 1 FROM email_outbox o
				WHERE o.recipient_id = r.id AND o.created_at >= $1
			  )
			LIMIT $2
		)
	`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("pseudonymize recipients: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// HardDeleteOutbox removes terminal rows past the hard retention horizon,
// children first since the schema has no cascading deletes.
func (r *SweepRepo) HardDeleteOutbox(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin hard delete: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM email_outbox
		WHERE created_at < $1 AND status = ANY($2)
		LIMIT $3
	`, cutoff, pq.Array([]string{string(domain.StatusSent), string(domain.StatusFailed)}), limit)
	if err != nil {
		return 0, fmt.Errorf("select hard delete: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	arr := pq.Array(ids)
	for _, q := range []string{
		`DELETE FROM email_events WHERE outbox_id = ANY($1)`,
		`DELETE FROM email_logs WHERE outbox_id = ANY($1)`,
		`DELETE FROM idempotency_keys WHERE outbox_id = ANY($1)`,
		`DELETE FROM dlq_entries WHERE outbox_id = ANY($1)`,
		`DELETE FROM email_outbox WHERE id = ANY($1)`,
	} {
		if _, err := tx.ExecContext(ctx, q, arr); err != nil {
			return 0, fmt.Errorf("hard delete outbox: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit hard delete: %w", err)
	}
	return int64(len(ids)), nil
}

// BounceStats aggregates terminal outcomes per company over a window,
// feeding the reputation rates on companies.
type BounceStats struct {
	CompanyID  string
	Sent       int
	Bounced    int
	Complained int
}

func (r *SweepRepo) BounceStats(ctx context.Context, since time.Time) ([]BounceStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT o.company_id,
		       COUNT(*) FILTER (WHERE o.status = $1),
		       COUNT(*) FILTER (WHERE e.type = $2),
		       COUNT(*) FILTER (WHERE e.type = $3)
		FROM email_outbox o
		LEFT JOIN email_events e ON e.outbox_id = o.id AND e.type IN ($2, $3)
		WHERE o.created_at >= $4
		GROUP BY o.company_id
	`, domain.StatusSent, domain.EventBounce, domain.EventComplaint, since)
	if err != nil {
		return nil, fmt.Errorf("bounce stats: %w", err)
	}
	defer rows.Close()

	var out []BounceStats
	for rows.Next() {
		var s BounceStats
		if err := rows.Scan(&s.CompanyID, &s.Sent, &s.Bounced, &s.Complained); err != nil {
			return nil, fmt.Errorf("scan bounce stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SentCount counts accepted sends for a company since a point in time.
// Backs the daily and monthly cap checks.
func (r *SweepRepo) SentCount(ctx context.Context, companyID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_outbox
		WHERE company_id = $1 AND created_at >= $2 AND status <> $3
	`, companyID, since, domain.StatusFailed).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sent count: %w", err)
	}
	return n, nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func intervalArg(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int(d.Seconds()))
}
