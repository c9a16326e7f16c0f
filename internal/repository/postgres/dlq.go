package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/service/email"
)

const dlqColumns = `job_id, outbox_id, company_id, original_payload, failed_attempts,
	       last_failure_reason, last_failure_code, last_failure_at,
	       enqueued_at, moved_to_dlq_at, expires_at, replayed_at`

// DLQRepo stores terminally failed jobs for inspection and replay.
type DLQRepo struct{ db *sql.DB }

func NewDLQRepo(db *sql.DB) *DLQRepo { return &DLQRepo{db: db} }

// DLQFilter narrows List. Zero values mean "any".
type DLQFilter struct {
	CompanyID       string
	Code            string
	Since           *time.Time
	Until           *time.Time
	IncludeReplayed bool
	Limit           int
	Offset          int
}

func (r *DLQRepo) Insert(ctx context.Context, e *domain.DLQEntry) error {
	if strings.TrimSpace(e.LastFailureReason) == "" {
		return fmt.Errorf("dlq entry %s: empty last_failure_reason", e.JobID)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dlq_entries
			(job_id, outbox_id, company_id, original_payload, failed_attempts,
			 last_failure_reason, last_failure_code, last_failure_at,
			 enqueued_at, moved_to_dlq_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (job_id) DO NOTHING
	`, e.JobID, e.OutboxID, e.CompanyID, e.OriginalPayload, e.FailedAttempts,
		truncateReason(e.LastFailureReason), e.LastFailureCode, e.LastFailureAt,
		e.EnqueuedAt, e.MovedToDLQAt, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert dlq entry: %w", err)
	}
	return nil
}

func (r *DLQRepo) Get(ctx context.Context, jobID string) (*domain.DLQEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+dlqColumns+` FROM dlq_entries WHERE job_id = $1
	`, jobID)
	return scanDLQ(row)
}

func (r *DLQRepo) List(ctx context.Context, f DLQFilter) ([]domain.DLQEntry, error) {
	where := "1=1"
	args := []interface{}{}
	idx := 1
	add := func(cond string, v interface{}) {
		where += fmt.Sprintf(" AND "+cond, idx)
		args = append(args, v)
		idx++
	}

	if f.CompanyID != "" {
		add("company_id = $%d", f.CompanyID)
	}
	if f.Code != "" {
		add("last_failure_code = $%d", f.Code)
	}
	if f.Since != nil {
		add("moved_to_dlq_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("moved_to_dlq_at <= $%d", *f.Until)
	}
	if !f.IncludeReplayed {
		where += " AND replayed_at IS NULL"
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}

	q := fmt.Sprintf(`
		SELECT %s FROM dlq_entries
		WHERE %s
		ORDER BY moved_to_dlq_at DESC
		LIMIT $%d OFFSET $%d
	`, dlqColumns, where, idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	defer rows.Close()

	var out []domain.DLQEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// MarkReplayed stamps an entry after its job was re-enqueued. Each entry is
// replayable once.
func (r *DLQRepo) MarkReplayed(ctx context.Context, jobID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dlq_entries SET replayed_at = NOW()
		WHERE job_id = $1 AND replayed_at IS NULL
	`, jobID)
	if err != nil {
		return fmt.Errorf("mark replayed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return email.ErrNotFound
	}
	return nil
}

// CountActive counts entries that are neither replayed nor past their TTL.
func (r *DLQRepo) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dlq_entries
		WHERE replayed_at IS NULL AND expires_at > NOW()
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dlq: %w", err)
	}
	return n, nil
}

// ListExpired returns entries past their TTL, oldest first, for archival.
func (r *DLQRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.DLQEntry, error) {
	return r.listOrdered(ctx, "expires_at <= $1", now, limit)
}

// ListOldestActive returns the oldest live entries; the sweeper archives the
// overflow when the store exceeds its cap.
func (r *DLQRepo) ListOldestActive(ctx context.Context, limit int) ([]domain.DLQEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+dlqColumns+` FROM dlq_entries
		WHERE replayed_at IS NULL AND expires_at > NOW()
		ORDER BY moved_to_dlq_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list oldest dlq: %w", err)
	}
	return collectDLQ(rows)
}

func (r *DLQRepo) listOrdered(ctx context.Context, cond string, arg interface{}, limit int) ([]domain.DLQEntry, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM dlq_entries
		WHERE %s
		ORDER BY moved_to_dlq_at
		LIMIT $2
	`, dlqColumns, cond), arg, limit)
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	return collectDLQ(rows)
}

// Delete removes entries after they were archived.
func (r *DLQRepo) Delete(ctx context.Context, jobIDs []string) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM dlq_entries WHERE job_id = ANY($1)
	`, pq.Array(jobIDs))
	if err != nil {
		return 0, fmt.Errorf("delete dlq entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func collectDLQ(rows *sql.Rows) ([]domain.DLQEntry, error) {
	defer rows.Close()
	var out []domain.DLQEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanDLQ(s scanner) (*domain.DLQEntry, error) {
	e := &domain.DLQEntry{}
	err := s.Scan(
		&e.JobID, &e.OutboxID, &e.CompanyID, &e.OriginalPayload, &e.FailedAttempts,
		&e.LastFailureReason, &e.LastFailureCode, &e.LastFailureAt,
		&e.EnqueuedAt, &e.MovedToDLQAt, &e.ExpiresAt, &e.ReplayedAt,
	)
	if err == sql.ErrNoRows {
		return nil, email.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dlq entry: %w", err)
	}
	return e, nil
}
