package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailgate/internal/domain"
)

// AuditRepo persists the append-only operator audit trail.
type AuditRepo struct{ db *sql.DB }

func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

func (r *AuditRepo) Insert(ctx context.Context, e *domain.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, user_id, profile, action, resource, reason, ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, e.ID, e.UserID, e.Profile, e.Action, e.Resource, e.Reason, e.IP)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// AuditFilter narrows List; zero values mean "any".
type AuditFilter struct {
	UserID string
	Action string
	Since  *time.Time
	Limit  int
	Offset int
}

func (r *AuditRepo) List(ctx context.Context, f AuditFilter) ([]domain.AuditEvent, error) {
	where := "1=1"
	args := []interface{}{}
	idx := 1
	add := func(cond string, v interface{}) {
		where += fmt.Sprintf(" AND "+cond, idx)
		args = append(args, v)
		idx++
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}

	q := fmt.Sprintf(`
		SELECT id, user_id, profile, action, resource, COALESCE(reason,''), ip, created_at
		FROM audit_events
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.Profile, &e.Action, &e.Resource,
			&e.Reason, &e.IP, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
