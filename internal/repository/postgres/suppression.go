package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/service/suppression"
)

// SuppressionRepo implements suppression.Repository against PostgreSQL.
// Lists are per-company; rows under domain.GlobalListCompanyID overlay all
// tenants.
type SuppressionRepo struct{ db *sql.DB }

// NewSuppressionRepo creates a Postgres-backed suppression repository.
func NewSuppressionRepo(db *sql.DB) *SuppressionRepo { return &SuppressionRepo{db: db} }

func (r *SuppressionRepo) IsSuppressed(ctx context.Context, companyID, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM suppressions
			WHERE email = $1 AND active AND company_id IN ($2, $3)
		)
	`, email, companyID, domain.GlobalListCompanyID).Scan(&exists)
	return exists, err
}

func (r *SuppressionRepo) Suppress(ctx context.Context, s *domain.Suppression) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO suppressions
			(id, company_id, email, md5_hash, reason, source, dsn_code, dsn_diag, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, NOW(), NOW())
		ON CONFLICT (company_id, email) DO UPDATE SET
			reason = $5, source = $6, dsn_code = $7, dsn_diag = $8,
			active = true, updated_at = NOW()
	`, s.ID, s.CompanyID, s.Email, s.MD5Hash, s.Reason, s.Source, s.DSNCode, s.DSNDiag)
	if err != nil {
		return fmt.Errorf("suppress: %w", err)
	}
	return nil
}

func (r *SuppressionRepo) Remove(ctx context.Context, companyID, email string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE suppressions SET active = false, updated_at = NOW()
		WHERE company_id = $1 AND email = $2 AND active
	`, companyID, email)
	if err != nil {
		return fmt.Errorf("remove suppression: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return suppression.ErrNotFound
	}
	return nil
}

func (r *SuppressionRepo) List(ctx context.Context, companyID string, f suppression.ListFilter) ([]domain.Suppression, int, error) {
	where := "company_id = $1 AND active"
	args := []interface{}{companyID}
	idx := 2
	if f.Reason != "" {
		where += fmt.Sprintf(" AND reason = $%d", idx)
		args = append(args, f.Reason)
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM suppressions WHERE "+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count suppressions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`
		SELECT id, company_id, email, md5_hash, reason, source,
		       COALESCE(dsn_code,''), COALESCE(dsn_diag,''), active, created_at, updated_at
		FROM suppressions
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list suppressions: %w", err)
	}
	defer rows.Close()

	var out []domain.Suppression
	for rows.Next() {
		var s domain.Suppression
		if err := rows.Scan(&s.ID, &s.CompanyID, &s.Email, &s.MD5Hash, &s.Reason, &s.Source,
			&s.DSNCode, &s.DSNDiag, &s.Active, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan suppression: %w", err)
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

func (r *SuppressionRepo) Count(ctx context.Context, companyID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM suppressions WHERE company_id = $1 AND active
	`, companyID).Scan(&n)
	return n, err
}

// ActiveHashes returns every active MD5 grouped by company, global list
// included. Feeds the in-memory matcher on refresh.
func (r *SuppressionRepo) ActiveHashes(ctx context.Context) (map[string][]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT company_id, md5_hash FROM suppressions WHERE active ORDER BY company_id
	`)
	if err != nil {
		return nil, fmt.Errorf("active suppression hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var companyID, hash string
		if err := rows.Scan(&companyID, &hash); err != nil {
			return nil, err
		}
		out[companyID] = append(out[companyID], hash)
	}
	return out, rows.Err()
}
