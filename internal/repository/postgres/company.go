package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/service/email"
)

const companyColumns = `id, name, api_key_hash, api_key_prefix, allowed_cidrs,
	       rate_per_minute, rate_per_hour, rate_per_day, cap_daily, cap_monthly,
	       approval, bounce_rate, complaint_rate, default_from, bound_domain,
	       sandbox, sandbox_allow, created_at, updated_at`

// CompanyRepo provides tenant lookups and admin mutations.
type CompanyRepo struct{ db *sql.DB }

func NewCompanyRepo(db *sql.DB) *CompanyRepo { return &CompanyRepo{db: db} }

func (r *CompanyRepo) Create(ctx context.Context, c *domain.Company) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Approval == "" {
		c.Approval = domain.ApprovalPending
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO companies
			(id, name, api_key_hash, api_key_prefix, allowed_cidrs,
			 rate_per_minute, rate_per_hour, rate_per_day, cap_daily, cap_monthly,
			 approval, default_from, bound_domain, sandbox, sandbox_allow,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
		RETURNING created_at, updated_at
	`, c.ID, c.Name, c.APIKeyHash, c.APIKeyPrefix, pq.Array(c.AllowedCIDRs),
		c.RateCaps.PerMinute, c.RateCaps.PerHour, c.RateCaps.PerDay,
		c.SendingCaps.Daily, c.SendingCaps.Monthly,
		c.Approval, c.DefaultFrom, c.BoundDomain, c.Sandbox, pq.Array(c.SandboxAllow),
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create company: %w", err)
	}
	return nil
}

func (r *CompanyRepo) Get(ctx context.Context, id string) (*domain.Company, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+companyColumns+` FROM companies WHERE id = $1
	`, id)
	return scanCompany(row)
}

// GetByKeyPrefix resolves the company owning an API key prefix. The caller
// still has to compare the full key against APIKeyHash.
func (r *CompanyRepo) GetByKeyPrefix(ctx context.Context, prefix string) (*domain.Company, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+companyColumns+` FROM companies WHERE api_key_prefix = $1
	`, prefix)
	return scanCompany(row)
}

func (r *CompanyRepo) List(ctx context.Context, approval domain.ApprovalState, limit, offset int) ([]domain.Company, error) {
	where := "1=1"
	args := []interface{}{}
	idx := 1
	if approval != "" {
		where = fmt.Sprintf("approval = $%d", idx)
		args = append(args, approval)
		idx++
	}
	q := fmt.Sprintf(`
		SELECT %s FROM companies
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, companyColumns, where, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	defer rows.Close()

	var out []domain.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetApproval moves a company through its lifecycle (approve, reject,
// suspend, reinstate).
func (r *CompanyRepo) SetApproval(ctx context.Context, id string, state domain.ApprovalState) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE companies SET approval = $1, updated_at = NOW() WHERE id = $2
	`, state, id)
	if err != nil {
		return fmt.Errorf("set approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return email.ErrNotFound
	}
	return nil
}

// UpdateLimits replaces the rate and volume ceilings for a company.
func (r *CompanyRepo) UpdateLimits(ctx context.Context, id string, rates domain.RateCaps, caps domain.SendingCaps) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE companies SET
			rate_per_minute = $1, rate_per_hour = $2, rate_per_day = $3,
			cap_daily = $4, cap_monthly = $5, updated_at = NOW()
		WHERE id = $6
	`, rates.PerMinute, rates.PerHour, rates.PerDay, caps.Daily, caps.Monthly, id)
	if err != nil {
		return fmt.Errorf("update limits: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return email.ErrNotFound
	}
	return nil
}

// UpdateSandbox toggles sandbox mode and its allowlist.
func (r *CompanyRepo) UpdateSandbox(ctx context.Context, id string, sandbox bool, allow []string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE companies SET sandbox = $1, sandbox_allow = $2, updated_at = NOW()
		WHERE id = $3
	`, sandbox, pq.Array(allow), id)
	if err != nil {
		return fmt.Errorf("update sandbox: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return email.ErrNotFound
	}
	return nil
}

// BindDomain points the company at its verified sending domain.
func (r *CompanyRepo) BindDomain(ctx context.Context, id, domainName string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE companies SET bound_domain = $1, updated_at = NOW() WHERE id = $2
	`, domainName, id)
	if err != nil {
		return fmt.Errorf("bind domain: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return email.ErrNotFound
	}
	return nil
}

// UpdateReputation stores the rolling bounce and complaint rates computed by
// the sweeper.
func (r *CompanyRepo) UpdateReputation(ctx context.Context, id string, bounceRate, complaintRate float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE companies SET bounce_rate = $1, complaint_rate = $2, updated_at = NOW()
		WHERE id = $3
	`, bounceRate, complaintRate, id)
	if err != nil {
		return fmt.Errorf("update reputation: %w", err)
	}
	return nil
}

func scanCompany(s scanner) (*domain.Company, error) {
	c := &domain.Company{}
	err := s.Scan(
		&c.ID, &c.Name, &c.APIKeyHash, &c.APIKeyPrefix, pq.Array(&c.AllowedCIDRs),
		&c.RateCaps.PerMinute, &c.RateCaps.PerHour, &c.RateCaps.PerDay,
		&c.SendingCaps.Daily, &c.SendingCaps.Monthly,
		&c.Approval, &c.BounceRate, &c.ComplaintRate, &c.DefaultFrom, &c.BoundDomain,
		&c.Sandbox, pq.Array(&c.SandboxAllow), &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, email.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan company: %w", err)
	}
	return c, nil
}
