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

const domainColumns = `id, company_id, name, status, dkim_status, dkim_selector,
	       dkim_tokens, dkim_public_key, dkim_private_enc, dkim_key_version,
	       consecutive_oks, last_checked_at, next_check_at,
	       warmup_daily_limit, warmup_weekly_increase, warmup_cap, warmup_active,
	       created_at, updated_at`

// DomainRepo stores per-company sending domains and their DKIM material.
type DomainRepo struct{ db *sql.DB }

func NewDomainRepo(db *sql.DB) *DomainRepo { return &DomainRepo{db: db} }

func (r *DomainRepo) Create(ctx context.Context, d *domain.SendingDomain) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO domains
			(id, company_id, name, status, dkim_status, dkim_selector,
			 dkim_tokens, dkim_public_key, dkim_private_enc, dkim_key_version,
			 consecutive_oks, next_check_at,
			 warmup_daily_limit, warmup_weekly_increase, warmup_cap, warmup_active,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12, $13, $14, $15, NOW(), NOW())
		RETURNING created_at, updated_at
	`, d.ID, d.CompanyID, d.Name, d.Status, d.DKIMStatus, d.DKIMSelector,
		pq.Array(d.DKIMTokens), d.DKIMPublicKey, d.DKIMPrivateEnc, d.DKIMKeyVer,
		d.NextCheckAt,
		d.Warmup.DailyLimit, d.Warmup.WeeklyIncrease, d.Warmup.Cap, d.Warmup.Active,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("domain %s already registered: %w", d.Name, email.ErrTransitionConflict)
		}
		return fmt.Errorf("create domain: %w", err)
	}
	return nil
}

func (r *DomainRepo) Get(ctx context.Context, companyID, id string) (*domain.SendingDomain, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+domainColumns+` FROM domains WHERE id = $1 AND company_id = $2
	`, id, companyID)
	return scanDomain(row)
}

func (r *DomainRepo) GetByName(ctx context.Context, companyID, name string) (*domain.SendingDomain, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+domainColumns+` FROM domains WHERE company_id = $1 AND name = $2
	`, companyID, name)
	return scanDomain(row)
}

func (r *DomainRepo) ListByCompany(ctx context.Context, companyID string) ([]domain.SendingDomain, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+domainColumns+` FROM domains
		WHERE company_id = $1
		ORDER BY created_at DESC
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	return collectDomains(rows)
}

// ListDueForCheck returns domains whose next DNS probe is due. Verified
// domains stay in rotation so a withdrawn record is eventually noticed.
func (r *DomainRepo) ListDueForCheck(ctx context.Context, limit int) ([]domain.SendingDomain, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+domainColumns+` FROM domains
		WHERE next_check_at IS NOT NULL AND next_check_at <= NOW()
		ORDER BY next_check_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list due domains: %w", err)
	}
	return collectDomains(rows)
}

// RecordCheck persists the outcome of one DNS probe: status, DKIM sub-state,
// the consecutive-success counter, and the next probe time.
func (r *DomainRepo) RecordCheck(ctx context.Context, d *domain.SendingDomain) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE domains SET
			status = $1, dkim_status = $2, consecutive_oks = $3,
			last_checked_at = NOW(), next_check_at = $4, updated_at = NOW()
		WHERE id = $5
	`, d.Status, d.DKIMStatus, d.ConsecutiveOKs, d.NextCheckAt, d.ID)
	if err != nil {
		return fmt.Errorf("record domain check: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return email.ErrNotFound
	}
	return nil
}

// RotateDKIM swaps in freshly generated key material and resets verification.
func (r *DomainRepo) RotateDKIM(ctx context.Context, d *domain.SendingDomain) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE domains SET
			dkim_selector = $1, dkim_tokens = $2, dkim_public_key = $3,
			dkim_private_enc = $4, dkim_key_version = $5,
			dkim_status = $6, status = $7, consecutive_oks = 0,
			next_check_at = NOW(), updated_at = NOW()
		WHERE id = $8
	`, d.DKIMSelector, pq.Array(d.DKIMTokens), d.DKIMPublicKey,
		d.DKIMPrivateEnc, d.DKIMKeyVer, d.DKIMStatus, d.Status, d.ID)
	if err != nil {
		return fmt.Errorf("rotate dkim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return email.ErrNotFound
	}
	return nil
}

// UpdateWarmup adjusts the warmup throttle, typically weekly by the sweeper.
func (r *DomainRepo) UpdateWarmup(ctx context.Context, id string, plan domain.WarmupPlan) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE domains SET
			warmup_daily_limit = $1, warmup_weekly_increase = $2,
			warmup_cap = $3, warmup_active = $4, updated_at = NOW()
		WHERE id = $5
	`, plan.DailyLimit, plan.WeeklyIncrease, plan.Cap, plan.Active, id)
	if err != nil {
		return fmt.Errorf("update warmup: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return email.ErrNotFound
	}
	return nil
}

func (r *DomainRepo) Delete(ctx context.Context, companyID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM domains WHERE id = $1 AND company_id = $2
	`, id, companyID)
	if err != nil {
		return fmt.Errorf("delete domain: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return email.ErrNotFound
	}
	return nil
}

func collectDomains(rows *sql.Rows) ([]domain.SendingDomain, error) {
	defer rows.Close()
	var out []domain.SendingDomain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDomain(s scanner) (*domain.SendingDomain, error) {
	d := &domain.SendingDomain{}
	err := s.Scan(
		&d.ID, &d.CompanyID, &d.Name, &d.Status, &d.DKIMStatus, &d.DKIMSelector,
		pq.Array(&d.DKIMTokens), &d.DKIMPublicKey, &d.DKIMPrivateEnc, &d.DKIMKeyVer,
		&d.ConsecutiveOKs, &d.LastCheckedAt, &d.NextCheckAt,
		&d.Warmup.DailyLimit, &d.Warmup.WeeklyIncrease, &d.Warmup.Cap, &d.Warmup.Active,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, email.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan domain: %w", err)
	}
	return d, nil
}
