package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/service/email"
)

const providerColumns = `id, company_id, type, priority, active, COALESCE(region,''),
	       max_send_rate, COALESCE(smtp_host,''), COALESCE(smtp_port,0),
	       COALESCE(smtp_username,''), COALESCE(smtp_password,''),
	       COALESCE(endpoint,''), COALESCE(auth_token,''), created_at, updated_at`

// ProviderConfigRepo stores dispatch driver configurations. Rows with a NULL
// company are gateway-wide defaults.
type ProviderConfigRepo struct{ db *sql.DB }

func NewProviderConfigRepo(db *sql.DB) *ProviderConfigRepo {
	return &ProviderConfigRepo{db: db}
}

// ListActive returns the provider chain for a company: its own rows first,
// global defaults after, each group ordered by priority.
func (r *ProviderConfigRepo) ListActive(ctx context.Context, companyID string) ([]domain.ProviderConfig, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+providerColumns+`
		FROM email_provider_configs
		WHERE active AND (company_id = $1 OR company_id IS NULL)
		ORDER BY (company_id IS NULL), priority
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list provider configs: %w", err)
	}
	defer rows.Close()

	var out []domain.ProviderConfig
	for rows.Next() {
		c, err := scanProviderConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *ProviderConfigRepo) Get(ctx context.Context, id string) (*domain.ProviderConfig, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+providerColumns+` FROM email_provider_configs WHERE id = $1
	`, id)
	return scanProviderConfig(row)
}

func (r *ProviderConfigRepo) Create(ctx context.Context, c *domain.ProviderConfig) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO email_provider_configs
			(id, company_id, type, priority, active, region, max_send_rate,
			 smtp_host, smtp_port, smtp_username, smtp_password,
			 endpoint, auth_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		RETURNING created_at, updated_at
	`, c.ID, c.CompanyID, c.Type, c.Priority, c.Active, c.Region, c.MaxSendRate,
		c.SMTPHost, c.SMTPPort, c.SMTPUsername, c.SMTPPassword,
		c.Endpoint, c.AuthToken,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create provider config: %w", err)
	}
	return nil
}

func (r *ProviderConfigRepo) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_provider_configs SET active = $1, updated_at = NOW() WHERE id = $2
	`, active, id)
	if err != nil {
		return fmt.Errorf("set provider active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return email.ErrNotFound
	}
	return nil
}

func (r *ProviderConfigRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM email_provider_configs WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("delete provider config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return email.ErrNotFound
	}
	return nil
}

func scanProviderConfig(s scanner) (*domain.ProviderConfig, error) {
	c := &domain.ProviderConfig{}
	err := s.Scan(
		&c.ID, &c.CompanyID, &c.Type, &c.Priority, &c.Active, &c.Region,
		&c.MaxSendRate, &c.SMTPHost, &c.SMTPPort,
		&c.SMTPUsername, &c.SMTPPassword,
		&c.Endpoint, &c.AuthToken, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, email.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan provider config: %w", err)
	}
	return c, nil
}
