package domain

import "time"

// ProviderType selects a dispatch driver.
type ProviderType string

const (
	ProviderSES  ProviderType = "ses"
	ProviderSMTP ProviderType = "smtp"
	ProviderHTTP ProviderType = "http"
)

// ProviderConfig is one entry in a tenant's priority-ordered provider list.
// CompanyID nil means a gateway-wide default. Secrets carry `json:"-"` so
// configs can be listed over the admin API without leaking credentials.
type ProviderConfig struct {
	ID          string       `json:"id" db:"id"`
	CompanyID   *string      `json:"companyId,omitempty" db:"company_id"`
	Type        ProviderType `json:"type" db:"type"`
	Priority    int          `json:"priority" db:"priority"`
	Active      bool         `json:"active" db:"active"`
	Region      string       `json:"region,omitempty" db:"region"`
	MaxSendRate float64      `json:"maxSendRate" db:"max_send_rate"`

	// SMTP driver fields.
	SMTPHost     string `json:"smtpHost,omitempty" db:"smtp_host"`
	SMTPPort     int    `json:"smtpPort,omitempty" db:"smtp_port"`
	SMTPUsername string `json:"smtpUsername,omitempty" db:"smtp_username"`
	SMTPPassword string `json:"-" db:"smtp_password"`

	// HTTP driver fields.
	Endpoint  string `json:"endpoint,omitempty" db:"endpoint"`
	AuthToken string `json:"-" db:"auth_token"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}
