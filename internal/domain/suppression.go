package domain

import "time"

// SuppressionReason enumerates why an address was suppressed.
type SuppressionReason string

const (
	ReasonHardBounce  SuppressionReason = "hard_bounce"
	ReasonSoftBounce  SuppressionReason = "soft_bounce"
	ReasonComplaint   SuppressionReason = "spam_complaint"
	ReasonUnsubscribe SuppressionReason = "unsubscribe"
	ReasonManual      SuppressionReason = "manual"
)

// SuppressionSource indicates where the suppression signal originated.
type SuppressionSource string

const (
	SourceProviderEvent SuppressionSource = "provider_event"
	SourceManual        SuppressionSource = "manual"
	SourceImport        SuppressionSource = "import"
)

// GlobalListCompanyID keys the gateway-wide overlay list that applies to
// every tenant in addition to its own list.
const GlobalListCompanyID = "global"

// Suppression is one suppressed address. Lists are per-tenant; entries with
// CompanyID == GlobalListCompanyID overlay all tenants.
type Suppression struct {
	ID        string            `json:"id" db:"id"`
	CompanyID string            `json:"companyId" db:"company_id"`
	Email     string            `json:"email" db:"email"`
	MD5Hash   string            `json:"md5Hash" db:"md5_hash"`
	Reason    SuppressionReason `json:"reason" db:"reason"`
	Source    SuppressionSource `json:"source" db:"source"`
	DSNCode   string            `json:"dsnCode,omitempty" db:"dsn_code"`
	DSNDiag   string            `json:"dsnDiag,omitempty" db:"dsn_diag"`
	Active    bool              `json:"active" db:"active"`
	CreatedAt time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time         `json:"updatedAt" db:"updated_at"`
}
