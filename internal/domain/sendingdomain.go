package domain

import "time"

// DomainStatus is the verification state of a sending domain.
type DomainStatus string

const (
	DomainPending          DomainStatus = "PENDING"
	DomainVerified         DomainStatus = "VERIFIED"
	DomainFailed           DomainStatus = "FAILED"
	DomainTemporaryFailure DomainStatus = "TEMPORARY_FAILURE"
)

// DKIMStatus tracks the DKIM sub-state independently of the domain state.
type DKIMStatus string

const (
	DKIMPending  DKIMStatus = "PENDING"
	DKIMVerified DKIMStatus = "VERIFIED"
	DKIMFailed   DKIMStatus = "FAILED"
)

// WarmupPlan throttles a freshly verified domain.
type WarmupPlan struct {
	DailyLimit     int  `json:"dailyLimit" db:"warmup_daily_limit"`
	WeeklyIncrease int  `json:"weeklyIncrease" db:"warmup_weekly_increase"`
	Cap            int  `json:"cap" db:"warmup_cap"`
	Active         bool `json:"active" db:"warmup_active"`
}

// SendingDomain is a per-company domain with its DKIM material and
// verification bookkeeping. The private key is stored encrypted; the public
// key is published as <selector>._domainkey.<name>.
type SendingDomain struct {
	ID             string       `json:"id" db:"id"`
	CompanyID      string       `json:"companyId" db:"company_id"`
	Name           string       `json:"name" db:"name"`
	Status         DomainStatus `json:"status" db:"status"`
	DKIMStatus     DKIMStatus   `json:"dkimStatus" db:"dkim_status"`
	DKIMSelector   string       `json:"dkimSelector" db:"dkim_selector"`
	DKIMTokens     []string     `json:"dkimTokens,omitempty" db:"dkim_tokens"`
	DKIMPublicKey  string       `json:"dkimPublicKey,omitempty" db:"dkim_public_key"`
	DKIMPrivateEnc []byte       `json:"-" db:"dkim_private_enc"`
	DKIMKeyVer     int          `json:"-" db:"dkim_key_version"`
	ConsecutiveOKs int          `json:"consecutiveOks" db:"consecutive_oks"`
	LastCheckedAt  *time.Time   `json:"lastCheckedAt,omitempty" db:"last_checked_at"`
	NextCheckAt    *time.Time   `json:"nextCheckAt,omitempty" db:"next_check_at"`
	Warmup         WarmupPlan   `json:"warmup"`
	CreatedAt      time.Time    `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time    `json:"updatedAt" db:"updated_at"`
}

// DKIMRecordName returns the DNS name the public key must be published under.
func (d *SendingDomain) DKIMRecordName() string {
	return d.DKIMSelector + "._domainkey." + d.Name
}

// SendAllowed reports whether the verification gate passes for this domain.
func (d *SendingDomain) SendAllowed() bool {
	return d.Status == DomainVerified
}
