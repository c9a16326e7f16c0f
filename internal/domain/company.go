package domain

import "time"

// ApprovalState is the company lifecycle state. Suspension is soft: already
// enqueued jobs drain normally, new ingestion is refused.
type ApprovalState string

const (
	ApprovalPending   ApprovalState = "pending"
	ApprovalApproved  ApprovalState = "approved"
	ApprovalSuspended ApprovalState = "suspended"
	ApprovalRejected  ApprovalState = "rejected"
)

// RateCaps are per-company request-rate ceilings.
type RateCaps struct {
	PerMinute int `json:"perMinute" db:"rate_per_minute"`
	PerHour   int `json:"perHour" db:"rate_per_hour"`
	PerDay    int `json:"perDay" db:"rate_per_day"`
}

// SendingCaps bound how many emails a company may send.
type SendingCaps struct {
	Daily   int `json:"daily" db:"cap_daily"`
	Monthly int `json:"monthly" db:"cap_monthly"`
}

// Company is a tenant of the gateway.
type Company struct {
	ID            string        `json:"id" db:"id"`
	Name          string        `json:"name" db:"name"`
	APIKeyHash    string        `json:"-" db:"api_key_hash"`
	APIKeyPrefix  string        `json:"apiKeyPrefix" db:"api_key_prefix"`
	AllowedCIDRs  []string      `json:"allowedCidrs,omitempty" db:"allowed_cidrs"`
	RateCaps      RateCaps      `json:"rateCaps"`
	SendingCaps   SendingCaps   `json:"sendingCaps"`
	Approval      ApprovalState `json:"approval" db:"approval"`
	BounceRate    float64       `json:"bounceRate" db:"bounce_rate"`
	ComplaintRate float64       `json:"complaintRate" db:"complaint_rate"`
	DefaultFrom   string        `json:"defaultFrom" db:"default_from"`
	BoundDomain   *string       `json:"boundDomain,omitempty" db:"bound_domain"`
	Sandbox       bool          `json:"sandbox" db:"sandbox"`
	SandboxAllow  []string      `json:"sandboxAllow,omitempty" db:"sandbox_allow"`
	CreatedAt     time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time     `json:"updatedAt" db:"updated_at"`
}

// CanSend reports whether ingestion accepts new work for this company.
func (c *Company) CanSend() bool {
	return c.Approval == ApprovalApproved || (c.Approval == ApprovalPending && c.Sandbox)
}

// SandboxAllows reports whether a sandbox-mode company may send to addr.
func (c *Company) SandboxAllows(addr string) bool {
	for _, a := range c.SandboxAllow {
		if a == addr {
			return true
		}
	}
	return false
}
