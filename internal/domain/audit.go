package domain

import "time"

// OperatorProfile controls what an operator session may see. The default
// operations profile sees masked PII; audit requires break-glass.
type OperatorProfile string

const (
	ProfileOperations OperatorProfile = "operations"
	ProfileAudit      OperatorProfile = "audit"
)

// MinBreakGlassReasonLen is the shortest accepted break-glass justification.
const MinBreakGlassReasonLen = 20

// MaxBreakGlassSession bounds how long an audit elevation stays valid.
const MaxBreakGlassSession = 60 * time.Minute

// AuditEvent records one access to protected data or one administrative
// state change. Append-only.
type AuditEvent struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"userId" db:"user_id"`
	Profile   OperatorProfile `json:"profile" db:"profile"`
	Action    string          `json:"action" db:"action"`
	Resource  string          `json:"resource" db:"resource"`
	Reason    string          `json:"reason,omitempty" db:"reason"`
	IP        string          `json:"ip" db:"ip"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
}
