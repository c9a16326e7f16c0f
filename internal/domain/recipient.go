package domain

import "time"

// Recipient identifies who an email was addressed to within a tenant.
// Fiscal identifiers are stored only as the (hash, ciphertext, salt) triple;
// plaintext is never persisted and never serialized outward.
type Recipient struct {
	ID              string     `json:"id" db:"id"`
	CompanyID       string     `json:"companyId" db:"company_id"`
	ExternalID      *string    `json:"externalId,omitempty" db:"external_id"`
	Email           string     `json:"email" db:"email"`
	FiscalHash      string     `json:"-" db:"fiscal_hash"`
	FiscalCipher    []byte     `json:"-" db:"fiscal_cipher"`
	FiscalSalt      []byte     `json:"-" db:"fiscal_salt"`
	FiscalKeyVer    int        `json:"-" db:"fiscal_key_version"`
	DisplayName     string     `json:"displayName,omitempty" db:"display_name"`
	LegalName       string     `json:"legalName,omitempty" db:"legal_name"`
	DeletedAt       *time.Time `json:"deletedAt,omitempty" db:"deleted_at"`
	CreatedAt       time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time  `json:"updatedAt" db:"updated_at"`
}

// HasFiscalID reports whether the encrypted fiscal identifier is present.
func (r *Recipient) HasFiscalID() bool { return r.FiscalHash != "" }

// MaskedFiscal returns the hash prefix used in masked operator views.
func (r *Recipient) MaskedFiscal() string {
	if len(r.FiscalHash) < 8 {
		return ""
	}
	return r.FiscalHash[:8] + "***"
}
