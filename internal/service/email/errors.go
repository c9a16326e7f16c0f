package email

import "errors"

// Sentinel errors for the email service layer.
var (
	ErrNotFound             = errors.New("outbox row not found")
	ErrIdempotencyDuplicate = errors.New("idempotency key already claimed")
	ErrTransitionConflict   = errors.New("outbox status transition conflict")
	ErrRecipientNotFound    = errors.New("recipient not found")
)
