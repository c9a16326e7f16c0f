package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority runs 1 (most urgent) through 10; first-time enqueues default to
// the middle. Retries and replays keep their own priority handling.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// DefaultTTL is how long a job may wait before it is poisoned instead of
// delivered.
const DefaultTTL = 24 * time.Hour

// MaxEnvelopeBytes bounds the serialized job payload. Bodies never ride in
// the envelope; html is carried by reference.
const MaxEnvelopeBytes = 64 * 1024

// InlineHTMLRef marks an envelope whose body lives on the outbox row rather
// than in external storage.
const InlineHTMLRef = "inline"

// Envelope is the queue wire format. jobId equals the outbox id. Unknown
// fields are ignored on decode so older workers tolerate newer producers.
type Envelope struct {
	JobID       string            `json:"jobId"`
	CompanyID   string            `json:"companyId"`
	RequestID   string            `json:"requestId,omitempty"`
	To          string            `json:"to"`
	CC          []string          `json:"cc,omitempty"`
	BCC         []string          `json:"bcc,omitempty"`
	Subject     string            `json:"subject"`
	HTMLRef     string            `json:"htmlRef"`
	ReplyTo     string            `json:"replyTo,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	RecipientID string            `json:"recipientId,omitempty"`
	Attempt     int               `json:"attempt"`
	Priority    int               `json:"priority"`
	EnqueuedAt  time.Time         `json:"enqueuedAt"`
	ExpiresAt   time.Time         `json:"expiresAt"`
}

// Marshal serializes the envelope and enforces the size bound.
func (e *Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if len(b) > MaxEnvelopeBytes {
		return nil, fmt.Errorf("envelope %s exceeds %d bytes", e.JobID, MaxEnvelopeBytes)
	}
	return b, nil
}

// Unmarshal parses an envelope produced by Marshal.
func Unmarshal(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if e.JobID == "" || e.CompanyID == "" {
		return nil, fmt.Errorf("envelope missing job or company id")
	}
	return &e, nil
}

// Expired reports whether the job's queue TTL has lapsed.
func (e *Envelope) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}
