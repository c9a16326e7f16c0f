package domain

import (
	"strings"
	"time"
)

// OutboxStatus is the lifecycle state of an accepted send request.
type OutboxStatus string

const (
	StatusPending    OutboxStatus = "PENDING"
	StatusEnqueued   OutboxStatus = "ENQUEUED"
	StatusProcessing OutboxStatus = "PROCESSING"
	StatusSent       OutboxStatus = "SENT"
	StatusFailed     OutboxStatus = "FAILED"
	StatusRetrying   OutboxStatus = "RETRYING"
)

// IsTerminal reports whether the status is sticky: once SENT or FAILED a row
// never transitions again.
func (s OutboxStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

// CanTransition reports whether s -> to is a legal outbox transition.
// Transitions are monotone except the RETRYING <-> PROCESSING loop.
func (s OutboxStatus) CanTransition(to OutboxStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return to == StatusEnqueued || to == StatusProcessing
	case StatusEnqueued:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusSent || to == StatusFailed || to == StatusRetrying
	case StatusRetrying:
		return to == StatusProcessing
	}
	return false
}

// ClaimableStatuses are the states a worker may CAS into PROCESSING.
// PENDING is included so a worker can own rows whose enqueue-confirm write
// was lost after the job itself was queued.
func ClaimableStatuses() []OutboxStatus {
	return []OutboxStatus{StatusEnqueued, StatusRetrying, StatusPending}
}

// HTMLRefScheme prefixes an html_ref that points at external storage rather
// than holding the body inline.
const HTMLRefScheme = "s3://"

// Outbox is the primary unit of work: one row per accepted request.
// Its ID doubles as the queue job id.
type Outbox struct {
	ID                string            `json:"id" db:"id"`
	CompanyID         string            `json:"companyId" db:"company_id"`
	RecipientID       *string           `json:"recipientId,omitempty" db:"recipient_id"`
	To                string            `json:"to" db:"to_address"`
	CC                []string          `json:"cc,omitempty" db:"cc"`
	BCC               []string          `json:"bcc,omitempty" db:"bcc"`
	Subject           string            `json:"subject" db:"subject"`
	HTMLRef           string            `json:"htmlRef" db:"html_ref"`
	ReplyTo           string            `json:"replyTo,omitempty" db:"reply_to"`
	Headers           map[string]string `json:"headers,omitempty" db:"headers"`
	Tags              []string          `json:"tags,omitempty" db:"tags"`
	AttachmentCount   int               `json:"attachmentCount" db:"attachment_count"`
	AttachmentDigest  string            `json:"attachmentDigest,omitempty" db:"attachment_digest"`
	Status            OutboxStatus      `json:"status" db:"status"`
	Attempts          int               `json:"attempts" db:"attempts"`
	RequestID         string            `json:"requestId" db:"request_id"`
	IdempotencyKey    *string           `json:"idempotencyKey,omitempty" db:"idempotency_key"`
	ProviderMessageID *string           `json:"providerMessageId,omitempty" db:"provider_message_id"`
	CreatedAt         time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time         `json:"updatedAt" db:"updated_at"`
}

// HTMLInline reports whether HTMLRef carries the sanitized body itself
// rather than a storage handle.
func (o *Outbox) HTMLInline() bool {
	return !strings.HasPrefix(o.HTMLRef, HTMLRefScheme)
}

// EmailLog records one dispatch attempt against an outbox row.
type EmailLog struct {
	ID                string        `json:"id" db:"id"`
	OutboxID          string        `json:"outboxId" db:"outbox_id"`
	Attempt           int           `json:"attempt" db:"attempt"`
	Provider          string        `json:"provider" db:"provider"`
	ProviderMessageID string        `json:"providerMessageId,omitempty" db:"provider_message_id"`
	Status            OutboxStatus  `json:"status" db:"status"`
	ErrorCode         string        `json:"errorCode,omitempty" db:"error_code"`
	ErrorCategory     ErrorCategory `json:"errorCategory,omitempty" db:"error_category"`
	ErrorReason       string        `json:"errorReason,omitempty" db:"error_reason"`
	DurationMS        int64         `json:"durationMs" db:"duration_ms"`
	CreatedAt         time.Time     `json:"createdAt" db:"created_at"`
}

// MaxErrorReasonLen bounds error_reason; longer provider messages are cut.
const MaxErrorReasonLen = 500

// EventType enumerates the append-only outbox event stream.
type EventType string

const (
	EventCreated    EventType = "CREATED"
	EventEnqueued   EventType = "ENQUEUED"
	EventProcessing EventType = "PROCESSING"
	EventSent       EventType = "SENT"
	EventFailed     EventType = "FAILED"
	EventRetry      EventType = "RETRY"
	EventDLQ        EventType = "DLQ"
	EventBounce     EventType = "BOUNCE"
	EventComplaint  EventType = "COMPLAINT"
	EventDelivery   EventType = "DELIVERY"
)

// EventMetadata is the typed payload attached to an event. All fields are
// optional; which are set depends on the event type.
type EventMetadata struct {
	Attempt       int           `json:"attempt,omitempty"`
	Provider      string        `json:"provider,omitempty"`
	MessageID     string        `json:"messageId,omitempty"`
	ErrorCode     string        `json:"errorCode,omitempty"`
	ErrorCategory ErrorCategory `json:"errorCategory,omitempty"`
	ErrorReason   string        `json:"errorReason,omitempty"`
	DelayMS       int64         `json:"delayMs,omitempty"`
	NextAttemptAt *time.Time    `json:"nextAttemptAt,omitempty"`
	BounceType    string        `json:"bounceType,omitempty"`
	Diagnostic    string        `json:"diagnostic,omitempty"`
	RequestID     string        `json:"requestId,omitempty"`
}

// EmailEvent is one entry in the per-outbox audit stream, ordered by
// created_at plus a monotonic sequence.
type EmailEvent struct {
	ID        string        `json:"id" db:"id"`
	OutboxID  string        `json:"outboxId" db:"outbox_id"`
	LogID     *string       `json:"logId,omitempty" db:"log_id"`
	Seq       int64         `json:"seq" db:"seq"`
	Type      EventType     `json:"type" db:"type"`
	Metadata  EventMetadata `json:"metadata" db:"metadata"`
	CreatedAt time.Time     `json:"createdAt" db:"created_at"`
}

// DLQEntry is the terminal record for a job that exhausted retries, expired,
// or hit a non-retryable classification. LastFailureReason is mandatory.
type DLQEntry struct {
	JobID             string     `json:"jobId" db:"job_id"`
	OutboxID          string     `json:"outboxId" db:"outbox_id"`
	CompanyID         string     `json:"companyId" db:"company_id"`
	OriginalPayload   []byte     `json:"originalPayload" db:"original_payload"`
	FailedAttempts    int        `json:"failedAttempts" db:"failed_attempts"`
	LastFailureReason string     `json:"lastFailureReason" db:"last_failure_reason"`
	LastFailureCode   string     `json:"lastFailureCode" db:"last_failure_code"`
	LastFailureAt     time.Time  `json:"lastFailureAt" db:"last_failure_at"`
	EnqueuedAt        time.Time  `json:"enqueuedAt" db:"enqueued_at"`
	MovedToDLQAt      time.Time  `json:"movedToDlqAt" db:"moved_to_dlq_at"`
	ExpiresAt         time.Time  `json:"expiresAt" db:"expires_at"`
	ReplayedAt        *time.Time `json:"replayedAt,omitempty" db:"replayed_at"`
}
