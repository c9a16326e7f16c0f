package email

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/mailgate/internal/domain"
)

// Store defines the data access contract for the send pipeline.
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateOutbox persists a new PENDING outbox row, its CREATED event, the
	// recipient upsert, and the idempotency claim in a single transaction.
	// Returns ErrIdempotencyDuplicate when the claim's key is already taken.
	CreateOutbox(ctx context.Context, o *domain.Outbox, rcpt *domain.Recipient, claim *IdempotencyClaim) error

	// ReadIdempotency returns the stored claim for (company, key), or
	// ErrNotFound if absent or past its TTL.
	ReadIdempotency(ctx context.Context, companyID, key string) (*IdempotencyRecord, error)

	// MarkEnqueued flips PENDING to ENQUEUED and appends the paired event.
	// A row already past PENDING is left untouched.
	MarkEnqueued(ctx context.Context, outboxID string) error

	// Get returns a single outbox row scoped to the company.
	Get(ctx context.Context, companyID, id string) (*domain.Outbox, error)

	// Events returns the append-only event stream ordered by seq.
	Events(ctx context.Context, outboxID string) ([]domain.EmailEvent, error)

	// Logs returns the per-attempt dispatch records ordered by attempt.
	Logs(ctx context.Context, outboxID string) ([]domain.EmailLog, error)

	// GetRecipient returns a recipient scoped to the company.
	GetRecipient(ctx context.Context, companyID, id string) (*domain.Recipient, error)

	// List returns outbox rows matching the query, newest first.
	List(ctx context.Context, companyID string, q ListQuery) (*ListResult, error)
}

// IdempotencyClaim is the (key, payloadHash) pair inserted alongside a new
// outbox row.
type IdempotencyClaim struct {
	Key         string
	PayloadHash string
	ExpiresAt   time.Time
}

// IdempotencyRecord is a previously stored claim.
type IdempotencyRecord struct {
	OutboxID    string
	PayloadHash string
	CreatedAt   time.Time
}

// ListQuery is the store-level filter set, already validated and with the
// fiscal identifier reduced to its lookup hash.
type ListQuery struct {
	Status     []domain.OutboxStatus
	DateFrom   *time.Time
	DateTo     *time.Time
	To         string
	ExternalID string
	FiscalHash string
	LegalName  string
	Name       string
	Tags       []string

	PageSize int
	Offset   int
	// UseOffset selects offset pagination; otherwise Cursor (possibly zero
	// for the first page) drives keyset pagination.
	UseOffset bool
	Cursor    *Cursor
}

// ListResult carries one page of rows. Total is only populated in offset
// mode; keyset mode reports HasMore instead.
type ListResult struct {
	Items   []domain.Outbox
	Total   int
	HasMore bool
}

// Cursor is the keyset position for cursor pagination: the sort key of the
// last row on the previous page plus its id as tiebreaker.
type Cursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// Encode renders the cursor as URL-safe base64 JSON.
func (c Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(b)
}

// DecodeCursor parses a cursor produced by Encode.
func DecodeCursor(s string) (*Cursor, error) {
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	if c.ID == "" || c.CreatedAt.IsZero() {
		return nil, fmt.Errorf("decode cursor: missing sort key")
	}
	return &c, nil
}
