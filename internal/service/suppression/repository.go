package suppression

import (
	"context"

	"github.com/ignite/mailgate/internal/domain"
)

// Repository defines the data access contract for suppression lists.
type Repository interface {
	// IsSuppressed reports whether the email is on the company's list or the
	// global overlay.
	IsSuppressed(ctx context.Context, companyID, email string) (bool, error)

	// Suppress adds an email to a company's list. Re-suppressing an existing
	// entry refreshes its reason and reactivates it.
	Suppress(ctx context.Context, s *domain.Suppression) error

	// Remove deactivates an entry. Returns ErrNotFound if it doesn't exist.
	Remove(ctx context.Context, companyID, email string) error

	// List returns a company's entries matching the filter.
	List(ctx context.Context, companyID string, filter ListFilter) ([]domain.Suppression, int, error)

	// Count returns the total number of suppressed emails for a company.
	Count(ctx context.Context, companyID string) (int, error)
}

// ListFilter controls pagination and filtering for suppression lists.
type ListFilter struct {
	Reason string
	Limit  int
	Offset int
}

// Matcher is the in-memory membership index kept alongside the database.
// Checks prefer it; mutations write through to it.
type Matcher interface {
	IsSuppressed(companyID, email string) bool
	Add(companyID, email string)
	Remove(companyID, email string)
}
