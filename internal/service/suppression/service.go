package suppression

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ignite/mailgate/internal/domain"
)

// Service implements suppression business logic. It is safe for concurrent use.
type Service struct {
	repo    Repository
	matcher Matcher
}

// NewService creates a suppression service backed by the given repository.
// matcher may be nil; checks then go to the repository every time.
func NewService(repo Repository, matcher Matcher) *Service {
	return &Service{repo: repo, matcher: matcher}
}

// IsSuppressed checks whether an email address should be blocked from sending
// to the given company, its own list and the global overlay combined.
func (s *Service) IsSuppressed(ctx context.Context, companyID, email string) (bool, error) {
	email = normalize(email)
	if s.matcher != nil {
		return s.matcher.IsSuppressed(companyID, email), nil
	}
	return s.repo.IsSuppressed(ctx, companyID, email)
}

// SuppressInput carries the optional provenance of a suppression.
type SuppressInput struct {
	Reason  domain.SuppressionReason
	Source  domain.SuppressionSource
	DSNCode string
	DSNDiag string
}

// Suppress adds an email to a company's list. Idempotent: re-suppressing
// refreshes the reason and reactivates the entry.
func (s *Service) Suppress(ctx context.Context, companyID, email string, in SuppressInput) error {
	email = normalize(email)
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if companyID == "" {
		return fmt.Errorf("company id is required")
	}
	if in.Reason == "" {
		in.Reason = domain.ReasonManual
	}
	if in.Source == "" {
		in.Source = domain.SourceManual
	}

	hash := md5.Sum([]byte(email))
	entry := &domain.Suppression{
		CompanyID: companyID,
		Email:     email,
		MD5Hash:   hex.EncodeToString(hash[:]),
		Reason:    in.Reason,
		Source:    in.Source,
		DSNCode:   in.DSNCode,
		DSNDiag:   in.DSNDiag,
	}
	if err := s.repo.Suppress(ctx, entry); err != nil {
		return err
	}
	if s.matcher != nil {
		s.matcher.Add(companyID, email)
	}
	return nil
}

// SuppressGlobal adds an email to the overlay list that applies to every
// tenant.
func (s *Service) SuppressGlobal(ctx context.Context, email string, in SuppressInput) error {
	return s.Suppress(ctx, domain.GlobalListCompanyID, email, in)
}

// Remove deactivates a suppression entry. Returns ErrNotFound if the email
// is not on the company's list.
func (s *Service) Remove(ctx context.Context, companyID, email string) error {
	email = normalize(email)
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if err := s.repo.Remove(ctx, companyID, email); err != nil {
		return err
	}
	if s.matcher != nil {
		s.matcher.Remove(companyID, email)
	}
	return nil
}

// List returns suppression entries matching the given filter.
func (s *Service) List(ctx context.Context, companyID string, filter ListFilter) ([]domain.Suppression, int, error) {
	return s.repo.List(ctx, companyID, filter)
}

// Count returns the total number of suppressed emails for a company.
func (s *Service) Count(ctx context.Context, companyID string) (int, error) {
	return s.repo.Count(ctx, companyID)
}

// Stats holds aggregate counts grouped by reason and source.
type Stats struct {
	Total    int            `json:"total"`
	ByReason map[string]int `json:"byReason"`
	BySource map[string]int `json:"bySource"`
}

// GetStats computes suppression statistics for a company's list.
func (s *Service) GetStats(ctx context.Context, companyID string) (*Stats, error) {
	total, err := s.repo.Count(ctx, companyID)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Total:    total,
		ByReason: make(map[string]int),
		BySource: make(map[string]int),
	}
	if total == 0 {
		return stats, nil
	}
	entries, _, err := s.repo.List(ctx, companyID, ListFilter{Limit: total})
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		stats.ByReason[string(e.Reason)]++
		stats.BySource[string(e.Source)]++
	}
	return stats, nil
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
