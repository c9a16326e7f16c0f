// Package audit implements break-glass elevation and the operator audit
// trail. The default operations profile sees masked PII everywhere; an
// audit-profile session, opened with a signed justification, unmasks it for
// at most an hour, and every access under that session is recorded.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/metrics"
	"github.com/ignite/mailgate/internal/pkg/logger"
)

// Store is the persistence slice the recorder needs.
type Store interface {
	Insert(ctx context.Context, e *domain.AuditEvent) error
}

// Session is a verified break-glass elevation.
type Session struct {
	UserID    string
	Reason    string
	ExpiresAt time.Time
}

// BreakGlass issues and verifies audit-profile session tokens and writes
// the per-access audit rows.
type BreakGlass struct {
	store      Store
	signingKey []byte
	maxSession time.Duration
	now        func() time.Time
}

// New builds the break-glass authority. maxSession is clamped to the
// 60-minute ceiling.
func New(store Store, signingKey string, maxSession time.Duration) (*BreakGlass, error) {
	if signingKey == "" {
		return nil, fmt.Errorf("break-glass signing key not configured")
	}
	if maxSession <= 0 || maxSession > domain.MaxBreakGlassSession {
		maxSession = domain.MaxBreakGlassSession
	}
	return &BreakGlass{
		store:      store,
		signingKey: []byte(signingKey),
		maxSession: maxSession,
		now:        time.Now,
	}, nil
}

type sessionClaims struct {
	Reason  string `json:"reason"`
	Profile string `json:"profile"`
	jwt.RegisteredClaims
}

// Open validates the justification, mints a session token, and audits the
// elevation itself.
func (b *BreakGlass) Open(ctx context.Context, userID, reason, ip string) (token string, expiresAt time.Time, err error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, domain.NewValidationError("", "operator id is required")
	}
	if len(strings.TrimSpace(reason)) < domain.MinBreakGlassReasonLen {
		return "", time.Time{}, domain.NewValidationError("",
			fmt.Sprintf("justification must be at least %d characters", domain.MinBreakGlassReasonLen))
	}

	now := b.now().UTC()
	expiresAt = now.Add(b.maxSession)
	claims := sessionClaims{
		Reason:  reason,
		Profile: string(domain.ProfileAudit),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign break-glass token: %w", err)
	}

	b.Record(ctx, &Session{UserID: userID, Reason: reason, ExpiresAt: expiresAt},
		"break_glass.open", "session", ip)
	metrics.BreakGlassSessions.Inc()
	logger.Warn("break-glass session opened", "user_id", userID, "expires_at", expiresAt.Format(time.RFC3339))
	return token, expiresAt, nil
}

// Verify checks a bearer token and returns its session. Expired or
// tampered tokens return an unauthorized taxonomy error.
func (b *BreakGlass) Verify(token string) (*Session, error) {
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return b.signingKey, nil
	}, jwt.WithTimeFunc(func() time.Time { return b.now() }))
	if err != nil {
		return nil, domain.NewUnauthorized("invalid break-glass session")
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || claims.Profile != string(domain.ProfileAudit) {
		return nil, domain.NewUnauthorized("invalid break-glass session")
	}
	return &Session{
		UserID:    claims.Subject,
		Reason:    claims.Reason,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Record writes one audit row for an access performed under a session.
// Failures are logged but never block the access itself.
func (b *BreakGlass) Record(ctx context.Context, s *Session, action, resource, ip string) {
	if b.store == nil {
		return
	}
	ev := &domain.AuditEvent{
		UserID:   s.UserID,
		Profile:  domain.ProfileAudit,
		Action:   action,
		Resource: resource,
		Reason:   s.Reason,
		IP:       ip,
	}
	if err := b.store.Insert(ctx, ev); err != nil {
		logger.Error("audit event write failed",
			"user_id", s.UserID, "action", action, "error", err.Error())
	}
}
