// Package admission is the policy gate in front of ingestion and dispatch.
// It owns API-key authentication, the IP allow-list, per-company request
// rates, daily/monthly sending caps, the sandbox carve-out, the suppression
// check, and the sending-domain gate. The HTTP layer calls it per request;
// the worker calls the same checks again right before dispatch, because
// hours can pass between accept and send.
package admission

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/pkg/logger"
	"github.com/ignite/mailgate/internal/service/email"
)

// Sentinel policy errors. Codes drive worker-side classification, HTTP
// status drives the synchronous response; errors.Is matches by code.
var (
	ErrSuppressed = &domain.Error{
		Code: domain.CodeSuppressed, Category: domain.CategoryPermanent,
		HTTPStatus: http.StatusForbidden, Message: "recipient is on the suppression list",
	}
	ErrDomainUnverified = &domain.Error{
		Code: domain.CodeDomainUnverified, Category: domain.CategoryPermanent,
		HTTPStatus: http.StatusForbidden, Message: "sending domain is not verified",
	}
	ErrDailyCapExceeded = &domain.Error{
		Code: domain.CodeDailyCapExceeded, Category: domain.CategoryQuota,
		HTTPStatus: http.StatusTooManyRequests, Retryable: true,
		Message: "daily sending cap reached",
	}
)

// CompanyStore resolves tenants during authentication.
type CompanyStore interface {
	GetByKeyPrefix(ctx context.Context, prefix string) (*domain.Company, error)
}

// DomainStore resolves a company's bound sending domain.
type DomainStore interface {
	GetByName(ctx context.Context, companyID, name string) (*domain.SendingDomain, error)
}

// SuppressionChecker answers membership against the tenant list plus the
// global overlay.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, companyID, email string) (bool, error)
}

// Gate bundles all admission policies behind one dependency.
type Gate struct {
	companies   CompanyStore
	domains     DomainStore
	suppression SuppressionChecker
	limiter     *Limiter
}

func NewGate(companies CompanyStore, domains DomainStore, sup SuppressionChecker, limiter *Limiter) *Gate {
	return &Gate{companies: companies, domains: domains, suppression: sup, limiter: limiter}
}

// keyPrefixLen is how many leading characters of an API key are stored in
// clear for lookup; the rest is only ever compared by hash.
const keyPrefixLen = 12

// Authenticate resolves the bearer API key to its company. Suspended and
// rejected tenants authenticate but fail CanSend later; a wrong key is
// indistinguishable from an unknown one.
func (g *Gate) Authenticate(ctx context.Context, rawKey string) (*domain.Company, error) {
	rawKey = strings.TrimSpace(rawKey)
	if len(rawKey) < keyPrefixLen {
		return nil, domain.NewUnauthorized("invalid api key")
	}
	company, err := g.companies.GetByKeyPrefix(ctx, rawKey[:keyPrefixLen])
	if err != nil {
		if errors.Is(err, email.ErrNotFound) {
			return nil, domain.NewUnauthorized("invalid api key")
		}
		return nil, domain.NewServiceUnavailable("auth lookup failed", err)
	}
	if !verifyKey(rawKey, company.APIKeyHash) {
		return nil, domain.NewUnauthorized("invalid api key")
	}
	return company, nil
}

// CheckIP enforces the company's CIDR allow-list. An empty list admits any
// source address.
func (g *Gate) CheckIP(company *domain.Company, remoteAddr string) error {
	if len(company.AllowedCIDRs) == 0 {
		return nil
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return domain.NewForbidden("source address not allow-listed")
	}
	for _, cidr := range company.AllowedCIDRs {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("company has malformed cidr", "company_id", company.ID, "cidr", cidr)
			continue
		}
		if block.Contains(ip) {
			return nil
		}
	}
	return domain.NewForbidden("source address not allow-listed")
}

// CheckApproval refuses ingestion for tenants that may not send. Suspension
// only blocks new work; jobs already queued drain normally.
func (g *Gate) CheckApproval(company *domain.Company) error {
	if company.CanSend() {
		return nil
	}
	switch company.Approval {
	case domain.ApprovalSuspended:
		return domain.NewForbidden("company is suspended")
	case domain.ApprovalRejected:
		return domain.NewForbidden("company is rejected")
	default:
		return domain.NewForbidden("company is pending approval")
	}
}

// CheckDomain gates ingestion on a VERIFIED sending domain. Sandbox tenants
// are carved out: they send to their allow-listed addresses before any
// domain exists.
func (g *Gate) CheckDomain(ctx context.Context, company *domain.Company) error {
	if company.Sandbox {
		return nil
	}
	if company.BoundDomain == nil || *company.BoundDomain == "" {
		return ErrDomainUnverified
	}
	d, err := g.domains.GetByName(ctx, company.ID, *company.BoundDomain)
	if err != nil {
		if errors.Is(err, email.ErrNotFound) {
			return ErrDomainUnverified
		}
		return domain.NewServiceUnavailable("domain lookup failed", err)
	}
	if !d.SendAllowed() {
		return ErrDomainUnverified
	}
	return nil
}

// CheckRecipients runs the per-address policies: sandbox allow-list first,
// then suppression for every envelope recipient including cc and bcc.
func (g *Gate) CheckRecipients(ctx context.Context, company *domain.Company, addrs []string) error {
	for _, addr := range addrs {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if company.Sandbox && !company.SandboxAllows(addr) {
			return domain.NewForbidden(
				fmt.Sprintf("sandbox mode: %s is not on the allow-list", addr))
		}
		hit, err := g.suppression.IsSuppressed(ctx, company.ID, addr)
		if err != nil {
			return domain.NewServiceUnavailable("suppression lookup failed", err)
		}
		if hit {
			return ErrSuppressed
		}
	}
	return nil
}

// ReserveRate consumes one request slot across the company's rate windows.
// A zero retryAfter means the request is admitted.
func (g *Gate) ReserveRate(ctx context.Context, company *domain.Company) (retryAfter int, err error) {
	if g.limiter == nil {
		return 0, nil
	}
	return g.limiter.Reserve(ctx, company)
}

// CheckEmailCaps compares the company's accepted-send counters against its
// daily and monthly caps. Returns ErrDailyCapExceeded when either is full.
func (g *Gate) CheckEmailCaps(ctx context.Context, company *domain.Company, pending int) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.CheckCaps(ctx, company, pending)
}

// CommitSend records n accepted emails against the cap counters. Called
// once per accepted request, after the outbox commit.
func (g *Gate) CommitSend(ctx context.Context, companyID string, n int) {
	if g.limiter == nil {
		return
	}
	if err := g.limiter.CommitSend(ctx, companyID, n); err != nil {
		logger.Warn("send cap counter update failed", "company_id", companyID, "error", err.Error())
	}
}

// verifyKey compares sha256(raw) with the stored hex digest in constant
// time.
func verifyKey(raw, storedHex string) bool {
	sum := sha256.Sum256([]byte(raw))
	want, err := hex.DecodeString(storedHex)
	if err != nil || len(want) != sha256.Size {
		return false
	}
	return subtle.ConstantTimeCompare(sum[:], want) == 1
}

// HashKey returns the storable digest of an API key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey mints a tenant credential. The caller persists prefix and
// hash; the full key is shown exactly once.
func GenerateAPIKey() (key, prefix, hash string, err error) {
	buf := make([]byte, 24)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generate api key: %w", err)
	}
	key = "mg_" + base64.RawURLEncoding.EncodeToString(buf)
	return key, key[:keyPrefixLen], HashKey(key), nil
}
