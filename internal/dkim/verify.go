package dkim

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/pkg/logger"
)

// RequiredOKs is how many consecutive successful lookups promote a domain
// to VERIFIED.
const RequiredOKs = 3

// Resolver is the DNS surface the verifier needs. *net.Resolver satisfies it.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// DomainStore is the persistence slice the verifier drives.
type DomainStore interface {
	ListDueForCheck(ctx context.Context, limit int) ([]domain.SendingDomain, error)
	RecordCheck(ctx context.Context, d *domain.SendingDomain) error
}

// VerifierConfig tunes the probe cadence.
type VerifierConfig struct {
	ProbeInterval   time.Duration // between probes while a domain is pending
	RecheckInterval time.Duration // between probes once verified
	MaxBackoff      time.Duration // ceiling for temporary-failure doubling
	LookupTimeout   time.Duration
	BatchSize       int
}

func (c VerifierConfig) withDefaults() VerifierConfig {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 5 * time.Minute
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = 24 * time.Hour
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 6 * time.Hour
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	return c
}

// Verifier runs the DNS verification state machine over domains whose
// next_check_at is due.
type Verifier struct {
	store    DomainStore
	resolver Resolver
	cfg      VerifierConfig
	now      func() time.Time
}

func NewVerifier(store DomainStore, resolver Resolver, cfg VerifierConfig) *Verifier {
	if resolver == nil {
		resolver = &net.Resolver{}
	}
	return &Verifier{store: store, resolver: resolver, cfg: cfg.withDefaults(), now: time.Now}
}

// Run probes due domains on a fixed cadence until ctx is canceled.
func (v *Verifier) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := v.CheckDue(ctx); err != nil {
				logger.Error("dkim check sweep failed", "error", err.Error())
			} else if n > 0 {
				logger.Debug("dkim check sweep", "checked", n)
			}
		}
	}
}

// CheckDue probes every domain whose next check is due and persists the
// outcomes. Returns how many domains were probed.
func (v *Verifier) CheckDue(ctx context.Context) (int, error) {
	due, err := v.store.ListDueForCheck(ctx, v.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for i := range due {
		d := &due[i]
		v.Check(ctx, d)
		if err := v.store.RecordCheck(ctx, d); err != nil {
			logger.Error("persisting domain check failed",
				"domain", d.Name, "error", err.Error())
		}
	}
	return len(due), nil
}

// Check performs one DNS probe and advances the domain's state in place.
// VERIFIED requires RequiredOKs consecutive matches; any failure resets the
// streak and backs the next probe off exponentially. Hard FAILED is never
// set here, only by operator action.
func (v *Verifier) Check(ctx context.Context, d *domain.SendingDomain) {
	lctx, cancel := context.WithTimeout(ctx, v.cfg.LookupTimeout)
	defer cancel()

	now := v.now()
	records, err := v.resolver.LookupTXT(lctx, d.DKIMRecordName())

	switch {
	case err == nil && matchesKey(records, d.DKIMPublicKey):
		d.ConsecutiveOKs++
		d.DKIMStatus = domain.DKIMVerified
		if d.ConsecutiveOKs >= RequiredOKs {
			if d.Status != domain.DomainVerified {
				logger.Info("sending domain verified",
					"domain", d.Name, "company_id", d.CompanyID)
			}
			d.Status = domain.DomainVerified
			v.schedule(d, now, v.cfg.RecheckInterval)
		} else {
			v.schedule(d, now, v.cfg.ProbeInterval)
		}

	case err == nil || isNXDomain(err):
		// Record absent or present with the wrong key. A withdrawn record
		// revokes a previously verified domain.
		if err == nil {
			d.DKIMStatus = domain.DKIMFailed
		} else {
			d.DKIMStatus = domain.DKIMPending
		}
		v.fail(d, now)

	default:
		// Resolver trouble says nothing about the record itself.
		logger.Warn("dkim lookup failed",
			"domain", d.Name, "record", d.DKIMRecordName(), "error", err.Error())
		v.fail(d, now)
	}
	d.LastCheckedAt = &now
}

func (v *Verifier) fail(d *domain.SendingDomain, now time.Time) {
	if d.Status == domain.DomainVerified {
		logger.Warn("verified domain lost its DKIM record",
			"domain", d.Name, "company_id", d.CompanyID)
	}
	d.ConsecutiveOKs = 0
	d.Status = domain.DomainTemporaryFailure
	v.schedule(d, now, v.nextBackoff(d, now))
}

// nextBackoff doubles the previous probe interval, clamped to
// [ProbeInterval, MaxBackoff]. The previous interval is reconstructed from
// the recorded check times, so no extra column is needed.
func (v *Verifier) nextBackoff(d *domain.SendingDomain, now time.Time) time.Duration {
	prev := v.cfg.ProbeInterval
	if d.LastCheckedAt != nil && d.NextCheckAt != nil {
		if gap := d.NextCheckAt.Sub(*d.LastCheckedAt); gap > 0 {
			prev = gap
		}
	}
	next := prev * 2
	if next < v.cfg.ProbeInterval {
		next = v.cfg.ProbeInterval
	}
	if next > v.cfg.MaxBackoff {
		next = v.cfg.MaxBackoff
	}
	return next
}

func (v *Verifier) schedule(d *domain.SendingDomain, now time.Time, in time.Duration) {
	at := now.Add(in)
	d.NextCheckAt = &at
}

// matchesKey reports whether any returned TXT record carries the expected
// DKIM value. Resolvers reassemble chunked records but may preserve interior
// whitespace, so comparison ignores spaces and quotes.
func matchesKey(records []string, want string) bool {
	norm := func(s string) string {
		s = strings.ReplaceAll(s, " ", "")
		s = strings.ReplaceAll(s, "\"", "")
		return s
	}
	w := norm(want)
	if w == "" {
		return false
	}
	for _, r := range records {
		if norm(r) == w {
			return true
		}
	}
	return false
}

func isNXDomain(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
