// Package provider holds the dispatch drivers (SES, SMTP, HTTP) and the
// guard stack every driver call runs under: hard timeout, per-provider
// circuit breaker, and a token bucket aligned with the provider's send-rate
// cap. Drivers return raw errors; the dispatcher classifies them into the
// gateway taxonomy before the worker sees them.
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/metrics"
	"github.com/ignite/mailgate/internal/pkg/logger"
)

// Message is the fully resolved email a driver delivers: body inline, no
// references left.
type Message struct {
	OutboxID  string
	CompanyID string
	From      string
	To        string
	CC        []string
	BCC       []string
	ReplyTo   string
	Subject   string
	HTML      string
	Headers   map[string]string
	Tags      []string
}

// Result is a successful dispatch.
type Result struct {
	MessageID string
	Provider  domain.ProviderType
}

// Quota is a provider's view of its own sending allowance.
type Quota struct {
	Max24Hour   float64
	SentLast24h float64
	MaxSendRate float64
}

// Driver is one concrete delivery backend.
type Driver interface {
	Name() string
	Type() domain.ProviderType
	Send(ctx context.Context, msg *Message) (*Result, error)
	VerifyConnection(ctx context.Context) error
	Quota(ctx context.Context) (*Quota, error)
}

// GuardConfig tunes the protection stack around one driver.
type GuardConfig struct {
	Timeout       time.Duration
	OpenThreshold uint32
	Cooldown      time.Duration
	SendRate      float64
	Burst         int
}

func (g GuardConfig) withDefaults() GuardConfig {
	if g.Timeout <= 0 {
		g.Timeout = 30 * time.Second
	}
	if g.OpenThreshold == 0 {
		g.OpenThreshold = 5
	}
	if g.Cooldown <= 0 {
		g.Cooldown = 30 * time.Second
	}
	if g.Burst <= 0 {
		g.Burst = 1
	}
	return g
}

// Dispatcher wraps a driver with the guard stack. One dispatcher per
// (provider, region) so breaker state is shared by every job that uses that
// backend.
type Dispatcher struct {
	driver  Driver
	breaker *gobreaker.CircuitBreaker
	bucket  *rate.Limiter
	timeout time.Duration
}

func NewDispatcher(driver Driver, cfg GuardConfig) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{driver: driver, timeout: cfg.Timeout}

	if cfg.SendRate > 0 {
		d.bucket = rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.Burst)
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        driver.Name(),
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.OpenThreshold
		},
		// Only transient and timeout failures move the breaker; a rejected
		// message says nothing about the provider's health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			e := domain.AsError(err)
			return e.Category != domain.CategoryTransient && e.Category != domain.CategoryTimeout
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider breaker state change",
				"provider", name, "from", from.String(), "to", to.String())
			kind, region := splitName(name)
			metrics.CircuitBreakerState.WithLabelValues(kind, region).Set(breakerStateValue(to))
		},
	})
	return d
}

// Name identifies the wrapped backend, e.g. "ses/us-east-1".
func (d *Dispatcher) Name() string { return d.driver.Name() }

// Type returns the wrapped driver kind.
func (d *Dispatcher) Type() domain.ProviderType { return d.driver.Type() }

// Send delivers one message through the guard stack. Errors come back
// classified; while the breaker is open every call fails fast with
// PROVIDER_CIRCUIT_OPEN.
func (d *Dispatcher) Send(ctx context.Context, msg *Message) (*Result, error) {
	if d.bucket != nil {
		if err := d.bucket.Wait(ctx); err != nil {
			return nil, domain.NewTimeout(domain.CodeProviderTimeout,
				fmt.Sprintf("%s: rate wait aborted", d.Name()), err)
		}
	}

	start := time.Now()
	out, err := d.breaker.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		res, serr := d.driver.Send(cctx, msg)
		if serr != nil {
			return nil, Classify(d.driver.Type(), serr)
		}
		return res, nil
	})
	metrics.DispatchDuration.WithLabelValues(d.Name()).Observe(time.Since(start).Seconds())

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, domain.NewTransient(domain.CodeCircuitOpen,
			fmt.Sprintf("%s: circuit open", d.Name()), err)
	}
	if err != nil {
		return nil, err
	}
	return out.(*Result), nil
}

// VerifyConnection probes the backend without sending.
func (d *Dispatcher) VerifyConnection(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.driver.VerifyConnection(cctx); err != nil {
		return Classify(d.driver.Type(), err)
	}
	return nil
}

// Quota asks the backend for its allowance.
func (d *Dispatcher) Quota(ctx context.Context) (*Quota, error) {
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	q, err := d.driver.Quota(cctx)
	if err != nil {
		return nil, Classify(d.driver.Type(), err)
	}
	return q, nil
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// splitName splits "ses/us-east-1" into its provider and region labels.
func splitName(name string) (kind, region string) {
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return name[:i], name[i+1:]
		}
	}
	return name, ""
}

// Chain walks a tenant's priority-ordered dispatchers. Permanent and
// validation failures stop the walk: the message itself was refused and no
// other backend will change that. Everything else falls through to the next
// entry.
type Chain struct {
	entries []*Dispatcher
}

func NewChain(entries ...*Dispatcher) *Chain { return &Chain{entries: entries} }

func (c *Chain) Send(ctx context.Context, msg *Message) (*Result, error) {
	if len(c.entries) == 0 {
		return nil, domain.NewConfiguration(domain.CodeProviderConfig, "no active provider configured", nil)
	}
	var lastErr error
	for _, d := range c.entries {
		res, err := d.Send(ctx, msg)
		if err == nil {
			return res, nil
		}
		e := domain.AsError(err)
		if e.Category == domain.CategoryPermanent || e.Category == domain.CategoryValidation {
			return nil, err
		}
		logger.Warn("provider failed, trying next in chain",
			"provider", d.Name(), "outbox_id", msg.OutboxID, "code", e.Code)
		lastErr = err
	}
	return nil, lastErr
}

// Factory builds dispatchers from provider configs, caching them so breaker
// and bucket state survive across jobs.
type Factory struct {
	guards GuardConfig
	sesEnv SESEnv

	mu    sync.Mutex
	cache map[string]*Dispatcher
}

// SESEnv is the ambient AWS credential setup shared by SES dispatchers.
type SESEnv struct {
	AccessKey string
	SecretKey string
	Region    string
}

func NewFactory(guards GuardConfig, sesEnv SESEnv) *Factory {
	return &Factory{
		guards: guards.withDefaults(),
		sesEnv: sesEnv,
		cache:  make(map[string]*Dispatcher),
	}
}

// Chain resolves the dispatchers for a priority-ordered config list.
// Unbuildable entries are skipped with a log line rather than failing the
// whole chain.
func (f *Factory) Chain(cfgs []*domain.ProviderConfig) *Chain {
	var entries []*Dispatcher
	for _, cfg := range cfgs {
		d, err := f.dispatcher(cfg)
		if err != nil {
			logger.Warn("skipping unbuildable provider config", "config_id", cfg.ID, "error", err.Error())
			continue
		}
		entries = append(entries, d)
	}
	return NewChain(entries...)
}

func (f *Factory) dispatcher(cfg *domain.ProviderConfig) (*Dispatcher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.cache[cfg.ID]; ok {
		return d, nil
	}

	var driver Driver
	var err error
	switch cfg.Type {
	case domain.ProviderSES:
		region := cfg.Region
		if region == "" {
			region = f.sesEnv.Region
		}
		driver, err = NewSESDriver(f.sesEnv.AccessKey, f.sesEnv.SecretKey, region)
	case domain.ProviderSMTP:
		driver, err = NewSMTPDriver(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
	case domain.ProviderHTTP:
		driver, err = NewHTTPDriver(cfg.Endpoint, cfg.AuthToken)
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	guards := f.guards
	if cfg.MaxSendRate > 0 {
		guards.SendRate = cfg.MaxSendRate
	}
	d := NewDispatcher(driver, guards)
	f.cache[cfg.ID] = d
	return d, nil
}
