package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/mailgate/internal/audit"
	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/pkg/httputil"
	"github.com/ignite/mailgate/internal/pkg/logger"
	"github.com/ignite/mailgate/internal/repository/postgres"
	"github.com/ignite/mailgate/internal/service/email"
	suppsvc "github.com/ignite/mailgate/internal/service/suppression"
	"github.com/ignite/mailgate/internal/worker"
)

// EmailService is the ingestion and read surface the handlers call.
type EmailService interface {
	Ingest(ctx context.Context, company *domain.Company, in *email.SendInput) (*email.Receipt, error)
	Get(ctx context.Context, companyID, id string) (*email.Detail, error)
	List(ctx context.Context, companyID string, f email.ListFilter) (*email.Page, error)
	RevealFiscal(r *domain.Recipient) (string, error)
}

// AdmissionGate is the edge policy slice the middleware runs.
type AdmissionGate interface {
	Authenticate(ctx context.Context, rawKey string) (*domain.Company, error)
	CheckIP(company *domain.Company, remoteAddr string) error
	CheckApproval(company *domain.Company) error
	ReserveRate(ctx context.Context, company *domain.Company) (int, error)
}

// Pressure reports whether ingestion should shed load.
type Pressure interface {
	Accepting() bool
}

// BreakGlassAuthority issues and verifies audit elevations.
type BreakGlassAuthority interface {
	Open(ctx context.Context, userID, reason, ip string) (string, time.Time, error)
	Verify(token string) (*audit.Session, error)
	Record(ctx context.Context, s *audit.Session, action, resource, ip string)
}

// CompanyAdmin is the tenant administration slice.
type CompanyAdmin interface {
	Create(ctx context.Context, c *domain.Company) error
	Get(ctx context.Context, id string) (*domain.Company, error)
	List(ctx context.Context, approval domain.ApprovalState, limit, offset int) ([]domain.Company, error)
	SetApproval(ctx context.Context, id string, state domain.ApprovalState) error
	UpdateSandbox(ctx context.Context, id string, sandbox bool, allow []string) error
	BindDomain(ctx context.Context, id, domainName string) error
}

// DomainAdmin is the sending-domain persistence slice.
type DomainAdmin interface {
	Create(ctx context.Context, d *domain.SendingDomain) error
	Get(ctx context.Context, companyID, id string) (*domain.SendingDomain, error)
	ListByCompany(ctx context.Context, companyID string) ([]domain.SendingDomain, error)
	RecordCheck(ctx context.Context, d *domain.SendingDomain) error
}

// DomainChecker runs one immediate verification probe.
type DomainChecker interface {
	Check(ctx context.Context, d *domain.SendingDomain)
}

// DKIMPublisher pushes the public key TXT record into managed DNS.
type DKIMPublisher interface {
	PublishTXT(ctx context.Context, recordName string, tokens []string) error
}

// EventSink is the outbox slice the provider webhook writes through.
type EventSink interface {
	GetByProviderMessageID(ctx context.Context, messageID string) (*domain.Outbox, error)
	AppendEvent(ctx context.Context, outboxID string, logID *string, typ domain.EventType, md domain.EventMetadata) error
}

// SuppressionAdmin manages suppression lists from the webhook and the
// operator surface.
type SuppressionAdmin interface {
	Suppress(ctx context.Context, companyID, email string, in suppsvc.SuppressInput) error
	SuppressGlobal(ctx context.Context, email string, in suppsvc.SuppressInput) error
	Remove(ctx context.Context, companyID, email string) error
	List(ctx context.Context, companyID string, f suppsvc.ListFilter) ([]domain.Suppression, int, error)
}

// DLQAdmin exposes dead letters to operators.
type DLQAdmin interface {
	List(ctx context.Context, f postgres.DLQFilter) ([]domain.DLQEntry, error)
	Get(ctx context.Context, jobID string) (*domain.DLQEntry, error)
}

// Replay triggers a DLQ drain.
type Replay interface {
	Replay(ctx context.Context, f postgres.DLQFilter) (*worker.ReplayReport, error)
}

// Pinger is a dependency health probe.
type Pinger func(ctx context.Context) error

// Deps wires the server's collaborators.
type Deps struct {
	Email       EmailService
	Gate        AdmissionGate
	Pressure    Pressure
	BreakGlass  BreakGlassAuthority
	Companies   CompanyAdmin
	Domains     DomainAdmin
	DomainCheck DomainChecker
	DKIM        DKIMKeySource
	Publisher   DKIMPublisher
	Events      EventSink
	Suppression SuppressionAdmin
	DLQ         DLQAdmin
	Replayer    Replay
	DBPing      Pinger
	QueuePing   Pinger
	AdminToken  string
	CORSOrigins []string

	// Defaults applied to companies created without explicit caps.
	DefaultRateCaps    domain.RateCaps
	DefaultSendingCaps domain.SendingCaps
}

// DKIMKeySource mints key material for new domains.
type DKIMKeySource func() (KeyMaterial, error)

// KeyMaterial is the subset of dkim.Material the handler applies to a new
// domain row.
type KeyMaterial interface {
	Apply(d *domain.SendingDomain)
}

// Server owns the router and the HTTP lifecycle.
type Server struct {
	email       EmailService
	gate        AdmissionGate
	pressure    Pressure
	breakGlass  BreakGlassAuthority
	companies   CompanyAdmin
	domains     DomainAdmin
	domainCheck DomainChecker
	dkimKeys    DKIMKeySource
	publisher   DKIMPublisher
	events      EventSink
	suppression SuppressionAdmin
	dlq         DLQAdmin
	replayer    Replay
	dbPing      Pinger
	queuePing   Pinger
	adminToken  string

	defaultRateCaps    domain.RateCaps
	defaultSendingCaps domain.SendingCaps

	httpSrv *http.Server
}

func NewServer(d Deps) *Server {
	s := &Server{
		email:       d.Email,
		gate:        d.Gate,
		pressure:    d.Pressure,
		breakGlass:  d.BreakGlass,
		companies:   d.Companies,
		domains:     d.Domains,
		domainCheck: d.DomainCheck,
		dkimKeys:    d.DKIM,
		publisher:   d.Publisher,
		events:      d.Events,
		suppression: d.Suppression,
		dlq:         d.DLQ,
		replayer:    d.Replayer,
		dbPing:      d.DBPing,
		queuePing:   d.QueuePing,
		adminToken:  d.AdminToken,

		defaultRateCaps:    d.DefaultRateCaps,
		defaultSendingCaps: d.DefaultSendingCaps,
	}
	s.httpSrv = &http.Server{
		Handler:           s.routes(d.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes(corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(accessLog)
	r.Use(recoverer)
	r.Use(bodyLimit)

	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id", "Idempotency-Key", "X-Idempotency-Key", "X-Admin-Token", "X-Operator-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// tenant surface
		r.Group(func(r chi.Router) {
			r.Use(s.tenantAuth)
			r.With(s.sendAdmission).Post("/email/send", s.handleSend)
			r.Get("/emails", s.handleListEmails)
			r.Get("/emails/{id}", s.handleGetEmail)

			r.Post("/domains", s.handleCreateDomain)
			r.Get("/domains", s.handleListDomains)
			r.Get("/domains/{id}", s.handleGetDomain)
			r.Post("/domains/{id}/verify", s.handleVerifyDomain)
		})

		// provider callbacks
		r.Post("/events/provider", s.handleProviderEvents)

		// operator surface
		r.Group(func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Post("/audit/break-glass", s.handleBreakGlass)

			r.Route("/admin", func(r chi.Router) {
				r.Post("/companies", s.handleCreateCompany)
				r.Get("/companies", s.handleListCompanies)
				r.Get("/companies/{id}", s.handleGetCompany)
				r.Post("/companies/{id}/approval", s.handleSetApproval)
				r.Post("/companies/{id}/sandbox", s.handleSetSandbox)
				r.Post("/companies/{id}/bind-domain", s.handleBindDomain)

				r.Get("/dlq", s.handleListDLQ)
				r.Get("/dlq/{jobId}", s.handleGetDLQ)
				r.Post("/dlq/replay", s.handleReplayDLQ)

				r.Get("/suppressions", s.handleListSuppressions)
				r.Post("/suppressions", s.handleAddSuppression)
				r.Delete("/suppressions", s.handleRemoveSuppression)
			})
		})
	})
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(host string, port int) error {
	s.httpSrv.Addr = fmt.Sprintf("%s:%d", host, port)
	logger.Info("http server listening", "addr", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// respondErr maps repository sentinels to their HTTP shape before falling
// back to the taxonomy mapper.
func respondErr(w http.ResponseWriter, reqID string, err error) {
	if errors.Is(err, email.ErrNotFound) {
		httputil.NotFound(w, reqID, "not found")
		return
	}
	httputil.FromError(w, reqID, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true
	if s.dbPing != nil {
		if err := s.dbPing(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		} else {
			checks["database"] = "ok"
		}
	}
	if s.queuePing != nil {
		if err := s.queuePing(ctx); err != nil {
			checks["queue"] = err.Error()
			healthy = false
		} else {
			checks["queue"] = "ok"
		}
	}
	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	httputil.JSON(w, status, map[string]any{"status": state, "checks": checks})
}
