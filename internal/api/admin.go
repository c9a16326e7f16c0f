package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/mailgate/internal/admission"
	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/pkg/httputil"
	"github.com/ignite/mailgate/internal/pkg/logger"
	"github.com/ignite/mailgate/internal/repository/postgres"
)

type createCompanyRequest struct {
	Name         string             `json:"name"`
	DefaultFrom  string             `json:"defaultFrom"`
	AllowedCIDRs []string           `json:"allowedCidrs"`
	RateCaps     *domain.RateCaps   `json:"rateCaps"`
	SendingCaps  *domain.SendingCaps `json:"sendingCaps"`
	Sandbox      bool               `json:"sandbox"`
	SandboxAllow []string           `json:"sandboxAllow"`
}

// createCompanyResponse carries the plaintext API key. This is the only
// response that ever contains it; afterwards only the hash exists.
type createCompanyResponse struct {
	Company *domain.Company `json:"company"`
	APIKey  string          `json:"apiKey"`
}

func (s *Server) handleCreateCompany(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())

	var req createCompanyRequest
	if !httputil.Decode(w, r, reqID, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		httputil.BadRequest(w, reqID, "name is required")
		return
	}

	key, prefix, hash, err := admission.GenerateAPIKey()
	if err != nil {
		httputil.InternalError(w, reqID, err)
		return
	}

	c := &domain.Company{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(req.Name),
		APIKeyHash:   hash,
		APIKeyPrefix: prefix,
		AllowedCIDRs: req.AllowedCIDRs,
		Approval:     domain.ApprovalPending,
		DefaultFrom:  req.DefaultFrom,
		Sandbox:      req.Sandbox,
		SandboxAllow: req.SandboxAllow,
	}
	c.RateCaps = s.defaultRateCaps
	if req.RateCaps != nil {
		c.RateCaps = *req.RateCaps
	}
	c.SendingCaps = s.defaultSendingCaps
	if req.SendingCaps != nil {
		c.SendingCaps = *req.SendingCaps
	}

	if err := s.companies.Create(r.Context(), c); err != nil {
		respondErr(w, reqID, err)
		return
	}
	s.operatorAudit(r, "company.create", "company:"+c.ID)
	httputil.Created(w, createCompanyResponse{Company: c, APIKey: key})
}

func (s *Server) handleListCompanies(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	q := r.URL.Query()

	approval := domain.ApprovalState(q.Get("approval"))
	limit, offset := 50, 0
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}

	cs, err := s.companies.List(r.Context(), approval, limit, offset)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	httputil.OK(w, map[string]any{"items": cs})
}

func (s *Server) handleGetCompany(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	c, err := s.companies.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	httputil.OK(w, c)
}

type approvalRequest struct {
	State string `json:"state"`
}

func (s *Server) handleSetApproval(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	id := chi.URLParam(r, "id")

	var req approvalRequest
	if !httputil.Decode(w, r, reqID, &req) {
		return
	}
	state := domain.ApprovalState(strings.ToLower(req.State))
	switch state {
	case domain.ApprovalPending, domain.ApprovalApproved,
		domain.ApprovalSuspended, domain.ApprovalRejected:
	default:
		httputil.BadRequest(w, reqID, "unknown approval state")
		return
	}

	if err := s.companies.SetApproval(r.Context(), id, state); err != nil {
		respondErr(w, reqID, err)
		return
	}
	s.operatorAudit(r, "company.approval."+string(state), "company:"+id)
	httputil.NoContent(w)
}

type sandboxRequest struct {
	Sandbox bool     `json:"sandbox"`
	Allow   []string `json:"allow"`
}

func (s *Server) handleSetSandbox(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	id := chi.URLParam(r, "id")

	var req sandboxRequest
	if !httputil.Decode(w, r, reqID, &req) {
		return
	}
	if err := s.companies.UpdateSandbox(r.Context(), id, req.Sandbox, req.Allow); err != nil {
		respondErr(w, reqID, err)
		return
	}
	s.operatorAudit(r, "company.sandbox", "company:"+id)
	httputil.NoContent(w)
}

type bindDomainRequest struct {
	Domain string `json:"domain"`
}

func (s *Server) handleBindDomain(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	id := chi.URLParam(r, "id")

	var req bindDomainRequest
	if !httputil.Decode(w, r, reqID, &req) {
		return
	}
	name := strings.ToLower(strings.TrimSpace(req.Domain))
	if name == "" {
		httputil.BadRequest(w, reqID, "domain is required")
		return
	}
	if err := s.companies.BindDomain(r.Context(), id, name); err != nil {
		respondErr(w, reqID, err)
		return
	}
	s.operatorAudit(r, "company.bind-domain", "company:"+id)
	httputil.NoContent(w)
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	f, err := parseDLQFilter(r)
	if err != nil {
		httputil.FromError(w, reqID, err)
		return
	}
	entries, err := s.dlq.List(r.Context(), f)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	httputil.OK(w, map[string]any{"items": entries})
}

func (s *Server) handleGetDLQ(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	e, err := s.dlq.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	httputil.OK(w, e)
}

func (s *Server) handleReplayDLQ(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())

	var f postgres.DLQFilter
	if r.ContentLength > 0 {
		if !httputil.Decode(w, r, reqID, &f) {
			return
		}
	}
	report, err := s.replayer.Replay(r.Context(), f)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	s.operatorAudit(r, "dlq.replay", "dlq")
	logger.Info("dlq replay finished",
		"matched", report.Matched, "replayed", report.Replayed,
		"skipped", report.Skipped, "aborted", report.Aborted)
	httputil.OK(w, report)
}

func parseDLQFilter(r *http.Request) (postgres.DLQFilter, error) {
	q := r.URL.Query()
	f := postgres.DLQFilter{
		CompanyID:       q.Get("companyId"),
		Code:            q.Get("code"),
		IncludeReplayed: q.Get("includeReplayed") == "true",
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, domain.NewValidationError(domain.CodeValidationError, "since must be RFC 3339")
		}
		f.Since = &t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, domain.NewValidationError(domain.CodeValidationError, "until must be RFC 3339")
		}
		f.Until = &t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, domain.NewValidationError(domain.CodeValidationError, "limit must be a non-negative integer")
		}
		f.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, domain.NewValidationError(domain.CodeValidationError, "offset must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}

// operatorAudit records an operator mutation. Break-glass sessions get the
// full audit treatment; plain admin-token calls are logged with the
// operator id from the mandatory header.
func (s *Server) operatorAudit(r *http.Request, action, resource string) {
	if sess := SessionFrom(r.Context()); sess != nil && s.breakGlass != nil {
		s.breakGlass.Record(r.Context(), sess, action, resource, r.RemoteAddr)
		return
	}
	logger.Info("operator action",
		"operator_id", OperatorFrom(r.Context()), "action", action,
		"resource", resource, "remote_addr", r.RemoteAddr)
}
