package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/pkg/httputil"
	"github.com/ignite/mailgate/internal/pkg/logger"
)

type createDomainRequest struct {
	Name string `json:"name"`
}

// domainResponse hides key material the tenant has no use for and attaches
// the DNS instructions they must act on.
type domainResponse struct {
	*domain.SendingDomain
	DNSRecord dnsInstruction `json:"dnsRecord"`
}

type dnsInstruction struct {
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	Values []string `json:"values"`
}

func domainView(d *domain.SendingDomain) *domainResponse {
	return &domainResponse{
		SendingDomain: d,
		DNSRecord: dnsInstruction{
			Name:   d.DKIMRecordName(),
			Type:   "TXT",
			Values: d.DKIMTokens,
		},
	}
}

func (s *Server) handleCreateDomain(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	company := CompanyFrom(r.Context())

	var req createDomainRequest
	if !httputil.Decode(w, r, reqID, &req) {
		return
	}
	name := strings.ToLower(strings.TrimSpace(req.Name))
	if name == "" || !strings.Contains(name, ".") {
		httputil.BadRequest(w, reqID, "name must be a fully qualified domain")
		return
	}

	material, err := s.dkimKeys()
	if err != nil {
		logger.Error("dkim key generation failed", "domain", name, "error", err.Error())
		httputil.InternalError(w, reqID, err)
		return
	}

	d := &domain.SendingDomain{
		ID:        uuid.NewString(),
		CompanyID: company.ID,
		Name:      name,
		Status:    domain.DomainPending,
	}
	material.Apply(d)

	if err := s.domains.Create(r.Context(), d); err != nil {
		respondErr(w, reqID, err)
		return
	}

	if s.publisher != nil {
		if err := s.publisher.PublishTXT(r.Context(), d.DKIMRecordName(), d.DKIMTokens); err != nil {
			// The domain is created either way; the tenant can publish the
			// record themselves from the response.
			logger.Warn("managed DNS publish failed",
				"domain", d.Name, "record", d.DKIMRecordName(), "error", err.Error())
		}
	}
	httputil.Created(w, domainView(d))
}

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	company := CompanyFrom(r.Context())

	ds, err := s.domains.ListByCompany(r.Context(), company.ID)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	out := make([]*domainResponse, 0, len(ds))
	for i := range ds {
		out = append(out, domainView(&ds[i]))
	}
	httputil.OK(w, map[string]any{"items": out})
}

func (s *Server) handleGetDomain(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	company := CompanyFrom(r.Context())

	d, err := s.domains.Get(r.Context(), company.ID, chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	httputil.OK(w, domainView(d))
}

// handleVerifyDomain runs one immediate DNS probe instead of waiting for the
// background verifier's next pass.
func (s *Server) handleVerifyDomain(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	company := CompanyFrom(r.Context())

	d, err := s.domains.Get(r.Context(), company.ID, chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	s.domainCheck.Check(r.Context(), d)
	if err := s.domains.RecordCheck(r.Context(), d); err != nil {
		respondErr(w, reqID, err)
		return
	}
	httputil.OK(w, domainView(d))
}
