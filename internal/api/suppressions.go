package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/pkg/httputil"
	suppsvc "github.com/ignite/mailgate/internal/service/suppression"
)

// handleListSuppressions lists one company's suppression list, or the
// global overlay when companyId=global.
func (s *Server) handleListSuppressions(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	q := r.URL.Query()

	companyID := q.Get("companyId")
	if companyID == "" {
		httputil.BadRequest(w, reqID, "companyId is required")
		return
	}
	f := suppsvc.ListFilter{Reason: q.Get("reason"), Limit: 50}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			f.Limit = n
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			f.Offset = n
		}
	}

	items, total, err := s.suppression.List(r.Context(), companyID, f)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	httputil.OK(w, map[string]any{"items": items, "total": total})
}

type suppressionRequest struct {
	CompanyID string `json:"companyId"`
	Email     string `json:"email"`
	Reason    string `json:"reason"`
}

func (s *Server) handleAddSuppression(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())

	var req suppressionRequest
	if !httputil.Decode(w, r, reqID, &req) {
		return
	}
	if req.CompanyID == "" || req.Email == "" {
		httputil.BadRequest(w, reqID, "companyId and email are required")
		return
	}
	reason := domain.SuppressionReason(strings.ToLower(req.Reason))
	if reason == "" {
		reason = domain.ReasonManual
	}
	in := suppsvc.SuppressInput{Reason: reason, Source: domain.SourceManual}

	var err error
	if req.CompanyID == domain.GlobalListCompanyID {
		err = s.suppression.SuppressGlobal(r.Context(), req.Email, in)
	} else {
		err = s.suppression.Suppress(r.Context(), req.CompanyID, req.Email, in)
	}
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	s.operatorAudit(r, "suppression.add", "suppression:"+req.CompanyID)
	httputil.Created(w, map[string]string{"status": "suppressed"})
}

func (s *Server) handleRemoveSuppression(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())

	var req suppressionRequest
	if !httputil.Decode(w, r, reqID, &req) {
		return
	}
	if req.CompanyID == "" || req.Email == "" {
		httputil.BadRequest(w, reqID, "companyId and email are required")
		return
	}
	if err := s.suppression.Remove(r.Context(), req.CompanyID, req.Email); err != nil {
		respondErr(w, reqID, err)
		return
	}
	s.operatorAudit(r, "suppression.remove", "suppression:"+req.CompanyID)
	httputil.NoContent(w)
}
