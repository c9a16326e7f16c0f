package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/pkg/httputil"
	"github.com/ignite/mailgate/internal/pkg/logger"
	"github.com/ignite/mailgate/internal/service/email"
)

// recipientView is the recipient block of the email detail. PII fields are
// masked unless the request carries a verified break-glass session.
type recipientView struct {
	ID          string  `json:"id"`
	ExternalID  *string `json:"externalId,omitempty"`
	Email       string  `json:"email"`
	DisplayName string  `json:"displayName,omitempty"`
	LegalName   string  `json:"legalName,omitempty"`
	CpfCnpj     string  `json:"cpfCnpj,omitempty"`
	Masked      bool    `json:"masked"`
}

type emailDetailResponse struct {
	Outbox    *domain.Outbox      `json:"outbox"`
	Recipient *recipientView      `json:"recipient,omitempty"`
	Events    []domain.EmailEvent `json:"events"`
	Logs      []domain.EmailLog   `json:"logs"`
}

func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	company := CompanyFrom(r.Context())

	f, err := parseListFilter(r)
	if err != nil {
		httputil.FromError(w, reqID, err)
		return
	}
	page, err := s.email.List(r.Context(), company.ID, f)
	if err != nil {
		httputil.FromError(w, reqID, err)
		return
	}
	httputil.OK(w, page)
}

func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	company := CompanyFrom(r.Context())
	id := chi.URLParam(r, "id")

	d, err := s.email.Get(r.Context(), company.ID, id)
	if err != nil {
		httputil.FromError(w, reqID, err)
		return
	}

	resp := &emailDetailResponse{Outbox: d.Outbox, Events: d.Events, Logs: d.Logs}
	if d.Recipient != nil {
		resp.Recipient = s.recipientView(r, d.Recipient)
	}
	httputil.OK(w, resp)
}

// recipientView masks the recipient by default. A valid break-glass bearer
// token unmasks, and every unmasked read lands in the audit trail.
func (s *Server) recipientView(r *http.Request, rec *domain.Recipient) *recipientView {
	v := &recipientView{
		ID:          rec.ID,
		ExternalID:  rec.ExternalID,
		Email:       logger.RedactEmail(rec.Email),
		DisplayName: logger.RedactName(rec.DisplayName),
		LegalName:   logger.RedactName(rec.LegalName),
		CpfCnpj:     rec.MaskedFiscal(),
		Masked:      true,
	}

	token := bearerToken(r)
	if token == "" || s.breakGlass == nil {
		return v
	}
	sess, err := s.breakGlass.Verify(token)
	if err != nil {
		logger.Warn("break-glass token rejected on email read",
			"recipient_id", rec.ID, "error", err.Error())
		return v
	}

	v.Email = rec.Email
	v.DisplayName = rec.DisplayName
	v.LegalName = rec.LegalName
	v.Masked = false
	if rec.HasFiscalID() {
		if plain, err := s.email.RevealFiscal(rec); err == nil {
			v.CpfCnpj = plain
		} else {
			logger.Error("fiscal reveal failed", "recipient_id", rec.ID, "error", err.Error())
		}
	}
	s.breakGlass.Record(r.Context(), sess, "pii.unmask", "recipient:"+rec.ID, r.RemoteAddr)
	return v
}

func parseListFilter(r *http.Request) (email.ListFilter, error) {
	q := r.URL.Query()
	f := email.ListFilter{
		To:                  q.Get("to"),
		RecipientExternalID: q.Get("recipientExternalId"),
		CpfCnpj:             q.Get("cpfCnpj"),
		RazaoSocial:         q.Get("razaoSocial"),
		Nome:                q.Get("nome"),
		Cursor:              q.Get("cursor"),
	}
	if raw := q.Get("status"); raw != "" {
		f.Status = strings.Split(raw, ",")
	}
	if raw := q.Get("tags"); raw != "" {
		f.Tags = strings.Split(raw, ",")
	}
	if raw := q.Get("dateFrom"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, domain.NewValidationError(domain.CodeValidationError, "dateFrom must be RFC 3339")
		}
		f.DateFrom = &t
	}
	if raw := q.Get("dateTo"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, domain.NewValidationError(domain.CodeValidationError, "dateTo must be RFC 3339")
		}
		f.DateTo = &t
	}
	if raw := q.Get("pageSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return f, domain.NewValidationError(domain.CodeValidationError, "pageSize must be an integer")
		}
		f.PageSize = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return f, domain.NewValidationError(domain.CodeValidationError, "offset must be an integer")
		}
		f.Offset = &n
	}
	return f, nil
}
