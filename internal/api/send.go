package api

import (
	"net/http"

	"github.com/ignite/mailgate/internal/pkg/httputil"
	"github.com/ignite/mailgate/internal/service/email"
)

// handleSend is POST /v1/email/send: validate, persist, enqueue, 202.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())
	company := CompanyFrom(r.Context())

	var in email.SendInput
	if !httputil.Decode(w, r, reqID, &in) {
		return
	}
	in.IdempotencyKey = r.Header.Get("Idempotency-Key")
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = r.Header.Get("X-Idempotency-Key")
	}
	in.RequestID = reqID

	receipt, err := s.email.Ingest(r.Context(), company, &in)
	if err != nil {
		httputil.FromError(w, reqID, err)
		return
	}
	httputil.Accepted(w, receipt)
}
