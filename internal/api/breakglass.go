package api

import (
	"net/http"
	"time"

	"github.com/ignite/mailgate/internal/pkg/httputil"
)

type breakGlassRequest struct {
	Reason string `json:"reason"`
}

type breakGlassResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleBreakGlass opens an audited elevation session. The operator id comes
// from the mandatory header, the reason must justify the access.
func (s *Server) handleBreakGlass(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())

	var req breakGlassRequest
	if !httputil.Decode(w, r, reqID, &req) {
		return
	}
	token, expiresAt, err := s.breakGlass.Open(r.Context(), OperatorFrom(r.Context()), req.Reason, r.RemoteAddr)
	if err != nil {
		httputil.FromError(w, reqID, err)
		return
	}
	httputil.Created(w, breakGlassResponse{Token: token, ExpiresAt: expiresAt})
}
