// Package api is the HTTP surface of the gateway: the tenant send API, the
// operator read and admin endpoints, the provider webhook, and the
// break-glass audit flow.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailgate/internal/audit"
	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/metrics"
	"github.com/ignite/mailgate/internal/pkg/httputil"
	"github.com/ignite/mailgate/internal/pkg/logger"
)

type ctxKey int

const (
	ctxCompany ctxKey = iota
	ctxRequestID
	ctxSession
	ctxOperator
)

// maxBodyBytes bounds every request body before the JSON decoder sees it.
const maxBodyBytes = 1 << 20

// RequestIDFrom returns the id assigned to this request.
func RequestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		return v
	}
	return ""
}

// CompanyFrom returns the authenticated tenant, or nil outside the tenant
// routes.
func CompanyFrom(ctx context.Context) *domain.Company {
	if v, ok := ctx.Value(ctxCompany).(*domain.Company); ok {
		return v
	}
	return nil
}

// SessionFrom returns the verified break-glass session, if any.
func SessionFrom(ctx context.Context) *audit.Session {
	if v, ok := ctx.Value(ctxSession).(*audit.Session); ok {
		return v
	}
	return nil
}

// OperatorFrom returns the operator id on admin routes.
func OperatorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ctxOperator).(string); ok {
		return v
	}
	return ""
}

// requestID tags each request, honoring an inbound X-Request-Id.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxRequestID, id)))
	})
}

// bodyLimit caps request bodies; the decoder turns the overflow into a 413.
func bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// accessLog writes one structured line per request.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			"method", r.Method, "path", r.URL.Path, "status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFrom(r.Context()))
	})
}

// recoverer converts panics into 500s instead of dropped connections.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("handler panic",
					"path", r.URL.Path, "panic", rec,
					"request_id", RequestIDFrom(r.Context()))
				httputil.InternalError(w, RequestIDFrom(r.Context()), nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// tenantAuth authenticates the X-API-Key header, enforces the tenant's CIDR
// allow-list, and stores the company on the context.
func (s *Server) tenantAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := RequestIDFrom(r.Context())
		key := r.Header.Get("X-API-Key")
		if key == "" {
			httputil.Unauthorized(w, reqID, "missing api key")
			return
		}
		company, err := s.gate.Authenticate(r.Context(), key)
		if err != nil {
			httputil.FromError(w, reqID, err)
			return
		}
		if err := s.gate.CheckIP(company, r.RemoteAddr); err != nil {
			httputil.FromError(w, reqID, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxCompany, company)))
	})
}

// sendAdmission layers the per-request policies onto the send route only:
// approval state, rate windows, and the backpressure gate.
func (s *Server) sendAdmission(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := RequestIDFrom(r.Context())
		company := CompanyFrom(r.Context())

		if err := s.gate.CheckApproval(company); err != nil {
			metrics.EmailsRejected.WithLabelValues(domain.CodeForbidden).Inc()
			httputil.FromError(w, reqID, err)
			return
		}
		if s.pressure != nil && !s.pressure.Accepting() {
			metrics.EmailsRejected.WithLabelValues(domain.CodeServiceUnavail).Inc()
			httputil.ServiceUnavailable(w, reqID, "queue backlog over limit, retry later", 30*time.Second)
			return
		}
		retryAfter, err := s.gate.ReserveRate(r.Context(), company)
		if err != nil {
			httputil.FromError(w, reqID, err)
			return
		}
		if retryAfter > 0 {
			metrics.RateLimitRejections.WithLabelValues(company.ID, "request").Inc()
			httputil.TooManyRequests(w, reqID, "request rate limit exceeded",
				time.Duration(retryAfter)*time.Second)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminAuth guards the operator surface with the shared admin token and a
// mandatory operator identity. An optional break-glass bearer token
// upgrades the session to the audit profile.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := RequestIDFrom(r.Context())
		if s.adminToken == "" {
			httputil.Forbidden(w, reqID, "operator surface is not configured")
			return
		}
		token := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			httputil.Unauthorized(w, reqID, "invalid admin token")
			return
		}
		operator := strings.TrimSpace(r.Header.Get("X-Operator-Id"))
		if operator == "" {
			httputil.BadRequest(w, reqID, "X-Operator-Id header is required")
			return
		}
		ctx := context.WithValue(r.Context(), ctxOperator, operator)

		if bearer := bearerToken(r); bearer != "" && s.breakGlass != nil {
			sess, err := s.breakGlass.Verify(bearer)
			if err != nil {
				httputil.FromError(w, reqID, err)
				return
			}
			ctx = context.WithValue(ctx, ctxSession, sess)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}
