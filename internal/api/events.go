package api

import (
	"net/http"
	"strings"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/pkg/httputil"
	"github.com/ignite/mailgate/internal/pkg/logger"
	suppsvc "github.com/ignite/mailgate/internal/service/suppression"
)

// providerNotification is the SES delivery notification shape. Only the
// fields the gateway acts on are decoded.
type providerNotification struct {
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID string `json:"messageId"`
	} `json:"mail"`
	Bounce struct {
		BounceType        string `json:"bounceType"`
		BouncedRecipients []struct {
			EmailAddress   string `json:"emailAddress"`
			DiagnosticCode string `json:"diagnosticCode"`
			Status         string `json:"status"`
		} `json:"bouncedRecipients"`
	} `json:"bounce"`
	Complaint struct {
		ComplaintFeedbackType string `json:"complaintFeedbackType"`
		ComplainedRecipients  []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"complainedRecipients"`
	} `json:"complaint"`
}

// handleProviderEvents ingests provider delivery notifications, appends them
// to the outbox event stream, and feeds the suppression list. Unknown
// message ids are acknowledged so the provider stops redelivering.
func (s *Server) handleProviderEvents(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFrom(r.Context())

	var n providerNotification
	if !httputil.Decode(w, r, reqID, &n) {
		return
	}
	if n.Mail.MessageID == "" {
		httputil.BadRequest(w, reqID, "mail.messageId is required")
		return
	}

	out, err := s.events.GetByProviderMessageID(r.Context(), n.Mail.MessageID)
	if err != nil {
		logger.Warn("provider event for unknown message",
			"message_id", n.Mail.MessageID, "type", n.NotificationType)
		httputil.OK(w, map[string]string{"status": "ignored"})
		return
	}

	switch strings.ToLower(n.NotificationType) {
	case "bounce":
		s.recordBounce(r, out, &n)
	case "complaint":
		s.recordComplaint(r, out, &n)
	case "delivery":
		md := domain.EventMetadata{MessageID: n.Mail.MessageID, RequestID: reqID}
		if err := s.events.AppendEvent(r.Context(), out.ID, nil, domain.EventDelivery, md); err != nil {
			httputil.FromError(w, reqID, err)
			return
		}
	default:
		httputil.BadRequest(w, reqID, "unknown notificationType")
		return
	}
	httputil.OK(w, map[string]string{"status": "recorded"})
}

func (s *Server) recordBounce(r *http.Request, out *domain.Outbox, n *providerNotification) {
	diag := ""
	if len(n.Bounce.BouncedRecipients) > 0 {
		diag = n.Bounce.BouncedRecipients[0].DiagnosticCode
	}
	md := domain.EventMetadata{
		MessageID:  n.Mail.MessageID,
		BounceType: n.Bounce.BounceType,
		Diagnostic: diag,
		RequestID:  RequestIDFrom(r.Context()),
	}
	if err := s.events.AppendEvent(r.Context(), out.ID, nil, domain.EventBounce, md); err != nil {
		logger.Error("recording bounce event failed", "outbox_id", out.ID, "error", err.Error())
	}

	// Only permanent bounces suppress; transient ones are informational.
	if !strings.EqualFold(n.Bounce.BounceType, "Permanent") {
		return
	}
	for _, rec := range n.Bounce.BouncedRecipients {
		if rec.EmailAddress == "" {
			continue
		}
		err := s.suppression.Suppress(r.Context(), out.CompanyID, rec.EmailAddress, suppsvc.SuppressInput{
			Reason:  domain.ReasonHardBounce,
			Source:  domain.SourceProviderEvent,
			DSNCode: rec.Status,
			DSNDiag: rec.DiagnosticCode,
		})
		if err != nil {
			logger.Error("suppressing hard bounce failed",
				"company_id", out.CompanyID,
				"email", logger.RedactEmail(rec.EmailAddress), "error", err.Error())
		}
	}
}

func (s *Server) recordComplaint(r *http.Request, out *domain.Outbox, n *providerNotification) {
	md := domain.EventMetadata{
		MessageID:  n.Mail.MessageID,
		Diagnostic: n.Complaint.ComplaintFeedbackType,
		RequestID:  RequestIDFrom(r.Context()),
	}
	if err := s.events.AppendEvent(r.Context(), out.ID, nil, domain.EventComplaint, md); err != nil {
		logger.Error("recording complaint event failed", "outbox_id", out.ID, "error", err.Error())
	}

	for _, rec := range n.Complaint.ComplainedRecipients {
		if rec.EmailAddress == "" {
			continue
		}
		err := s.suppression.Suppress(r.Context(), out.CompanyID, rec.EmailAddress, suppsvc.SuppressInput{
			Reason:  domain.ReasonComplaint,
			Source:  domain.SourceProviderEvent,
			DSNDiag: n.Complaint.ComplaintFeedbackType,
		})
		if err != nil {
			logger.Error("suppressing complaint failed",
				"company_id", out.CompanyID,
				"email", logger.RedactEmail(rec.EmailAddress), "error", err.Error())
		}
	}
}
