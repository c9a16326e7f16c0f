package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailgate/internal/domain"
)

// SMTPDriver relays through a tenant-configured SMTP server. Reply codes
// flow back as textproto errors, which classification maps 4xx to retryable
// and 5xx to permanent.
type SMTPDriver struct {
	host     string
	port     int
	username string
	password string
}

func NewSMTPDriver(host string, port int, username, password string) (*SMTPDriver, error) {
	if host == "" {
		return nil, fmt.Errorf("smtp host not configured")
	}
	if port <= 0 {
		port = 587
	}
	return &SMTPDriver{host: host, port: port, username: username, password: password}, nil
}

func (s *SMTPDriver) Name() string              { return "smtp/" + s.host }
func (s *SMTPDriver) Type() domain.ProviderType { return domain.ProviderSMTP }

func (s *SMTPDriver) addr() string { return fmt.Sprintf("%s:%d", s.host, s.port) }

// Send runs one SMTP transaction covering every envelope recipient.
func (s *SMTPDriver) Send(ctx context.Context, msg *Message) (*Result, error) {
	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), s.host)
	raw := buildMIME(msg, messageID)

	client, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := client.Mail(msg.From); err != nil {
		return nil, fmt.Errorf("MAIL FROM: %w", err)
	}
	rcpts := append(append([]string{msg.To}, msg.CC...), msg.BCC...)
	for _, rcpt := range rcpts {
		if err := client.Rcpt(rcpt); err != nil {
			return nil, fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return nil, fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("DATA close: %w", err)
	}
	if err := client.Quit(); err != nil {
		return nil, fmt.Errorf("QUIT: %w", err)
	}
	return &Result{MessageID: messageID, Provider: domain.ProviderSMTP}, nil
}

// VerifyConnection dials and greets without sending.
func (s *SMTPDriver) VerifyConnection(ctx context.Context) error {
	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Noop()
}

// Quota: SMTP has no allowance API; the per-config send rate is the only
// bound.
func (s *SMTPDriver) Quota(context.Context) (*Quota, error) {
	return &Quota{}, nil
}

func (s *SMTPDriver) dial(ctx context.Context) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: 15 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr())
	if err != nil {
		return nil, fmt.Errorf("smtp connect %s: %w", s.addr(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp greeting: %w", err)
	}
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			client.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	if s.username != "" && s.password != "" {
		auth := smtp.PlainAuth("", s.username, s.password, s.host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}
	return client, nil
}

// buildMIME assembles the RFC 5322 message: headers, then a single HTML
// part. BCC stays off the header block.
func buildMIME(msg *Message, messageID string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", msg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	for _, cc := range msg.CC {
		fmt.Fprintf(&buf, "Cc: %s\r\n", cc)
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", msg.Subject))
	fmt.Fprintf(&buf, "Message-ID: <%s>\r\n", messageID)
	if msg.ReplyTo != "" {
		fmt.Fprintf(&buf, "Reply-To: %s\r\n", msg.ReplyTo)
	}
	for k, v := range msg.Headers {
		// Ingestion validates these, but a folded line here would become
		// a header of its own, so never write one.
		if strings.ContainsAny(k, "\r\n:") || strings.ContainsAny(v, "\r\n") {
			continue
		}
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(msg.HTML)
	buf.WriteString("\r\n")
	return buf.Bytes()
}
