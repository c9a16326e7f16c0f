package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/pkg/httpretry"
)

// HTTPDriver posts messages to a tenant-configured JSON endpoint. The
// endpoint answers 200/201 with {"messageId": "..."}. Sends carry an
// Idempotency-Key header (the outbox id) so the short client-side retry
// on 429/5xx cannot double-deliver; longer-horizon retries stay with
// the worker.
type HTTPDriver struct {
	endpoint string
	token    string
	client   httpretry.HTTPDoer
}

func NewHTTPDriver(endpoint, token string) (*HTTPDriver, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("http endpoint not configured")
	}
	return &HTTPDriver{
		endpoint: endpoint,
		token:    token,
		client:   httpretry.New(&http.Client{Timeout: 35 * time.Second}, 2),
	}, nil
}

func (h *HTTPDriver) Name() string              { return "http/" + h.endpoint }
func (h *HTTPDriver) Type() domain.ProviderType { return domain.ProviderHTTP }

type httpSendRequest struct {
	To      string            `json:"to"`
	CC      []string          `json:"cc,omitempty"`
	BCC     []string          `json:"bcc,omitempty"`
	From    string            `json:"from"`
	ReplyTo string            `json:"replyTo,omitempty"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	Headers map[string]string `json:"headers,omitempty"`
	Tags    []string          `json:"tags,omitempty"`
}

type httpSendResponse struct {
	MessageID string `json:"messageId"`
}

func (h *HTTPDriver) Send(ctx context.Context, msg *Message) (*Result, error) {
	body, err := json.Marshal(httpSendRequest{
		To:      msg.To,
		CC:      msg.CC,
		BCC:     msg.BCC,
		From:    msg.From,
		ReplyTo: msg.ReplyTo,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Headers: msg.Headers,
		Tags:    msg.Tags,
	})
	if err != nil {
		return nil, fmt.Errorf("encode send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.OutboxID)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &httpStatusError{Status: resp.StatusCode, Body: string(raw)}
	}

	var out httpSendResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.MessageID == "" {
		// Accepted but opaque; synthesize a traceable id.
		out.MessageID = "http-" + msg.OutboxID
	}
	return &Result{MessageID: out.MessageID, Provider: domain.ProviderHTTP}, nil
}

// VerifyConnection probes the endpoint with a HEAD request; anything the
// server answers (including 405) proves reachability.
func (h *HTTPDriver) VerifyConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.endpoint, nil)
	if err != nil {
		return err
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &httpStatusError{Status: resp.StatusCode}
	}
	return nil
}

// Quota: generic endpoints expose no allowance; the config's send rate is
// the bound.
func (h *HTTPDriver) Quota(context.Context) (*Quota, error) {
	return &Quota{}, nil
}
