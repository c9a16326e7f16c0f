// Package httpretry wraps an HTTP client with bounded retries for
// transient failures: exponential backoff with full jitter, retrying
// only on network errors and 429/5xx responses.
package httpretry

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/ignite/mailgate/internal/pkg/logger"
)

// HTTPDoer executes a single HTTP request. *http.Client and *Client
// both satisfy it, so callers can take either.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	defaultAttempts = 3
	minBackoff      = 100 * time.Millisecond
	baseBackoff     = 500 * time.Millisecond
	maxBackoff      = 20 * time.Second
)

// Client retries requests on transient failures. Requests must carry a
// GetBody (true for requests built from a bytes.Reader) or the body
// cannot be replayed after the first attempt.
type Client struct {
	inner    HTTPDoer
	attempts int
}

// New wraps inner with retry behavior. A nil inner gets a 30s-timeout
// http.Client; attempts is the number of retries after the first try.
func New(inner HTTPDoer, attempts int) *Client {
	if inner == nil {
		inner = &http.Client{Timeout: 30 * time.Second}
	}
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	return &Client{inner: inner, attempts: attempts}
}

// Do executes the request, retrying on connection errors and on
// 429/500/502/503/504. Client errors and context cancellation stop the
// loop immediately. The final response is returned unconsumed so the
// caller can read its body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	for try := 0; try <= c.attempts; try++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if try > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: rewind body: %w", err)
				}
				req.Body = body
			}
			wait := backoff(try)
			logger.Debug("retrying request",
				"attempt", try, "max", c.attempts,
				"method", req.Method, "host", req.URL.Host, "wait", wait)
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-req.Context().Done():
				t.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := c.inner.Do(req)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}
		if !transientStatus(resp.StatusCode) || try == c.attempts {
			return resp, nil
		}
		// Drain so the connection can be reused.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: status %d", resp.StatusCode)
	}
	return nil, lastErr
}

// backoff is full-jitter exponential: uniform over (0, base*2^(try-1)],
// capped at maxBackoff and floored at minBackoff.
func backoff(try int) time.Duration {
	ceil := float64(baseBackoff) * math.Pow(2, float64(try-1))
	if ceil > float64(maxBackoff) {
		ceil = float64(maxBackoff)
	}
	d := time.Duration(rand.Float64() * ceil)
	if d < minBackoff {
		d = minBackoff
	}
	return d
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
