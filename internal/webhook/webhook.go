// Package webhook POSTs batches of match records to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultTimeout = 10 * time.Second
	defaultBackoff = time.Second
	maxRetries     = 3
)

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("webhook: HTTP %d", e.Code) }

// Retryable reports whether the status is a server error.
func (e *StatusError) Retryable() bool { return e.Code >= 500 }

// Option configures a Sender.
type Option func(*Sender)

// WithHeaders sets custom HTTP headers sent with every POST.
func WithHeaders(h map[string]string) Option {
	return func(s *Sender) { s.headers = h }
}

// WithTimeout sets the HTTP client timeout. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.client.Timeout = d
		}
	}
}

// WithBackoff sets the delay before the first retry; each further retry
// doubles it. Default: 1s.
func WithBackoff(d time.Duration) Option {
	return func(s *Sender) { s.backoff = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.client = c }
}

// Sender delivers JSON arrays of records. Retries on 5xx with exponential
// backoff; 4xx and transport errors are returned immediately.
type Sender struct {
	client  *http.Client
	url     string
	headers map[string]string
	backoff time.Duration
}

// New creates a Sender targeting url.
func New(url string, opts ...Option) *Sender {
	s := &Sender{
		client:  &http.Client{Timeout: defaultTimeout},
		url:     url,
		backoff: defaultBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the target endpoint.
func (s *Sender) URL() string { return s.url }

// Send posts batch as a single JSON array.
func (s *Sender) Send(ctx context.Context, batch []json.RawMessage) error {
	if len(batch) == 0 {
		return nil
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}
	return s.postWithRetry(ctx, body)
}

func (s *Sender) postWithRetry(ctx context.Context, body []byte) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(s.backoff << (attempt - 1))
			select {
			case <-ctx.Done():
				t.Stop()
				return errors.Join(lastErr, ctx.Err())
			case <-t.C:
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range s.headers {
			req.Header.Set(k, v)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		se := &StatusError{Code: resp.StatusCode}
		if !se.Retryable() {
			return se
		}
		lastErr = se
	}
	return lastErr
}
