// Package api is the REST client for the Action Unit backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/actionunit/aumanager/backend/internal/config"
	apperrors "github.com/actionunit/aumanager/backend/internal/errors"
	"github.com/actionunit/aumanager/backend/internal/logging"
)

// TokenSource supplies the bearer token for authenticated calls.
type TokenSource interface {
	AccessToken() string
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() string

// AccessToken calls f.
func (f TokenFunc) AccessToken() string { return f() }

// RetryPolicy bounds the retries of a single call.
type RetryPolicy struct {
	// Retries is the number of extra attempts after the first one.
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Delay returns the wait before retry number attempt (0-based): the base
// delay doubled per attempt, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Client issues JSON requests against the backend.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	retry   RetryPolicy
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSleep replaces the backoff wait, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// New creates a client from cfg. tokens may be nil for unauthenticated use.
func New(cfg config.APIConfig, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		retry: RetryPolicy{
			Retries:   cfg.RetryAttempts,
			BaseDelay: cfg.RetryBaseDelay,
			MaxDelay:  cfg.RetryMaxDelay,
		},
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BaseURL returns the configured server root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// IsUnauthorized reports whether err is a 401 from the server.
func IsUnauthorized(err error) bool {
	var appErr *apperrors.AppError
	return errors.As(err, &appErr) && appErr.Code == apperrors.ErrAuthentication && appErr.Status == http.StatusUnauthorized
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var appErr *apperrors.AppError
	return errors.As(err, &appErr) && appErr.Status == http.StatusNotFound
}

// Do sends one request with authorization and decodes the response into
// out when out is non-nil. Transient failures are retried with backoff; a
// 401 or other 4xx is returned immediately.
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	return c.do(ctx, method, path, body, out, true, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, authorize bool, header http.Header) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "encode request body", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.Retries; attempt++ {
		if attempt > 0 {
			delay := c.retry.Delay(attempt - 1)
			logging.Debug("[API] Retrying request", map[string]interface{}{
				"method": method, "path": path, "attempt": attempt, "delay_ms": delay.Milliseconds(),
			})
			if err := c.sleep(ctx, delay); err != nil {
				return apperrors.Transient("request cancelled", err)
			}
		}

		lastErr = c.once(ctx, method, path, payload, out, authorize, header)
		if lastErr == nil || !apperrors.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out interface{}, authorize bool, header http.Header) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "build request", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorize && c.tokens != nil {
		if token := c.tokens.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Transient(fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Transient("read response", err)
	}

	if err := statusError(resp.StatusCode, data); err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "decode response", err)
	}
	return nil
}

func statusError(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		e := apperrors.Authentication("unauthorized", errors.New(detail(body, status)))
		e.Status = status
		return e
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		e := apperrors.Transient(fmt.Sprintf("HTTP %d", status), errors.New(detail(body, status)))
		e.Status = status
		return e
	default:
		return apperrors.Rejection(status, detail(body, status))
	}
}

// detail extracts the server's message from a DRF-style error body.
func detail(body []byte, status int) string {
	var msg struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(body, &msg) == nil {
		if msg.Detail != "" {
			return msg.Detail
		}
		if msg.Error != "" {
			return msg.Error
		}
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return fmt.Sprintf("HTTP %d", status)
	}
	if len(text) > 200 {
		text = text[:200]
	}
	return fmt.Sprintf("HTTP %d: %s", status, text)
}
