package chartsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL     = "https://api.chartsync.dev"
	DefaultHTTPTimeout = 10 * time.Second
)

// RemoteAPI is the narrow view of the remote service the sync layer uses.
// Do sends body as JSON and decodes a 2xx response into out (when non-nil).
type RemoteAPI interface {
	Do(ctx context.Context, method, path string, query map[string]string, body, out any) error
}

// CredentialSource supplies the bearer token. Clear is called when the
// remote rejects it.
type CredentialSource interface {
	Token() string
	Clear()
}

// StaticCredentials holds a token in memory.
type StaticCredentials struct {
	mu    sync.RWMutex
	token string
}

func NewStaticCredentials(token string) *StaticCredentials {
	return &StaticCredentials{token: token}
}

func (s *StaticCredentials) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Set replaces the token, e.g. after a re-login.
func (s *StaticCredentials) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *StaticCredentials) Clear() { s.Set("") }

// ============================================================================
// HTTPRemote
// ============================================================================

// HTTPRemote implements RemoteAPI over HTTP/JSON. Network errors, 429 and
// 5xx responses are retried with backoff; what is still failing afterwards
// is reported as ErrTransient.
type HTTPRemote struct {
	baseURL     string
	httpClient  *http.Client
	credentials CredentialSource
	log         *slog.Logger
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// HTTPRemoteOption configures an HTTPRemote.
type HTTPRemoteOption func(*HTTPRemote)

func WithRemoteRetries(maxRetries int, baseDelay, maxDelay time.Duration) HTTPRemoteOption {
	return func(r *HTTPRemote) {
		r.maxRetries = maxRetries
		r.baseDelay = baseDelay
		r.maxDelay = maxDelay
	}
}

func WithRemoteHTTPClient(client *http.Client) HTTPRemoteOption {
	return func(r *HTTPRemote) { r.httpClient = client }
}

func WithRemoteLogger(logger *slog.Logger) HTTPRemoteOption {
	return func(r *HTTPRemote) { r.log = logger }
}

// NewHTTPRemote creates a remote client for baseURL.
func NewHTTPRemote(baseURL string, creds CredentialSource, opts ...HTTPRemoteOption) *HTTPRemote {
	r := &HTTPRemote{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: DefaultHTTPTimeout},
		credentials: creds,
		log:         slog.Default(),
		maxRetries:  2,
		baseDelay:   200 * time.Millisecond,
		maxDelay:    2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BaseURL returns the service root.
func (r *HTTPRemote) BaseURL() string { return r.baseURL }

func (r *HTTPRemote) Do(ctx context.Context, method, path string, query map[string]string, body, out any) error {
	u := r.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			if v != "" {
				params.Set(k, v)
			}
		}
		if encoded := params.Encode(); encoded != "" {
			u += "?" + encoded
		}
	}

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if r.credentials != nil {
			if token := r.credentials.Token(); token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if attempt < r.maxRetries {
				if waitErr := waitWithContext(ctx, r.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %s %s: %v", ErrTransient, method, path, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: read %s %s: %v", ErrTransient, method, path, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return fmt.Errorf("unmarshal %s %s response: %w", method, path, err)
			}
			return nil
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if retryable && attempt < r.maxRetries {
			r.log.Debug("retrying request", "method", method, "path", path, "status", resp.StatusCode, "attempt", attempt+1)
			if waitErr := waitWithContext(ctx, r.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return r.classify(method, path, resp.StatusCode, payload)
	}
}

func (r *HTTPRemote) classify(method, path string, status int, payload []byte) error {
	var apiErr APIError
	_ = json.Unmarshal(payload, &apiErr)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if r.credentials != nil {
			r.credentials.Clear()
		}
		r.log.Warn("credential rejected, session cleared", "method", method, "path", path, "status", status)
		return &AuthError{StatusCode: status, Message: apiErr.Message}
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %s %s: http %d", ErrTransient, method, path, status)
	}
	msg := apiErr.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &RemoteError{StatusCode: status, Code: apiErr.Code, Message: msg}
}

func (r *HTTPRemote) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := r.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := r.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
