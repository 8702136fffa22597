// Package backend talks to the bakery REST backend and falls back to
// generated mock data when it cannot be reached.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/bakehouse/internal/config"
	"github.com/pitabwire/bakehouse/internal/observability"
	"github.com/pitabwire/bakehouse/model"
)

// maxResponseBytes caps how much of a backend response is read.
const maxResponseBytes = 10 << 20

// Client executes JSON requests against the bakery backend with retry,
// exponential backoff and a circuit breaker.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *CircuitBreaker
	retry   config.RetryConfig
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewClient creates a backend client. An empty BaseURL yields a client whose
// calls all fail with BACKEND_UNAVAILABLE, which is how mock-only mode runs.
func NewClient(cfg config.BackendConfig, metrics *observability.Metrics, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout, Transport: transport},
		retry:   cfg.Retry,
		metrics: metrics,
		logger:  logger,
	}
	c.breaker = NewCircuitBreaker(cfg.CircuitBreaker, func(s BreakerState) {
		metrics.SetBackendCircuitBreakerState(float64(s))
		logger.Warn("backend circuit breaker state changed", zap.String("state", s.String()))
	})
	return c
}

// Configured reports whether a backend URL is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// BreakerState returns the current circuit breaker state.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// Get fetches path and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, resource, path string, query url.Values, out any) error {
	return c.Do(ctx, resource, http.MethodGet, path, query, nil, out)
}

// Do executes a request. in, if non-nil, is sent as a JSON body; out, if
// non-nil, receives the decoded JSON response. Non-2xx responses are mapped
// onto ErrorEnvelope codes.
func (c *Client) Do(ctx context.Context, resource, method, path string, query url.Values, in, out any) error {
	if !c.Configured() {
		return model.NewBackendUnavailableError()
	}

	ctx, span := observability.StartSpan(ctx, "backend."+resource,
		observability.AttrResource.String(resource),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var body []byte
	if in != nil {
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: marshal %s body: %w", resource, err)
		}
	}

	var status int
	var respBody []byte
	status, respBody, err = c.executeWithRetry(ctx, resource, method, reqURL, body)
	if err != nil {
		return err
	}

	c.debugBody(ctx, resource, status, respBody)

	if err = statusError(status, respBody); err != nil {
		return err
	}
	if out != nil && len(respBody) > 0 {
		if err = json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("backend: decode %s response: %w", resource, err)
		}
	}
	return nil
}

func (c *Client) executeWithRetry(ctx context.Context, resource, method, reqURL string, body []byte) (int, []byte, error) {
	maxAttempts := c.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	canRetry := isIdempotentMethod(method) || !c.retry.IdempotentOnly

	var (
		status   int
		respBody []byte
		err      error
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, nil, model.NewBackendTimeoutError()
			case <-time.After(backoff(c.retry, attempt)):
			}
			c.metrics.RecordBackendRetry(resource)
		}

		status, respBody, err = c.executeOnce(ctx, resource, method, reqURL, body)
		last := attempt == maxAttempts-1
		if errors.Is(err, ErrBreakerOpen) {
			return 0, nil, model.NewBackendUnavailableError()
		}
		if err != nil {
			if !canRetry || !isRetryableError(err) || last {
				return 0, nil, err
			}
			observability.LoggerFrom(ctx, c.logger).Debug("backend: retrying after error",
				zap.String("resource", resource),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}
		if isRetryableStatus(status) && canRetry && !last {
			observability.LoggerFrom(ctx, c.logger).Debug("backend: retrying after status",
				zap.String("resource", resource),
				zap.Int("attempt", attempt+1),
				zap.Int("status", status),
			)
			continue
		}
		break
	}
	return status, respBody, nil
}

func (c *Client) executeOnce(ctx context.Context, resource, method, reqURL string, body []byte) (int, []byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s := model.SessionFrom(ctx); s != nil {
		req.Header.Set("X-User-Id", sanitizeHeader(s.UserID))
		if s.CorrelationID != "" {
			req.Header.Set("X-Correlation-Id", sanitizeHeader(s.CorrelationID))
		}
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		c.metrics.RecordBackendRequest(resource, 0, time.Since(start))
		if ctx.Err() != nil || isTimeout(err) {
			return 0, nil, model.NewBackendTimeoutError()
		}
		// Refused, reset or dropped before a response arrived.
		observability.LoggerFrom(ctx, c.logger).Debug("backend: transport error",
			zap.String("resource", resource),
			zap.Error(err),
		)
		return 0, nil, model.NewBackendUnavailableError()
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordBackendRequest(resource, resp.StatusCode, time.Since(start))
	if err != nil {
		c.breaker.RecordFailure()
		return 0, nil, fmt.Errorf("backend: read %s response: %w", resource, err)
	}

	switch {
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure()
	case resp.StatusCode < 400:
		c.breaker.RecordSuccess()
	}
	return resp.StatusCode, respBody, nil
}

// debugBody logs a redacted response body at debug level.
func (c *Client) debugBody(ctx context.Context, resource string, status int, body []byte) {
	logger := observability.SessionLogger(ctx, c.logger)
	if !logger.Core().Enabled(zap.DebugLevel) || len(body) == 0 {
		return
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return
	}
	logger.Debug("backend response",
		zap.String("resource", resource),
		zap.Int("status", status),
		zap.Any("body", observability.RedactBody(obj, []string{"customer_email", "address"})),
	)
}

// statusError maps a non-2xx backend status onto an ErrorEnvelope.
func statusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var env model.ErrorEnvelope
	msg := http.StatusText(status)
	if json.Unmarshal(body, &env) == nil && env.Message != "" {
		msg = env.Message
	}

	switch {
	case status == http.StatusNotFound:
		return model.NewNotFoundError(msg)
	case status == http.StatusConflict:
		return model.NewConflictError(msg)
	case status == http.StatusUnauthorized:
		return model.NewUnauthorizedError(msg)
	case status == http.StatusForbidden:
		return model.NewForbiddenError(msg)
	case status == http.StatusUnprocessableEntity && env.Code == model.ErrValidationError:
		return model.NewValidationError(env.Details)
	case status == http.StatusGatewayTimeout:
		return model.NewBackendTimeoutError()
	case status >= 500:
		return model.NewBackendUnavailableError()
	default:
		return model.NewBadRequestError(msg)
	}
}

// IsUnavailable reports whether err means the backend could not serve the
// request at all, as opposed to rejecting it.
func IsUnavailable(err error) bool {
	return model.IsCode(err, model.ErrBackendUnavailable) || model.IsCode(err, model.ErrBackendTimeout)
}

func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isRetryableError is true for connection failures.
func isRetryableError(err error) bool {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code == model.ErrBackendUnavailable
	}
	return false
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func backoff(cfg config.RetryConfig, attempt int) time.Duration {
	initial := cfg.BackoffInitial
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	ceiling := cfg.BackoffMax
	if ceiling <= 0 {
		ceiling = 2 * time.Second
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if delay > ceiling {
			return ceiling
		}
	}
	return delay
}
