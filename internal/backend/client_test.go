package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/bakehouse/internal/config"
	"github.com/pitabwire/bakehouse/internal/observability"
	"github.com/pitabwire/bakehouse/model"
)

func testBackendConfig(baseURL string) config.BackendConfig {
	return config.BackendConfig{
		BaseURL: baseURL,
		Timeout: 2 * time.Second,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 10,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
		Retry: config.RetryConfig{
			MaxAttempts:       3,
			BackoffInitial:    time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        5 * time.Millisecond,
			IdempotentOnly:    true,
		},
	}
}

func TestClient_Get(t *testing.T) {
	var gotUser, gotCorrelation string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get("X-User-Id")
		gotCorrelation = r.Header.Get("X-Correlation-Id")
		assert.Equal(t, "/products", r.URL.Path)
		assert.Equal(t, "Brot", r.URL.Query().Get("category"))
		_ = json.NewEncoder(w).Encode([]model.Product{{ID: "p1", Name: "Roggenbrot"}})
	}))
	defer srv.Close()

	c := NewClient(testBackendConfig(srv.URL), nil, nil)
	ctx := model.WithSession(context.Background(), &model.Session{UserID: "anna", CorrelationID: "corr-1"})

	var out []model.Product
	err := c.Get(ctx, "products", "/products", map[string][]string{"category": {"Brot"}}, &out)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Roggenbrot", out[0].Name)
	assert.Equal(t, "anna", gotUser)
	assert.Equal(t, "corr-1", gotCorrelation)
}

func TestClient_retriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	m := observability.InitMetrics(prometheus.NewRegistry())
	c := NewClient(testBackendConfig(srv.URL), m, nil)

	var out []model.Order
	require.NoError(t, c.Get(context.Background(), "orders", "/orders", nil, &out))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BackendRetriesTotal.WithLabelValues("orders")))
}

func TestClient_retriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(testBackendConfig(srv.URL), nil, nil)
	err := c.Get(context.Background(), "sales", "/sales", nil, nil)
	assert.True(t, IsUnavailable(err), "error = %v", err)
}

func TestClient_postNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(testBackendConfig(srv.URL), nil, nil)
	err := c.Do(context.Background(), "workflows", http.MethodPost, "/workflows", nil, map[string]any{"id": "wf-1"}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_statusMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		code   string
	}{
		{http.StatusNotFound, `{"code":"NOT_FOUND","message":"order 7 not found"}`, model.ErrNotFound},
		{http.StatusConflict, ``, model.ErrConflict},
		{http.StatusForbidden, ``, model.ErrForbidden},
		{http.StatusBadRequest, `not json`, model.ErrBadRequest},
		{http.StatusUnprocessableEntity, `{"code":"VALIDATION_ERROR","details":[{"field":"batchSize","code":"RANGE"}]}`, model.ErrValidationError},
		{http.StatusGatewayTimeout, ``, model.ErrBackendTimeout},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			cfg := testBackendConfig(srv.URL)
			cfg.Retry.MaxAttempts = 1
			err := NewClient(cfg, nil, nil).Get(context.Background(), "orders", "/orders/7", nil, nil)
			assert.True(t, model.IsCode(err, tt.code), "error = %v, want %s", err, tt.code)
		})
	}

	t.Run("message from envelope", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"NOT_FOUND","message":"order 7 not found"}`))
		}))
		defer srv.Close()

		err := NewClient(testBackendConfig(srv.URL), nil, nil).Get(context.Background(), "orders", "/orders/7", nil, nil)
		assert.Contains(t, err.Error(), "order 7 not found")
	})
}

func TestClient_breakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testBackendConfig(srv.URL)
	cfg.Retry.MaxAttempts = 1
	cfg.CircuitBreaker.FailureThreshold = 2
	m := observability.InitMetrics(prometheus.NewRegistry())
	c := NewClient(cfg, m, nil)

	ctx := context.Background()
	_ = c.Get(ctx, "sales", "/sales", nil, nil)
	_ = c.Get(ctx, "sales", "/sales", nil, nil)
	assert.Equal(t, BreakerOpen, c.BreakerState())
	assert.Equal(t, float64(BreakerOpen), testutil.ToFloat64(m.BackendCircuitBreakerState))

	err := c.Get(ctx, "sales", "/sales", nil, nil)
	assert.True(t, IsUnavailable(err), "error = %v", err)
	assert.Equal(t, int32(2), calls.Load(), "open breaker must not reach the backend")
}

func TestClient_unconfigured(t *testing.T) {
	c := NewClient(config.BackendConfig{}, nil, nil)
	assert.False(t, c.Configured())
	err := c.Get(context.Background(), "products", "/products", nil, nil)
	assert.True(t, IsUnavailable(err), "error = %v", err)
}

func TestBackoff(t *testing.T) {
	cfg := config.RetryConfig{BackoffInitial: 100 * time.Millisecond, BackoffMultiplier: 2, BackoffMax: 300 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, backoff(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, backoff(cfg, 2))
	assert.Equal(t, 300*time.Millisecond, backoff(cfg, 3))
	assert.Equal(t, 100*time.Millisecond, backoff(config.RetryConfig{}, 1))
}
