package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"bakehouse_http_requests_total",
		"bakehouse_http_request_duration_seconds",
		"bakehouse_http_request_size_bytes",
		"bakehouse_http_response_size_bytes",
		"bakehouse_workflow_operations_total",
		"bakehouse_workflow_created_total",
		"bakehouse_workflow_completions_total",
		"bakehouse_workflow_active",
		"bakehouse_workflow_step_duration_seconds",
		"bakehouse_render_duration_seconds",
		"bakehouse_render_failures_total",
		"bakehouse_render_fallbacks_total",
		"bakehouse_render_validation_failures_total",
		"bakehouse_render_cache_hits_total",
		"bakehouse_render_cache_misses_total",
		"bakehouse_backend_requests_total",
		"bakehouse_backend_request_duration_seconds",
		"bakehouse_backend_circuit_breaker_state",
		"bakehouse_backend_retries_total",
		"bakehouse_backend_mock_fallbacks_total",
		"bakehouse_definition_reload_total",
		"bakehouse_definitions_loaded",
	}

	// Record a value for each vector so it appears in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordWorkflowOperation("complete_step", ResultOK)
	m.RecordWorkflowCreated("croissants")
	m.RecordWorkflowStarted()
	m.RecordWorkflowCompletion("croissants")
	m.RecordWorkflowStepDuration("shape", 20*time.Minute)
	m.RecordRender("offer", "standard", 40*time.Millisecond)
	m.RecordRenderFailure("offer", "standard")
	m.RecordRenderFallback("offer")
	m.RecordRenderValidationFailure("offer")
	m.RecordRenderCacheHit("memory")
	m.RecordRenderCacheMiss("memory")
	m.RecordBackendRequest("products", 200, time.Millisecond)
	m.SetBackendCircuitBreakerState(0)
	m.RecordBackendRetry("products")
	m.RecordBackendMockFallback("products")
	m.RecordDefinitionReload("success")
	m.SetDefinitionsLoaded("social", 5)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestMetrics_nilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordHTTPRequest("GET", "/", 200, time.Millisecond, 0, 0)
	m.RecordWorkflowOperation("start", ResultOK)
	m.RecordRender("offer", "standard", time.Millisecond)
	m.RecordBackendMockFallback("orders")
	m.SetDefinitionsLoaded("production", 1)
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/api/workflows/{id}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/api/workflows/{id}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/api/social/render", 500, 200*time.Millisecond, 512, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/workflows/{id}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/social/render", "500"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordWorkflowOperation(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordWorkflowOperation("complete_step", ResultOK)
	m.RecordWorkflowOperation("complete_step", ResultOK)
	m.RecordWorkflowOperation("complete_step", ResultInvalidState)

	if v := testutil.ToFloat64(m.WorkflowOperationsTotal.WithLabelValues("complete_step", ResultOK)); v != 2 {
		t.Errorf("ok = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.WorkflowOperationsTotal.WithLabelValues("complete_step", ResultInvalidState)); v != 1 {
		t.Errorf("invalid_state = %v, want 1", v)
	}
}

func TestRecordWorkflowLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordWorkflowCreated("croissants")
	m.RecordWorkflowStarted()
	m.RecordWorkflowStarted()

	if v := testutil.ToFloat64(m.WorkflowActive); v != 2 {
		t.Errorf("active = %v, want 2", v)
	}

	m.RecordWorkflowCompletion("croissants")

	if v := testutil.ToFloat64(m.WorkflowActive); v != 1 {
		t.Errorf("active after completion = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.WorkflowCompletionsTotal.WithLabelValues("croissants")); v != 1 {
		t.Errorf("completions = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.WorkflowCreatedTotal.WithLabelValues("croissants")); v != 1 {
		t.Errorf("created = %v, want 1", v)
	}
}

func TestRecordRenderOutcomes(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRender("daily-special", "standard", 30*time.Millisecond)
	m.RecordRenderFailure("daily-special", "standard")
	m.RecordRenderFallback("daily-special")

	if n := testutil.CollectAndCount(m.RenderDuration); n == 0 {
		t.Error("expected render duration observations")
	}
	if v := testutil.ToFloat64(m.RenderFailuresTotal.WithLabelValues("daily-special", "standard")); v != 1 {
		t.Errorf("failures = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.RenderFallbacksTotal.WithLabelValues("daily-special")); v != 1 {
		t.Errorf("fallbacks = %v, want 1", v)
	}
}

func TestRecordRenderCache(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRenderCacheHit("redis")
	m.RecordRenderCacheHit("redis")
	m.RecordRenderCacheMiss("redis")

	if v := testutil.ToFloat64(m.RenderCacheHitsTotal.WithLabelValues("redis")); v != 2 {
		t.Errorf("hits = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.RenderCacheMissesTotal.WithLabelValues("redis")); v != 1 {
		t.Errorf("misses = %v, want 1", v)
	}
}

func TestRecordBackendRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordBackendRequest("orders", 200, 100*time.Millisecond)
	m.RecordBackendRequest("orders", 0, 5*time.Second)

	if v := testutil.ToFloat64(m.BackendRequestsTotal.WithLabelValues("orders", "200")); v != 1 {
		t.Errorf("200 = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.BackendRequestsTotal.WithLabelValues("orders", "0")); v != 1 {
		t.Errorf("transport failures = %v, want 1", v)
	}
}

func TestSetBackendCircuitBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetBackendCircuitBreakerState(2)
	if v := testutil.ToFloat64(m.BackendCircuitBreakerState); v != 2 {
		t.Errorf("state = %v, want 2 (open)", v)
	}

	m.SetBackendCircuitBreakerState(0)
	if v := testutil.ToFloat64(m.BackendCircuitBreakerState); v != 0 {
		t.Errorf("state = %v, want 0 (closed)", v)
	}
}

func TestRecordBackendMockFallback(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordBackendRetry("sales")
	m.RecordBackendMockFallback("sales")

	if v := testutil.ToFloat64(m.BackendRetriesTotal.WithLabelValues("sales")); v != 1 {
		t.Errorf("retries = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.BackendMockFallbacksTotal.WithLabelValues("sales")); v != 1 {
		t.Errorf("fallbacks = %v, want 1", v)
	}
}

func TestSetDefinitionsLoaded(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordDefinitionReload("success")
	m.SetDefinitionsLoaded("production", 2)
	m.SetDefinitionsLoaded("social", 5)

	if v := testutil.ToFloat64(m.DefinitionsLoaded.WithLabelValues("social")); v != 5 {
		t.Errorf("social = %v, want 5", v)
	}
	if v := testutil.ToFloat64(m.DefinitionReloadTotal.WithLabelValues("success")); v != 1 {
		t.Errorf("reloads = %v, want 1", v)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/api/workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/wf-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/workflows/{id}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/api/workflows/{id}/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/workflows/wf-9/start", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/workflows/{id}/start", "409"))
	if val != 1 {
		t.Errorf("409 requests = %v, want 1", val)
	}
	if n := testutil.CollectAndCount(m.HTTPResponseSizeBytes); n == 0 {
		t.Error("expected response size observations")
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandlerFor_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordWorkflowOperation("pause", ResultOK)

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bakehouse_workflow_operations_total") {
		t.Error("metrics response should contain workflow operations")
	}
}

func TestHistogramBuckets_sorted(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":    httpDurationBuckets,
		"backend": backendDurationBuckets,
		"render":  renderDurationBuckets,
		"step":    stepDurationBuckets,
		"size":    bodySizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
