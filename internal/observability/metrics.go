package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	renderDurationBuckets  = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	stepDurationBuckets    = []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576, 8388608}
)

// Workflow operation results.
const (
	ResultOK           = "ok"
	ResultInvalidState = "invalid_state"
	ResultConflict     = "conflict"
	ResultNotFound     = "not_found"
	ResultError        = "error"
)

// Metrics holds all Prometheus metric instruments for the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowOperationsTotal  *prometheus.CounterVec
	WorkflowCreatedTotal     *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActive           prometheus.Gauge
	WorkflowStepDuration     *prometheus.HistogramVec

	// Render metrics
	RenderDuration           *prometheus.HistogramVec
	RenderFailuresTotal      *prometheus.CounterVec
	RenderFallbacksTotal     *prometheus.CounterVec
	RenderValidationFailures *prometheus.CounterVec
	RenderCacheHitsTotal     *prometheus.CounterVec
	RenderCacheMissesTotal   *prometheus.CounterVec

	// Backend metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState prometheus.Gauge
	BackendRetriesTotal        *prometheus.CounterVec
	BackendMockFallbacksTotal  *prometheus.CounterVec

	// Definition metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bakehouse_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bakehouse_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bakehouse_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bakehouse_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bakehouse_workflow_operations_total",
			Help: "Total number of workflow operations by outcome.",
		}, []string{"operation", "result"}),
		WorkflowCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bakehouse_workflow_created_total",
			Help: "Total number of workflows created from production templates.",
		}, []string{"template_id"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bakehouse_workflow_completions_total",
			Help: "Total number of workflows that reached completed.",
		}, []string{"template_id"}),
		WorkflowActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bakehouse_workflow_active",
			Help: "Number of workflows currently in progress.",
		}),
		WorkflowStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bakehouse_workflow_step_duration_seconds",
			Help:    "Wall time between a step starting and completing.",
			Buckets: stepDurationBuckets,
		}, []string{"step_id"}),

		// Renders
		RenderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bakehouse_render_duration_seconds",
			Help:    "Social image render duration in seconds.",
			Buckets: renderDurationBuckets,
		}, []string{"template_type", "variant"}),
		RenderFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bakehouse_render_failures_total",
			Help: "Total number of failed renders.",
		}, []string{"template_type", "variant"}),
		RenderFallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bakehouse_render_fallbacks_total",
			Help: "Total number of renders served by the flat fallback variant.",
		}, []string{"template_type"}),
		RenderValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bakehouse_render_validation_failures_total",
			Help: "Total number of renders rejected for missing required fields.",
		}, []string{"template_type"}),
		RenderCacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bakehouse_render_cache_hits_total",
			Help: "Total render cache hits.",
		}, []string{"driver"}),
		RenderCacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bakehouse_render_cache_misses_total",
			Help: "Total render cache misses.",
		}, []string{"driver"}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bakehouse_backend_requests_total",
			Help: "Total number of bakery backend requests.",
		}, []string{"resource", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bakehouse_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"resource"}),
		BackendCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bakehouse_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bakehouse_backend_retries_total",
			Help: "Total number of backend request retries.",
		}, []string{"resource"}),
		BackendMockFallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bakehouse_backend_mock_fallbacks_total",
			Help: "Total number of responses served from generated mock data.",
		}, []string{"resource"}),

		// Definitions
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bakehouse_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bakehouse_definitions_loaded",
			Help: "Number of loaded templates by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.WorkflowOperationsTotal,
		m.WorkflowCreatedTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActive,
		m.WorkflowStepDuration,
		m.RenderDuration,
		m.RenderFailuresTotal,
		m.RenderFallbacksTotal,
		m.RenderValidationFailures,
		m.RenderCacheHitsTotal,
		m.RenderCacheMissesTotal,
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		m.BackendMockFallbacksTotal,
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowOperation records the outcome of a workflow operation such
// as "complete_step" or "start".
func (m *Metrics) RecordWorkflowOperation(operation, result string) {
	if m == nil {
		return
	}
	m.WorkflowOperationsTotal.WithLabelValues(operation, result).Inc()
}

// RecordWorkflowCreated records a workflow built from a production template.
func (m *Metrics) RecordWorkflowCreated(templateID string) {
	if m == nil {
		return
	}
	m.WorkflowCreatedTotal.WithLabelValues(templateID).Inc()
}

// RecordWorkflowStarted marks a workflow as active.
func (m *Metrics) RecordWorkflowStarted() {
	if m == nil {
		return
	}
	m.WorkflowActive.Inc()
}

// RecordWorkflowCompletion records a workflow reaching completed.
func (m *Metrics) RecordWorkflowCompletion(templateID string) {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.WithLabelValues(templateID).Inc()
	m.WorkflowActive.Dec()
}

// RecordWorkflowStepDuration records how long a completed step ran.
func (m *Metrics) RecordWorkflowStepDuration(stepID string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowStepDuration.WithLabelValues(stepID).Observe(duration.Seconds())
}

// RecordRender records a successful render.
func (m *Metrics) RecordRender(templateType, variant string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RenderDuration.WithLabelValues(templateType, variant).Observe(duration.Seconds())
}

// RecordRenderFailure records a failed render attempt.
func (m *Metrics) RecordRenderFailure(templateType, variant string) {
	if m == nil {
		return
	}
	m.RenderFailuresTotal.WithLabelValues(templateType, variant).Inc()
}

// RecordRenderFallback records a render served by the flat variant.
func (m *Metrics) RecordRenderFallback(templateType string) {
	if m == nil {
		return
	}
	m.RenderFallbacksTotal.WithLabelValues(templateType).Inc()
}

// RecordRenderValidationFailure records content rejected before rendering.
func (m *Metrics) RecordRenderValidationFailure(templateType string) {
	if m == nil {
		return
	}
	m.RenderValidationFailures.WithLabelValues(templateType).Inc()
}

// RecordRenderCacheHit records a render cache hit.
func (m *Metrics) RecordRenderCacheHit(driver string) {
	if m == nil {
		return
	}
	m.RenderCacheHitsTotal.WithLabelValues(driver).Inc()
}

// RecordRenderCacheMiss records a render cache miss.
func (m *Metrics) RecordRenderCacheMiss(driver string) {
	if m == nil {
		return
	}
	m.RenderCacheMissesTotal.WithLabelValues(driver).Inc()
}

// RecordBackendRequest records a backend request. Status 0 means the request
// never produced a response.
func (m *Metrics) RecordBackendRequest(resource string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(resource, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(resource).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.BackendCircuitBreakerState.Set(state)
}

// RecordBackendRetry records a backend request retry.
func (m *Metrics) RecordBackendRetry(resource string) {
	if m == nil {
		return
	}
	m.BackendRetriesTotal.WithLabelValues(resource).Inc()
}

// RecordBackendMockFallback records a response served from mock data.
func (m *Metrics) RecordBackendMockFallback(resource string) {
	if m == nil {
		return
	}
	m.BackendMockFallbacksTotal.WithLabelValues(resource).Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded templates of a kind
// ("production" or "social").
func (m *Metrics) SetDefinitionsLoaded(kind string, count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.WithLabelValues(kind).Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
