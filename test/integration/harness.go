// Package integration provides a reusable test harness for end-to-end
// integration testing of the bakehouse console. It starts a full HTTP server
// wired like cmd/bakehouse, with a mock bakery backend, in-memory stores and
// an HS256 token issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/bakehouse/internal/backend"
	"github.com/pitabwire/bakehouse/internal/capability"
	"github.com/pitabwire/bakehouse/internal/config"
	"github.com/pitabwire/bakehouse/internal/definition"
	"github.com/pitabwire/bakehouse/internal/observability"
	"github.com/pitabwire/bakehouse/internal/social"
	"github.com/pitabwire/bakehouse/internal/transport"
	"github.com/pitabwire/bakehouse/internal/workflow"
	"github.com/pitabwire/bakehouse/model"
)

// TestHarness encapsulates a fully wired console instance with a mock
// bakery backend for integration testing.
type TestHarness struct {
	t       *testing.T
	server  *httptest.Server
	issuer  *tokenIssuer
	backend *MockBackend

	// Internal components exposed for advanced test scenarios.
	Config         *config.Config
	Registry       *definition.Registry
	Reloader       *definition.Reloader
	Policy         *capability.StaticPolicy
	WorkflowStore  workflow.WorkflowStore
	WorkflowEngine *workflow.Engine
	Backend        *backend.Service
	RenderCache    social.RenderCache
	Metrics        *observability.Metrics
}

// ErrorBody is the error response returned by the API.
type ErrorBody struct {
	Error model.ErrorEnvelope `json:"error"`
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	policyFile     string
	storeDriver    string
	mockFallback   bool
	handlerTimeout time.Duration
	backendTimeout time.Duration
	breaker        *config.CircuitBreakerConfig
	retry          *config.RetryConfig
	cache          config.CacheConfig
	maxBodyBytes   int64
}

// WithDefinitions sets the definition directories to load. Relative paths are
// resolved from the testdata directory. Without it the builtin templates are
// used.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(hc *harnessConfig) {
		for _, d := range dirs {
			if !filepath.IsAbs(d) {
				d = filepath.Join(testdataDir(), d)
			}
			hc.definitionDirs = append(hc.definitionDirs, d)
		}
	}
}

// WithPolicyFile sets the role policy YAML file. Relative paths are resolved
// from the testdata directory.
func WithPolicyFile(path string) HarnessOption {
	return func(hc *harnessConfig) {
		if !filepath.IsAbs(path) {
			path = filepath.Join(testdataDir(), path)
		}
		hc.policyFile = path
	}
}

// WithBackendWorkflowStore keeps workflows in the mock backend instead of
// process memory.
func WithBackendWorkflowStore() HarnessOption {
	return func(hc *harnessConfig) { hc.storeDriver = config.StoreBackend }
}

// WithoutMockFallback makes backend outages surface as errors.
func WithoutMockFallback() HarnessOption {
	return func(hc *harnessConfig) { hc.mockFallback = false }
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(hc *harnessConfig) { hc.handlerTimeout = d }
}

// WithBackendTimeout sets the backend client's per-request timeout.
func WithBackendTimeout(d time.Duration) HarnessOption {
	return func(hc *harnessConfig) { hc.backendTimeout = d }
}

// WithCircuitBreaker overrides the backend circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(hc *harnessConfig) { hc.breaker = &cb }
}

// WithRetry overrides the backend retry settings.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(hc *harnessConfig) { hc.retry = &r }
}

// WithRenderCache selects the render cache.
func WithRenderCache(cache config.CacheConfig) HarnessOption {
	return func(hc *harnessConfig) { hc.cache = cache }
}

// WithMaxBodyBytes sets the request body limit.
func WithMaxBodyBytes(n int64) HarnessOption {
	return func(hc *harnessConfig) { hc.maxBodyBytes = n }
}

// NewTestHarness creates and starts a full console test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		storeDriver:    config.StoreMemory,
		mockFallback:   true,
		handlerTimeout: 10 * time.Second,
		backendTimeout: 2 * time.Second,
		cache:          config.CacheConfig{Driver: config.CacheMemory, TTL: time.Minute, MaxEntries: 16},
	}
	for _, opt := range opts {
		opt(hc)
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	reg := prometheus.NewRegistry()

	h := &TestHarness{
		t:       t,
		backend: newMockBackend(t),
		issuer:  newTokenIssuer(t),
		Metrics: observability.InitMetrics(reg),
	}

	// Step 1: Build config pointing at the mock backend.
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	if hc.maxBodyBytes > 0 {
		cfg.Server.MaxBodyBytes = hc.maxBodyBytes
	}
	cfg.Identity = config.IdentityConfig{
		Mode:      config.IdentityModeJWT,
		SecretEnv: "BAKEHOUSE_JWT_SECRET",
		Issuer:    h.issuer.Issuer(),
		Audience:  h.issuer.Audience(),
		Leeway:    5 * time.Second,
	}
	cfg.Backend.BaseURL = h.backend.URL()
	cfg.Backend.Timeout = hc.backendTimeout
	cfg.Backend.MockFallback = hc.mockFallback
	cfg.Backend.Retry = config.RetryConfig{
		MaxAttempts:       2,
		BackoffInitial:    10 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        50 * time.Millisecond,
		IdempotentOnly:    true,
	}
	if hc.retry != nil {
		cfg.Backend.Retry = *hc.retry
	}
	if hc.breaker != nil {
		cfg.Backend.CircuitBreaker = *hc.breaker
	}
	cfg.Workflow.Store.Driver = hc.storeDriver
	cfg.Definitions.Directories = hc.definitionDirs
	cfg.Capability.StaticPolicyFile = hc.policyFile
	cfg.Capability.CacheTTL = 0 // no caching in tests
	cfg.Render.Cache = hc.cache
	if err := cfg.Validate(); err != nil {
		t.Fatalf("harness config: %v", err)
	}
	h.Config = cfg

	// Step 2: Load definitions.
	h.Registry = definition.NewRegistry(nil)
	h.Reloader = definition.NewReloader(h.Registry, cfg.Definitions.Directories, h.Metrics, logger)
	if err := h.Reloader.Reload(); err != nil {
		t.Fatalf("load definitions: %v", err)
	}

	// Step 3: Build capability resolver.
	policy, err := capability.NewStaticPolicy(cfg.Capability.StaticPolicyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	h.Policy = policy
	capResolver := capability.NewResolver(policy, cfg.Capability.CacheTTL)

	// Step 4: Backend client and data service.
	client := backend.NewClient(cfg.Backend, h.Metrics, logger)
	var mock *backend.MockSource
	if cfg.Backend.MockFallback {
		mock = backend.NewMockSource(cfg.Backend.MockSeed)
	}
	h.Backend = backend.NewService(client, mock, cfg.Backend.MockFallback, h.Metrics, logger)

	// Step 5: Workflow store and engine.
	switch cfg.Workflow.Store.Driver {
	case config.StoreBackend:
		h.WorkflowStore = workflow.NewBackendWorkflowStore(client)
	default:
		h.WorkflowStore = workflow.NewMemoryWorkflowStore()
	}
	h.WorkflowEngine = workflow.NewEngine(h.WorkflowStore, h.Registry,
		workflow.WithMetrics(h.Metrics),
		workflow.WithLogger(logger),
	)

	// Step 6: Renderer and render cache.
	renderer := social.NewRenderer(cfg.Render,
		social.WithMetrics(h.Metrics),
		social.WithLogger(logger),
		social.WithBrand(cfg.Theme.Brand),
	)
	h.RenderCache, err = social.OpenCache(cfg.Render.Cache)
	if err != nil {
		t.Fatalf("open render cache: %v", err)
	}
	var imageRenderer social.ImageRenderer = renderer
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: h.Registry.Loaded,
	}
	if hcheck, ok := h.WorkflowStore.(observability.HealthChecker); ok {
		readiness.WorkflowStore = hcheck
	}
	if h.RenderCache != nil {
		imageRenderer = social.NewCachedRenderer(renderer, h.RenderCache)
		readiness.RenderCache = h.RenderCache
		if closer, ok := h.RenderCache.(io.Closer); ok {
			t.Cleanup(func() { closer.Close() })
		}
	}

	// Step 7: Identity.
	authenticate, err := transport.NewAuthenticator(cfg.Identity, h.issuer.Secret(), cfg.Theme)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}

	// Step 8: Build router with full middleware chain.
	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Metrics:        h.Metrics,
		MetricsHandler: observability.HandlerFor(reg),
		Authenticate:   authenticate,
		Capabilities:   capResolver,
		Engine:         h.WorkflowEngine,
		Templates:      h.Registry,
		Renderer:       imageRenderer,
		Backend:        h.Backend,
		Readiness:      readiness,
	})

	// Step 9: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// MockBackend returns the mock bakery backend.
func (h *TestHarness) MockBackend() *MockBackend {
	return h.backend
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForeignToken creates a JWT signed with the wrong secret.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		bodyReader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, expected int, code string) {
	t.Helper()
	var body ErrorBody
	h.AssertJSON(t, resp, expected, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Default test claims ---

// OwnerClaims returns TestClaims for the bakery owner.
func OwnerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-owner",
		Name:      "Greta Hofmann",
		Email:     "greta@bakehouse.test",
		Roles:     []string{"owner"},
	}
}

// BakerClaims returns TestClaims for a baker.
func BakerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-baker",
		Name:      "Anna Becker",
		Email:     "anna@bakehouse.test",
		Roles:     []string{"baker"},
	}
}

// SalesClaims returns TestClaims for a sales clerk.
func SalesClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-sales",
		Name:      "Jonas Krüger",
		Email:     "jonas@bakehouse.test",
		Roles:     []string{"sales"},
	}
}

// MarketingClaims returns TestClaims for the marketing role.
func MarketingClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-marketing",
		Name:      "Lea Schmitt",
		Email:     "lea@bakehouse.test",
		Roles:     []string{"marketing"},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// CreateWorkflowRequest returns a creation form for template.
func CreateWorkflowRequest(templateID, assignedTo string, batchSize int) map[string]any {
	return map[string]any{
		"templateId": templateID,
		"batchSize":  batchSize,
		"assignedTo": assignedTo,
	}
}

// RenderRequest returns a social render request with the given text content.
func RenderRequest(templateID string, text map[string]string) map[string]any {
	return map[string]any{
		"templateId": templateID,
		"content":    map[string]any{"text": text},
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
