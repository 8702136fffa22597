package integration

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/bakehouse/internal/transport"
	"github.com/pitabwire/bakehouse/internal/workflow"
	"github.com/pitabwire/bakehouse/model"
)

// Operation IDs served by the mock bakery backend.
const (
	OpListProducts   = "listProducts"
	OpListOrders     = "listOrders"
	OpListSales      = "listSales"
	OpCreateWorkflow = "createWorkflow"
	OpGetWorkflow    = "getWorkflow"
	OpUpdateWorkflow = "updateWorkflow"
	OpListWorkflows  = "listWorkflows"
	OpDeleteWorkflow = "deleteWorkflow"
	OpAppendEvent    = "appendWorkflowEvent"
	OpListEvents     = "listWorkflowEvents"
	OpHealth         = "health"
)

const (
	backendDateLayout = "2006-01-02"

	// FixtureDay is the day the default orders and sales fall on.
	FixtureDay = "2026-03-06"
)

// MockBackend is an HTTP test server that simulates the bakery backend. By
// default it serves a fixed catalogue and keeps workflows in memory with the
// same revision checks as the real backend. Scripted per-operation responses
// take precedence over the default behaviour, and every request is recorded
// for later assertion.
type MockBackend struct {
	server *httptest.Server
	store  *workflow.MemoryWorkflowStore

	mu           sync.RWMutex
	operations   map[string]*operationConfig
	receivedByOp map[string][]*RecordedRequest
	products     []model.Product
	orders       []model.Order
	sales        []model.SalesRecord
}

// RecordedRequest captures the details of a request received by the mock backend.
type RecordedRequest struct {
	Method      string
	Path        string
	QueryParams map[string]string
	Headers     http.Header
	Body        map[string]any
	RawBody     []byte
	ReceivedAt  time.Time
}

// operationConfig holds the scripted responses for a single operation.
type operationConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status      int
	body        any
	delay       time.Duration
	connError   bool
	passthrough bool
}

// OperationMock is a builder for scripting responses for a specific operation.
type OperationMock struct {
	backend *MockBackend
	opID    string
}

type route struct {
	pattern string
	opID    string
	handler func(*MockBackend, http.ResponseWriter, *http.Request)
}

var routes = []route{
	{"GET /products", OpListProducts, (*MockBackend).listProducts},
	{"GET /orders", OpListOrders, (*MockBackend).listOrders},
	{"GET /sales", OpListSales, (*MockBackend).listSales},
	{"POST /workflows", OpCreateWorkflow, (*MockBackend).createWorkflow},
	{"GET /workflows", OpListWorkflows, (*MockBackend).listWorkflows},
	{"GET /workflows/{id}", OpGetWorkflow, (*MockBackend).getWorkflow},
	{"PUT /workflows/{id}", OpUpdateWorkflow, (*MockBackend).updateWorkflow},
	{"DELETE /workflows/{id}", OpDeleteWorkflow, (*MockBackend).deleteWorkflow},
	{"POST /workflows/{id}/events", OpAppendEvent, (*MockBackend).appendEvent},
	{"GET /workflows/{id}/events", OpListEvents, (*MockBackend).listEvents},
	{"GET /health", OpHealth, (*MockBackend).health},
}

// newMockBackend creates a mock bakery backend and starts its HTTP server.
func newMockBackend(t *testing.T) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		store:        workflow.NewMemoryWorkflowStore(),
		operations:   make(map[string]*operationConfig),
		receivedByOp: make(map[string][]*RecordedRequest),
		products:     ProductFixtures(),
		orders:       OrderFixtures(),
		sales:        SalesFixtures(),
	}

	mux := http.NewServeMux()
	for _, rt := range routes {
		mux.HandleFunc(rt.pattern, mb.handleOperation(rt.opID, rt.handler))
	}

	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the base URL of the mock backend server.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// Workflows returns the backend's workflow store for direct inspection.
func (mb *MockBackend) Workflows() *workflow.MemoryWorkflowStore {
	return mb.store
}

// SetProducts replaces the product catalogue.
func (mb *MockBackend) SetProducts(products []model.Product) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.products = products
}

// OnOperation returns a builder for scripting responses for the named operation.
func (mb *MockBackend) OnOperation(operationID string) *OperationMock {
	return &OperationMock{backend: mb, opID: operationID}
}

// RespondWith scripts the operation to respond with the given status and body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, body: body})
	return om
}

// RespondWithError scripts an error envelope response.
func (om *OperationMock) RespondWithError(status int, code, message string) *OperationMock {
	return om.RespondWith(status, model.ErrorEnvelope{Code: code, Message: message})
}

// RespondWithDelay scripts a delayed response to simulate a slow backend.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondWithConnectionError scripts the operation to drop the connection.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{connError: true})
	return om
}

// ThenDefault hands the following calls back to the default behaviour.
func (om *OperationMock) ThenDefault() *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{passthrough: true})
	return om
}

// ResetOperation clears scripted responses for an operation.
func (mb *MockBackend) ResetOperation(opID string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.operations, opID)
}

func (mb *MockBackend) addResponse(opID string, resp *mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	cfg, ok := mb.operations[opID]
	if !ok {
		cfg = &operationConfig{}
		mb.operations[opID] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (mb *MockBackend) handleOperation(opID string, fallback func(*MockBackend, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			QueryParams: make(map[string]string),
			Headers:     r.Header.Clone(),
			ReceivedAt:  time.Now(),
		}
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				rec.QueryParams[key] = values[0]
			}
		}
		if r.Body != nil {
			body, _ := io.ReadAll(r.Body)
			rec.RawBody = body
			if len(body) > 0 {
				var parsed map[string]any
				if err := json.Unmarshal(body, &parsed); err == nil {
					rec.Body = parsed
				}
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		mb.mu.Lock()
		mb.receivedByOp[opID] = append(mb.receivedByOp[opID], rec)
		mb.mu.Unlock()

		resp := mb.getNextResponse(opID)
		if resp == nil || resp.passthrough {
			fallback(mb, w, r)
			return
		}

		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				if conn != nil {
					conn.Close()
				}
			}
			return
		}

		if resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}
		writeJSON(w, resp.status, resp.body)
	}
}

// getNextResponse returns the next scripted response. The last one repeats.
func (mb *MockBackend) getNextResponse(opID string) *mockResponse {
	mb.mu.RLock()
	cfg, ok := mb.operations[opID]
	mb.mu.RUnlock()
	if !ok || cfg == nil {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if len(cfg.responses) == 0 {
		return nil
	}
	idx := cfg.current
	if idx >= len(cfg.responses) {
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// --- Assertions ---

// AllRequests returns every request received for an operation.
func (mb *MockBackend) AllRequests(opID string) []*RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	out := make([]*RecordedRequest, len(mb.receivedByOp[opID]))
	copy(out, mb.receivedByOp[opID])
	return out
}

// LastRequest returns the most recent request for an operation, or nil.
func (mb *MockBackend) LastRequest(opID string) *RecordedRequest {
	reqs := mb.AllRequests(opID)
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AssertCalled fails the test if the operation was not called.
func (mb *MockBackend) AssertCalled(t *testing.T, opID string) {
	t.Helper()
	if len(mb.AllRequests(opID)) == 0 {
		t.Errorf("expected %s to be called", opID)
	}
}

// AssertNotCalled fails the test if the operation was called.
func (mb *MockBackend) AssertNotCalled(t *testing.T, opID string) {
	t.Helper()
	if n := len(mb.AllRequests(opID)); n > 0 {
		t.Errorf("expected %s not to be called, got %d calls", opID, n)
	}
}

// AssertCallCount fails the test unless the operation was called n times.
func (mb *MockBackend) AssertCallCount(t *testing.T, opID string, n int) {
	t.Helper()
	if got := len(mb.AllRequests(opID)); got != n {
		t.Errorf("%s called %d times, want %d", opID, got, n)
	}
}

// --- Default handlers ---

func (mb *MockBackend) listProducts(w http.ResponseWriter, _ *http.Request) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	writeJSON(w, http.StatusOK, mb.products)
}

func (mb *MockBackend) listOrders(w http.ResponseWriter, r *http.Request) {
	from, err1 := time.Parse(backendDateLayout, r.URL.Query().Get("from"))
	to, err2 := time.Parse(backendDateLayout, r.URL.Query().Get("to"))
	if err := errors.Join(err1, err2); err != nil {
		writeError(w, model.NewBadRequestError("from and to are required"))
		return
	}

	mb.mu.RLock()
	defer mb.mu.RUnlock()
	out := []model.Order{}
	for _, o := range mb.orders {
		day := o.PickupDate.UTC().Truncate(24 * time.Hour)
		if !day.Before(from) && !day.After(to) {
			out = append(out, o)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (mb *MockBackend) listSales(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")

	mb.mu.RLock()
	defer mb.mu.RUnlock()
	out := []model.SalesRecord{}
	for _, s := range mb.sales {
		if s.Date.UTC().Format(backendDateLayout) == day {
			out = append(out, s)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (mb *MockBackend) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		writeError(w, model.NewBadRequestError("invalid workflow body"))
		return
	}
	if err := mb.store.Create(r.Context(), wf); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (mb *MockBackend) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := mb.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (mb *MockBackend) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		writeError(w, model.NewBadRequestError("invalid workflow body"))
		return
	}
	wf.ID = r.PathValue("id")
	if err := mb.store.Update(r.Context(), wf); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (mb *MockBackend) listWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := model.WorkflowFilters{
		Status:     model.WorkflowStatus(q.Get("status")),
		AssignedTo: q.Get("assignedTo"),
	}
	filters.Limit, _ = strconv.Atoi(q.Get("limit"))
	filters.Offset, _ = strconv.Atoi(q.Get("offset"))

	out, err := mb.store.Find(r.Context(), filters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (mb *MockBackend) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := mb.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (mb *MockBackend) appendEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.WorkflowEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, model.NewBadRequestError("invalid event body"))
		return
	}
	ev.WorkflowID = r.PathValue("id")
	if err := mb.store.AppendEvent(r.Context(), ev); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (mb *MockBackend) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := mb.store.GetEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (mb *MockBackend) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		env = model.NewInternalError()
	}
	writeJSON(w, transport.StatusFor(env.Code), env)
}

// --- Fixtures ---

// ProductFixtures returns the backend's default catalogue.
func ProductFixtures() []model.Product {
	return []model.Product{
		{ID: "p-croissant", Name: "Buttercroissant", Category: "Feingebäck", Price: 1.60, Unit: "Stück", Active: true},
		{ID: "p-brezel", Name: "Laugenbrezel", Category: "Laugengebäck", Price: 1.20, Unit: "Stück", Active: true},
		{ID: "p-roggen", Name: "Roggenbrot", Category: "Brot", Price: 4.80, Unit: "1 kg", Active: true},
	}
}

// OrderFixtures returns the backend's default pre-orders.
func OrderFixtures() []model.Order {
	day := fixtureDay()
	return []model.Order{
		{
			ID: "o-1", Customer: "Café Morgenrot", PickupDate: day.Add(6 * time.Hour), Status: "open",
			Items: []model.OrderItem{{ProductID: "p-croissant", Name: "Buttercroissant", Quantity: 40, UnitPrice: 1.60}},
			Total: 64,
		},
		{
			ID: "o-2", Customer: "Familie Weber", PickupDate: day.Add(9 * time.Hour), Status: "ready",
			Items: []model.OrderItem{{ProductID: "p-roggen", Name: "Roggenbrot", Quantity: 2, UnitPrice: 4.80}},
			Total: 9.60,
		},
		{
			ID: "o-3", Customer: "Kita Sonnenschein", PickupDate: day.AddDate(0, 0, 2).Add(7 * time.Hour), Status: "open",
			Items: []model.OrderItem{{ProductID: "p-brezel", Name: "Laugenbrezel", Quantity: 30, UnitPrice: 1.20}},
			Total: 36,
		},
	}
}

// SalesFixtures returns the backend's default sales for the fixture day.
func SalesFixtures() []model.SalesRecord {
	day := fixtureDay()
	return []model.SalesRecord{
		{Date: day, ProductID: "p-croissant", Quantity: 120, Revenue: 192},
		{Date: day, ProductID: "p-brezel", Quantity: 85, Revenue: 102},
		{Date: day, ProductID: "p-roggen", Quantity: 14, Revenue: 67.20},
	}
}

func fixtureDay() time.Time {
	day, _ := time.Parse(backendDateLayout, FixtureDay)
	return day
}
