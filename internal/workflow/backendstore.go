package workflow

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pitabwire/bakehouse/internal/backend"
	"github.com/pitabwire/bakehouse/model"
)

// BackendWorkflowStore keeps workflows in the bakery backend's /workflows
// resource. The backend owns revision checking: PUT carries the expected
// revision and a stale one is answered with 409.
type BackendWorkflowStore struct {
	client *backend.Client
}

// NewBackendWorkflowStore creates a store over the backend client.
func NewBackendWorkflowStore(client *backend.Client) *BackendWorkflowStore {
	return &BackendWorkflowStore{client: client}
}

func workflowPath(id string) string {
	return "/workflows/" + url.PathEscape(id)
}

// Create posts a new workflow.
func (s *BackendWorkflowStore) Create(ctx context.Context, w model.Workflow) error {
	return s.client.Do(ctx, "workflows", http.MethodPost, "/workflows", nil, w, nil)
}

// Get fetches a workflow.
func (s *BackendWorkflowStore) Get(ctx context.Context, id string) (model.Workflow, error) {
	var w model.Workflow
	if err := s.client.Get(ctx, "workflows", workflowPath(id), nil, &w); err != nil {
		return model.Workflow{}, err
	}
	return w, nil
}

// Update replaces a workflow if its revision is still current.
func (s *BackendWorkflowStore) Update(ctx context.Context, w model.Workflow) error {
	return s.client.Do(ctx, "workflows", http.MethodPut, workflowPath(w.ID), nil, w, nil)
}

// Find lists workflows matching the filters.
func (s *BackendWorkflowStore) Find(ctx context.Context, filters model.WorkflowFilters) ([]model.Workflow, error) {
	q := url.Values{}
	if filters.Status != "" {
		q.Set("status", string(filters.Status))
	}
	if filters.AssignedTo != "" {
		q.Set("assignedTo", filters.AssignedTo)
	}
	if filters.Limit > 0 {
		q.Set("limit", strconv.Itoa(filters.Limit))
	}
	if filters.Offset > 0 {
		q.Set("offset", strconv.Itoa(filters.Offset))
	}

	out := []model.Workflow{}
	if err := s.client.Get(ctx, "workflows", "/workflows", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a workflow.
func (s *BackendWorkflowStore) Delete(ctx context.Context, id string) error {
	return s.client.Do(ctx, "workflows", http.MethodDelete, workflowPath(id), nil, nil, nil)
}

// AppendEvent posts an audit event.
func (s *BackendWorkflowStore) AppendEvent(ctx context.Context, event model.WorkflowEvent) error {
	return s.client.Do(ctx, "workflow_events", http.MethodPost, workflowPath(event.WorkflowID)+"/events", nil, event, nil)
}

// GetEvents lists a workflow's audit events.
func (s *BackendWorkflowStore) GetEvents(ctx context.Context, id string) ([]model.WorkflowEvent, error) {
	out := []model.WorkflowEvent{}
	if err := s.client.Get(ctx, "workflow_events", workflowPath(id)+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// HealthCheck calls the backend health endpoint.
func (s *BackendWorkflowStore) HealthCheck(ctx context.Context) error {
	return s.client.Get(ctx, "health", "/health", nil, nil)
}
