package workflow

import (
	"context"

	"github.com/pitabwire/bakehouse/model"
)

// WorkflowStore persists production workflows and their audit events.
type WorkflowStore interface {
	// Create persists a new workflow. Returns CONFLICT if the ID exists.
	Create(ctx context.Context, w model.Workflow) error

	// Get retrieves a workflow by ID. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, id string) (model.Workflow, error)

	// Update persists a workflow with optimistic locking. w.Revision must
	// match the stored revision, which is then incremented. Returns CONFLICT
	// if the revision has changed.
	Update(ctx context.Context, w model.Workflow) error

	// Find returns workflows matching the filters, most recently updated
	// first.
	Find(ctx context.Context, filters model.WorkflowFilters) ([]model.Workflow, error)

	// Delete removes a workflow and its events.
	Delete(ctx context.Context, id string) error

	// AppendEvent adds an event to the workflow's audit trail.
	AppendEvent(ctx context.Context, event model.WorkflowEvent) error

	// GetEvents retrieves all events for a workflow, oldest first.
	GetEvents(ctx context.Context, id string) ([]model.WorkflowEvent, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// applyFilters applies status, assignee, offset and limit to an already
// sorted slice.
func applyFilters(in []model.Workflow, filters model.WorkflowFilters) []model.Workflow {
	result := make([]model.Workflow, 0, len(in))
	for _, w := range in {
		if filters.Status != "" && w.Status != filters.Status {
			continue
		}
		if filters.AssignedTo != "" && w.AssignedTo != filters.AssignedTo {
			continue
		}
		result = append(result, w)
	}

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.Workflow{}
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result
}
