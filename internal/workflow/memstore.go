package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/bakehouse/model"
)

// MemoryWorkflowStore is an in-memory WorkflowStore. State is lost on restart.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	workflows map[string]model.Workflow
	events    map[string][]model.WorkflowEvent
}

// NewMemoryWorkflowStore creates a new in-memory workflow store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		workflows: make(map[string]model.Workflow),
		events:    make(map[string][]model.WorkflowEvent),
	}
}

// Create persists a new workflow.
func (s *MemoryWorkflowStore) Create(_ context.Context, w model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[w.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow %q already exists", w.ID))
	}

	s.workflows[w.ID] = w.Clone()
	return nil
}

// Get retrieves a workflow by ID. The caller receives its own copy.
func (s *MemoryWorkflowStore) Get(_ context.Context, id string) (model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, exists := s.workflows[id]
	if !exists {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	return w.Clone(), nil
}

// Update persists a workflow with optimistic locking.
func (s *MemoryWorkflowStore) Update(_ context.Context, w model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.workflows[w.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", w.ID))
	}

	if existing.Revision != w.Revision {
		return model.NewConflictError(
			fmt.Sprintf("workflow %q revision conflict (expected %d, got %d)", w.ID, w.Revision, existing.Revision),
		)
	}

	stored := w.Clone()
	stored.Revision++
	s.workflows[w.ID] = stored
	return nil
}

// Find returns workflows matching the filters.
func (s *MemoryWorkflowStore) Find(_ context.Context, filters model.WorkflowFilters) ([]model.Workflow, error) {
	s.mu.RLock()
	all := make([]model.Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		all = append(all, w.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})

	return applyFilters(all, filters), nil
}

// Delete removes a workflow and its events.
func (s *MemoryWorkflowStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[id]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}

	delete(s.workflows, id)
	delete(s.events, id)
	return nil
}

// AppendEvent adds an event to the workflow's audit trail.
func (s *MemoryWorkflowStore) AppendEvent(_ context.Context, event model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.WorkflowID] = append(s.events[event.WorkflowID], event)
	return nil
}

// GetEvents retrieves all events for a workflow, ordered by timestamp.
func (s *MemoryWorkflowStore) GetEvents(_ context.Context, id string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.workflows[id]; !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}

	events := s.events[id]
	result := make([]model.WorkflowEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryWorkflowStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the total number of workflows. For testing.
func (s *MemoryWorkflowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workflows)
}
