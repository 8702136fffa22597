package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/bakehouse/internal/observability"
	"github.com/pitabwire/bakehouse/model"
)

// defaultConflictRetries bounds how often an operation is re-applied after a
// concurrent update bumped the revision.
const defaultConflictRetries = 3

// Audit event names.
const (
	EventWorkflowCreated   = "workflow_created"
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowPaused    = "workflow_paused"
	EventWorkflowCompleted = "workflow_completed"
	EventStepCompleted     = "step_completed"
	EventStepPaused        = "step_paused"
	EventStepResumed       = "step_resumed"
	EventStepFailed        = "step_failed"
	EventStepRetried       = "step_retried"
	EventStepProgress      = "step_progress"
	EventStepNotes         = "step_notes"
	EventActivityToggled   = "activity_toggled"
)

// TemplateSource looks up production templates by id.
type TemplateSource interface {
	GetProductionTemplate(id string) (model.ProductionTemplate, bool)
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records operation outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the fallback logger used when the request context carries
// none.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the UUID generator. Used by tests.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// Engine runs the step operations against a WorkflowStore. Every mutation is
// load, apply, save with optimistic locking, then audit.
type Engine struct {
	store     WorkflowStore
	templates TemplateSource
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
	retries   int
}

// NewEngine creates a new workflow engine.
func NewEngine(store WorkflowStore, templates TemplateSource, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		templates: templates,
		logger:    zap.NewNop(),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		retries:   defaultConflictRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create builds a planned workflow from a production template and persists it.
func (e *Engine) Create(ctx context.Context, params model.CreateWorkflowParams) (model.Workflow, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.create",
		observability.AttrTemplateID.String(params.TemplateID),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	tmpl, ok := e.templates.GetProductionTemplate(params.TemplateID)
	if !ok {
		err = model.NewNotFoundError(fmt.Sprintf("production template %q not found", params.TemplateID))
		e.metrics.RecordWorkflowOperation("create", resultFor(err))
		return model.Workflow{}, err
	}

	var w model.Workflow
	w, err = CreateWorkflow(tmpl, params, e.newID(), e.now())
	if err != nil {
		e.metrics.RecordWorkflowOperation("create", resultFor(err))
		return model.Workflow{}, err
	}
	w.Revision = 1

	if err = e.store.Create(ctx, w); err != nil {
		e.metrics.RecordWorkflowOperation("create", resultFor(err))
		return model.Workflow{}, err
	}

	e.metrics.RecordWorkflowOperation("create", observability.ResultOK)
	e.metrics.RecordWorkflowCreated(tmpl.ID)
	e.audit(ctx, w.ID, "", EventWorkflowCreated, tmpl.ID, w.CreatedAt)

	observability.SessionLogger(ctx, e.logger).Info("workflow created",
		zap.String("workflow_id", w.ID),
		zap.String("template_id", tmpl.ID),
		zap.Int("batch_size", w.BatchSize),
	)
	return w, nil
}

// Get returns a workflow by id.
func (e *Engine) Get(ctx context.Context, id string) (model.Workflow, error) {
	return e.store.Get(ctx, id)
}

// List returns workflow summaries matching the filters.
func (e *Engine) List(ctx context.Context, filters model.WorkflowFilters) ([]model.WorkflowSummary, error) {
	workflows, err := e.store.Find(ctx, filters)
	if err != nil {
		return nil, err
	}
	summaries := make([]model.WorkflowSummary, 0, len(workflows))
	for _, w := range workflows {
		summaries = append(summaries, Summarize(w))
	}
	return summaries, nil
}

// Events returns the audit trail of a workflow.
func (e *Engine) Events(ctx context.Context, id string) ([]model.WorkflowEvent, error) {
	return e.store.GetEvents(ctx, id)
}

// Delete removes a workflow and its audit trail.
func (e *Engine) Delete(ctx context.Context, id string) error {
	err := e.store.Delete(ctx, id)
	e.metrics.RecordWorkflowOperation("delete", resultFor(err))
	if err != nil {
		return err
	}
	observability.SessionLogger(ctx, e.logger).Info("workflow deleted", zap.String("workflow_id", id))
	return nil
}

// Start puts the workflow in progress.
func (e *Engine) Start(ctx context.Context, id string) (model.Workflow, error) {
	return e.apply(ctx, "start", id, "", EventWorkflowStarted, "",
		func(w model.Workflow, now time.Time) (model.Workflow, error) {
			return StartWorkflow(w, now)
		})
}

// Pause sets the workflow status to paused.
func (e *Engine) Pause(ctx context.Context, id string) (model.Workflow, error) {
	return e.apply(ctx, "pause", id, "", EventWorkflowPaused, "",
		func(w model.Workflow, _ time.Time) (model.Workflow, error) {
			return PauseWorkflow(w)
		})
}

// CompleteStep completes the in-progress step and advances to the next one.
func (e *Engine) CompleteStep(ctx context.Context, id, stepID string) (model.Workflow, error) {
	return e.apply(ctx, "complete_step", id, stepID, EventStepCompleted, "",
		func(w model.Workflow, now time.Time) (model.Workflow, error) {
			return CompleteStep(w, stepID, now)
		})
}

// PauseStep pauses a running step.
func (e *Engine) PauseStep(ctx context.Context, id, stepID string) (model.Workflow, error) {
	return e.apply(ctx, "pause_step", id, stepID, EventStepPaused, "",
		func(w model.Workflow, _ time.Time) (model.Workflow, error) {
			return PauseStep(w, stepID)
		})
}

// ResumeStep resumes a paused step.
func (e *Engine) ResumeStep(ctx context.Context, id, stepID string) (model.Workflow, error) {
	return e.apply(ctx, "resume_step", id, stepID, EventStepResumed, "",
		func(w model.Workflow, _ time.Time) (model.Workflow, error) {
			return ResumeStep(w, stepID)
		})
}

// FailStep marks a running step as failed with an optional reason.
func (e *Engine) FailStep(ctx context.Context, id, stepID, reason string) (model.Workflow, error) {
	return e.apply(ctx, "fail_step", id, stepID, EventStepFailed, reason,
		func(w model.Workflow, now time.Time) (model.Workflow, error) {
			return FailStep(w, stepID, reason, now)
		})
}

// RetryStep restarts a failed step.
func (e *Engine) RetryStep(ctx context.Context, id, stepID string) (model.Workflow, error) {
	return e.apply(ctx, "retry_step", id, stepID, EventStepRetried, "",
		func(w model.Workflow, now time.Time) (model.Workflow, error) {
			return RetryStep(w, stepID, now)
		})
}

// SetStepProgress records progress on a running or paused step.
func (e *Engine) SetStepProgress(ctx context.Context, id, stepID string, progress int) (model.Workflow, error) {
	return e.apply(ctx, "set_progress", id, stepID, EventStepProgress, fmt.Sprintf("%d", progress),
		func(w model.Workflow, _ time.Time) (model.Workflow, error) {
			return SetStepProgress(w, stepID, progress)
		})
}

// SetStepNotes replaces the notes of a step.
func (e *Engine) SetStepNotes(ctx context.Context, id, stepID, notes string) (model.Workflow, error) {
	return e.apply(ctx, "set_notes", id, stepID, EventStepNotes, "",
		func(w model.Workflow, _ time.Time) (model.Workflow, error) {
			return SetStepNotes(w, stepID, notes)
		})
}

// ToggleActivity flips an activity checkbox.
func (e *Engine) ToggleActivity(ctx context.Context, id, stepID string, index int) (model.Workflow, error) {
	return e.apply(ctx, "toggle_activity", id, stepID, EventActivityToggled, fmt.Sprintf("%d", index),
		func(w model.Workflow, _ time.Time) (model.Workflow, error) {
			return ToggleActivity(w, stepID, index)
		})
}

type opFunc func(w model.Workflow, now time.Time) (model.Workflow, error)

// apply loads the workflow, runs fn on it and saves the result. A revision
// conflict reloads and re-applies fn, so the precondition is checked against
// the latest state.
func (e *Engine) apply(ctx context.Context, op, id, stepID, event, comment string, fn opFunc) (model.Workflow, error) {
	ctx, span := observability.StartSpan(ctx, "workflow."+op,
		observability.AttrWorkflowID.String(id),
		observability.AttrOperation.String(op),
	)
	if stepID != "" {
		span.SetAttributes(observability.AttrStepID.String(stepID))
	}

	logger := observability.SessionLogger(ctx, e.logger).With(
		zap.String("workflow_id", id),
		zap.String("operation", op),
	)

	var (
		prev, next model.Workflow
		err        error
	)
	for attempt := 0; ; attempt++ {
		prev, err = e.store.Get(ctx, id)
		if err != nil {
			break
		}
		now := e.now()
		next, err = fn(prev, now)
		if err != nil {
			break
		}
		next.UpdatedAt = now.UTC()

		err = e.store.Update(ctx, next)
		if err == nil {
			next.Revision++
			break
		}
		if !model.IsCode(err, model.ErrConflict) || attempt >= e.retries {
			break
		}
		logger.Debug("revision conflict, retrying", zap.Int("attempt", attempt+1))
	}

	e.metrics.RecordWorkflowOperation(op, resultFor(err))
	observability.EndSpanWithError(span, err)
	if err != nil {
		logger.Info("workflow operation rejected", zap.String("step_id", stepID), zap.Error(err))
		return model.Workflow{}, err
	}

	e.observeTransition(ctx, prev, next)
	e.audit(ctx, id, stepID, event, comment, next.UpdatedAt)
	if prev.Status != model.WorkflowStatusCompleted && next.Status == model.WorkflowStatusCompleted {
		e.audit(ctx, id, "", EventWorkflowCompleted, "", next.UpdatedAt)
		logger.Info("workflow completed")
	}

	logger.Debug("workflow operation applied",
		zap.String("step_id", stepID),
		zap.String("status", string(next.Status)),
		zap.Int("revision", next.Revision),
	)
	return next, nil
}

// observeTransition records metrics derived from the difference between the
// stored and the new workflow.
func (e *Engine) observeTransition(_ context.Context, prev, next model.Workflow) {
	if prev.Status == model.WorkflowStatusPlanned && next.Status == model.WorkflowStatusInProgress {
		e.metrics.RecordWorkflowStarted()
	}
	if prev.Status != model.WorkflowStatusCompleted && next.Status == model.WorkflowStatusCompleted {
		e.metrics.RecordWorkflowCompletion(next.TemplateID)
	}
	for i, s := range next.Steps {
		if i >= len(prev.Steps) || prev.Steps[i].Status == model.StepStatusCompleted {
			continue
		}
		if s.Status == model.StepStatusCompleted && s.StartTime != nil && s.EndTime != nil {
			e.metrics.RecordWorkflowStepDuration(s.ID, s.EndTime.Sub(*s.StartTime))
		}
	}
}

// audit appends an event. The mutation is already persisted, so a failure
// here is logged and not returned.
func (e *Engine) audit(ctx context.Context, workflowID, stepID, event, comment string, at time.Time) {
	actor := "system"
	if s := model.SessionFrom(ctx); s != nil && s.UserID != "" {
		actor = s.UserID
	}
	err := e.store.AppendEvent(ctx, model.WorkflowEvent{
		ID:         e.newID(),
		WorkflowID: workflowID,
		StepID:     stepID,
		Event:      event,
		ActorID:    actor,
		Comment:    comment,
		Timestamp:  at,
	})
	if err != nil {
		observability.SessionLogger(ctx, e.logger).Warn("append workflow event failed",
			zap.String("workflow_id", workflowID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func resultFor(err error) string {
	switch {
	case err == nil:
		return observability.ResultOK
	case model.IsCode(err, model.ErrInvalidState):
		return observability.ResultInvalidState
	case model.IsCode(err, model.ErrConflict):
		return observability.ResultConflict
	case model.IsCode(err, model.ErrNotFound):
		return observability.ResultNotFound
	default:
		return observability.ResultError
	}
}
