package workflow

import (
	"fmt"
	"time"

	"github.com/pitabwire/bakehouse/model"
)

// The functions in this file are the step engine. Each takes a Workflow by
// value, mutates a deep copy, and returns either the new Workflow or an error.
// On error the input is never modified.

// DeriveStatus computes the aggregate workflow status from its steps:
// completed when every step is completed, in-progress when any step is
// in-progress, otherwise prior.
func DeriveStatus(steps []model.WorkflowStep, prior model.WorkflowStatus) model.WorkflowStatus {
	if len(steps) == 0 {
		return prior
	}
	allCompleted := true
	for _, s := range steps {
		if s.Status == model.StepStatusInProgress {
			return model.WorkflowStatusInProgress
		}
		if s.Status != model.StepStatusCompleted {
			allCompleted = false
		}
	}
	if allCompleted {
		return model.WorkflowStatusCompleted
	}
	return prior
}

// CompleteStep marks an in-progress step completed and moves the next pending
// step into progress.
func CompleteStep(w model.Workflow, stepID string, now time.Time) (model.Workflow, error) {
	idx, err := stepIn(w, stepID, model.StepStatusInProgress)
	if err != nil {
		return w, err
	}

	out := w.Clone()
	now = now.UTC()

	cur := &out.Steps[idx]
	cur.Status = model.StepStatusCompleted
	cur.Progress = 100
	cur.EndTime = &now

	if idx+1 < len(out.Steps) && out.Steps[idx+1].Status == model.StepStatusPending {
		activate(&out.Steps[idx+1], now)
	}

	out.Status = DeriveStatus(out.Steps, out.Status)
	return out, nil
}

// StartWorkflow puts a workflow in progress. If no step is running, the first
// unfinished step is activated. A paused workflow resumes with its original
// start time.
func StartWorkflow(w model.Workflow, now time.Time) (model.Workflow, error) {
	if w.Status == model.WorkflowStatusCompleted {
		return w, model.NewInvalidStateError(fmt.Sprintf("workflow %q is already completed", w.ID))
	}

	out := w.Clone()
	now = now.UTC()

	if out.Status == model.WorkflowStatusPlanned || out.StartTime == nil {
		out.StartTime = &now
		end := now.Add(totalDuration(out.Steps))
		out.EstimatedEndTime = &end
	}
	out.Status = model.WorkflowStatusInProgress

	if activeStep(out.Steps) < 0 {
		for i := range out.Steps {
			s := &out.Steps[i]
			if s.Status == model.StepStatusCompleted {
				continue
			}
			switch s.Status {
			case model.StepStatusPending:
				activate(s, now)
			case model.StepStatusPaused:
				s.Status = model.StepStatusInProgress
			}
			break
		}
	}

	return out, nil
}

// PauseWorkflow sets the workflow status to paused. Step statuses are left
// untouched, so a running step stays in-progress.
func PauseWorkflow(w model.Workflow) (model.Workflow, error) {
	if w.Status == model.WorkflowStatusCompleted {
		return w, model.NewInvalidStateError(fmt.Sprintf("workflow %q is already completed", w.ID))
	}
	out := w.Clone()
	out.Status = model.WorkflowStatusPaused
	return out, nil
}

// SetStepNotes replaces a step's notes. It has no status side effects.
func SetStepNotes(w model.Workflow, stepID, notes string) (model.Workflow, error) {
	idx := w.StepIndex(stepID)
	if idx < 0 {
		return w, stepNotFound(w, stepID)
	}
	out := w.Clone()
	out.Steps[idx].Notes = notes
	return out, nil
}

// PauseStep moves an in-progress step to paused.
func PauseStep(w model.Workflow, stepID string) (model.Workflow, error) {
	idx, err := stepIn(w, stepID, model.StepStatusInProgress)
	if err != nil {
		return w, err
	}
	out := w.Clone()
	out.Steps[idx].Status = model.StepStatusPaused
	out.Status = DeriveStatus(out.Steps, out.Status)
	return out, nil
}

// ResumeStep moves a paused step back to in-progress, keeping its progress.
func ResumeStep(w model.Workflow, stepID string) (model.Workflow, error) {
	idx, err := stepIn(w, stepID, model.StepStatusPaused)
	if err != nil {
		return w, err
	}
	if err := noOtherActive(w, idx); err != nil {
		return w, err
	}
	out := w.Clone()
	out.Steps[idx].Status = model.StepStatusInProgress
	out.Status = DeriveStatus(out.Steps, out.Status)
	return out, nil
}

// FailStep moves an in-progress step to error. A non-empty reason is appended
// to the step notes.
func FailStep(w model.Workflow, stepID, reason string, now time.Time) (model.Workflow, error) {
	idx, err := stepIn(w, stepID, model.StepStatusInProgress)
	if err != nil {
		return w, err
	}
	out := w.Clone()
	s := &out.Steps[idx]
	s.Status = model.StepStatusError
	if reason != "" {
		line := fmt.Sprintf("[%s] %s", now.UTC().Format("15:04"), reason)
		if s.Notes != "" {
			s.Notes += "\n"
		}
		s.Notes += line
	}
	out.Status = DeriveStatus(out.Steps, out.Status)
	return out, nil
}

// RetryStep restarts a failed step from zero progress.
func RetryStep(w model.Workflow, stepID string, now time.Time) (model.Workflow, error) {
	idx, err := stepIn(w, stepID, model.StepStatusError)
	if err != nil {
		return w, err
	}
	if err := noOtherActive(w, idx); err != nil {
		return w, err
	}
	out := w.Clone()
	activate(&out.Steps[idx], now.UTC())
	out.Steps[idx].EndTime = nil
	out.Status = DeriveStatus(out.Steps, out.Status)
	return out, nil
}

// SetStepProgress records caller-reported progress on a running or paused
// step. Values are clamped to 0-100.
func SetStepProgress(w model.Workflow, stepID string, progress int) (model.Workflow, error) {
	idx := w.StepIndex(stepID)
	if idx < 0 {
		return w, stepNotFound(w, stepID)
	}
	st := w.Steps[idx].Status
	if st != model.StepStatusInProgress && st != model.StepStatusPaused {
		return w, model.NewInvalidStateError(
			fmt.Sprintf("step %q is %s; progress can only be set while in-progress or paused", stepID, st),
		)
	}
	out := w.Clone()
	out.Steps[idx].Progress = max(0, min(100, progress))
	return out, nil
}

// ToggleActivity flips the completed flag of a step activity. Activities are
// informational and never change step or workflow status.
func ToggleActivity(w model.Workflow, stepID string, index int) (model.Workflow, error) {
	idx := w.StepIndex(stepID)
	if idx < 0 {
		return w, stepNotFound(w, stepID)
	}
	if index < 0 || index >= len(w.Steps[idx].Activities) {
		return w, model.NewNotFoundError(fmt.Sprintf("step %q has no activity %d", stepID, index))
	}
	out := w.Clone()
	a := &out.Steps[idx].Activities[index]
	a.Completed = !a.Completed
	return out, nil
}

// CreateWorkflow builds a planned workflow from a production template and the
// creation form values. When params.Condition names a conditional duration
// of a step, that duration replaces the default.
func CreateWorkflow(tmpl model.ProductionTemplate, params model.CreateWorkflowParams, id string, now time.Time) (model.Workflow, error) {
	if params.BatchSize <= 0 {
		return model.Workflow{}, model.NewValidationError([]model.FieldError{
			{Field: "batchSize", Code: "RANGE", Message: "batchSize must be a positive integer"},
		})
	}
	if len(tmpl.Steps) == 0 {
		return model.Workflow{}, model.NewInvalidStateError(fmt.Sprintf("production template %q has no steps", tmpl.ID))
	}

	now = now.UTC()
	start := now
	if params.StartTime != nil {
		start = params.StartTime.UTC()
	}

	product := params.Product
	if product == "" {
		product = tmpl.Product
	}

	steps := make([]model.WorkflowStep, len(tmpl.Steps))
	for i, def := range tmpl.Steps {
		duration := def.Duration
		if d, ok := def.Conditions[params.Condition]; ok && params.Condition != "" {
			duration = d
		}
		var conditions map[string]int
		if len(def.Conditions) > 0 {
			conditions = make(map[string]int, len(def.Conditions))
			for k, v := range def.Conditions {
				conditions[k] = v
			}
		}
		var activities []model.Activity
		for _, name := range def.Activities {
			activities = append(activities, model.Activity{Name: name})
		}
		steps[i] = model.WorkflowStep{
			ID:         def.ID,
			Name:       def.Name,
			Kind:       def.Kind,
			Status:     model.StepStatusPending,
			Activities: activities,
			Duration:   duration,
			Conditions: conditions,
			Location:   def.Location,
		}
	}

	end := start.Add(totalDuration(steps))
	return model.Workflow{
		ID:               id,
		TemplateID:       tmpl.ID,
		Name:             tmpl.Name,
		Version:          tmpl.Version,
		Product:          product,
		BatchSize:        params.BatchSize,
		AssignedTo:       params.AssignedTo,
		StartTime:        &start,
		EstimatedEndTime: &end,
		Status:           model.WorkflowStatusPlanned,
		Steps:            steps,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Summarize returns the list-view representation of a workflow. Progress is
// the mean of step progress with completed steps counted as 100.
func Summarize(w model.Workflow) model.WorkflowSummary {
	sum := model.WorkflowSummary{
		ID:         w.ID,
		Name:       w.Name,
		Product:    w.Product,
		BatchSize:  w.BatchSize,
		AssignedTo: w.AssignedTo,
		Status:     w.Status,
		UpdatedAt:  w.UpdatedAt,
	}
	if len(w.Steps) == 0 {
		return sum
	}

	total := 0
	for _, s := range w.Steps {
		if s.Status == model.StepStatusCompleted {
			total += 100
		} else {
			total += s.Progress
		}
	}
	sum.Progress = total / len(w.Steps)

	if i := currentStep(w.Steps); i >= 0 {
		sum.CurrentStep = w.Steps[i].Name
	}
	return sum
}

// currentStep returns the index of the step a baker is looking at: the
// running step, else the first unfinished one.
func currentStep(steps []model.WorkflowStep) int {
	if i := activeStep(steps); i >= 0 {
		return i
	}
	for i, s := range steps {
		if s.Status != model.StepStatusCompleted {
			return i
		}
	}
	return -1
}

func activeStep(steps []model.WorkflowStep) int {
	for i, s := range steps {
		if s.Status == model.StepStatusInProgress {
			return i
		}
	}
	return -1
}

func activate(s *model.WorkflowStep, now time.Time) {
	s.Status = model.StepStatusInProgress
	s.Progress = 0
	s.StartTime = &now
}

func totalDuration(steps []model.WorkflowStep) time.Duration {
	var minutes int
	for _, s := range steps {
		minutes += s.Duration
	}
	return time.Duration(minutes) * time.Minute
}

func stepIn(w model.Workflow, stepID string, want model.StepStatus) (int, error) {
	idx := w.StepIndex(stepID)
	if idx < 0 {
		return -1, stepNotFound(w, stepID)
	}
	if got := w.Steps[idx].Status; got != want {
		return -1, model.NewInvalidStateError(fmt.Sprintf("step %q is %s, not %s", stepID, got, want))
	}
	return idx, nil
}

func noOtherActive(w model.Workflow, idx int) error {
	if i := activeStep(w.Steps); i >= 0 && i != idx {
		return model.NewInvalidStateError(
			fmt.Sprintf("step %q is already in progress", w.Steps[i].ID),
		)
	}
	return nil
}

func stepNotFound(w model.Workflow, stepID string) error {
	return model.NewNotFoundError(fmt.Sprintf("step %q not found in workflow %q", stepID, w.ID))
}
