package model

import "time"

// StepKind distinguishes hands-on steps from waiting periods such as proofing.
type StepKind string

// Step kinds.
const (
	StepKindManual    StepKind = "manual"
	StepKindTimedWait StepKind = "timed-wait"
)

// StepStatus is the status of a single production step.
type StepStatus string

// Step status constants.
const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in-progress"
	StepStatusPaused     StepStatus = "paused"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusError      StepStatus = "error"
)

// WorkflowStatus is the aggregate status of a production run.
type WorkflowStatus string

// Workflow status constants.
const (
	WorkflowStatusPlanned    WorkflowStatus = "planned"
	WorkflowStatusInProgress WorkflowStatus = "in-progress"
	WorkflowStatusPaused     WorkflowStatus = "paused"
	WorkflowStatusCompleted  WorkflowStatus = "completed"
)

// Activity is an informational sub-task of a step. It never drives status.
type Activity struct {
	Name      string `json:"name" yaml:"name"`
	Completed bool   `json:"completed" yaml:"completed"`
}

// WorkflowStep is one unit of work within a production run.
type WorkflowStep struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Kind       StepKind       `json:"kind"`
	Status     StepStatus     `json:"status"`
	Progress   int            `json:"progress"`
	Activities []Activity     `json:"activities,omitempty"`
	Duration   int            `json:"duration,omitempty"`   // minutes
	Conditions map[string]int `json:"conditions,omitempty"` // predicate -> minutes
	Notes      string         `json:"notes,omitempty"`
	Location   string         `json:"location,omitempty"`
	StartTime  *time.Time     `json:"startTime,omitempty"`
	EndTime    *time.Time     `json:"endTime,omitempty"`
}

// Workflow is an ordered run of steps representing one production batch.
// Steps execute strictly in slice order.
type Workflow struct {
	ID               string         `json:"id"`
	TemplateID       string         `json:"templateId,omitempty"`
	Name             string         `json:"name"`
	Version          string         `json:"version"`
	Product          string         `json:"product"`
	BatchSize        int            `json:"batchSize"`
	AssignedTo       string         `json:"assignedTo"`
	StartTime        *time.Time     `json:"startTime,omitempty"`
	EstimatedEndTime *time.Time     `json:"estimatedEndTime,omitempty"`
	Status           WorkflowStatus `json:"status"`
	Steps            []WorkflowStep `json:"steps"`
	Revision         int            `json:"revision"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// StepIndex returns the index of the step with the given id, or -1.
func (w Workflow) StepIndex(stepID string) int {
	for i := range w.Steps {
		if w.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy. Operations mutate the clone so that a failed
// operation never leaks partial changes into the caller's value.
func (w Workflow) Clone() Workflow {
	out := w
	out.StartTime = cloneTime(w.StartTime)
	out.EstimatedEndTime = cloneTime(w.EstimatedEndTime)
	if w.Steps != nil {
		out.Steps = make([]WorkflowStep, len(w.Steps))
		for i, s := range w.Steps {
			out.Steps[i] = s.clone()
		}
	}
	return out
}

func (s WorkflowStep) clone() WorkflowStep {
	out := s
	out.StartTime = cloneTime(s.StartTime)
	out.EndTime = cloneTime(s.EndTime)
	if s.Activities != nil {
		out.Activities = append([]Activity(nil), s.Activities...)
	}
	if s.Conditions != nil {
		out.Conditions = make(map[string]int, len(s.Conditions))
		for k, v := range s.Conditions {
			out.Conditions[k] = v
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// WorkflowSummary is a lightweight representation used in list views.
type WorkflowSummary struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Product     string         `json:"product"`
	BatchSize   int            `json:"batchSize"`
	AssignedTo  string         `json:"assignedTo"`
	Status      WorkflowStatus `json:"status"`
	CurrentStep string         `json:"currentStep,omitempty"`
	Progress    int            `json:"progress"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// WorkflowFilters are optional filters for listing workflows.
type WorkflowFilters struct {
	Status     WorkflowStatus
	AssignedTo string
	Limit      int
	Offset     int
}

// ProductionTemplate describes how to build a Workflow from the creation form.
type ProductionTemplate struct {
	ID      string           `json:"id" yaml:"id"`
	Name    string           `json:"name" yaml:"name"`
	Version string           `json:"version" yaml:"version"`
	Product string           `json:"product" yaml:"product"`
	Steps   []StepDefinition `json:"steps" yaml:"steps"`
}

// StepDefinition is the template for one WorkflowStep.
type StepDefinition struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	Kind       StepKind       `json:"kind" yaml:"kind"`
	Duration   int            `json:"duration,omitempty" yaml:"duration"`
	Conditions map[string]int `json:"conditions,omitempty" yaml:"conditions"`
	Location   string         `json:"location,omitempty" yaml:"location"`
	Activities []string       `json:"activities,omitempty" yaml:"activities"`
}

// CreateWorkflowParams are the user-submitted creation form values.
type CreateWorkflowParams struct {
	TemplateID string     `json:"templateId" validate:"required"`
	Product    string     `json:"product"`
	BatchSize  int        `json:"batchSize" validate:"required,gt=0"`
	AssignedTo string     `json:"assignedTo" validate:"required"`
	StartTime  *time.Time `json:"startTime,omitempty"`
	Condition  string     `json:"condition,omitempty"`
}

// WorkflowEvent is an audit record of an operation applied to a workflow.
type WorkflowEvent struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflowId"`
	StepID     string    `json:"stepId,omitempty"`
	Event      string    `json:"event"`
	ActorID    string    `json:"actorId"`
	Comment    string    `json:"comment,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
