package workflow

import (
	"time"

	"github.com/pitabwire/bakehouse/model"
)

// StepTiming is the time display for a single step, computed from the step's
// stored timestamps. Nothing here advances on its own.
type StepTiming struct {
	Planned   time.Duration `json:"planned"`
	Elapsed   time.Duration `json:"elapsed"`
	Remaining time.Duration `json:"remaining"`
	Overdue   bool          `json:"overdue"`
}

// Timing reports elapsed and remaining time for step as of now.
func Timing(step model.WorkflowStep, now time.Time) StepTiming {
	t := StepTiming{Planned: time.Duration(step.Duration) * time.Minute}

	switch step.Status {
	case model.StepStatusPending:
		t.Remaining = t.Planned
		return t
	case model.StepStatusCompleted:
		if step.StartTime != nil && step.EndTime != nil {
			t.Elapsed = nonNegative(step.EndTime.Sub(*step.StartTime))
		}
		return t
	}

	if step.StartTime == nil {
		t.Remaining = t.Planned
		return t
	}
	t.Elapsed = nonNegative(now.Sub(*step.StartTime))
	t.Remaining = nonNegative(t.Planned - t.Elapsed)
	t.Overdue = t.Planned > 0 && t.Elapsed > t.Planned
	return t
}

// Remaining sums the remaining time of every unfinished step.
func Remaining(w model.Workflow, now time.Time) time.Duration {
	var total time.Duration
	for _, s := range w.Steps {
		total += Timing(s, now).Remaining
	}
	return total
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
