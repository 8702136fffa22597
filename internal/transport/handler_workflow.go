package transport

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/bakehouse/internal/definition"
	"github.com/pitabwire/bakehouse/internal/workflow"
	"github.com/pitabwire/bakehouse/model"
)

// workflowView is a workflow with its time display as of the request.
type workflowView struct {
	model.Workflow
	StepTiming map[string]workflow.StepTiming `json:"stepTiming"`
	Remaining  time.Duration                  `json:"remaining"`
}

func newWorkflowView(w model.Workflow, now time.Time) workflowView {
	timing := make(map[string]workflow.StepTiming, len(w.Steps))
	for _, s := range w.Steps {
		timing[s.ID] = workflow.Timing(s, now)
	}
	return workflowView{Workflow: w, StepTiming: timing, Remaining: workflow.Remaining(w, now)}
}

func handleWorkflowList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			respondError(w, r, err)
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			respondError(w, r, err)
			return
		}
		filters := model.WorkflowFilters{
			Status:     model.WorkflowStatus(r.URL.Query().Get("status")),
			AssignedTo: r.URL.Query().Get("assignedTo"),
			Limit:      limit,
			Offset:     offset,
		}

		summaries, err := engine.List(r.Context(), filters)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   summaries,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleWorkflowCreate(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params model.CreateWorkflowParams
		if err := decodeBody(r, &params); err != nil {
			respondError(w, r, err)
			return
		}
		wf, err := engine.Create(r.Context(), params)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, wf)
	}
}

func handleWorkflowGet(engine *workflow.Engine, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wf, err := engine.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, newWorkflowView(wf, now()))
	}
}

func handleWorkflowEvents(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := engine.Events(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": events})
	}
}

func handleWorkflowDelete(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			respondError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// workflowOp adapts an engine operation on a whole workflow.
func workflowOp(now func() time.Time, op func(r *http.Request, id string) (model.Workflow, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wf, err := op(r, chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, newWorkflowView(wf, now()))
	}
}

// stepOp adapts an engine operation on one step.
func stepOp(now func() time.Time, op func(r *http.Request, id, stepID string) (model.Workflow, error)) http.HandlerFunc {
	return workflowOp(now, func(r *http.Request, id string) (model.Workflow, error) {
		return op(r, id, chi.URLParam(r, "stepId"))
	})
}

type failStepRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type progressRequest struct {
	Progress *int `json:"progress" validate:"required,gte=0,lte=100"`
}

type notesRequest struct {
	Notes string `json:"notes" validate:"max=4000"`
}

func registerWorkflowOps(r chi.Router, engine *workflow.Engine, now func() time.Time) {
	r.Post("/workflows/{id}/start", workflowOp(now, func(r *http.Request, id string) (model.Workflow, error) {
		return engine.Start(r.Context(), id)
	}))
	r.Post("/workflows/{id}/pause", workflowOp(now, func(r *http.Request, id string) (model.Workflow, error) {
		return engine.Pause(r.Context(), id)
	}))

	const step = "/workflows/{id}/steps/{stepId}"
	r.Post(step+"/complete", stepOp(now, func(r *http.Request, id, stepID string) (model.Workflow, error) {
		return engine.CompleteStep(r.Context(), id, stepID)
	}))
	r.Post(step+"/pause", stepOp(now, func(r *http.Request, id, stepID string) (model.Workflow, error) {
		return engine.PauseStep(r.Context(), id, stepID)
	}))
	r.Post(step+"/resume", stepOp(now, func(r *http.Request, id, stepID string) (model.Workflow, error) {
		return engine.ResumeStep(r.Context(), id, stepID)
	}))
	r.Post(step+"/fail", stepOp(now, func(r *http.Request, id, stepID string) (model.Workflow, error) {
		var body failStepRequest
		if err := decodeBody(r, &body); err != nil {
			return model.Workflow{}, err
		}
		return engine.FailStep(r.Context(), id, stepID, body.Reason)
	}))
	r.Post(step+"/retry", stepOp(now, func(r *http.Request, id, stepID string) (model.Workflow, error) {
		return engine.RetryStep(r.Context(), id, stepID)
	}))
	r.Post(step+"/progress", stepOp(now, func(r *http.Request, id, stepID string) (model.Workflow, error) {
		var body progressRequest
		if err := decodeBody(r, &body); err != nil {
			return model.Workflow{}, err
		}
		return engine.SetStepProgress(r.Context(), id, stepID, *body.Progress)
	}))
	r.Post(step+"/notes", stepOp(now, func(r *http.Request, id, stepID string) (model.Workflow, error) {
		var body notesRequest
		if err := decodeBody(r, &body); err != nil {
			return model.Workflow{}, err
		}
		return engine.SetStepNotes(r.Context(), id, stepID, body.Notes)
	}))
	r.Post(step+"/activities/{index}", stepOp(now, func(r *http.Request, id, stepID string) (model.Workflow, error) {
		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil {
			return model.Workflow{}, model.NewBadRequestError("activity index must be an integer")
		}
		return engine.ToggleActivity(r.Context(), id, stepID, index)
	}))
}

func handleProductionTemplates(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"data": registry.ProductionTemplates()})
	}
}
