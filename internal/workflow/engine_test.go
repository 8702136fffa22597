package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/bakehouse/internal/definition"
	"github.com/pitabwire/bakehouse/internal/observability"
	"github.com/pitabwire/bakehouse/model"
)

// --- Test helpers ---

type templateMap map[string]model.ProductionTemplate

func (m templateMap) GetProductionTemplate(id string) (model.ProductionTemplate, bool) {
	t, ok := m[id]
	return t, ok
}

func testTemplates() templateMap {
	return templateMap{
		"croissants": {
			ID:      "croissants",
			Name:    "Buttercroissants",
			Version: "1.0",
			Product: "Croissant",
			Steps: []model.StepDefinition{
				{ID: "A", Name: "Kneten", Kind: model.StepKindManual, Duration: 10},
				{ID: "B", Name: "Gare", Kind: model.StepKindTimedWait, Duration: 30},
				{ID: "C", Name: "Backen", Kind: model.StepKindManual, Duration: 5},
			},
		},
	}
}

// stepClock returns a clock that advances one minute per call.
func stepClock() func() time.Time {
	n := 0
	return func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Minute)
	}
}

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

type engineFixture struct {
	engine  *Engine
	store   *MemoryWorkflowStore
	metrics *observability.Metrics
	logs    *observer.ObservedLogs
}

func newEngineFixture(t *testing.T, store WorkflowStore) engineFixture {
	t.Helper()
	mem := NewMemoryWorkflowStore()
	if store == nil {
		store = mem
	}
	core, logs := observer.New(zap.DebugLevel)
	m := observability.InitMetrics(prometheus.NewRegistry())
	e := NewEngine(store, testTemplates(),
		WithMetrics(m),
		WithLogger(zap.New(core)),
		WithClock(stepClock()),
		WithIDGenerator(seqIDs()),
	)
	return engineFixture{engine: e, store: mem, metrics: m, logs: logs}
}

func sessionCtx(userID string) context.Context {
	return model.WithSession(context.Background(), &model.Session{UserID: userID})
}

func createParams() model.CreateWorkflowParams {
	return model.CreateWorkflowParams{TemplateID: "croissants", BatchSize: 40, AssignedTo: "anna"}
}

// --- Create ---

func TestEngine_Create(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := sessionCtx("anna")

	w, err := f.engine.Create(ctx, createParams())
	require.NoError(t, err)

	assert.Equal(t, "id-1", w.ID)
	assert.Equal(t, model.WorkflowStatusPlanned, w.Status)
	assert.Equal(t, 1, w.Revision)
	assert.Len(t, w.Steps, 3)

	stored, err := f.engine.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Steps, stored.Steps)

	events, err := f.engine.Events(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventWorkflowCreated, events[0].Event)
	assert.Equal(t, "anna", events[0].ActorID)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WorkflowCreatedTotal.WithLabelValues("croissants")))
}

func TestEngine_Create_unknownTemplate(t *testing.T) {
	f := newEngineFixture(t, nil)
	params := createParams()
	params.TemplateID = "baguette"

	_, err := f.engine.Create(context.Background(), params)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrNotFound), "error = %v", err)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WorkflowOperationsTotal.WithLabelValues("create", observability.ResultNotFound)))
}

func TestEngine_Create_fromBuiltinDefinitions(t *testing.T) {
	defs, err := definition.NewLoader().LoadBuiltin()
	require.NoError(t, err)
	reg := definition.NewRegistry(defs)

	e := NewEngine(NewMemoryWorkflowStore(), reg)
	for _, tmpl := range reg.ProductionTemplates() {
		w, err := e.Create(context.Background(), model.CreateWorkflowParams{
			TemplateID: tmpl.ID, BatchSize: 10, AssignedTo: "max",
		})
		require.NoError(t, err, tmpl.ID)
		assert.Len(t, w.Steps, len(tmpl.Steps))
	}
}

// --- Step operations ---

func TestEngine_fullRun(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := sessionCtx("anna")

	w, err := f.engine.Create(ctx, createParams())
	require.NoError(t, err)

	w, err = f.engine.Start(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusInProgress, w.Status)
	assert.Equal(t, model.StepStatusInProgress, w.Steps[0].Status)
	assert.Equal(t, 2, w.Revision)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WorkflowActive))

	for _, id := range []string{"A", "B", "C"} {
		w, err = f.engine.CompleteStep(ctx, w.ID, id)
		require.NoError(t, err, id)
	}
	assert.Equal(t, model.WorkflowStatusCompleted, w.Status)
	assert.Equal(t, 5, w.Revision)

	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.WorkflowOperationsTotal.WithLabelValues("complete_step", observability.ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WorkflowCompletionsTotal.WithLabelValues("croissants")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.WorkflowActive))
	assert.Equal(t, 3, testutil.CollectAndCount(f.metrics.WorkflowStepDuration))

	events, err := f.engine.Events(ctx, w.ID)
	require.NoError(t, err)
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.Event)
	}
	assert.Equal(t, []string{
		EventWorkflowCreated,
		EventWorkflowStarted,
		EventStepCompleted,
		EventStepCompleted,
		EventStepCompleted,
		EventWorkflowCompleted,
	}, names)

	assert.Equal(t, 1, f.logs.FilterMessage("workflow completed").Len())
}

func TestEngine_invalidTransition(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	w, err := f.engine.Create(ctx, createParams())
	require.NoError(t, err)

	_, err = f.engine.CompleteStep(ctx, w.ID, "A")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrInvalidState), "error = %v", err)

	stored, err := f.engine.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Revision, "rejected operation must not persist")
	assert.Equal(t, model.StepStatusPending, stored.Steps[0].Status)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WorkflowOperationsTotal.WithLabelValues("complete_step", observability.ResultInvalidState)))

	events, err := f.engine.Events(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEngine_stepAnnotations(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := sessionCtx("max")

	w, err := f.engine.Create(ctx, createParams())
	require.NoError(t, err)
	w, err = f.engine.Start(ctx, w.ID)
	require.NoError(t, err)

	w, err = f.engine.SetStepProgress(ctx, w.ID, "A", 30)
	require.NoError(t, err)
	assert.Equal(t, 30, w.Steps[0].Progress)

	w, err = f.engine.SetStepNotes(ctx, w.ID, "A", "Butter zu weich")
	require.NoError(t, err)
	assert.Equal(t, "Butter zu weich", w.Steps[0].Notes)

	w, err = f.engine.FailStep(ctx, w.ID, "A", "Teig gerissen")
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusError, w.Steps[0].Status)
	assert.Contains(t, w.Steps[0].Notes, "Teig gerissen")

	w, err = f.engine.RetryStep(ctx, w.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusInProgress, w.Steps[0].Status)

	w, err = f.engine.PauseStep(ctx, w.ID, "A")
	require.NoError(t, err)
	w, err = f.engine.ResumeStep(ctx, w.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusInProgress, w.Steps[0].Status)

	w, err = f.engine.Pause(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusPaused, w.Status)

	events, err := f.engine.Events(ctx, w.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, EventWorkflowPaused, last.Event)
	assert.Equal(t, "max", last.ActorID)
}

func TestEngine_ToggleActivity(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	tmpl := testTemplates()["croissants"]
	tmpl.Steps[0].Activities = []string{"Mehl abwiegen"}
	e := NewEngine(f.store, templateMap{"croissants": tmpl})

	w, err := e.Create(ctx, createParams())
	require.NoError(t, err)

	w, err = e.ToggleActivity(ctx, w.ID, "A", 0)
	require.NoError(t, err)
	assert.True(t, w.Steps[0].Activities[0].Completed)
	assert.Equal(t, model.WorkflowStatusPlanned, w.Status)

	events, err := e.Events(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "system", events[len(events)-1].ActorID)
}

func TestEngine_List(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	first, err := f.engine.Create(ctx, createParams())
	require.NoError(t, err)
	_, err = f.engine.Create(ctx, createParams())
	require.NoError(t, err)
	_, err = f.engine.Start(ctx, first.ID)
	require.NoError(t, err)

	all, err := f.engine.List(ctx, model.WorkflowFilters{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID, "most recently updated first")
	assert.Equal(t, "Kneten", all[0].CurrentStep)

	running, err := f.engine.List(ctx, model.WorkflowFilters{Status: model.WorkflowStatusInProgress})
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func TestEngine_Delete(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	w, err := f.engine.Create(ctx, createParams())
	require.NoError(t, err)
	require.NoError(t, f.engine.Delete(ctx, w.ID))

	_, err = f.engine.Get(ctx, w.ID)
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}

// --- Optimistic locking ---

// racingStore applies a competing write right before each of the first
// races calls to Update.
type racingStore struct {
	*MemoryWorkflowStore
	races  int
	mutate func(model.Workflow) model.Workflow
}

func (s *racingStore) Update(ctx context.Context, w model.Workflow) error {
	if s.races > 0 {
		s.races--
		cur, err := s.MemoryWorkflowStore.Get(ctx, w.ID)
		if err != nil {
			return err
		}
		if err := s.MemoryWorkflowStore.Update(ctx, s.mutate(cur)); err != nil {
			return err
		}
	}
	return s.MemoryWorkflowStore.Update(ctx, w)
}

func TestEngine_conflictRetry(t *testing.T) {
	rs := &racingStore{
		MemoryWorkflowStore: NewMemoryWorkflowStore(),
		mutate: func(w model.Workflow) model.Workflow {
			w.Steps[1].Notes = "from another tablet"
			return w
		},
	}
	f := newEngineFixture(t, rs)
	ctx := context.Background()

	w, err := f.engine.Create(ctx, createParams())
	require.NoError(t, err)
	w, err = f.engine.Start(ctx, w.ID)
	require.NoError(t, err)

	rs.races = 1
	w, err = f.engine.CompleteStep(ctx, w.ID, "A")
	require.NoError(t, err)

	assert.Equal(t, model.StepStatusCompleted, w.Steps[0].Status)
	assert.Equal(t, "from another tablet", w.Steps[1].Notes, "retry must apply to the latest state")
	assert.Equal(t, 4, w.Revision)
}

func TestEngine_conflictRetry_preconditionRechecked(t *testing.T) {
	rs := &racingStore{
		MemoryWorkflowStore: NewMemoryWorkflowStore(),
		mutate: func(w model.Workflow) model.Workflow {
			next, err := CompleteStep(w, "A", t0.Add(time.Hour))
			if err != nil {
				panic(err)
			}
			return next
		},
	}
	f := newEngineFixture(t, rs)
	ctx := context.Background()

	w, err := f.engine.Create(ctx, createParams())
	require.NoError(t, err)
	w, err = f.engine.Start(ctx, w.ID)
	require.NoError(t, err)

	rs.races = 1
	_, err = f.engine.CompleteStep(ctx, w.ID, "A")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrInvalidState), "error = %v", err)
}

func TestEngine_conflictRetriesExhausted(t *testing.T) {
	rs := &racingStore{
		MemoryWorkflowStore: NewMemoryWorkflowStore(),
		mutate:              func(w model.Workflow) model.Workflow { return w },
	}
	f := newEngineFixture(t, rs)
	ctx := context.Background()

	w, err := f.engine.Create(ctx, createParams())
	require.NoError(t, err)

	rs.races = defaultConflictRetries + 1
	_, err = f.engine.SetStepNotes(ctx, w.ID, "A", "x")
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrConflict), "error = %v", err)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WorkflowOperationsTotal.WithLabelValues("set_notes", observability.ResultConflict)))
}
