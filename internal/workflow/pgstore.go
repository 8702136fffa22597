package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/bakehouse/model"
)

// pgSchema is applied by Migrate. Statements are idempotent.
const pgSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	id          TEXT PRIMARY KEY,
	template_id TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	assigned_to TEXT NOT NULL DEFAULT '',
	document    JSONB NOT NULL,
	revision    INTEGER NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);
CREATE INDEX IF NOT EXISTS idx_workflows_assigned_to ON workflows(assigned_to);
CREATE INDEX IF NOT EXISTS idx_workflows_updated_at ON workflows(updated_at);

CREATE TABLE IF NOT EXISTS workflow_events (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	step_id     TEXT NOT NULL DEFAULT '',
	event       TEXT NOT NULL,
	actor_id    TEXT NOT NULL DEFAULT '',
	comment     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflow_events_workflow_id ON workflow_events(workflow_id);
`

// uniqueViolation is the PostgreSQL SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// PgWorkflowStore is a PostgreSQL-backed WorkflowStore using pgx/v5. The
// workflow is stored as a JSONB document; status and assignee are duplicated
// into columns for filtering.
type PgWorkflowStore struct {
	pool *pgxpool.Pool
}

// NewPgWorkflowStore creates a new PostgreSQL workflow store.
func NewPgWorkflowStore(pool *pgxpool.Pool) *PgWorkflowStore {
	return &PgWorkflowStore{pool: pool}
}

// Migrate creates the workflow tables if they do not exist.
func (s *PgWorkflowStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate workflow schema: %w", err)
	}
	return nil
}

// Create inserts a new workflow.
func (s *PgWorkflowStore) Create(ctx context.Context, w model.Workflow) error {
	doc, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (
			id, template_id, status, assigned_to, document, revision, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.TemplateID, string(w.Status), w.AssignedTo, doc, w.Revision, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return model.NewConflictError(fmt.Sprintf("workflow %q already exists", w.ID))
		}
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// Get retrieves a workflow by ID.
func (s *PgWorkflowStore) Get(ctx context.Context, id string) (model.Workflow, error) {
	var doc []byte
	var revision int
	err := s.pool.QueryRow(ctx,
		`SELECT document, revision FROM workflows WHERE id = $1`, id,
	).Scan(&doc, &revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	if err != nil {
		return model.Workflow{}, fmt.Errorf("query workflow: %w", err)
	}
	return decodeWorkflow(doc, revision)
}

// Update persists a workflow with optimistic locking on revision.
func (s *PgWorkflowStore) Update(ctx context.Context, w model.Workflow) error {
	next := w.Clone()
	next.Revision = w.Revision + 1
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows SET
			status = $1,
			assigned_to = $2,
			document = $3,
			revision = $4,
			updated_at = $5
		WHERE id = $6 AND revision = $7`,
		string(w.Status), w.AssignedTo, doc, next.Revision, w.UpdatedAt,
		w.ID, w.Revision,
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, w.ID); err != nil {
			return err
		}
		return model.NewConflictError(
			fmt.Sprintf("workflow %q revision conflict (expected %d)", w.ID, w.Revision),
		)
	}
	return nil
}

// Find returns workflows matching the filters, most recently updated first.
func (s *PgWorkflowStore) Find(ctx context.Context, filters model.WorkflowFilters) ([]model.Workflow, error) {
	query := `SELECT document, revision FROM workflows WHERE TRUE`
	var args []any
	argIdx := 1

	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filters.Status))
		argIdx++
	}
	if filters.AssignedTo != "" {
		query += fmt.Sprintf(" AND assigned_to = $%d", argIdx)
		args = append(args, filters.AssignedTo)
		argIdx++
	}

	query += " ORDER BY updated_at DESC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	result := []model.Workflow{}
	for rows.Next() {
		var doc []byte
		var revision int
		if err := rows.Scan(&doc, &revision); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		w, err := decodeWorkflow(doc, revision)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

// Delete removes a workflow. Events are removed by the foreign key cascade.
func (s *PgWorkflowStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	return nil
}

// AppendEvent adds an event to the workflow audit trail.
func (s *PgWorkflowStore) AppendEvent(ctx context.Context, event model.WorkflowEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_events (
			id, workflow_id, step_id, event, actor_id, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.WorkflowID, event.StepID, event.Event,
		event.ActorID, event.Comment, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

// GetEvents retrieves all events for a workflow, oldest first.
func (s *PgWorkflowStore) GetEvents(ctx context.Context, id string) ([]model.WorkflowEvent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, step_id, event, actor_id, comment, created_at
		FROM workflow_events
		WHERE workflow_id = $1
		ORDER BY created_at ASC, id ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	events := []model.WorkflowEvent{}
	for rows.Next() {
		var evt model.WorkflowEvent
		if err := rows.Scan(
			&evt.ID, &evt.WorkflowID, &evt.StepID, &evt.Event,
			&evt.ActorID, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// HealthCheck pings the database.
func (s *PgWorkflowStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func decodeWorkflow(doc []byte, revision int) (model.Workflow, error) {
	var w model.Workflow
	if err := json.Unmarshal(doc, &w); err != nil {
		return model.Workflow{}, fmt.Errorf("unmarshal workflow: %w", err)
	}
	w.Revision = revision
	return w, nil
}
