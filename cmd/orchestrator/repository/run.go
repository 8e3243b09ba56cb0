package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/stackbound/agentflow/common/db"
	"github.com/stackbound/agentflow/common/models"
)

// RunRepository handles database operations for workflow runs.
// Every status transition is guarded by a WHERE clause on the prior
// status, which gives optimistic concurrency across executors.
type RunRepository struct {
	db *db.DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(database *db.DB) *RunRepository {
	return &RunRepository{db: database}
}

// CreateRun inserts a PENDING run for an ACTIVE workflow. A non-ACTIVE
// workflow is rejected with ErrStateConflict; a missing one with ErrNotFound.
func (r *RunRepository) CreateRun(ctx context.Context, workflowID uuid.UUID, trigger string, runContext map[string]any) (*models.WorkflowRun, error) {
	var status models.WorkflowStatus
	err := r.db.QueryRow(ctx,
		`SELECT status FROM workflow WHERE id = $1`, workflowID).Scan(&status)
	if err != nil {
		return nil, fmt.Errorf("check workflow: %w", mapError(err))
	}
	if status != models.WorkflowActive {
		return nil, fmt.Errorf("workflow status is %s: %w", status, models.ErrStateConflict)
	}

	if runContext == nil {
		runContext = map[string]any{}
	}
	ctxJSON, err := json.Marshal(runContext)
	if err != nil {
		return nil, fmt.Errorf("marshal run context: %w", err)
	}

	run := &models.WorkflowRun{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		Trigger:    trigger,
		Context:    runContext,
		Status:     models.RunPending,
	}

	err = r.db.QueryRow(ctx, `
		INSERT INTO workflow_run (id, workflow_id, trigger_source, run_context, status)
		VALUES ($1, $2, $3, $4, 'PENDING')
		RETURNING created_at
	`, run.ID, run.WorkflowID, run.Trigger, ctxJSON).Scan(&run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", mapError(err))
	}

	return run, nil
}

// ClaimRun transitions PENDING -> RUNNING atomically and sets startedAt.
// Exactly one of any set of concurrent claimants succeeds; the rest get
// ErrAlreadyClaimed.
func (r *RunRepository) ClaimRun(ctx context.Context, runID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE workflow_run
		SET status = 'RUNNING', started_at = now()
		WHERE id = $1 AND status = 'PENDING'
	`, runID)
	if err != nil {
		return fmt.Errorf("claim run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrAlreadyClaimed
	}
	return nil
}

// TransitionStatus performs a guarded non-terminal transition
// (RUNNING <-> WAITING_APPROVAL).
func (r *RunRepository) TransitionStatus(ctx context.Context, runID uuid.UUID, from, to models.RunStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE workflow_run
		SET status = $3
		WHERE id = $1 AND status = $2
	`, runID, from, to)
	if err != nil {
		return fmt.Errorf("transition run %s -> %s: %w", from, to, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrStateConflict
	}
	return nil
}

// FinishRun performs a monotonic transition to a terminal status and
// sets finishedAt. Finishing an already-terminal run is a state conflict.
func (r *RunRepository) FinishRun(ctx context.Context, runID uuid.UUID, status models.RunStatus, runErr string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish run with non-terminal status %s: %w", status, models.ErrStateConflict)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE workflow_run
		SET status = $2, error = $3, finished_at = now()
		WHERE id = $1 AND status NOT IN ('SUCCESS', 'FAILED', 'CANCELLED')
	`, runID, status, runErr)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrStateConflict
	}
	return nil
}

// GetByID retrieves a run by its ID
func (r *RunRepository) GetByID(ctx context.Context, runID uuid.UUID) (*models.WorkflowRun, error) {
	run := &models.WorkflowRun{}
	var ctxJSON []byte

	err := r.db.QueryRow(ctx, `
		SELECT id, workflow_id, trigger_source, run_context, status, error, created_at, started_at, finished_at
		FROM workflow_run
		WHERE id = $1
	`, runID).Scan(
		&run.ID, &run.WorkflowID, &run.Trigger, &ctxJSON,
		&run.Status, &run.Error, &run.CreatedAt, &run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", mapError(err))
	}

	if err := json.Unmarshal(ctxJSON, &run.Context); err != nil {
		return nil, fmt.Errorf("decode run context: %w", err)
	}
	return run, nil
}

// ListByWorkflow retrieves runs for a workflow, newest first.
func (r *RunRepository) ListByWorkflow(ctx context.Context, workflowID uuid.UUID, limit int) ([]*models.WorkflowRun, error) {
	query := `
		SELECT id, workflow_id, trigger_source, run_context, status, error, created_at, started_at, finished_at
		FROM workflow_run
		WHERE workflow_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	return r.list(ctx, query, workflowID, limit)
}

// ListByStatus retrieves a bounded batch of runs in a given status
// (used by the recovery scan at startup).
func (r *RunRepository) ListByStatus(ctx context.Context, status models.RunStatus, limit int) ([]*models.WorkflowRun, error) {
	query := `
		SELECT id, workflow_id, trigger_source, run_context, status, error, created_at, started_at, finished_at
		FROM workflow_run
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`
	return r.list(ctx, query, status, limit)
}

func (r *RunRepository) list(ctx context.Context, query string, args ...any) ([]*models.WorkflowRun, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		run := &models.WorkflowRun{}
		var ctxJSON []byte

		err := rows.Scan(
			&run.ID, &run.WorkflowID, &run.Trigger, &ctxJSON,
			&run.Status, &run.Error, &run.CreatedAt, &run.StartedAt, &run.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if err := json.Unmarshal(ctxJSON, &run.Context); err != nil {
			return nil, fmt.Errorf("decode run context: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
