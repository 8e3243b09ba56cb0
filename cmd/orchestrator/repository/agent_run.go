package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/stackbound/agentflow/common/db"
	"github.com/stackbound/agentflow/common/models"
)

// AgentRunRepository handles database operations for node invocations
type AgentRunRepository struct {
	db *db.DB
}

// NewAgentRunRepository creates a new agent run repository
func NewAgentRunRepository(database *db.DB) *AgentRunRepository {
	return &AgentRunRepository{db: database}
}

// Start inserts a RUNNING agent run row and returns its id. The partial
// unique index on (run, node, RUNNING) rejects a second live invocation.
func (r *AgentRunRepository) Start(ctx context.Context, run *models.AgentRun) (uuid.UUID, error) {
	id := uuid.New()

	input, err := json.Marshal(run.ResolvedInput)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal resolved input: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO agent_run (id, workflow_run_id, node_id, agent_id, agent_name, status, resolved_input, attempt, started_at)
		VALUES ($1, $2, $3, $4, $5, 'RUNNING', $6, $7, now())
	`, id, run.WorkflowRunID, run.NodeID, run.AgentID, run.AgentName, input, run.Attempt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("start agent run: %w", mapError(err))
	}

	return id, nil
}

// Finish performs a monotonic transition of a RUNNING invocation to a
// terminal status, recording output or error and the duration.
func (r *AgentRunRepository) Finish(ctx context.Context, id uuid.UUID, status models.AgentRunStatus, output map[string]any, agentErr *models.AgentError, durationMS int64) error {
	var outputJSON, errJSON []byte
	var err error

	if output != nil {
		if outputJSON, err = json.Marshal(output); err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
	}
	if agentErr != nil {
		if errJSON, err = json.Marshal(agentErr); err != nil {
			return fmt.Errorf("marshal agent error: %w", err)
		}
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE agent_run
		SET status = $2, output = $3, error = $4, duration_ms = $5, finished_at = now()
		WHERE id = $1 AND status = 'RUNNING'
	`, id, status, outputJSON, errJSON, durationMS)
	if err != nil {
		return fmt.Errorf("finish agent run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrStateConflict
	}
	return nil
}

// InsertSkipped records a node that never ran because a transitive
// ancestor failed or an approval was rejected.
func (r *AgentRunRepository) InsertSkipped(ctx context.Context, runID uuid.UUID, node *models.WorkflowNode) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO agent_run (id, workflow_run_id, node_id, agent_id, agent_name, status, attempt)
		VALUES ($1, $2, $3, $4, $5, 'SKIPPED', 0)
	`, uuid.New(), runID, node.NodeID, node.AgentID, node.AgentName)
	if err != nil {
		return fmt.Errorf("insert skipped agent run: %w", err)
	}
	return nil
}

// ListByRun retrieves all invocations for a run ordered by start time.
func (r *AgentRunRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]*models.AgentRun, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, workflow_run_id, node_id, agent_id, agent_name, status, resolved_input, output, error, attempt, started_at, finished_at, duration_ms
		FROM agent_run
		WHERE workflow_run_id = $1
		ORDER BY started_at NULLS LAST, node_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list agent runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.AgentRun
	for rows.Next() {
		ar := &models.AgentRun{}
		var input, output, agentErr []byte

		err := rows.Scan(
			&ar.ID, &ar.WorkflowRunID, &ar.NodeID, &ar.AgentID, &ar.AgentName,
			&ar.Status, &input, &output, &agentErr, &ar.Attempt,
			&ar.StartedAt, &ar.FinishedAt, &ar.DurationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("scan agent run: %w", err)
		}

		if len(input) > 0 {
			if err := json.Unmarshal(input, &ar.ResolvedInput); err != nil {
				return nil, fmt.Errorf("decode resolved input: %w", err)
			}
		}
		if len(output) > 0 {
			if err := json.Unmarshal(output, &ar.Output); err != nil {
				return nil, fmt.Errorf("decode output: %w", err)
			}
		}
		if len(agentErr) > 0 {
			if err := json.Unmarshal(agentErr, &ar.Error); err != nil {
				return nil, fmt.Errorf("decode agent error: %w", err)
			}
		}
		runs = append(runs, ar)
	}
	return runs, rows.Err()
}

// CancelRunning finalises all in-flight invocations of a run as
// FAILED(Cancelled). Used when a run transitions to CANCELLED.
func (r *AgentRunRepository) CancelRunning(ctx context.Context, runID uuid.UUID) error {
	errJSON, _ := json.Marshal(&models.AgentError{
		Kind:    models.FailureCancelled,
		Message: "run cancelled",
	})

	_, err := r.db.Exec(ctx, `
		UPDATE agent_run
		SET status = 'FAILED', error = $2, finished_at = now()
		WHERE workflow_run_id = $1 AND status = 'RUNNING'
	`, runID, errJSON)
	if err != nil {
		return fmt.Errorf("cancel running agent runs: %w", err)
	}
	return nil
}
