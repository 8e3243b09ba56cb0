package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/stackbound/agentflow/common/db"
	"github.com/stackbound/agentflow/common/models"
)

// WorkflowRepository handles database operations for workflow definitions
type WorkflowRepository struct {
	db *db.DB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(database *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: database}
}

// Create inserts a workflow and its nodes in one transaction
func (r *WorkflowRepository) Create(ctx context.Context, wf *models.Workflow) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow (id, project_id, name, description, trigger_type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
	`, wf.ID, wf.ProjectID, wf.Name, wf.Description, wf.Trigger, wf.Status)
	if err != nil {
		return fmt.Errorf("create workflow: %w", mapError(err))
	}

	for _, node := range wf.Nodes {
		input, err := json.Marshal(node.Input)
		if err != nil {
			return fmt.Errorf("marshal node input: %w", err)
		}
		deps, err := json.Marshal(node.DependsOn)
		if err != nil {
			return fmt.Errorf("marshal node deps: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_node (workflow_id, node_id, agent_id, agent_name, action, input, depends_on, approval_required)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, wf.ID, node.NodeID, node.AgentID, node.AgentName, node.Action, input, deps, node.ApprovalRequired)
		if err != nil {
			return fmt.Errorf("create workflow node %s: %w", node.NodeID, mapError(err))
		}
	}

	return tx.Commit(ctx)
}

// GetByID retrieves a workflow with its whole node graph loaded up-front.
func (r *WorkflowRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	wf := &models.Workflow{}
	err := r.db.QueryRow(ctx, `
		SELECT id, project_id, name, description, trigger_type, status, created_at, updated_at
		FROM workflow
		WHERE id = $1
	`, id).Scan(
		&wf.ID, &wf.ProjectID, &wf.Name, &wf.Description,
		&wf.Trigger, &wf.Status, &wf.CreatedAt, &wf.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", mapError(err))
	}

	nodes, err := r.loadNodes(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.Nodes = nodes
	return wf, nil
}

// GetByName retrieves a workflow by project and name, nodes included.
func (r *WorkflowRepository) GetByName(ctx context.Context, projectID int64, name string) (*models.Workflow, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx,
		`SELECT id FROM workflow WHERE project_id = $1 AND name = $2`,
		projectID, name).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("get workflow by name: %w", mapError(err))
	}
	return r.GetByID(ctx, id)
}

// ListByProject retrieves workflows, optionally filtered by status.
// Node graphs are not loaded on list.
func (r *WorkflowRepository) ListByProject(ctx context.Context, projectID int64, status models.WorkflowStatus) ([]*models.Workflow, error) {
	query := `
		SELECT id, project_id, name, description, trigger_type, status, created_at, updated_at
		FROM workflow
		WHERE project_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY name
	`

	rows, err := r.db.Query(ctx, query, projectID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		wf := &models.Workflow{}
		err := rows.Scan(
			&wf.ID, &wf.ProjectID, &wf.Name, &wf.Description,
			&wf.Trigger, &wf.Status, &wf.CreatedAt, &wf.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// Update changes status and description only; the graph is immutable.
func (r *WorkflowRepository) Update(ctx context.Context, id uuid.UUID, description string, status models.WorkflowStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE workflow
		SET description = $2, status = $3, updated_at = now()
		WHERE id = $1
	`, id, description, status)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Delete removes a workflow; nodes and runs cascade.
func (r *WorkflowRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM workflow WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *WorkflowRepository) loadNodes(ctx context.Context, workflowID uuid.UUID) ([]models.WorkflowNode, error) {
	rows, err := r.db.Query(ctx, `
		SELECT workflow_id, node_id, agent_id, agent_name, action, input, depends_on, approval_required
		FROM workflow_node
		WHERE workflow_id = $1
		ORDER BY node_id
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow nodes: %w", err)
	}
	defer rows.Close()

	var nodes []models.WorkflowNode
	for rows.Next() {
		var node models.WorkflowNode
		var input, deps []byte

		err := rows.Scan(
			&node.WorkflowID, &node.NodeID, &node.AgentID, &node.AgentName,
			&node.Action, &input, &deps, &node.ApprovalRequired,
		)
		if err != nil {
			return nil, fmt.Errorf("scan workflow node: %w", err)
		}

		if err := json.Unmarshal(input, &node.Input); err != nil {
			return nil, fmt.Errorf("decode node input: %w", err)
		}
		if err := json.Unmarshal(deps, &node.DependsOn); err != nil {
			return nil, fmt.Errorf("decode node deps: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}
