package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stackbound/agentflow/common/db"
	"github.com/stackbound/agentflow/common/models"
)

// ApprovalRepository handles database operations for approval gates
type ApprovalRepository struct {
	db *db.DB
}

// NewApprovalRepository creates a new approval repository
func NewApprovalRepository(database *db.DB) *ApprovalRepository {
	return &ApprovalRepository{db: database}
}

// Request inserts a PENDING approval and moves the run to
// WAITING_APPROVAL in one transaction. The run transition is a no-op if
// a sibling branch already suspended it.
func (r *ApprovalRepository) Request(ctx context.Context, runID uuid.UUID, nodeID string) (*models.WorkflowApproval, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	approval := &models.WorkflowApproval{
		ID:            uuid.New(),
		WorkflowRunID: runID,
		NodeID:        nodeID,
		Status:        models.ApprovalPending,
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO workflow_approval (id, workflow_run_id, node_id, status)
		VALUES ($1, $2, $3, 'PENDING')
		RETURNING requested_at
	`, approval.ID, runID, nodeID).Scan(&approval.RequestedAt)
	if err != nil {
		return nil, fmt.Errorf("create approval: %w", mapError(err))
	}

	tag, err := tx.Exec(ctx, `
		UPDATE workflow_run
		SET status = 'WAITING_APPROVAL'
		WHERE id = $1 AND status IN ('RUNNING', 'WAITING_APPROVAL')
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("suspend run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("run not suspendable: %w", models.ErrStateConflict)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit approval: %w", err)
	}
	return approval, nil
}

// RecordDecision transitions PENDING -> APPROVED|REJECTED and returns the
// updated approval. A decision on a terminal approval fails with
// ErrAlreadyResolved; the affected run id is on the returned record.
func (r *ApprovalRepository) RecordDecision(ctx context.Context, approvalID uuid.UUID, decision models.ApprovalStatus, respondedBy, notes string) (*models.WorkflowApproval, error) {
	approval := &models.WorkflowApproval{ID: approvalID, Status: decision}
	var respondedAt time.Time

	err := r.db.QueryRow(ctx, `
		UPDATE workflow_approval
		SET status = $2, responded_by = $3, notes = $4, responded_at = now()
		WHERE id = $1 AND status = 'PENDING'
		RETURNING workflow_run_id, node_id, requested_at, responded_at
	`, approvalID, decision, respondedBy, notes).Scan(
		&approval.WorkflowRunID, &approval.NodeID,
		&approval.RequestedAt, &respondedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either absent or already decided
			var exists bool
			if checkErr := r.db.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM workflow_approval WHERE id = $1)`,
				approvalID).Scan(&exists); checkErr == nil && exists {
				return nil, models.ErrAlreadyResolved
			}
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("record decision: %w", err)
	}

	approval.RespondedAt = &respondedAt
	approval.RespondedBy = &respondedBy
	approval.Notes = notes
	return approval, nil
}

// GetByID retrieves an approval by its ID
func (r *ApprovalRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.WorkflowApproval, error) {
	approval := &models.WorkflowApproval{}
	err := r.db.QueryRow(ctx, `
		SELECT id, workflow_run_id, node_id, status, requested_at, responded_at, responded_by, notes
		FROM workflow_approval
		WHERE id = $1
	`, id).Scan(
		&approval.ID, &approval.WorkflowRunID, &approval.NodeID, &approval.Status,
		&approval.RequestedAt, &approval.RespondedAt, &approval.RespondedBy, &approval.Notes,
	)
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", mapError(err))
	}
	return approval, nil
}

// List retrieves approvals with optional status and run filters.
func (r *ApprovalRepository) List(ctx context.Context, status models.ApprovalStatus, runID *uuid.UUID) ([]*models.WorkflowApproval, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, workflow_run_id, node_id, status, requested_at, responded_at, responded_by, notes
		FROM workflow_approval
		WHERE ($1 = '' OR status = $1)
		  AND ($2::uuid IS NULL OR workflow_run_id = $2)
		ORDER BY requested_at DESC
	`, string(status), runID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*models.WorkflowApproval
	for rows.Next() {
		approval := &models.WorkflowApproval{}
		err := rows.Scan(
			&approval.ID, &approval.WorkflowRunID, &approval.NodeID, &approval.Status,
			&approval.RequestedAt, &approval.RespondedAt, &approval.RespondedBy, &approval.Notes,
		)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, approval)
	}
	return approvals, rows.Err()
}

// ListByRun retrieves all approvals attached to a run.
func (r *ApprovalRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]*models.WorkflowApproval, error) {
	return r.List(ctx, "", &runID)
}

// CountPending returns the number of undecided approvals for a run.
func (r *ApprovalRepository) CountPending(ctx context.Context, runID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT count(*) FROM workflow_approval
		WHERE workflow_run_id = $1 AND status = 'PENDING'
	`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending approvals: %w", err)
	}
	return count, nil
}
