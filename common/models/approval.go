package models

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus represents the state of a human approval gate
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// WorkflowApproval is a pending human decision blocking one node.
// Maps to: workflow_approval table. RespondedBy/RespondedAt are null
// iff status is PENDING.
type WorkflowApproval struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	WorkflowRunID uuid.UUID      `db:"workflow_run_id" json:"workflowRunId"`
	NodeID        string         `db:"node_id" json:"nodeId"`
	Status        ApprovalStatus `db:"status" json:"status"`
	RequestedAt   time.Time      `db:"requested_at" json:"requestedAt"`
	RespondedAt   *time.Time     `db:"responded_at" json:"respondedAt,omitempty"`
	RespondedBy   *string        `db:"responded_by" json:"respondedBy,omitempty"`
	Notes         string         `db:"notes" json:"notes,omitempty"`
}
