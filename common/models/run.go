package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the status of a workflow run
type RunStatus string

const (
	RunPending         RunStatus = "PENDING"
	RunRunning         RunStatus = "RUNNING"
	RunWaitingApproval RunStatus = "WAITING_APPROVAL"
	RunSuccess         RunStatus = "SUCCESS"
	RunFailed          RunStatus = "FAILED"
	RunCancelled       RunStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunCancelled
}

// WorkflowRun is one execution of a workflow.
// Maps to: workflow_run table. Owns its AgentRuns and Approvals.
type WorkflowRun struct {
	ID         uuid.UUID      `db:"id" json:"id"`
	WorkflowID uuid.UUID      `db:"workflow_id" json:"workflowId"`
	Trigger    string         `db:"trigger_source" json:"trigger"`
	Context    map[string]any `db:"run_context" json:"context"`
	Status     RunStatus      `db:"status" json:"status"`
	Error      string         `db:"error" json:"error,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"createdAt"`
	StartedAt  *time.Time     `db:"started_at" json:"startedAt,omitempty"`
	FinishedAt *time.Time     `db:"finished_at" json:"finishedAt,omitempty"`
}
