package models

import (
	"time"

	"github.com/google/uuid"
)

// AgentRunStatus represents the status of a single node invocation
type AgentRunStatus string

const (
	AgentRunPending AgentRunStatus = "PENDING"
	AgentRunRunning AgentRunStatus = "RUNNING"
	AgentRunSuccess AgentRunStatus = "SUCCESS"
	AgentRunFailed  AgentRunStatus = "FAILED"
	AgentRunSkipped AgentRunStatus = "SKIPPED"
)

// FailureKind classifies why an agent invocation failed
type FailureKind string

const (
	FailureNonZeroExit     FailureKind = "NonZeroExit"
	FailureInvalidOutput   FailureKind = "InvalidOutput"
	FailureTimeout         FailureKind = "Timeout"
	FailureRuntimeError    FailureKind = "RuntimeError"
	FailureSchemaViolation FailureKind = "OutputSchemaViolation"
	FailureTemplateError   FailureKind = "TemplateError"
	FailureCancelled       FailureKind = "Cancelled"
	FailureCyclicGraph     FailureKind = "CyclicGraph"
)

// Retryable reports whether the failure kind may be retried.
// Non-zero exits are deterministic and never retried.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureTimeout, FailureRuntimeError, FailureInvalidOutput, FailureSchemaViolation:
		return true
	}
	return false
}

// AgentError is the structured error recorded on a failed AgentRun
type AgentError struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// AgentRun is one invocation of a node within a workflow run.
// Maps to: agent_run table. At most one RUNNING row per (run, node).
type AgentRun struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	WorkflowRunID uuid.UUID      `db:"workflow_run_id" json:"workflowRunId"`
	NodeID        string         `db:"node_id" json:"nodeId"`
	AgentID       uuid.UUID      `db:"agent_id" json:"agentId"`
	AgentName     string         `db:"agent_name" json:"agentName"`
	Status        AgentRunStatus `db:"status" json:"status"`
	ResolvedInput map[string]any `db:"resolved_input" json:"resolvedInput,omitempty"`
	Output        map[string]any `db:"output" json:"output,omitempty"`
	Error         *AgentError    `db:"error" json:"error,omitempty"`
	Attempt       int            `db:"attempt" json:"attempt"`
	StartedAt     *time.Time     `db:"started_at" json:"startedAt,omitempty"`
	FinishedAt    *time.Time     `db:"finished_at" json:"finishedAt,omitempty"`
	DurationMS    int64          `db:"duration_ms" json:"durationMs"`
}
