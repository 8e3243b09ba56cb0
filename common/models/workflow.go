package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus represents the lifecycle status of a workflow definition
type WorkflowStatus string

const (
	WorkflowDraft    WorkflowStatus = "DRAFT"
	WorkflowActive   WorkflowStatus = "ACTIVE"
	WorkflowArchived WorkflowStatus = "ARCHIVED"
)

// TriggerType describes how a workflow can be started
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerEvent    TriggerType = "event"
	TriggerSchedule TriggerType = "schedule"
	TriggerWebhook  TriggerType = "webhook"
)

// Workflow is an immutable DAG definition of agent invocations.
// Maps to: workflow table, nodes in workflow_node (cascade delete).
type Workflow struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	ProjectID   int64          `db:"project_id" json:"projectId"`
	Name        string         `db:"name" json:"name"`
	Description string         `db:"description" json:"description,omitempty"`
	Trigger     TriggerType    `db:"trigger_type" json:"trigger"`
	Status      WorkflowStatus `db:"status" json:"status"`
	Nodes       []WorkflowNode `json:"nodes"`
	CreatedAt   time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updatedAt"`
}

// WorkflowNode is one execution step in a workflow.
// NodeID is stable within the workflow; DependsOn references sibling node ids.
type WorkflowNode struct {
	WorkflowID       uuid.UUID      `db:"workflow_id" json:"-"`
	NodeID           string         `db:"node_id" json:"nodeId"`
	AgentID          uuid.UUID      `db:"agent_id" json:"agentId"`
	AgentName        string         `db:"agent_name" json:"agentName"`
	Action           string         `db:"action" json:"action"`
	Input            map[string]any `db:"input" json:"input"`
	DependsOn        []string       `db:"depends_on" json:"dependsOn"`
	ApprovalRequired bool           `db:"approval_required" json:"approvalRequired"`
}
