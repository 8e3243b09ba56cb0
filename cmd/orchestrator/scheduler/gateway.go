package scheduler

import (
	"context"

	"github.com/google/uuid"

	"github.com/stackbound/agentflow/common/models"
)

// The scheduler talks to persistence through these narrow interfaces so
// tests can substitute deterministic fakes. The pgx repositories satisfy
// them directly.

// RunStore covers guarded run status transitions.
type RunStore interface {
	ClaimRun(ctx context.Context, runID uuid.UUID) error
	TransitionStatus(ctx context.Context, runID uuid.UUID, from, to models.RunStatus) error
	FinishRun(ctx context.Context, runID uuid.UUID, status models.RunStatus, runErr string) error
	GetByID(ctx context.Context, runID uuid.UUID) (*models.WorkflowRun, error)
	ListByStatus(ctx context.Context, status models.RunStatus, limit int) ([]*models.WorkflowRun, error)
}

// AgentRunStore covers node invocation rows.
type AgentRunStore interface {
	Start(ctx context.Context, run *models.AgentRun) (uuid.UUID, error)
	Finish(ctx context.Context, id uuid.UUID, status models.AgentRunStatus, output map[string]any, agentErr *models.AgentError, durationMS int64) error
	InsertSkipped(ctx context.Context, runID uuid.UUID, node *models.WorkflowNode) error
	ListByRun(ctx context.Context, runID uuid.UUID) ([]*models.AgentRun, error)
	CancelRunning(ctx context.Context, runID uuid.UUID) error
}

// ApprovalStore covers approval gates.
type ApprovalStore interface {
	Request(ctx context.Context, runID uuid.UUID, nodeID string) (*models.WorkflowApproval, error)
	CountPending(ctx context.Context, runID uuid.UUID) (int, error)
	ListByRun(ctx context.Context, runID uuid.UUID) ([]*models.WorkflowApproval, error)
}

// WorkflowStore loads the whole graph for a run up-front.
type WorkflowStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
}

// AgentStore resolves agent registrations referenced by nodes.
type AgentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
}
