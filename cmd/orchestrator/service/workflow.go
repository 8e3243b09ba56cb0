package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/stackbound/agentflow/cmd/orchestrator/repository"
	"github.com/stackbound/agentflow/cmd/orchestrator/scheduler"
	"github.com/stackbound/agentflow/common/logger"
	"github.com/stackbound/agentflow/common/models"
	"github.com/stackbound/agentflow/common/validation"
)

// WorkflowService handles business logic for workflow definitions
type WorkflowService struct {
	workflowRepo *repository.WorkflowRepository
	agentRepo    *repository.AgentRepository
	validator    *validation.Validator
	log          *logger.Logger
}

// NewWorkflowService creates a new workflow service
func NewWorkflowService(workflowRepo *repository.WorkflowRepository, agentRepo *repository.AgentRepository, validator *validation.Validator, log *logger.Logger) *WorkflowService {
	return &WorkflowService{
		workflowRepo: workflowRepo,
		agentRepo:    agentRepo,
		validator:    validator,
		log:          log,
	}
}

// NodeRequest is one step of a workflow definition.
type NodeRequest struct {
	NodeID           string         `json:"nodeId" validate:"required"`
	AgentID          string         `json:"agentId" validate:"required,uuid"`
	Action           string         `json:"action" validate:"required"`
	Input            map[string]any `json:"input"`
	DependsOn        []string       `json:"dependsOn"`
	ApprovalRequired bool           `json:"approvalRequired"`
}

// CreateWorkflowRequest is the payload for workflow creation.
type CreateWorkflowRequest struct {
	ProjectID   int64         `json:"projectId" validate:"required"`
	Name        string        `json:"name" validate:"required"`
	Description string        `json:"description"`
	Trigger     string        `json:"trigger" validate:"required,triggertype"`
	Status      string        `json:"status"`
	Nodes       []NodeRequest `json:"nodes" validate:"required,min=1,dive"`
}

// UpdateWorkflowRequest carries the mutable workflow fields. The node
// graph is immutable once created.
type UpdateWorkflowRequest struct {
	Description string `json:"description"`
	Status      string `json:"status" validate:"required,oneof=DRAFT ACTIVE ARCHIVED"`
}

// Create validates the definition, checks the graph is a DAG, verifies
// every referenced agent exists, and persists workflow plus nodes.
func (s *WorkflowService) Create(ctx context.Context, req *CreateWorkflowRequest) (*models.Workflow, error) {
	if err := s.validator.Check(req); err != nil {
		return nil, err
	}

	status := models.WorkflowStatus(req.Status)
	if status == "" {
		status = models.WorkflowActive
	}

	wf := &models.Workflow{
		ID:          uuid.New(),
		ProjectID:   req.ProjectID,
		Name:        req.Name,
		Description: req.Description,
		Trigger:     models.TriggerType(req.Trigger),
		Status:      status,
		Nodes:       make([]models.WorkflowNode, len(req.Nodes)),
	}

	for i, n := range req.Nodes {
		agentID, err := uuid.Parse(n.AgentID)
		if err != nil {
			return nil, fmt.Errorf("%w: node %q: bad agent id", models.ErrBadRequest, n.NodeID)
		}
		agent, err := s.agentRepo.GetByID(ctx, agentID)
		if err != nil {
			return nil, fmt.Errorf("node %q references agent %s: %w", n.NodeID, agentID, err)
		}
		if agent.Capability(n.Action) == nil {
			return nil, fmt.Errorf("%w: node %q: agent %q has no action %q",
				models.ErrBadRequest, n.NodeID, agent.Name, n.Action)
		}

		input := n.Input
		if input == nil {
			input = map[string]any{}
		}
		wf.Nodes[i] = models.WorkflowNode{
			WorkflowID:       wf.ID,
			NodeID:           n.NodeID,
			AgentID:          agentID,
			AgentName:        agent.Name,
			Action:           n.Action,
			Input:            input,
			DependsOn:        n.DependsOn,
			ApprovalRequired: n.ApprovalRequired,
		}
	}

	// The scheduler re-validates defensively, but a cyclic definition
	// never gets past creation.
	if _, err := scheduler.BuildGraph(wf.Nodes); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrBadRequest, err)
	}

	if err := s.workflowRepo.Create(ctx, wf); err != nil {
		return nil, fmt.Errorf("create workflow %q: %w", req.Name, err)
	}

	s.log.Info("workflow created",
		"workflow", wf.Name,
		"nodes", len(wf.Nodes),
		"trigger", wf.Trigger)
	return wf, nil
}

// Get retrieves a workflow with its full node graph.
func (s *WorkflowService) Get(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	return s.workflowRepo.GetByID(ctx, id)
}

// List retrieves workflows in a project, optionally filtered by status.
func (s *WorkflowService) List(ctx context.Context, projectID int64, status models.WorkflowStatus) ([]*models.Workflow, error) {
	return s.workflowRepo.ListByProject(ctx, projectID, status)
}

// Update changes a workflow's description and lifecycle status.
func (s *WorkflowService) Update(ctx context.Context, id uuid.UUID, req *UpdateWorkflowRequest) (*models.Workflow, error) {
	if err := s.validator.Check(req); err != nil {
		return nil, err
	}
	if err := s.workflowRepo.Update(ctx, id, req.Description, models.WorkflowStatus(req.Status)); err != nil {
		return nil, err
	}
	return s.workflowRepo.GetByID(ctx, id)
}

// Delete removes a workflow; nodes and runs cascade.
func (s *WorkflowService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.workflowRepo.Delete(ctx, id)
}
