package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/stackbound/agentflow/cmd/orchestrator/repository"
	"github.com/stackbound/agentflow/common/logger"
	"github.com/stackbound/agentflow/common/models"
	"github.com/stackbound/agentflow/common/validation"
)

// AgentService handles business logic for agent registrations
type AgentService struct {
	agentRepo *repository.AgentRepository
	validator *validation.Validator
	log       *logger.Logger
}

// NewAgentService creates a new agent service
func NewAgentService(agentRepo *repository.AgentRepository, validator *validation.Validator, log *logger.Logger) *AgentService {
	return &AgentService{
		agentRepo: agentRepo,
		validator: validator,
		log:       log,
	}
}

// CapabilityRequest declares one action with its schemas.
type CapabilityRequest struct {
	Name         string          `json:"name" validate:"required"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// RegisterAgentRequest is the payload for agent registration.
type RegisterAgentRequest struct {
	ProjectID    int64               `json:"projectId" validate:"required"`
	Name         string              `json:"name" validate:"required"`
	Kind         string              `json:"kind" validate:"required,agentkind"`
	EntryPath    string              `json:"entryPath" validate:"required"`
	Version      string              `json:"version"`
	RiskLevel    string              `json:"riskLevel" validate:"required,risklevel"`
	Capabilities []CapabilityRequest `json:"capabilities" validate:"required,min=1,dive"`
}

// UpdateAgentRequest carries the mutable agent fields.
type UpdateAgentRequest struct {
	EntryPath    string              `json:"entryPath" validate:"required"`
	Version      string              `json:"version"`
	RiskLevel    string              `json:"riskLevel" validate:"required,risklevel"`
	Capabilities []CapabilityRequest `json:"capabilities" validate:"required,min=1,dive"`
}

// Register validates and persists a new agent registration.
func (s *AgentService) Register(ctx context.Context, req *RegisterAgentRequest) (*models.Agent, error) {
	if err := s.validator.Check(req); err != nil {
		return nil, err
	}

	agent := &models.Agent{
		ID:           uuid.New(),
		ProjectID:    req.ProjectID,
		Name:         req.Name,
		Kind:         models.AgentKind(req.Kind),
		EntryPath:    req.EntryPath,
		Version:      req.Version,
		RiskLevel:    models.RiskLevel(req.RiskLevel),
		Capabilities: toCapabilities(req.Capabilities),
	}
	if agent.Version == "" {
		agent.Version = "1.0.0"
	}

	if err := s.agentRepo.Create(ctx, agent); err != nil {
		return nil, fmt.Errorf("register agent %q: %w", req.Name, err)
	}

	s.log.Info("agent registered",
		"agent", agent.Name,
		"kind", agent.Kind,
		"risk_level", agent.RiskLevel)
	return agent, nil
}

// Get retrieves an agent by id.
func (s *AgentService) Get(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	return s.agentRepo.GetByID(ctx, id)
}

// List retrieves all agents within a project.
func (s *AgentService) List(ctx context.Context, projectID int64) ([]*models.Agent, error) {
	return s.agentRepo.ListByProject(ctx, projectID)
}

// Update replaces the mutable fields of an agent registration.
func (s *AgentService) Update(ctx context.Context, id uuid.UUID, req *UpdateAgentRequest) (*models.Agent, error) {
	if err := s.validator.Check(req); err != nil {
		return nil, err
	}

	agent, err := s.agentRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	agent.EntryPath = req.EntryPath
	agent.RiskLevel = models.RiskLevel(req.RiskLevel)
	agent.Capabilities = toCapabilities(req.Capabilities)
	if req.Version != "" {
		agent.Version = req.Version
	}

	if err := s.agentRepo.Update(ctx, agent); err != nil {
		return nil, fmt.Errorf("update agent %s: %w", id, err)
	}
	return agent, nil
}

// Delete removes an agent. Agents referenced by an ACTIVE workflow are
// protected; the repository rejects with Conflict.
func (s *AgentService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.agentRepo.Delete(ctx, id)
}

func toCapabilities(reqs []CapabilityRequest) []models.Capability {
	caps := make([]models.Capability, len(reqs))
	for i, c := range reqs {
		caps[i] = models.Capability{
			Name:         c.Name,
			InputSchema:  c.InputSchema,
			OutputSchema: c.OutputSchema,
		}
	}
	return caps
}
