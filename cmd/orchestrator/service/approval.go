package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/stackbound/agentflow/cmd/orchestrator/repository"
	"github.com/stackbound/agentflow/common/events"
	"github.com/stackbound/agentflow/common/logger"
	"github.com/stackbound/agentflow/common/models"
	"github.com/stackbound/agentflow/common/validation"
)

// ApprovalService coordinates human decisions on approval gates. The
// decision write is synchronous; the run's continuation (resume or
// failure propagation) happens asynchronously afterwards.
type ApprovalService struct {
	approvalRepo *repository.ApprovalRepository
	runner       Runner
	events       events.Publisher
	validator    *validation.Validator
	log          *logger.Logger
}

// NewApprovalService creates a new approval service
func NewApprovalService(approvalRepo *repository.ApprovalRepository, runner Runner, publisher events.Publisher, validator *validation.Validator, log *logger.Logger) *ApprovalService {
	return &ApprovalService{
		approvalRepo: approvalRepo,
		runner:       runner,
		events:       publisher,
		validator:    validator,
		log:          log,
	}
}

// DecisionRequest is the payload for resolving an approval.
type DecisionRequest struct {
	Decision    string `json:"decision" validate:"required,decision"`
	RespondedBy string `json:"respondedBy" validate:"required"`
	Notes       string `json:"notes"`
}

// Decide records a human decision. APPROVED resumes the run once no
// PENDING gate remains; REJECTED fails the run and skips everything
// that never ran. A second decision on the same gate is AlreadyResolved.
func (s *ApprovalService) Decide(ctx context.Context, approvalID uuid.UUID, req *DecisionRequest) (*models.WorkflowApproval, error) {
	if err := s.validator.Check(req); err != nil {
		return nil, err
	}

	decision := models.ApprovalStatus(req.Decision)
	approval, err := s.approvalRepo.RecordDecision(ctx, approvalID, decision, req.RespondedBy, req.Notes)
	if err != nil {
		return nil, err
	}

	log := s.log.WithRunID(approval.WorkflowRunID.String()).WithNodeID(approval.NodeID)
	log.Info("approval resolved",
		"approval_id", approvalID,
		"decision", decision,
		"responded_by", req.RespondedBy)

	if err := s.events.Publish(ctx, events.SubjectApprovalResolved, events.Envelope{
		RunID:      approval.WorkflowRunID.String(),
		NodeID:     approval.NodeID,
		ApprovalID: approvalID.String(),
		Status:     string(decision),
	}); err != nil {
		log.Warn("approval event publish failed", "error", err)
	}

	runID := approval.WorkflowRunID
	if decision == models.ApprovalRejected {
		go func() {
			if err := s.runner.FailAfterRejection(context.Background(), runID); err != nil {
				log.Error("rejection propagation failed", "error", err)
			}
		}()
		return approval, nil
	}

	// Resume only once every gate of the run is granted; the guarded
	// transition keeps concurrent approvers from double-resuming.
	pending, err := s.approvalRepo.CountPending(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("count pending approvals: %w", err)
	}
	if pending == 0 {
		go func() {
			err := s.runner.ResumeRun(context.Background(), runID)
			if err != nil && !errors.Is(err, models.ErrStateConflict) {
				log.Error("run resume failed", "error", err)
			}
		}()
	}
	return approval, nil
}

// Get retrieves one approval.
func (s *ApprovalService) Get(ctx context.Context, id uuid.UUID) (*models.WorkflowApproval, error) {
	return s.approvalRepo.GetByID(ctx, id)
}

// List retrieves approvals with optional status and run filters.
func (s *ApprovalService) List(ctx context.Context, status models.ApprovalStatus, runID *uuid.UUID) ([]*models.WorkflowApproval, error) {
	if status != "" {
		switch status {
		case models.ApprovalPending, models.ApprovalApproved, models.ApprovalRejected:
		default:
			return nil, fmt.Errorf("%w: unknown approval status %q", models.ErrBadRequest, status)
		}
	}
	return s.approvalRepo.List(ctx, status, runID)
}
