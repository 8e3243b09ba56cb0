package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/stackbound/agentflow/cmd/orchestrator/repository"
	"github.com/stackbound/agentflow/common/logger"
	"github.com/stackbound/agentflow/common/models"
	"github.com/stackbound/agentflow/common/ratelimit"
)

// Runner is the slice of the scheduler the services drive. Execution is
// asynchronous from the API's point of view: trigger enqueues, the
// runner owns the run from there.
type Runner interface {
	ExecuteRun(ctx context.Context, runID uuid.UUID) error
	ResumeRun(ctx context.Context, runID uuid.UUID) error
	Cancel(ctx context.Context, runID uuid.UUID) error
	FailAfterRejection(ctx context.Context, runID uuid.UUID) error
}

// RateLimitError carries the limiter verdict to the HTTP layer.
type RateLimitError struct {
	Limit             int64
	CurrentCount      int64
	RetryAfterSeconds int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d/min, retry after %ds", e.Limit, e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error { return models.ErrRateLimited }

// RunService handles business logic for workflow runs
type RunService struct {
	runRepo      *repository.RunRepository
	agentRunRepo *repository.AgentRunRepository
	approvalRepo *repository.ApprovalRepository
	workflowRepo *repository.WorkflowRepository
	runner       Runner
	limiter      *ratelimit.Limiter
	rateLimit    int64
	log          *logger.Logger
}

// RunServiceOpts contains options for creating a RunService
type RunServiceOpts struct {
	RunRepo      *repository.RunRepository
	AgentRunRepo *repository.AgentRunRepository
	ApprovalRepo *repository.ApprovalRepository
	WorkflowRepo *repository.WorkflowRepository
	Runner       Runner
	Limiter      *ratelimit.Limiter
	RateLimit    int
	Logger       *logger.Logger
}

// NewRunService creates a new run service
func NewRunService(opts *RunServiceOpts) *RunService {
	return &RunService{
		runRepo:      opts.RunRepo,
		agentRunRepo: opts.AgentRunRepo,
		approvalRepo: opts.ApprovalRepo,
		workflowRepo: opts.WorkflowRepo,
		runner:       opts.Runner,
		limiter:      opts.Limiter,
		rateLimit:    int64(opts.RateLimit),
		log:          opts.Logger,
	}
}

// Trigger creates a PENDING run for an ACTIVE workflow and hands it to
// the scheduler asynchronously. The caller gets the run id immediately.
func (s *RunService) Trigger(ctx context.Context, workflowID uuid.UUID, caller, trigger string, runContext map[string]any) (*models.WorkflowRun, error) {
	if err := s.checkRateLimit(ctx, caller); err != nil {
		return nil, err
	}

	if trigger == "" {
		trigger = string(models.TriggerManual)
	}
	if runContext == nil {
		runContext = map[string]any{}
	}

	run, err := s.runRepo.CreateRun(ctx, workflowID, trigger, runContext)
	if err != nil {
		return nil, err
	}

	s.log.WithRunID(run.ID.String()).Info("run enqueued",
		"workflow_id", workflowID,
		"trigger", trigger)
	s.execute(run.ID)
	return run, nil
}

// Retry creates a fresh run for a FAILED one, reusing its context. The
// original run is untouched; history stays append-only.
func (s *RunService) Retry(ctx context.Context, runID uuid.UUID, caller string) (*models.WorkflowRun, error) {
	prior, err := s.runRepo.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if prior.Status != models.RunFailed {
		return nil, fmt.Errorf("run %s is %s, only FAILED runs can be retried: %w",
			runID, prior.Status, models.ErrStateConflict)
	}

	if err := s.checkRateLimit(ctx, caller); err != nil {
		return nil, err
	}

	run, err := s.runRepo.CreateRun(ctx, prior.WorkflowID, "retry", prior.Context)
	if err != nil {
		return nil, err
	}

	s.log.WithRunID(run.ID.String()).Info("retry enqueued", "prior_run_id", runID)
	s.execute(run.ID)
	return run, nil
}

// Cancel terminates a non-terminal run.
func (s *RunService) Cancel(ctx context.Context, runID uuid.UUID) error {
	run, err := s.runRepo.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s already %s: %w", runID, run.Status, models.ErrStateConflict)
	}
	return s.runner.Cancel(ctx, runID)
}

// RunDetail is a run with its invocation and approval history.
type RunDetail struct {
	Run       *models.WorkflowRun        `json:"run"`
	AgentRuns []*models.AgentRun         `json:"agentRuns"`
	Approvals []*models.WorkflowApproval `json:"approvals"`
}

// Detail loads a run with its agent runs and approvals. The workflow id
// must match the run's owner.
func (s *RunService) Detail(ctx context.Context, workflowID, runID uuid.UUID) (*RunDetail, error) {
	run, err := s.runRepo.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.WorkflowID != workflowID {
		return nil, fmt.Errorf("run %s does not belong to workflow %s: %w",
			runID, workflowID, models.ErrBadRequest)
	}

	agentRuns, err := s.agentRunRepo.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	approvals, err := s.approvalRepo.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	return &RunDetail{Run: run, AgentRuns: agentRuns, Approvals: approvals}, nil
}

// ListRuns returns a workflow's most recent runs, capped at 50.
func (s *RunService) ListRuns(ctx context.Context, workflowID uuid.UUID) ([]*models.WorkflowRun, error) {
	if _, err := s.workflowRepo.GetByID(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.runRepo.ListByWorkflow(ctx, workflowID, 50)
}

// ListAgentRuns returns every invocation of a run in start order.
func (s *RunService) ListAgentRuns(ctx context.Context, runID uuid.UUID) ([]*models.AgentRun, error) {
	if _, err := s.runRepo.GetByID(ctx, runID); err != nil {
		return nil, err
	}
	return s.agentRunRepo.ListByRun(ctx, runID)
}

// execute hands the run to the scheduler on a detached context; the
// HTTP request that enqueued it has already been answered.
func (s *RunService) execute(runID uuid.UUID) {
	go func() {
		err := s.runner.ExecuteRun(context.Background(), runID)
		if err != nil && !errors.Is(err, models.ErrAlreadyClaimed) {
			s.log.WithRunID(runID.String()).Error("run execution failed", "error", err)
		}
	}()
}

// checkRateLimit enforces the per-caller budget, failing open when the
// limiter backend is unreachable.
func (s *RunService) checkRateLimit(ctx context.Context, caller string) error {
	if s.limiter == nil || s.rateLimit <= 0 {
		return nil
	}
	if caller == "" {
		caller = "anonymous"
	}

	result, err := s.limiter.CheckCaller(ctx, caller, s.rateLimit)
	if err != nil {
		s.log.Warn("rate limiter unavailable, allowing request", "error", err)
		return nil
	}
	if !result.Allowed {
		return &RateLimitError{
			Limit:             result.Limit,
			CurrentCount:      result.CurrentCount,
			RetryAfterSeconds: result.RetryAfterSeconds,
		}
	}
	return nil
}
