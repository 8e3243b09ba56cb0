package container

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stackbound/agentflow/cmd/orchestrator/executor"
	"github.com/stackbound/agentflow/cmd/orchestrator/repository"
	"github.com/stackbound/agentflow/cmd/orchestrator/scheduler"
	"github.com/stackbound/agentflow/cmd/orchestrator/service"
	"github.com/stackbound/agentflow/common/bootstrap"
	"github.com/stackbound/agentflow/common/breaker"
	"github.com/stackbound/agentflow/common/ratelimit"
	"github.com/stackbound/agentflow/common/validation"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	Components *bootstrap.Components
	Redis      *redis.Client

	// Repositories
	AgentRepo    *repository.AgentRepository
	WorkflowRepo *repository.WorkflowRepository
	RunRepo      *repository.RunRepository
	AgentRunRepo *repository.AgentRunRepository
	ApprovalRepo *repository.ApprovalRepository

	// Execution core
	Executor  *executor.Sandbox
	Breaker   *breaker.Breaker
	Scheduler *scheduler.Scheduler

	// Services
	AgentService    *service.AgentService
	WorkflowService *service.WorkflowService
	RunService      *service.RunService
	ApprovalService *service.ApprovalService
	WebhookService  *service.WebhookService
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       0,
	})
	limiter := ratelimit.NewLimiter(redisClient, log)

	validator := validation.New()

	// Repositories
	agentRepo := repository.NewAgentRepository(components.DB)
	workflowRepo := repository.NewWorkflowRepository(components.DB)
	runRepo := repository.NewRunRepository(components.DB)
	agentRunRepo := repository.NewAgentRunRepository(components.DB)
	approvalRepo := repository.NewApprovalRepository(components.DB)

	// Execution core
	sandbox := executor.NewSandbox(cfg.Executor, log)
	runtimeBreaker := breaker.New(cfg, log)
	sched := scheduler.New(scheduler.Opts{
		Runs:      runRepo,
		AgentRuns: agentRunRepo,
		Approvals: approvalRepo,
		Workflows: workflowRepo,
		Agents:    agentRepo,

		Executor: sandbox,
		Breaker:  runtimeBreaker,
		Events:   components.Events,
		Metrics:  components.Metrics,
		Tracer:   components.Telemetry.Tracer(),
		Logger:   log,

		MaxConcurrency:     cfg.Executor.MaxConcurrency,
		UnavailableBackoff: cfg.Safety.UnavailableBackoff,
		UnavailableProbes:  cfg.Safety.UnavailableMaxProbes,
	})

	// Services (bottom-up: dependencies first)
	agentService := service.NewAgentService(agentRepo, validator, log)
	workflowService := service.NewWorkflowService(workflowRepo, agentRepo, validator, log)
	runService := service.NewRunService(&service.RunServiceOpts{
		RunRepo:      runRepo,
		AgentRunRepo: agentRunRepo,
		ApprovalRepo: approvalRepo,
		WorkflowRepo: workflowRepo,
		Runner:       sched,
		Limiter:      limiter,
		RateLimit:    cfg.Safety.RateLimitPerMinute,
		Logger:       log,
	})
	approvalService := service.NewApprovalService(approvalRepo, sched, components.Events, validator, log)
	webhookService, err := service.NewWebhookService(
		workflowRepo, agentRepo, runService,
		cfg.Alerts.ChannelRule, cfg.Alerts.ProjectID, log,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize webhook service: %w", err)
	}

	return &Container{
		Components: components,
		Redis:      redisClient,

		AgentRepo:    agentRepo,
		WorkflowRepo: workflowRepo,
		RunRepo:      runRepo,
		AgentRunRepo: agentRunRepo,
		ApprovalRepo: approvalRepo,

		Executor:  sandbox,
		Breaker:   runtimeBreaker,
		Scheduler: sched,

		AgentService:    agentService,
		WorkflowService: workflowService,
		RunService:      runService,
		ApprovalService: approvalService,
		WebhookService:  webhookService,
	}, nil
}
