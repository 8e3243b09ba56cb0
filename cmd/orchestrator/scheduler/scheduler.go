package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/stackbound/agentflow/cmd/orchestrator/executor"
	"github.com/stackbound/agentflow/common/breaker"
	"github.com/stackbound/agentflow/common/events"
	"github.com/stackbound/agentflow/common/logger"
	"github.com/stackbound/agentflow/common/metrics"
	"github.com/stackbound/agentflow/common/models"
)

// Scheduler executes workflow runs: it claims a run, validates the graph,
// iterates the ready set, dispatches agents concurrently, and owns the
// failure, retry and approval semantics. Runs are islands; the only state
// shared between them is the executor semaphore and the circuit breaker.
type Scheduler struct {
	runs      RunStore
	agentRuns AgentRunStore
	approvals ApprovalStore
	workflows WorkflowStore
	agents    AgentStore

	exec    executor.Executor
	guard   *breaker.Breaker
	events  events.Publisher
	metrics *metrics.Metrics
	tracer  trace.Tracer
	log     *logger.Logger

	sem         *semaphore.Weighted
	maxAttempts int
	backoff     time.Duration
	maxProbes   int

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

// Opts wires the scheduler's dependencies.
type Opts struct {
	Runs      RunStore
	AgentRuns AgentRunStore
	Approvals ApprovalStore
	Workflows WorkflowStore
	Agents    AgentStore

	Executor executor.Executor
	Breaker  *breaker.Breaker
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	Logger   *logger.Logger

	MaxConcurrency     int
	MaxAttempts        int           // attempt budget per node, default 1
	UnavailableBackoff time.Duration // base backoff while the breaker is open
	UnavailableProbes  int           // bounded retries on Unavailable
}

// New creates a scheduler.
func New(opts Opts) *Scheduler {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 16
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.UnavailableBackoff <= 0 {
		opts.UnavailableBackoff = time.Second
	}
	if opts.UnavailableProbes <= 0 {
		opts.UnavailableProbes = 5
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("agentflow")
	}

	return &Scheduler{
		runs:        opts.Runs,
		agentRuns:   opts.AgentRuns,
		approvals:   opts.Approvals,
		workflows:   opts.Workflows,
		agents:      opts.Agents,
		exec:        opts.Executor,
		guard:       opts.Breaker,
		events:      opts.Events,
		metrics:     opts.Metrics,
		tracer:      tracer,
		log:         opts.Logger,
		sem:         semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.UnavailableBackoff,
		maxProbes:   opts.UnavailableProbes,
		cancels:     make(map[uuid.UUID]context.CancelFunc),
	}
}

// ExecuteRun claims a PENDING run and drives it to completion or
// suspension. Concurrent callers race on the claim: exactly one wins,
// the rest get ErrAlreadyClaimed.
func (s *Scheduler) ExecuteRun(ctx context.Context, runID uuid.UUID) error {
	if err := s.runs.ClaimRun(ctx, runID); err != nil {
		return err
	}
	return s.drive(ctx, runID, true)
}

// ResumeRun re-enters a run after all its approvals were granted. The
// guarded WAITING_APPROVAL -> RUNNING transition makes concurrent
// resumes idempotent.
func (s *Scheduler) ResumeRun(ctx context.Context, runID uuid.UUID) error {
	err := s.runs.TransitionStatus(ctx, runID, models.RunWaitingApproval, models.RunRunning)
	if err != nil {
		if errors.Is(err, models.ErrStateConflict) {
			return nil
		}
		return err
	}
	return s.drive(ctx, runID, false)
}

// Cancel terminates a run: in-flight containers are signalled, their
// rows finalised as FAILED(Cancelled), and the run marked CANCELLED.
func (s *Scheduler) Cancel(ctx context.Context, runID uuid.UUID) error {
	if err := s.runs.FinishRun(ctx, runID, models.RunCancelled, "cancelled"); err != nil {
		return err
	}

	s.mu.Lock()
	if cancel, ok := s.cancels[runID]; ok {
		cancel()
	}
	s.mu.Unlock()

	if err := s.agentRuns.CancelRunning(ctx, runID); err != nil {
		return err
	}

	s.publish(ctx, events.SubjectRunFinished, events.Envelope{
		RunID:  runID.String(),
		Status: string(models.RunCancelled),
	})
	s.metrics.RunsTotal.WithLabelValues(string(models.RunCancelled)).Inc()
	return nil
}

// FailAfterRejection finalises a run whose approval was rejected: every
// node that never ran is recorded SKIPPED and the run finishes FAILED.
// Agents already in flight keep their natural outcome.
func (s *Scheduler) FailAfterRejection(ctx context.Context, runID uuid.UUID) error {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	wf, err := s.workflows.GetByID(ctx, run.WorkflowID)
	if err != nil {
		return err
	}
	graph, err := BuildGraph(wf.Nodes)
	if err != nil {
		return err
	}

	existing, err := s.agentRuns.ListByRun(ctx, runID)
	if err != nil {
		return err
	}
	ran := make(map[string]bool, len(existing))
	for _, ar := range existing {
		ran[ar.NodeID] = true
	}

	for _, nodeID := range graph.NodeIDs() {
		if ran[nodeID] {
			continue
		}
		if err := s.agentRuns.InsertSkipped(ctx, runID, graph.Nodes[nodeID]); err != nil {
			s.log.WithRunID(runID.String()).Warn("record skipped node failed",
				"node_id", nodeID, "error", err)
		}
	}

	if err := s.runs.FinishRun(ctx, runID, models.RunFailed, "approval rejected"); err != nil {
		if !errors.Is(err, models.ErrStateConflict) {
			return err
		}
		return nil
	}

	s.publish(ctx, events.SubjectRunFinished, events.Envelope{
		RunID:  runID.String(),
		Status: string(models.RunFailed),
	})
	s.metrics.RunsTotal.WithLabelValues(string(models.RunFailed)).Inc()
	return nil
}

// drive loads the graph and runs the scheduling loop until the run
// reaches a terminal state or suspends on approvals.
func (s *Scheduler) drive(ctx context.Context, runID uuid.UUID, fresh bool) error {
	log := s.log.WithRunID(runID.String())

	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	wf, err := s.workflows.GetByID(ctx, run.WorkflowID)
	if err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow.id", wf.ID.String()),
			attribute.String("workflow.name", wf.Name),
			attribute.String("workflow.trigger", run.Trigger),
			attribute.String("workflow.run.id", runID.String()),
		))
	defer span.End()

	graph, err := BuildGraph(wf.Nodes)
	if err != nil {
		log.Error("graph validation failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return s.finishRun(ctx, run, span, models.RunFailed, string(models.FailureCyclicGraph))
	}

	agents, err := s.loadAgents(ctx, graph)
	if err != nil {
		log.Error("agent resolution failed", "error", err)
		span.RecordError(err)
		return s.finishRun(ctx, run, span, models.RunFailed, err.Error())
	}

	st := newRunState(run.Context)
	if fresh {
		s.publish(ctx, events.SubjectRunStarted, events.Envelope{
			RunID:  runID.String(),
			Status: string(models.RunRunning),
		})
	} else if err := s.restoreState(ctx, runID, st); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancels[runID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, runID)
		s.mu.Unlock()
	}()

	s.metrics.WorkflowsActive.Inc()
	defer s.metrics.WorkflowsActive.Dec()

	d := &runDriver{
		s:       s,
		run:     run,
		span:    span,
		graph:   graph,
		agents:  agents,
		st:      st,
		// Each node has at most one invocation outstanding at a time
		// (the loop observes attempt n before dispatching n+1), so at
		// most len(Nodes) sends can ever be pending; the rest is slack.
		results: make(chan outcome, 2*len(graph.Nodes)+4),
		log:     log,
	}
	return d.loop(runCtx)
}

// loadAgents prefetches every referenced agent and verifies each
// (agent, action) pair exists, so the loop makes no per-node round trips.
func (s *Scheduler) loadAgents(ctx context.Context, graph *Graph) (map[uuid.UUID]*models.Agent, error) {
	agents := make(map[uuid.UUID]*models.Agent)
	for _, nodeID := range graph.NodeIDs() {
		node := graph.Nodes[nodeID]
		agent, ok := agents[node.AgentID]
		if !ok {
			var err error
			agent, err = s.agents.GetByID(ctx, node.AgentID)
			if err != nil {
				return nil, fmt.Errorf("agent for node %q: %w", nodeID, err)
			}
			agents[node.AgentID] = agent
		}
		if agent.Capability(node.Action) == nil {
			return nil, fmt.Errorf("agent %q has no action %q (node %q)", agent.Name, node.Action, nodeID)
		}
	}
	return agents, nil
}

// restoreState rebuilds the loop's sets from persisted AgentRun and
// approval rows when re-entering a suspended or recovered run.
func (s *Scheduler) restoreState(ctx context.Context, runID uuid.UUID, st *runState) error {
	agentRuns, err := s.agentRuns.ListByRun(ctx, runID)
	if err != nil {
		return err
	}

	// Retried nodes have several rows; the rows come back in start
	// order, so the last one per node is authoritative.
	latest := make(map[string]*models.AgentRun, len(agentRuns))
	for _, ar := range agentRuns {
		latest[ar.NodeID] = ar
	}
	for nodeID, ar := range latest {
		switch ar.Status {
		case models.AgentRunSuccess:
			st.completed[nodeID] = ar.Output
			st.env.AddOutput(nodeID, ar.Output)
		case models.AgentRunFailed:
			agentErr := ar.Error
			if agentErr == nil {
				agentErr = &models.AgentError{Kind: models.FailureRuntimeError, Message: "unknown"}
			}
			if agentErr.Kind == models.FailureCancelled {
				// Orphaned by a crash, not a real outcome: the
				// node dispatches again and repeats the attempt.
				if ar.Attempt > 1 {
					st.attempts[nodeID] = ar.Attempt - 1
				}
				continue
			}
			if agentErr.Kind.Retryable() && ar.Attempt < s.maxAttempts {
				// Attempt budget remains, typically because the
				// failure landed while the run was suspended on a
				// gate. The node stays unseen; the loop dispatches
				// the next attempt.
				st.attempts[nodeID] = ar.Attempt
				continue
			}
			st.failed[nodeID] = agentErr
		case models.AgentRunSkipped:
			st.skipped[nodeID] = true
		}
	}

	approvals, err := s.approvals.ListByRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, approval := range approvals {
		switch approval.Status {
		case models.ApprovalApproved:
			st.approved[approval.NodeID] = true
		case models.ApprovalPending:
			st.awaiting[approval.NodeID] = true
		}
	}
	return nil
}

func (s *Scheduler) finishRun(ctx context.Context, run *models.WorkflowRun, span trace.Span, status models.RunStatus, reason string) error {
	if err := s.runs.FinishRun(ctx, run.ID, status, reason); err != nil {
		if !errors.Is(err, models.ErrStateConflict) {
			return err
		}
		return nil
	}

	var durationMS int64
	if run.StartedAt != nil {
		durationMS = time.Since(*run.StartedAt).Milliseconds()
	}
	span.SetAttributes(
		attribute.String("workflow.status", string(status)),
		attribute.Int64("workflow.duration.ms", durationMS),
	)

	s.publish(ctx, events.SubjectRunFinished, events.Envelope{
		RunID:  run.ID.String(),
		Status: string(status),
	})
	s.metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	s.metrics.RunDuration.Observe(float64(durationMS))
	return nil
}

func (s *Scheduler) publish(ctx context.Context, subject string, env events.Envelope) {
	if err := s.events.Publish(ctx, subject, env); err != nil {
		s.metrics.EventsDropped.Inc()
	}
}
