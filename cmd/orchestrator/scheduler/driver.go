package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stackbound/agentflow/cmd/orchestrator/executor"
	"github.com/stackbound/agentflow/cmd/orchestrator/resolver"
	"github.com/stackbound/agentflow/common/breaker"
	"github.com/stackbound/agentflow/common/events"
	"github.com/stackbound/agentflow/common/logger"
	"github.com/stackbound/agentflow/common/models"
)

// runState tracks where every node of one run stands. Each node id lives
// in at most one of the sets; a node in none of them is not yet eligible
// or not yet reached.
type runState struct {
	env       resolver.Env
	completed map[string]map[string]any
	failed    map[string]*models.AgentError
	skipped   map[string]bool
	running   map[string]bool
	awaiting  map[string]bool

	// approved marks nodes whose gate was granted but which have not
	// dispatched yet. Unlike the sets above it does not make a node
	// "seen": an approved node goes back into the ready pool.
	approved map[string]bool

	// attempts records the last consumed attempt number for nodes that
	// are not terminal yet, so a retry parked across a suspension (or a
	// crash) resumes with the right attempt count instead of restarting.
	attempts map[string]int
}

func newRunState(runContext map[string]any) *runState {
	return &runState{
		env:       resolver.NewEnv(runContext),
		completed: make(map[string]map[string]any),
		failed:    make(map[string]*models.AgentError),
		skipped:   make(map[string]bool),
		running:   make(map[string]bool),
		awaiting:  make(map[string]bool),
		approved:  make(map[string]bool),
		attempts:  make(map[string]int),
	}
}

func (st *runState) seen(id string) bool {
	if _, ok := st.completed[id]; ok {
		return true
	}
	if _, ok := st.failed[id]; ok {
		return true
	}
	return st.skipped[id] || st.running[id] || st.awaiting[id]
}

// outcome is one finished invocation delivered back to the loop.
type outcome struct {
	nodeID     string
	agentRunID uuid.UUID
	attempt    int
	res        executor.Result
}

// runDriver is the per-run scheduling loop. It is single-threaded:
// dispatch fans invocations out to goroutines, but every state mutation
// happens on the loop goroutine via the results channel.
type runDriver struct {
	s       *Scheduler
	run     *models.WorkflowRun
	span    trace.Span
	graph   *Graph
	agents  map[uuid.UUID]*models.Agent
	st      *runState
	results chan outcome
	log     *logger.Logger
}

// loop dispatches ready nodes and folds outcomes back in until the run
// finishes, suspends on approvals, or is cancelled.
func (d *runDriver) loop(ctx context.Context) error {
	for {
		if len(d.st.awaiting) == 0 {
			for _, nodeID := range d.graph.Ready(d.st) {
				node := d.graph.Nodes[nodeID]
				agent := d.agents[node.AgentID]

				if d.needsApproval(node, agent) {
					if err := d.requestApproval(ctx, nodeID); err != nil {
						return err
					}
					continue
				}

				// A gate earlier in this tick suspended the run;
				// later gates still open, later plain nodes wait.
				if len(d.st.awaiting) > 0 {
					continue
				}

				d.dispatch(ctx, node, agent, d.st.attempts[nodeID]+1)
			}
		}

		if len(d.st.running) == 0 {
			if len(d.st.awaiting) > 0 {
				// Suspended. ResumeRun re-enters once every
				// gate is granted.
				d.log.Info("run suspended on approvals", "pending", len(d.st.awaiting))
				return nil
			}
			if len(d.graph.Ready(d.st)) == 0 {
				return d.finalize(ctx)
			}
			continue
		}

		select {
		case <-ctx.Done():
			// Cancel finalises the run and its rows; in-flight
			// goroutines observe the dead context and drain into
			// the buffered channel.
			return ctx.Err()
		case out := <-d.results:
			d.observe(ctx, out)
		}
	}
}

func (d *runDriver) needsApproval(node *models.WorkflowNode, agent *models.Agent) bool {
	if d.st.approved[node.NodeID] {
		return false
	}
	return node.ApprovalRequired || agent.RiskLevel == models.RiskApprovalRequired
}

// requestApproval opens a PENDING gate for the node and parks it. The
// repository suspends the run in the same transaction.
func (d *runDriver) requestApproval(ctx context.Context, nodeID string) error {
	approval, err := d.s.approvals.Request(ctx, d.run.ID, nodeID)
	if err != nil {
		return fmt.Errorf("request approval for node %q: %w", nodeID, err)
	}
	d.st.awaiting[nodeID] = true

	d.log.WithNodeID(nodeID).Info("approval requested", "approval_id", approval.ID)
	d.s.publish(ctx, events.SubjectApprovalRequest, events.Envelope{
		RunID:      d.run.ID.String(),
		NodeID:     nodeID,
		ApprovalID: approval.ID.String(),
		Status:     string(models.ApprovalPending),
	})
	return nil
}

// dispatch resolves the node's input and launches the invocation. Any
// resolution failure is a deterministic node failure, no agent runs.
//
// Resolution sees only the run context and the node's own ancestors.
// Without the scope an unrelated node that happened to finish earlier
// would satisfy a reference that must fail UnknownReference, and the
// same workflow would succeed or fail on timing.
func (d *runDriver) dispatch(ctx context.Context, node *models.WorkflowNode, agent *models.Agent, attempt int) {
	log := d.log.WithNodeID(node.NodeID).WithAgent(agent.Name)

	input, err := resolver.Resolve(node.Input, d.st.env.Scoped(d.graph.Ancestors(node.NodeID)))
	if err != nil {
		log.Warn("input resolution failed", "error", err)
		d.failNode(ctx, node, agent, &models.AgentError{
			Kind:    models.FailureTemplateError,
			Message: err.Error(),
		})
		return
	}

	agentRunID, err := d.s.agentRuns.Start(ctx, &models.AgentRun{
		WorkflowRunID: d.run.ID,
		NodeID:        node.NodeID,
		AgentID:       agent.ID,
		AgentName:     agent.Name,
		ResolvedInput: input,
		Attempt:       attempt,
	})
	if err != nil {
		log.Error("start agent run failed", "error", err)
		d.failNode(ctx, node, agent, &models.AgentError{
			Kind:    models.FailureRuntimeError,
			Message: fmt.Sprintf("persist invocation: %v", err),
		})
		return
	}

	d.st.running[node.NodeID] = true
	d.st.attempts[node.NodeID] = attempt
	d.s.publish(ctx, events.SubjectAgentStarted, events.Envelope{
		RunID:   d.run.ID.String(),
		NodeID:  node.NodeID,
		AgentID: agent.ID.String(),
		Status:  string(models.AgentRunRunning),
	})

	capability := agent.Capability(node.Action)
	spec := executor.Spec{
		AgentName:    agent.Name,
		EntryPath:    agent.EntryPath,
		Action:       node.Action,
		Input:        input,
		OutputSchema: capability.OutputSchema,
	}

	go d.invoke(ctx, spec, node.NodeID, agent.ID, agentRunID, attempt)
}

// invoke runs one invocation under the concurrency semaphore and the
// runtime breaker. A refused call backs off and re-probes a bounded
// number of times without consuming the node's attempt budget.
func (d *runDriver) invoke(ctx context.Context, spec executor.Spec, nodeID string, agentID, agentRunID uuid.UUID, attempt int) {
	out := outcome{nodeID: nodeID, agentRunID: agentRunID, attempt: attempt}
	defer func() { d.results <- out }()

	if err := d.s.sem.Acquire(ctx, 1); err != nil {
		out.res = executor.Result{Failure: &models.AgentError{
			Kind:    models.FailureCancelled,
			Message: "invocation cancelled",
		}}
		return
	}
	defer d.s.sem.Release(1)

	ctx, span := d.s.tracer.Start(ctx, "agent.execute",
		trace.WithAttributes(
			attribute.String("agent.id", agentID.String()),
			attribute.String("agent.name", spec.AgentName),
			attribute.String("agent.action", spec.Action),
			attribute.String("workflow.run.id", d.run.ID.String()),
			attribute.String("workflow.node.id", nodeID),
			attribute.Int("agent.attempt", attempt),
		))
	defer span.End()
	defer func() {
		status := models.AgentRunSuccess
		if out.res.Failure != nil {
			status = models.AgentRunFailed
			span.SetAttributes(attribute.String("agent.failure.kind", string(out.res.Failure.Kind)))
		}
		span.SetAttributes(
			attribute.String("agent.status", string(status)),
			attribute.Int64("agent.duration.ms", out.res.Duration.Milliseconds()),
		)
	}()

	for probe := 0; ; probe++ {
		res, err := d.s.guard.Execute(func() (any, error) {
			r := d.s.exec.Execute(ctx, spec)
			// Only runtime-level faults feed the breaker; an
			// agent's own bad exit says nothing about Docker.
			if r.Failure != nil && r.Failure.Kind == models.FailureRuntimeError {
				return r, errors.New(r.Failure.Message)
			}
			return r, nil
		})

		if errors.Is(err, breaker.ErrUnavailable) {
			if probe < d.s.maxProbes {
				select {
				case <-time.After(d.s.backoff * time.Duration(probe+1)):
					continue
				case <-ctx.Done():
					out.res = executor.Result{Failure: &models.AgentError{
						Kind:    models.FailureCancelled,
						Message: "invocation cancelled",
					}}
					return
				}
			}
			out.res = executor.Result{Failure: &models.AgentError{
				Kind:    models.FailureRuntimeError,
				Message: breaker.ErrUnavailable.Error(),
			}}
			return
		}

		out.res = res.(executor.Result)
		return
	}
}

// observe folds one finished invocation back into the run state.
func (d *runDriver) observe(ctx context.Context, out outcome) {
	delete(d.st.running, out.nodeID)

	node := d.graph.Nodes[out.nodeID]
	agent := d.agents[node.AgentID]
	log := d.log.WithNodeID(out.nodeID).WithAgent(agent.Name)
	durationMS := out.res.Duration.Milliseconds()

	if out.res.Success() {
		if err := d.s.agentRuns.Finish(ctx, out.agentRunID, models.AgentRunSuccess, out.res.Output, nil, durationMS); err != nil {
			log.Error("finish agent run failed", "error", err)
		}
		d.st.completed[out.nodeID] = out.res.Output
		d.st.env.AddOutput(out.nodeID, out.res.Output)

		log.Info("agent succeeded", "duration_ms", durationMS)
		d.s.publish(ctx, events.SubjectAgentFinished, events.Envelope{
			RunID:   d.run.ID.String(),
			NodeID:  out.nodeID,
			AgentID: agent.ID.String(),
			Status:  string(models.AgentRunSuccess),
		})
		d.s.metrics.AgentRunsTotal.WithLabelValues(agent.Name, string(models.AgentRunSuccess)).Inc()
		d.s.metrics.AgentDuration.WithLabelValues(agent.Name).Observe(float64(durationMS))
		return
	}

	failure := out.res.Failure
	if err := d.s.agentRuns.Finish(ctx, out.agentRunID, models.AgentRunFailed, nil, failure, durationMS); err != nil {
		log.Error("finish agent run failed", "error", err)
	}

	log.Warn("agent failed",
		"kind", failure.Kind,
		"message", failure.Message,
		"attempt", out.attempt,
		"stderr", out.res.Stderr)
	d.s.publish(ctx, events.SubjectAgentFinished, events.Envelope{
		RunID:   d.run.ID.String(),
		NodeID:  out.nodeID,
		AgentID: agent.ID.String(),
		Status:  string(models.AgentRunFailed),
	})
	d.s.metrics.AgentRunsTotal.WithLabelValues(agent.Name, string(models.AgentRunFailed)).Inc()
	d.s.metrics.AgentErrors.WithLabelValues(agent.Name, string(failure.Kind)).Inc()

	if failure.Kind.Retryable() && out.attempt < d.s.maxAttempts {
		if len(d.st.awaiting) > 0 {
			// The run is suspended on a gate; dispatching now would
			// start an agent under WAITING_APPROVAL. The node stays
			// unseen and its FAILED row keeps the attempt count, so
			// the retry happens after resume.
			return
		}
		d.s.metrics.AgentRetries.WithLabelValues(agent.Name).Inc()
		d.dispatch(ctx, node, agent, out.attempt+1)
		return
	}

	d.st.failed[out.nodeID] = failure
}

// failNode records a node failure that happened before any invocation
// could start: a RUNNING row is opened and immediately finalised so the
// run's history stays complete.
func (d *runDriver) failNode(ctx context.Context, node *models.WorkflowNode, agent *models.Agent, agentErr *models.AgentError) {
	agentRunID, err := d.s.agentRuns.Start(ctx, &models.AgentRun{
		WorkflowRunID: d.run.ID,
		NodeID:        node.NodeID,
		AgentID:       agent.ID,
		AgentName:     agent.Name,
		Attempt:       1,
	})
	if err == nil {
		if ferr := d.s.agentRuns.Finish(ctx, agentRunID, models.AgentRunFailed, nil, agentErr, 0); ferr != nil {
			d.log.WithNodeID(node.NodeID).Error("finish agent run failed", "error", ferr)
		}
	} else {
		d.log.WithNodeID(node.NodeID).Error("record node failure failed", "error", err)
	}

	d.st.failed[node.NodeID] = agentErr
	d.s.publish(ctx, events.SubjectAgentFinished, events.Envelope{
		RunID:   d.run.ID.String(),
		NodeID:  node.NodeID,
		AgentID: agent.ID.String(),
		Status:  string(models.AgentRunFailed),
	})
	d.s.metrics.AgentRunsTotal.WithLabelValues(agent.Name, string(models.AgentRunFailed)).Inc()
	d.s.metrics.AgentErrors.WithLabelValues(agent.Name, string(agentErr.Kind)).Inc()
}

// finalize closes out a drained run: transitive descendants of failed
// nodes are recorded SKIPPED, then the run finishes FAILED or SUCCESS.
func (d *runDriver) finalize(ctx context.Context) error {
	if len(d.st.failed) == 0 {
		d.log.Info("run succeeded")
		return d.s.finishRun(ctx, d.run, d.span, models.RunSuccess, "")
	}

	roots := make(map[string]bool, len(d.st.failed))
	var firstNode string
	for nodeID := range d.st.failed {
		roots[nodeID] = true
		if firstNode == "" || nodeID < firstNode {
			firstNode = nodeID
		}
	}
	agentErr := d.st.failed[firstNode]
	failureSummary := fmt.Sprintf("node %s: %s: %s", firstNode, agentErr.Kind, agentErr.Message)

	for nodeID := range d.graph.Descendants(roots) {
		if d.st.seen(nodeID) {
			continue
		}
		d.st.skipped[nodeID] = true
		if err := d.s.agentRuns.InsertSkipped(ctx, d.run.ID, d.graph.Nodes[nodeID]); err != nil {
			d.log.WithNodeID(nodeID).Warn("record skipped node failed", "error", err)
		}
	}

	d.log.Warn("run failed", "failed_nodes", len(d.st.failed))
	return d.s.finishRun(ctx, d.run, d.span, models.RunFailed, failureSummary)
}
