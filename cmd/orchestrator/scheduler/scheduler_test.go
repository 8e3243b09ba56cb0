package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/stackbound/agentflow/cmd/orchestrator/executor"
	"github.com/stackbound/agentflow/common/breaker"
	"github.com/stackbound/agentflow/common/config"
	"github.com/stackbound/agentflow/common/events"
	"github.com/stackbound/agentflow/common/logger"
	"github.com/stackbound/agentflow/common/metrics"
	"github.com/stackbound/agentflow/common/models"
)

// memStore is an in-memory stand-in for the pgx repositories. It
// implements every gateway interface the scheduler consumes.
type memStore struct {
	mu            sync.Mutex
	runs          map[uuid.UUID]*models.WorkflowRun
	workflows     map[uuid.UUID]*models.Workflow
	agents        map[uuid.UUID]*models.Agent
	agentRuns     []*models.AgentRun
	approvals     map[uuid.UUID]*models.WorkflowApproval
	dispatchOrder []string
}

func newMemStore() *memStore {
	return &memStore{
		runs:      make(map[uuid.UUID]*models.WorkflowRun),
		workflows: make(map[uuid.UUID]*models.Workflow),
		agents:    make(map[uuid.UUID]*models.Agent),
		approvals: make(map[uuid.UUID]*models.WorkflowApproval),
	}
}

func (m *memStore) addAgent(name string, risk models.RiskLevel) *models.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent := &models.Agent{
		ID:        uuid.New(),
		ProjectID: 1,
		Name:      name,
		Kind:      models.AgentKindScript,
		EntryPath: "agents/" + name,
		RiskLevel: risk,
		Capabilities: []models.Capability{
			{Name: "run"},
		},
	}
	m.agents[agent.ID] = agent
	return agent
}

func (m *memStore) addWorkflow(nodes ...models.WorkflowNode) *models.Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf := &models.Workflow{
		ID:        uuid.New(),
		ProjectID: 1,
		Name:      "test-workflow",
		Trigger:   models.TriggerManual,
		Status:    models.WorkflowActive,
		Nodes:     nodes,
	}
	m.workflows[wf.ID] = wf
	return wf
}

func (m *memStore) addRun(workflowID uuid.UUID, runContext map[string]any) *models.WorkflowRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := &models.WorkflowRun{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		Trigger:    "manual",
		Context:    runContext,
		Status:     models.RunPending,
		CreatedAt:  time.Now(),
	}
	m.runs[run.ID] = run
	return run
}

func (m *memStore) ClaimRun(_ context.Context, runID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return models.ErrNotFound
	}
	if run.Status != models.RunPending {
		return models.ErrAlreadyClaimed
	}
	now := time.Now()
	run.Status = models.RunRunning
	run.StartedAt = &now
	return nil
}

func (m *memStore) TransitionStatus(_ context.Context, runID uuid.UUID, from, to models.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.Status != from {
		return models.ErrStateConflict
	}
	run.Status = to
	return nil
}

func (m *memStore) FinishRun(_ context.Context, runID uuid.UUID, status models.RunStatus, runErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return models.ErrNotFound
	}
	if run.Status.Terminal() {
		return models.ErrStateConflict
	}
	now := time.Now()
	run.Status = status
	run.Error = runErr
	run.FinishedAt = &now
	return nil
}

func (m *memStore) GetByID(_ context.Context, runID uuid.UUID) (*models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (m *memStore) ListByStatus(_ context.Context, status models.RunStatus, limit int) ([]*models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.WorkflowRun
	for _, run := range m.runs {
		if run.Status == status && len(out) < limit {
			copied := *run
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memStore) Start(_ context.Context, run *models.AgentRun) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	row := *run
	row.ID = uuid.New()
	row.Status = models.AgentRunRunning
	row.StartedAt = &now
	m.agentRuns = append(m.agentRuns, &row)
	m.dispatchOrder = append(m.dispatchOrder, run.NodeID)
	return row.ID, nil
}

func (m *memStore) Finish(_ context.Context, id uuid.UUID, status models.AgentRunStatus, output map[string]any, agentErr *models.AgentError, durationMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.agentRuns {
		if row.ID != id {
			continue
		}
		if row.Status != models.AgentRunRunning {
			return models.ErrStateConflict
		}
		now := time.Now()
		row.Status = status
		row.Output = output
		row.Error = agentErr
		row.DurationMS = durationMS
		row.FinishedAt = &now
		return nil
	}
	return models.ErrNotFound
}

func (m *memStore) InsertSkipped(_ context.Context, runID uuid.UUID, node *models.WorkflowNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentRuns = append(m.agentRuns, &models.AgentRun{
		ID:            uuid.New(),
		WorkflowRunID: runID,
		NodeID:        node.NodeID,
		AgentID:       node.AgentID,
		AgentName:     node.AgentName,
		Status:        models.AgentRunSkipped,
	})
	return nil
}

func (m *memStore) ListByRun(_ context.Context, runID uuid.UUID) ([]*models.AgentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AgentRun
	for _, row := range m.agentRuns {
		if row.WorkflowRunID == runID {
			copied := *row
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memStore) CancelRunning(_ context.Context, runID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.agentRuns {
		if row.WorkflowRunID == runID && row.Status == models.AgentRunRunning {
			row.Status = models.AgentRunFailed
			row.Error = &models.AgentError{Kind: models.FailureCancelled, Message: "run cancelled"}
		}
	}
	return nil
}

func (m *memStore) Request(_ context.Context, runID uuid.UUID, nodeID string) (*models.WorkflowApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if run.Status != models.RunRunning && run.Status != models.RunWaitingApproval {
		return nil, models.ErrStateConflict
	}
	run.Status = models.RunWaitingApproval

	approval := &models.WorkflowApproval{
		ID:            uuid.New(),
		WorkflowRunID: runID,
		NodeID:        nodeID,
		Status:        models.ApprovalPending,
		RequestedAt:   time.Now(),
	}
	m.approvals[approval.ID] = approval
	return approval, nil
}

func (m *memStore) CountPending(_ context.Context, runID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, a := range m.approvals {
		if a.WorkflowRunID == runID && a.Status == models.ApprovalPending {
			count++
		}
	}
	return count, nil
}

func (m *memStore) approvalsByRun(runID uuid.UUID) []*models.WorkflowApproval {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.WorkflowApproval
	for _, a := range m.approvals {
		if a.WorkflowRunID == runID {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out
}

// WorkflowStore / AgentStore views; the run-store GetByID above shadows
// these by signature, so expose them as separate adapters.
type workflowView struct{ *memStore }

func (v workflowView) GetByID(_ context.Context, id uuid.UUID) (*models.Workflow, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	wf, ok := v.workflows[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return wf, nil
}

type agentView struct{ *memStore }

func (v agentView) GetByID(_ context.Context, id uuid.UUID) (*models.Agent, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	agent, ok := v.agents[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return agent, nil
}

type approvalView struct{ *memStore }

func (v approvalView) ListByRun(_ context.Context, runID uuid.UUID) ([]*models.WorkflowApproval, error) {
	return v.approvalsByRun(runID), nil
}

// fakeExec runs canned handlers per agent name and tracks concurrency.
type fakeExec struct {
	mu        sync.Mutex
	handlers  map[string]func(spec executor.Spec) executor.Result
	active    int
	maxActive int
}

func newFakeExec() *fakeExec {
	return &fakeExec{handlers: make(map[string]func(spec executor.Spec) executor.Result)}
}

func (f *fakeExec) on(agentName string, h func(spec executor.Spec) executor.Result) {
	f.handlers[agentName] = h
}

func (f *fakeExec) returns(agentName string, output map[string]any) {
	f.on(agentName, func(executor.Spec) executor.Result {
		return executor.Result{Output: output, Duration: time.Millisecond}
	})
}

func (f *fakeExec) Execute(_ context.Context, spec executor.Spec) executor.Result {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	h := f.handlers[spec.AgentName]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if h == nil {
		return executor.Result{Output: map[string]any{"ok": true}, Duration: time.Millisecond}
	}
	return h(spec)
}

// recPublisher records every published envelope in order.
type recPublisher struct {
	mu       sync.Mutex
	subjects []string
	envs     []events.Envelope
}

func (p *recPublisher) Publish(_ context.Context, subject string, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.envs = append(p.envs, env)
	return nil
}

func (p *recPublisher) IsConnected() bool { return true }
func (p *recPublisher) Close()            {}

func (p *recPublisher) recorded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

type harness struct {
	store *memStore
	exec  *fakeExec
	pub   *recPublisher
	met   *metrics.Metrics
	brk   *breaker.Breaker
	sched *Scheduler
}

// harnessOpts tweaks the scheduler under test; zero values take the
// defaults below.
type harnessOpts struct {
	maxAttempts     int
	breakerFailures int
	backoff         time.Duration
	probes          int
	tracer          trace.Tracer
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, harnessOpts{})
}

func newHarnessWith(t *testing.T, ho harnessOpts) *harness {
	t.Helper()
	if ho.breakerFailures == 0 {
		ho.breakerFailures = 1000
	}
	if ho.backoff == 0 {
		ho.backoff = time.Millisecond
	}
	if ho.probes == 0 {
		ho.probes = 1
	}

	log := logger.New("error", "json")
	cfg := &config.Config{Safety: config.SafetyConfig{
		BreakerFailures:     ho.breakerFailures,
		BreakerWindow:       time.Minute,
		BreakerCooldown:     time.Second,
		BreakerProbeSuccess: 1,
	}}

	store := newMemStore()
	exec := newFakeExec()
	pub := &recPublisher{}
	met := metrics.New()
	brk := breaker.New(cfg, log)

	sched := New(Opts{
		Runs:      store,
		AgentRuns: store,
		Approvals: approvalView{store},
		Workflows: workflowView{store},
		Agents:    agentView{store},

		Executor: exec,
		Breaker:  brk,
		Events:   pub,
		Metrics:  met,
		Tracer:   ho.tracer,
		Logger:   log,

		MaxConcurrency:     8,
		MaxAttempts:        ho.maxAttempts,
		UnavailableBackoff: ho.backoff,
		UnavailableProbes:  ho.probes,
	})

	return &harness{store: store, exec: exec, pub: pub, met: met, brk: brk, sched: sched}
}

func wnode(id string, agent *models.Agent, input map[string]any, deps ...string) models.WorkflowNode {
	if input == nil {
		input = map[string]any{}
	}
	return models.WorkflowNode{
		NodeID:    id,
		AgentID:   agent.ID,
		AgentName: agent.Name,
		Action:    "run",
		Input:     input,
		DependsOn: deps,
	}
}

func (h *harness) agentRun(runID uuid.UUID, nodeID string) *models.AgentRun {
	rows := h.agentRows(runID, nodeID)
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

// agentRows returns every row for the node in start order.
func (h *harness) agentRows(runID uuid.UUID, nodeID string) []*models.AgentRun {
	all, _ := h.store.ListByRun(context.Background(), runID)
	var rows []*models.AgentRun
	for _, row := range all {
		if row.NodeID == nodeID {
			rows = append(rows, row)
		}
	}
	return rows
}

func TestExecuteRun_SingleNodeSuccess(t *testing.T) {
	h := newHarness(t)
	scanner := h.store.addAgent("scanner", models.RiskAuto)
	wf := h.store.addWorkflow(wnode("scan", scanner, nil))
	run := h.store.addRun(wf.ID, nil)

	h.exec.returns("scanner", map[string]any{"critical": float64(2)})

	require.NoError(t, h.sched.ExecuteRun(context.Background(), run.ID))

	got, _ := h.store.GetByID(context.Background(), run.ID)
	assert.Equal(t, models.RunSuccess, got.Status)
	require.NotNil(t, got.FinishedAt)

	row := h.agentRun(run.ID, "scan")
	require.NotNil(t, row)
	assert.Equal(t, models.AgentRunSuccess, row.Status)
	assert.Equal(t, float64(2), row.Output["critical"])

	assert.Equal(t, []string{
		events.SubjectRunStarted,
		events.SubjectAgentStarted,
		events.SubjectAgentFinished,
		events.SubjectRunFinished,
	}, h.pub.recorded())
}

func TestExecuteRun_SequentialTemplateFlow(t *testing.T) {
	h := newHarness(t)
	scanner := h.store.addAgent("scanner", models.RiskAuto)
	notifier := h.store.addAgent("notifier", models.RiskAuto)
	wf := h.store.addWorkflow(
		wnode("scan", scanner, nil),
		wnode("notify", notifier, map[string]any{
			"message": "Found {{scan.output.critical}} issues",
		}, "scan"),
	)
	run := h.store.addRun(wf.ID, nil)

	h.exec.returns("scanner", map[string]any{"critical": float64(7)})

	var received map[string]any
	h.exec.on("notifier", func(spec executor.Spec) executor.Result {
		received = spec.Input
		return executor.Result{Output: map[string]any{"sent": true}, Duration: time.Millisecond}
	})

	require.NoError(t, h.sched.ExecuteRun(context.Background(), run.ID))

	got, _ := h.store.GetByID(context.Background(), run.ID)
	assert.Equal(t, models.RunSuccess, got.Status)

	assert.Equal(t, []string{"scan", "notify"}, h.store.dispatchOrder)
	assert.Equal(t, "Found 7 issues", received["message"])

	notifyRow := h.agentRun(run.ID, "notify")
	require.NotNil(t, notifyRow)
	assert.Equal(t, "Found 7 issues", notifyRow.ResolvedInput["message"])

	scanRow := h.agentRun(run.ID, "scan")
	require.NotNil(t, scanRow.FinishedAt)
	assert.False(t, notifyRow.StartedAt.Before(*scanRow.FinishedAt))
}

func TestExecuteRun_DiamondRunsMiddleNodesConcurrently(t *testing.T) {
	h := newHarness(t)
	scanner := h.store.addAgent("scanner", models.RiskAuto)
	compliance := h.store.addAgent("compliance", models.RiskAuto)
	review := h.store.addAgent("review", models.RiskAuto)
	notifier := h.store.addAgent("notifier", models.RiskAuto)

	slow := func(executor.Spec) executor.Result {
		time.Sleep(100 * time.Millisecond)
		return executor.Result{Output: map[string]any{"ok": true}, Duration: 100 * time.Millisecond}
	}
	h.exec.on("compliance", slow)
	h.exec.on("review", slow)

	wf := h.store.addWorkflow(
		wnode("scan", scanner, nil),
		wnode("compliance", compliance, nil, "scan"),
		wnode("review", review, nil, "scan"),
		wnode("notify", notifier, nil, "compliance", "review"),
	)
	run := h.store.addRun(wf.ID, nil)

	require.NoError(t, h.sched.ExecuteRun(context.Background(), run.ID))

	got, _ := h.store.GetByID(context.Background(), run.ID)
	assert.Equal(t, models.RunSuccess, got.Status)
	assert.GreaterOrEqual(t, h.exec.maxActive, 2, "middle nodes should overlap")
	assert.Equal(t, "notify", h.store.dispatchOrder[len(h.store.dispatchOrder)-1])
}

func TestExecuteRun_ApprovalSuspendsThenResumes(t *testing.T) {
	h := newHarness(t)
	scanner := h.store.addAgent("scanner", models.RiskAuto)
	patcher := h.store.addAgent("patcher", models.RiskApprovalRequired)
	wf := h.store.addWorkflow(
		wnode("scan", scanner, nil),
		wnode("patch", patcher, nil, "scan"),
	)
	run := h.store.addRun(wf.ID, nil)

	require.NoError(t, h.sched.ExecuteRun(context.Background(), run.ID))

	got, _ := h.store.GetByID(context.Background(), run.ID)
	assert.Equal(t, models.RunWaitingApproval, got.Status)

	approvals := h.store.approvalsByRun(run.ID)
	require.Len(t, approvals, 1)
	assert.Equal(t, models.ApprovalPending, approvals[0].Status)
	assert.Equal(t, "patch", approvals[0].NodeID)

	// No invocation for the gated node while suspended
	assert.Nil(t, h.agentRun(run.ID, "patch"))

	// Grant the gate and resume
	h.store.mu.Lock()
	h.store.approvals[approvals[0].ID].Status = models.ApprovalApproved
	h.store.mu.Unlock()

	require.NoError(t, h.sched.ResumeRun(context.Background(), run.ID))

	got, _ = h.store.GetByID(context.Background(), run.ID)
	assert.Equal(t, models.RunSuccess, got.Status)

	patchRow := h.agentRun(run.ID, "patch")
	require.NotNil(t, patchRow)
	assert.Equal(t, models.AgentRunSuccess, patchRow.Status)
}

func TestFailAfterRejection_SkipsUnrunNodes(t *testing.T) {
	h := newHarness(t)
	scanner := h.store.addAgent("scanner", models.RiskAuto)
	patcher := h.store.addAgent("patcher", models.RiskApprovalRequired)
	wf := h.store.addWorkflow(
		wnode("scan", scanner, nil),
		wnode("patch", patcher, nil, "scan"),
	)
	run := h.store.addRun(wf.ID, nil)

	require.NoError(t, h.sched.ExecuteRun(context.Background(), run.ID))

	approvals := h.store.approvalsByRun(run.ID)
	require.Len(t, approvals, 1)
	h.store.mu.Lock()
	h.store.approvals[approvals[0].ID].Status = models.ApprovalRejected
	h.store.mu.Unlock()

	require.NoError(t, h.sched.FailAfterRejection(context.Background(), run.ID))

	got, _ := h.store.GetByID(context.Background(), run.ID)
	assert.Equal(t, models.RunFailed, got.Status)

	patchRow := h.agentRun(run.ID, "patch")
	require.NotNil(t, patchRow)
	assert.Equal(t, models.AgentRunSkipped, patchRow.Status)

	subjects := h.pub.recorded()
	assert.Equal(t, events.SubjectRunFinished, subjects[len(subjects)-1])
}

func TestExecuteRun_FailurePropagation(t *testing.T) {
	h := newHarness(t)
	a := h.store.addAgent("alpha", models.RiskAuto)
	b := h.store.addAgent("beta", models.RiskAuto)
	c := h.store.addAgent("gamma", models.RiskAuto)
	wf := h.store.addWorkflow(
		wnode("a", a, nil),
		wnode("b", b, nil, "a"),
		wnode("c", c, nil, "b"),
	)
	run := h.store.addRun(wf.ID, nil)

	h.exec.on("beta", func(executor.Spec) executor.Result {
		return executor.Result{
			Failure:  &models.AgentError{Kind: models.FailureNonZeroExit, Message: "exit code 2"},
			Duration: time.Millisecond,
		}
	})

	require.NoError(t, h.sched.ExecuteRun(context.Background(), run.ID))

	got, _ := h.store.GetByID(context.Background(), run.ID)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Contains(t, got.Error, "NonZeroExit")

	assert.Equal(t, models.AgentRunSuccess, h.agentRun(run.ID, "a").Status)
	assert.Equal(t, models.AgentRunFailed, h.agentRun(run.ID, "b").Status)
	assert.Equal(t, models.AgentRunSkipped, h.agentRun(run.ID, "c").Status)

	errCount := testutil.ToFloat64(h.met.AgentErrors.WithLabelValues("beta", "NonZeroExit"))
	assert.Equal(t, 1.0, errCount)
}

func TestExecuteRun_TemplateErrorFailsNode(t *testing.T) {
	h := newHarness(t)
	notifier := h.store.addAgent("notifier", models.RiskAuto)
	wf := h.store.addWorkflow(
		wnode("notify", notifier, map[string]any{"v": "{{ghost.output.x}}"}),
	)
	run := h.store.addRun(wf.ID, nil)

	require.NoError(t, h.sched.ExecuteRun(context.Background(), run.ID))

	got, _ := h.store.GetByID(context.Background(), run.ID)
	assert.Equal(t, models.RunFailed, got.Status)

	row := h.agentRun(run.ID, "notify")
	require.NotNil(t, row)
	assert.Equal(t, models.AgentRunFailed, row.Status)
	require.NotNil(t, row.Error)
	assert.Equal(t, models.FailureTemplateError, row.Error.Kind)
}

func TestExecuteRun_CyclicGraphFailsWithoutDispatch(t *testing.T) {
	h := newHarness(t)
	a := h.store.addAgent("alpha", models.RiskAuto)
	b := h.store.addAgent("beta", models.RiskAuto)
	wf := h.store.addWorkflow(
		wnode("a", a, nil, "b"),
		wnode("b", b, nil, "a"),
	)
	run := h.store.addRun(wf.ID, nil)

	require.NoError(t, h.sched.ExecuteRun(context.Background(), run.ID))

	got, _ := h.store.GetByID(context.Background(), run.ID)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, string(models.FailureCyclicGraph), got.Error)

	rows, _ := h.store.ListByRun(context.Background(), run.ID)
	assert.Empty(t, rows, "no agent dispatched for a cyclic graph")
}

func TestExecuteRun_SecondClaimLoses(t *testing.T) {
	h := newHarness(t)
	scanner := h.store.addAgent("scanner", models.RiskAuto)
	wf := h.store.addWorkflow(wnode("scan", scanner, nil))
	run := h.store.addRun(wf.ID, nil)

	require.NoError(t, h.sched.ExecuteRun(context.Background(), run.ID))

	err := h.sched.ExecuteRun(context.Background(), run.ID)
	require.ErrorIs(t, err, models.ErrAlreadyClaimed)
}

func TestExecuteRun_ContextFlowsIntoTemplates(t *testing.T) {
	h := newHarness(t)
	notifier := h.store.addAgent("notifier", models.RiskAuto)
	wf := h.store.addWorkflow(
		wnode("notify", notifier, map[string]any{"channel": "{{context.channel}}"}),
	)
	run := h.store.addRun(wf.ID, map[string]any{"channel": "slack"})

	var received map[string]any
	h.exec.on("notifier", func(spec executor.Spec) executor.Result {
		received = spec.Input
		return executor.Result{Output: map[string]any{"sent": true}, Duration: time.Millisecond}
	})

	require.NoError(t, h.sched.ExecuteRun(context.Background(), run.ID))
	assert.Equal(t, "slack", received["channel"])
}

func TestExecuteRun_NonPrerequisiteReferenceFails(t *testing.T) {
	h := newHarness(t)
	alpha := h.store.addAgent("alpha", models.RiskAuto)
	beta := h.store.addAgent("beta", models.RiskAuto)
	gamma := h.store.addAgent("gamma", models.RiskAuto)
	delta := h.store.addAgent("delta", models.RiskAuto)

	// "c" references "b", which is not among its prerequisites. "b"
	// finishes long before "c" dispatches, but its output must stay
	// out of scope: resolution sees ancestors only, never whichever
	// unrelated node happened to finish first.
	wf := h.store.addWorkflow(
		wnode("a", alpha, nil),
		wnode("b", beta, nil, "a"),
		wnode("c", gamma, map[string]any{"v": "{{b.output.x}}"}, "d"),
		wnode("d", delta, nil, "a"),
	)
	run := h.store.addRun(wf.ID, nil)

	h.exec.returns("beta", map[string]any{"x": float64(7)})
	h.exec.on("delta", func(executor.Spec) executor.Result {
		time.Sleep(50 * time.Millisecond)
		return executor.Result{Output: map[string]any{"ok": true}, Duration: 50 * time.Millisecond}
	})

	require.NoError(t, h.sched.ExecuteRun(context.Background(), run.ID))

	got, _ := h.store.GetByID(context.Background(), run.ID)
	assert.Equal(t, models.RunFailed, got.Status)

	row := h.agentRun(run.ID, "c")
	require.NotNil(t, row)
	assert.Equal(t, models.AgentRunFailed, row.Status)
	require.NotNil(t, row.Error)
	assert.Equal(t, models.FailureTemplateError, row.Error.Kind)
	assert.Contains(t, row.Error.Message, "UnknownReference")

	assert.Equal(t, models.AgentRunSuccess, h.agentRun(run.ID, "b").Status)
}

func TestExecuteRun_RetryableFailureRetries(t *testing.T) {
	h := newHarnessWith(t, harnessOpts{maxAttempts: 2})
	worker := h.store.addAgent("worker", models.RiskAuto)
	wf := h.store.addWorkflow(wnode("job", worker, nil))
	run := h.store.addRun(wf.ID, nil)

	var mu sync.Mutex
	calls := 0
	h.exec.on("worker", func(executor.Spec) executor.Result {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return executor.Result{
				Failure:  &models.AgentError{Kind: models.FailureTimeout, Message: "deadline exceeded"},
				Duration: time.Millisecond,
			}
		}
		return executor.Result{Output: map[string]any{"ok": true}, Duration: time.Millisecond}
	})

	require.NoError(t, h.sched.ExecuteRun(context.Background(), run.ID))

	got, _ := h.store.GetByID(context.Background(), run.ID)
	assert.Equal(t, models.RunSuccess, got.Status)

	rows := h.agentRows(run.ID, "job")
	require.Len(t, rows, 2)
	assert.Equal(t, models.AgentRunFailed, rows[0].Status)
	assert.Equal(t, 1, rows[0].Attempt)
	assert.Equal(t, models.AgentRunSuccess, rows[1].Status)
	assert.Equal(t, 2, rows[1].Attempt)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.met.AgentRetries.WithLabelValues("worker")))
}

func TestExecuteRun_NoRetryWhileSuspendedOnApproval(t *testing.T) {
	h := newHarnessWith(t, harnessOpts{maxAttempts: 2})
	worker := h.store.addAgent("worker", models.RiskAuto)
	gate := h.store.addAgent("gatekeeper", models.RiskApprovalRequired)
	wf := h.store.addWorkflow(
		wnode("a-work", worker, nil),
		wnode("b-gate", gate, nil),
	)
	run := h.store.addRun(wf.ID, nil)

	var mu sync.Mutex
	calls := 0
	h.exec.on("worker", func(executor.Spec) executor.Result {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			time.Sleep(30 * time.Millisecond)
			return executor.Result{
				Failure:  &models.AgentError{Kind: models.FailureTimeout, Message: "deadline exceeded"},
				Duration: 30 * time.Millisecond,
			}
		}
		return executor.Result{Output: map[string]any{"ok": true}, Duration: time.Millisecond}
	})

	require.NoError(t, h.sched.ExecuteRun(context.Background(), run.ID))

	got, _ := h.store.GetByID(context.Background(), run.ID)
	assert.Equal(t, models.RunWaitingApproval, got.Status)

	// The retryable failure landed after the gate suspended the run: no
	// new invocation may start until the run resumes.
	require.Len(t, h.agentRows(run.ID, "a-work"), 1)

	approvals := h.store.approvalsByRun(run.ID)
	require.Len(t, approvals, 1)
	h.store.mu.Lock()
	h.store.approvals[approvals[0].ID].Status = models.ApprovalApproved
	h.store.mu.Unlock()

	require.NoError(t, h.sched.ResumeRun(context.Background(), run.ID))

	got, _ = h.store.GetByID(context.Background(), run.ID)
	assert.Equal(t, models.RunSuccess, got.Status)

	rows := h.agentRows(run.ID, "a-work")
	require.Len(t, rows, 2)
	assert.Equal(t, models.AgentRunSuccess, rows[1].Status)
	assert.Equal(t, 2, rows[1].Attempt)
}

func TestExecuteRun_OpenBreakerFailsWithoutInvoking(t *testing.T) {
	h := newHarnessWith(t, harnessOpts{breakerFailures: 1})
	pinger := h.store.addAgent("pinger", models.RiskAuto)
	wf := h.store.addWorkflow(wnode("ping", pinger, nil))
	run := h.store.addRun(wf.ID, nil)

	// One runtime fault is the whole threshold here.
	_, err := h.brk.Execute(func() (any, error) { return nil, errors.New("docker daemon down") })
	require.Error(t, err)
	require.Equal(t, "open", h.brk.State())

	var mu sync.Mutex
	calls := 0
	h.exec.on("pinger", func(executor.Spec) executor.Result {
		mu.Lock()
		calls++
		mu.Unlock()
		return executor.Result{Output: map[string]any{"ok": true}, Duration: time.Millisecond}
	})

	require.NoError(t, h.sched.ExecuteRun(context.Background(), run.ID))

	got, _ := h.store.GetByID(context.Background(), run.ID)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Contains(t, got.Error, breaker.ErrUnavailable.Error())

	row := h.agentRun(run.ID, "ping")
	require.NotNil(t, row)
	require.NotNil(t, row.Error)
	assert.Equal(t, models.FailureRuntimeError, row.Error.Kind)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls, "the executor is never reached while the breaker is open")
}

func TestInvoke_CancelledDuringUnavailableBackoff(t *testing.T) {
	h := newHarnessWith(t, harnessOpts{
		breakerFailures: 1,
		backoff:         200 * time.Millisecond,
		probes:          3,
	})
	_, err := h.brk.Execute(func() (any, error) { return nil, errors.New("docker daemon down") })
	require.Error(t, err)

	d := &runDriver{
		s:       h.sched,
		run:     &models.WorkflowRun{ID: uuid.New()},
		results: make(chan outcome, 1),
		log:     logger.New("error", "json"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	d.invoke(ctx, executor.Spec{AgentName: "worker", Action: "run"}, "n1", uuid.New(), uuid.New(), 1)

	out := <-d.results
	require.NotNil(t, out.res.Failure)
	assert.Equal(t, models.FailureCancelled, out.res.Failure.Kind)
}

func TestRedrive_ContinuesInterruptedRun(t *testing.T) {
	h := newHarness(t)
	alpha := h.store.addAgent("alpha", models.RiskAuto)
	beta := h.store.addAgent("beta", models.RiskAuto)
	wf := h.store.addWorkflow(
		wnode("fetch", alpha, nil),
		wnode("report", beta, map[string]any{"total": "{{fetch.output.x}}"}, "fetch"),
	)
	run := h.store.addRun(wf.ID, nil)
	ctx := context.Background()
	require.NoError(t, h.store.ClaimRun(ctx, run.ID))

	// Rows as the dead process left them: "fetch" finished, "report"
	// still RUNNING with nobody behind it.
	id, err := h.store.Start(ctx, &models.AgentRun{
		WorkflowRunID: run.ID, NodeID: "fetch", AgentID: alpha.ID, AgentName: "alpha", Attempt: 1,
	})
	require.NoError(t, err)
	require.NoError(t, h.store.Finish(ctx, id, models.AgentRunSuccess, map[string]any{"x": float64(9)}, nil, 5))
	_, err = h.store.Start(ctx, &models.AgentRun{
		WorkflowRunID: run.ID, NodeID: "report", AgentID: beta.ID, AgentName: "beta", Attempt: 1,
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var received map[string]any
	h.exec.on("beta", func(spec executor.Spec) executor.Result {
		mu.Lock()
		received = spec.Input
		mu.Unlock()
		return executor.Result{Output: map[string]any{"sent": true}, Duration: time.Millisecond}
	})

	require.NoError(t, h.sched.redrive(ctx, run.ID))

	got, _ := h.store.GetByID(ctx, run.ID)
	assert.Equal(t, models.RunSuccess, got.Status)

	require.Len(t, h.agentRows(run.ID, "fetch"), 1, "completed nodes do not re-run")

	rows := h.agentRows(run.ID, "report")
	require.Len(t, rows, 2)
	assert.Equal(t, models.AgentRunFailed, rows[0].Status)
	require.NotNil(t, rows[0].Error)
	assert.Equal(t, models.FailureCancelled, rows[0].Error.Kind)
	assert.Equal(t, models.AgentRunSuccess, rows[1].Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, float64(9), received["total"])
}

func TestRecover_SchedulesPendingRuns(t *testing.T) {
	h := newHarness(t)
	scanner := h.store.addAgent("scanner", models.RiskAuto)
	wf := h.store.addWorkflow(wnode("scan", scanner, nil))
	run := h.store.addRun(wf.ID, nil)

	require.NoError(t, h.sched.Recover(context.Background()))

	require.Eventually(t, func() bool {
		got, _ := h.store.GetByID(context.Background(), run.ID)
		return got.Status == models.RunSuccess
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecuteRun_ResumesOnlyAfterEveryGateCleared(t *testing.T) {
	h := newHarness(t)
	deployer := h.store.addAgent("deployer", models.RiskApprovalRequired)
	migrator := h.store.addAgent("migrator", models.RiskApprovalRequired)
	wf := h.store.addWorkflow(
		wnode("deploy", deployer, nil),
		wnode("migrate", migrator, nil),
	)
	run := h.store.addRun(wf.ID, nil)
	ctx := context.Background()

	require.NoError(t, h.sched.ExecuteRun(ctx, run.ID))

	got, _ := h.store.GetByID(ctx, run.ID)
	assert.Equal(t, models.RunWaitingApproval, got.Status)

	approvals := h.store.approvalsByRun(run.ID)
	require.Len(t, approvals, 2)
	pending, _ := h.store.CountPending(ctx, run.ID)
	assert.Equal(t, 2, pending)

	// First grant leaves a gate open; the decision flow resumes only
	// once the pending count drains to zero.
	h.store.mu.Lock()
	h.store.approvals[approvals[0].ID].Status = models.ApprovalApproved
	h.store.mu.Unlock()
	pending, _ = h.store.CountPending(ctx, run.ID)
	assert.Equal(t, 1, pending)

	h.store.mu.Lock()
	h.store.approvals[approvals[1].ID].Status = models.ApprovalApproved
	h.store.mu.Unlock()
	pending, _ = h.store.CountPending(ctx, run.ID)
	assert.Equal(t, 0, pending)

	require.NoError(t, h.sched.ResumeRun(ctx, run.ID))

	got, _ = h.store.GetByID(ctx, run.ID)
	assert.Equal(t, models.RunSuccess, got.Status)
	assert.Equal(t, models.AgentRunSuccess, h.agentRun(run.ID, "deploy").Status)
	assert.Equal(t, models.AgentRunSuccess, h.agentRun(run.ID, "migrate").Status)
}

func TestExecuteRun_AgentSpanAttributes(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	h := newHarnessWith(t, harnessOpts{tracer: tp.Tracer("test")})

	scanner := h.store.addAgent("scanner", models.RiskAuto)
	wf := h.store.addWorkflow(wnode("scan", scanner, nil))
	run := h.store.addRun(wf.ID, nil)

	require.NoError(t, h.sched.ExecuteRun(context.Background(), run.ID))

	var attrs map[attribute.Key]attribute.Value
	for _, stub := range exp.GetSpans() {
		if stub.Name != "agent.execute" {
			continue
		}
		attrs = make(map[attribute.Key]attribute.Value, len(stub.Attributes))
		for _, kv := range stub.Attributes {
			attrs[kv.Key] = kv.Value
		}
	}
	require.NotNil(t, attrs, "agent.execute span not exported")

	assert.Equal(t, scanner.ID.String(), attrs["agent.id"].AsString())
	assert.Equal(t, "scanner", attrs["agent.name"].AsString())
	assert.Equal(t, run.ID.String(), attrs["workflow.run.id"].AsString())
	assert.Equal(t, "scan", attrs["workflow.node.id"].AsString())
	assert.Equal(t, int64(1), attrs["agent.attempt"].AsInt64())
	assert.Equal(t, string(models.AgentRunSuccess), attrs["agent.status"].AsString())
	assert.GreaterOrEqual(t, attrs["agent.duration.ms"].AsInt64(), int64(0))
}
