package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/stackbound/agentflow/cmd/orchestrator/repository"
	"github.com/stackbound/agentflow/common/logger"
	"github.com/stackbound/agentflow/common/models"
)

const (
	// AlertWorkflowName is the workflow every ingested alert binds to.
	AlertWorkflowName = "alert-notification"
	// NotifierAgentName is the agent the alert workflow dispatches to.
	NotifierAgentName = "notifier"
)

// AlertmanagerPayload is the Alertmanager webhook envelope.
type AlertmanagerPayload struct {
	Status string              `json:"status"`
	Alerts []AlertmanagerAlert `json:"alerts"`
}

// AlertmanagerAlert is one alert within the envelope.
type AlertmanagerAlert struct {
	Status      string            `json:"status"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
}

// GrafanaPayload is the Grafana alert webhook envelope.
type GrafanaPayload struct {
	Title    string            `json:"title"`
	State    string            `json:"state"`
	RuleName string            `json:"ruleName"`
	Message  string            `json:"message"`
	RuleURL  string            `json:"ruleUrl"`
	Tags     map[string]string `json:"tags"`
}

// WebhookService maps external alert envelopes onto workflow runs. Its
// only output is PENDING runs bound to the alert-notification workflow;
// scheduling them is the run service's business.
type WebhookService struct {
	workflowRepo *repository.WorkflowRepository
	agentRepo    *repository.AgentRepository
	runs         *RunService
	channelRule  cel.Program
	projectID    int64
	log          *logger.Logger
}

// NewWebhookService compiles the channel routing rule and creates the
// service. The rule is a CEL expression over `severity`.
func NewWebhookService(workflowRepo *repository.WorkflowRepository, agentRepo *repository.AgentRepository, runs *RunService, channelRule string, projectID int64, log *logger.Logger) (*WebhookService, error) {
	env, err := cel.NewEnv(cel.Variable("severity", cel.StringType))
	if err != nil {
		return nil, fmt.Errorf("create routing env: %w", err)
	}
	ast, issues := env.Compile(channelRule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile channel rule %q: %w", channelRule, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build channel rule program: %w", err)
	}

	return &WebhookService{
		workflowRepo: workflowRepo,
		agentRepo:    agentRepo,
		runs:         runs,
		channelRule:  prg,
		projectID:    projectID,
		log:          log,
	}, nil
}

// HandleAlertmanager creates one run per alert in the envelope. The
// alert workflow is created on first use; that needs the notifier agent
// to be registered.
func (s *WebhookService) HandleAlertmanager(ctx context.Context, payload *AlertmanagerPayload) ([]*models.WorkflowRun, error) {
	wf, err := s.ensureAlertWorkflow(ctx)
	if err != nil {
		return nil, err
	}

	runs := make([]*models.WorkflowRun, 0, len(payload.Alerts))
	for _, alert := range payload.Alerts {
		runContext := s.alertContext(alert)
		run, err := s.runs.Trigger(ctx, wf.ID, "alertmanager", "alertmanager_webhook", runContext)
		if err != nil {
			return nil, fmt.Errorf("create run for alert %q: %w", runContext["alert_name"], err)
		}
		runs = append(runs, run)
	}

	s.log.Info("alertmanager webhook mapped", "alerts", len(payload.Alerts), "runs", len(runs))
	return runs, nil
}

// HandleGrafana creates one run for a Grafana alert. Unlike
// Alertmanager ingestion, the alert workflow must already exist.
func (s *WebhookService) HandleGrafana(ctx context.Context, payload *GrafanaPayload) (*models.WorkflowRun, error) {
	wf, err := s.workflowRepo.GetByName(ctx, s.projectID, AlertWorkflowName)
	if err != nil {
		return nil, err
	}

	severity := normalizeSeverity(payload.Tags["severity"])
	runContext := map[string]any{
		"status":        grafanaStatus(payload.State),
		"severity":      severity,
		"alert_name":    firstNonEmpty(payload.RuleName, payload.Title),
		"component":     payload.Tags["component"],
		"summary":       payload.Title,
		"description":   payload.Message,
		"runbook_url":   "",
		"dashboard_url": payload.RuleURL,
		"labels":        payload.Tags,
		"annotations":   map[string]string{},
		"channel":       s.routeChannel(severity),
	}

	run, err := s.runs.Trigger(ctx, wf.ID, "grafana", "grafana_webhook", runContext)
	if err != nil {
		return nil, err
	}

	s.log.Info("grafana webhook mapped", "alert", runContext["alert_name"], "run_id", run.ID)
	return run, nil
}

// alertContext flattens an Alertmanager alert into the run's initial
// substitution environment.
func (s *WebhookService) alertContext(alert AlertmanagerAlert) map[string]any {
	severity := normalizeSeverity(alert.Labels["severity"])
	return map[string]any{
		"status":        alert.Status,
		"severity":      severity,
		"alert_name":    alert.Labels["alertname"],
		"component":     alert.Labels["component"],
		"summary":       alert.Annotations["summary"],
		"description":   alert.Annotations["description"],
		"runbook_url":   alert.Annotations["runbook_url"],
		"dashboard_url": alert.Annotations["dashboard_url"],
		"labels":        alert.Labels,
		"annotations":   alert.Annotations,
		"channel":       s.routeChannel(severity),
	}
}

// routeChannel evaluates the routing rule; a broken rule falls back to
// console rather than dropping the alert.
func (s *WebhookService) routeChannel(severity string) string {
	out, _, err := s.channelRule.Eval(map[string]any{"severity": severity})
	if err != nil {
		s.log.Warn("channel rule evaluation failed", "severity", severity, "error", err)
		return "console"
	}
	channel, ok := out.Value().(string)
	if !ok || channel == "" {
		return "console"
	}
	return channel
}

// ensureAlertWorkflow loads or creates the alert-notification workflow.
// Creation requires a registered notifier agent with a notify action.
func (s *WebhookService) ensureAlertWorkflow(ctx context.Context) (*models.Workflow, error) {
	wf, err := s.workflowRepo.GetByName(ctx, s.projectID, AlertWorkflowName)
	if err == nil {
		return wf, nil
	}

	agent, err := s.agentRepo.GetByName(ctx, s.projectID, NotifierAgentName)
	if err != nil {
		return nil, fmt.Errorf("notifier agent required for alert ingestion: %w", err)
	}
	if agent.Capability("notify") == nil {
		return nil, fmt.Errorf("agent %q has no notify action", agent.Name)
	}

	wf = &models.Workflow{
		ID:          uuid.New(),
		ProjectID:   s.projectID,
		Name:        AlertWorkflowName,
		Description: "Auto-created: routes ingested alerts to a notification channel.",
		Trigger:     models.TriggerWebhook,
		Status:      models.WorkflowActive,
	}
	wf.Nodes = []models.WorkflowNode{{
		WorkflowID: wf.ID,
		NodeID:     "notify",
		AgentID:    agent.ID,
		AgentName:  agent.Name,
		Action:     "notify",
		Input: map[string]any{
			"channel":  "{{context.channel}}",
			"severity": "{{context.severity}}",
			"alert":    "{{context.alert_name}}",
			"message":  "{{context.summary}}",
			"details":  "{{context.description}}",
		},
		DependsOn: []string{},
	}}

	if err := s.workflowRepo.Create(ctx, wf); err != nil {
		// A concurrent webhook may have created it first.
		if existing, getErr := s.workflowRepo.GetByName(ctx, s.projectID, AlertWorkflowName); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create alert workflow: %w", err)
	}

	s.log.Info("alert workflow created", "workflow_id", wf.ID)
	return wf, nil
}

func normalizeSeverity(severity string) string {
	switch strings.ToLower(severity) {
	case "critical":
		return "critical"
	case "warning", "warn":
		return "warning"
	default:
		return "info"
	}
}

func grafanaStatus(state string) string {
	if strings.EqualFold(state, "ok") {
		return "resolved"
	}
	return "firing"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
