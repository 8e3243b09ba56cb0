package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/stackbound/agentflow/cmd/orchestrator/service"
	"github.com/stackbound/agentflow/common/models"
)

// WebhookHandler handles external alert ingestion
type WebhookHandler struct {
	webhooks *service.WebhookService
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(webhooks *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

// Alertmanager maps an Alertmanager envelope to workflow runs
// POST /api/webhooks/alertmanager
func (h *WebhookHandler) Alertmanager(c echo.Context) error {
	var payload service.AlertmanagerPayload
	if err := c.Bind(&payload); err != nil {
		return writeError(c, http.StatusBadRequest, "BadRequest", err)
	}

	runs, err := h.webhooks.HandleAlertmanager(c.Request().Context(), &payload)
	if err != nil {
		// Ingestion without a registered notifier agent is a server
		// misconfiguration, not a client fault.
		if errors.Is(err, models.ErrNotFound) {
			return c.JSON(http.StatusInternalServerError, errorBody{Error: errorDetail{
				Code:    "Internal",
				Message: err.Error(),
			}})
		}
		return respondError(c, err)
	}

	runIDs := make([]string, len(runs))
	for i, run := range runs {
		runIDs[i] = run.ID.String()
	}
	return c.JSON(http.StatusOK, map[string]any{"workflowRuns": runIDs})
}

// Grafana maps a Grafana alert to a workflow run
// POST /api/webhooks/grafana
func (h *WebhookHandler) Grafana(c echo.Context) error {
	var payload service.GrafanaPayload
	if err := c.Bind(&payload); err != nil {
		return writeError(c, http.StatusBadRequest, "BadRequest", err)
	}

	run, err := h.webhooks.HandleGrafana(c.Request().Context(), &payload)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"workflowRunId": run.ID})
}
