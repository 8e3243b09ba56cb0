package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/stackbound/agentflow/cmd/orchestrator/service"
	"github.com/stackbound/agentflow/common/models"
)

// RunHandler handles workflow run requests
type RunHandler struct {
	runs *service.RunService
}

// NewRunHandler creates a new run handler
func NewRunHandler(runs *service.RunService) *RunHandler {
	return &RunHandler{runs: runs}
}

// TriggerRequest is the optional body for manual triggering.
type TriggerRequest struct {
	Trigger string         `json:"trigger"`
	Context map[string]any `json:"context"`
}

// Trigger enqueues a run for an ACTIVE workflow
// POST /api/workflows/:id/trigger
func (h *RunHandler) Trigger(c echo.Context) error {
	workflowID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badID(c, "workflow")
	}

	var req TriggerRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "BadRequest", err)
	}

	run, err := h.runs.Trigger(c.Request().Context(), workflowID, caller(c), req.Trigger, req.Context)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"runId":  run.ID,
		"status": run.Status,
	})
}

// ListRuns lists a workflow's most recent runs
// GET /api/workflows/:id/runs
func (h *RunHandler) ListRuns(c echo.Context) error {
	workflowID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badID(c, "workflow")
	}

	runs, err := h.runs.ListRuns(c.Request().Context(), workflowID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, runs)
}

// Detail returns a run with its agent runs and approvals
// GET /api/workflows/:wfId/runs/:runId
func (h *RunHandler) Detail(c echo.Context) error {
	workflowID, err := uuid.Parse(c.Param("wfId"))
	if err != nil {
		return badID(c, "workflow")
	}
	runID, err := uuid.Parse(c.Param("runId"))
	if err != nil {
		return badID(c, "run")
	}

	detail, err := h.runs.Detail(c.Request().Context(), workflowID, runID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

// ListAgentRuns lists a run's invocations in start order
// GET /api/workflows/runs/:runId/agent-runs
func (h *RunHandler) ListAgentRuns(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("runId"))
	if err != nil {
		return badID(c, "run")
	}

	agentRuns, err := h.runs.ListAgentRuns(c.Request().Context(), runID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, agentRuns)
}

// Retry enqueues a fresh run for a FAILED one
// POST /api/workflows/runs/:runId/retry
func (h *RunHandler) Retry(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("runId"))
	if err != nil {
		return badID(c, "run")
	}

	run, err := h.runs.Retry(c.Request().Context(), runID, caller(c))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"runId":  run.ID,
		"status": run.Status,
	})
}

// Cancel terminates a non-terminal run
// POST /api/workflows/runs/:runId/cancel
func (h *RunHandler) Cancel(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("runId"))
	if err != nil {
		return badID(c, "run")
	}

	if err := h.runs.Cancel(c.Request().Context(), runID); err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"runId":  runID,
		"status": models.RunCancelled,
	})
}

// caller identifies the requester for rate limiting: an explicit user
// header when present, the peer address otherwise.
func caller(c echo.Context) string {
	if user := c.Request().Header.Get("X-User-ID"); user != "" {
		return user
	}
	return c.RealIP()
}
