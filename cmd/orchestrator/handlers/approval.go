package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/stackbound/agentflow/cmd/orchestrator/service"
	"github.com/stackbound/agentflow/common/models"
)

// ApprovalHandler handles approval gate requests
type ApprovalHandler struct {
	approvals *service.ApprovalService
}

// NewApprovalHandler creates a new approval handler
func NewApprovalHandler(approvals *service.ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{approvals: approvals}
}

// List lists approvals with optional filters
// GET /api/approvals[?status=&workflowRunId=]
func (h *ApprovalHandler) List(c echo.Context) error {
	status := models.ApprovalStatus(c.QueryParam("status"))

	var runID *uuid.UUID
	if raw := c.QueryParam("workflowRunId"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: errorDetail{
				Code:    "BadRequest",
				Message: "workflowRunId is not a valid id",
			}})
		}
		runID = &parsed
	}

	approvals, err := h.approvals.List(c.Request().Context(), status, runID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, approvals)
}

// Get retrieves one approval
// GET /api/approvals/:id
func (h *ApprovalHandler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badID(c, "approval")
	}

	approval, err := h.approvals.Get(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, approval)
}

// Decide records a human decision on a PENDING approval
// POST /api/approvals/:id/decision
func (h *ApprovalHandler) Decide(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badID(c, "approval")
	}

	var req service.DecisionRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "BadRequest", err)
	}

	approval, err := h.approvals.Decide(c.Request().Context(), id, &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, approval)
}
