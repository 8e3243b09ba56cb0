package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/stackbound/agentflow/cmd/orchestrator/service"
	"github.com/stackbound/agentflow/common/models"
)

// WorkflowHandler handles workflow definition requests
type WorkflowHandler struct {
	workflows *service.WorkflowService
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(workflows *service.WorkflowService) *WorkflowHandler {
	return &WorkflowHandler{workflows: workflows}
}

// Create creates a new workflow
// POST /api/workflows
func (h *WorkflowHandler) Create(c echo.Context) error {
	var req service.CreateWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "BadRequest", err)
	}

	wf, err := h.workflows.Create(c.Request().Context(), &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, wf)
}

// List lists workflows within a project
// GET /api/workflows?projectId=[&status=]
func (h *WorkflowHandler) List(c echo.Context) error {
	projectID, err := strconv.ParseInt(c.QueryParam("projectId"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: errorDetail{
			Code:    "BadRequest",
			Message: "projectId query parameter is required",
		}})
	}

	status := models.WorkflowStatus(c.QueryParam("status"))
	workflows, err := h.workflows.List(c.Request().Context(), projectID, status)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, workflows)
}

// Get retrieves a workflow with its node graph
// GET /api/workflows/:id
func (h *WorkflowHandler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badID(c, "workflow")
	}

	wf, err := h.workflows.Get(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// Update changes a workflow's description or lifecycle status
// PUT /api/workflows/:id
func (h *WorkflowHandler) Update(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badID(c, "workflow")
	}

	var req service.UpdateWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "BadRequest", err)
	}

	wf, err := h.workflows.Update(c.Request().Context(), id, &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// Delete removes a workflow and everything it owns
// DELETE /api/workflows/:id
func (h *WorkflowHandler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badID(c, "workflow")
	}

	if err := h.workflows.Delete(c.Request().Context(), id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
