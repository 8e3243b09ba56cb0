package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/stackbound/agentflow/cmd/orchestrator/service"
)

// AgentHandler handles agent registration requests
type AgentHandler struct {
	agents *service.AgentService
}

// NewAgentHandler creates a new agent handler
func NewAgentHandler(agents *service.AgentService) *AgentHandler {
	return &AgentHandler{agents: agents}
}

// Register registers a new agent
// POST /api/agents
func (h *AgentHandler) Register(c echo.Context) error {
	var req service.RegisterAgentRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "BadRequest", err)
	}

	agent, err := h.agents.Register(c.Request().Context(), &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, agent)
}

// List lists agents within a project
// GET /api/agents?projectId=
func (h *AgentHandler) List(c echo.Context) error {
	projectID, err := strconv.ParseInt(c.QueryParam("projectId"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: errorDetail{
			Code:    "BadRequest",
			Message: "projectId query parameter is required",
		}})
	}

	agents, err := h.agents.List(c.Request().Context(), projectID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, agents)
}

// Get retrieves an agent
// GET /api/agents/:id
func (h *AgentHandler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badID(c, "agent")
	}

	agent, err := h.agents.Get(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// Update replaces an agent's mutable fields
// PUT /api/agents/:id
func (h *AgentHandler) Update(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badID(c, "agent")
	}

	var req service.UpdateAgentRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "BadRequest", err)
	}

	agent, err := h.agents.Update(c.Request().Context(), id, &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// Delete removes an agent registration
// DELETE /api/agents/:id
func (h *AgentHandler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badID(c, "agent")
	}

	if err := h.agents.Delete(c.Request().Context(), id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
