package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/stackbound/agentflow/cmd/orchestrator/container"
	"github.com/stackbound/agentflow/cmd/orchestrator/handlers"
)

// RegisterAgentRoutes registers all agent-related routes
func RegisterAgentRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewAgentHandler(c.AgentService)

	agents := e.Group("/api/agents")
	{
		agents.POST("", h.Register)
		agents.GET("", h.List)
		agents.GET("/:id", h.Get)
		agents.PUT("/:id", h.Update)
		agents.DELETE("/:id", h.Delete)
	}
}
