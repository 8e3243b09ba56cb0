package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/stackbound/agentflow/cmd/orchestrator/container"
	"github.com/stackbound/agentflow/cmd/orchestrator/handlers"
)

// RegisterApprovalRoutes registers all approval-related routes
func RegisterApprovalRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewApprovalHandler(c.ApprovalService)

	approvals := e.Group("/api/approvals")
	{
		approvals.GET("", h.List)
		approvals.GET("/:id", h.Get)
		approvals.POST("/:id/decision", h.Decide)
	}
}
