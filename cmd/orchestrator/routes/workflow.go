package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/stackbound/agentflow/cmd/orchestrator/container"
	"github.com/stackbound/agentflow/cmd/orchestrator/handlers"
)

// RegisterWorkflowRoutes registers workflow definition and run routes.
// The runs/* paths come before the parameterized workflow paths so echo
// does not swallow them as workflow ids.
func RegisterWorkflowRoutes(e *echo.Echo, c *container.Container) {
	wh := handlers.NewWorkflowHandler(c.WorkflowService)
	rh := handlers.NewRunHandler(c.RunService)

	wf := e.Group("/api/workflows")
	{
		wf.GET("/runs/:runId/agent-runs", rh.ListAgentRuns)
		wf.POST("/runs/:runId/retry", rh.Retry)
		wf.POST("/runs/:runId/cancel", rh.Cancel)

		wf.POST("", wh.Create)
		wf.GET("", wh.List)
		wf.GET("/:id", wh.Get)
		wf.PUT("/:id", wh.Update)
		wf.DELETE("/:id", wh.Delete)

		wf.POST("/:id/trigger", rh.Trigger)
		wf.GET("/:id/runs", rh.ListRuns)
		wf.GET("/:wfId/runs/:runId", rh.Detail)
	}
}
