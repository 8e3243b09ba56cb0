package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/stackbound/agentflow/cmd/orchestrator/container"
	"github.com/stackbound/agentflow/cmd/orchestrator/handlers"
)

// RegisterWebhookRoutes registers alert ingestion routes
func RegisterWebhookRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWebhookHandler(c.WebhookService)

	webhooks := e.Group("/api/webhooks")
	{
		webhooks.POST("/alertmanager", h.Alertmanager)
		webhooks.POST("/grafana", h.Grafana)
	}
}
