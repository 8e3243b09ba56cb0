package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/stackbound/agentflow/common/db"
	"github.com/stackbound/agentflow/common/events"
)

// HealthHandler reports readiness of the service's hard dependencies.
type HealthHandler struct {
	db     *db.DB
	events events.Publisher
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(database *db.DB, publisher events.Publisher) *HealthHandler {
	return &HealthHandler{db: database, events: publisher}
}

// Health reports dependency status
// GET /health
func (h *HealthHandler) Health(c echo.Context) error {
	dbOK := h.db.Health(c.Request().Context()) == nil
	natsOK := h.events.IsConnected()

	status := http.StatusOK
	if !dbOK || !natsOK {
		status = http.StatusServiceUnavailable
	}

	return c.JSON(status, map[string]bool{
		"database": dbOK,
		"nats":     natsOK,
	})
}
