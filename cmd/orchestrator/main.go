package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/stackbound/agentflow/cmd/orchestrator/container"
	"github.com/stackbound/agentflow/cmd/orchestrator/handlers"
	"github.com/stackbound/agentflow/cmd/orchestrator/routes"
	"github.com/stackbound/agentflow/common/bootstrap"
	"github.com/stackbound/agentflow/common/db"
	"github.com/stackbound/agentflow/common/server"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (config, logger, DB, events, telemetry)
	components, err := bootstrap.Setup(ctx, "orchestrator",
		bootstrap.WithDBInitHook(func(database *db.DB) error {
			return database.InitSchema(ctx)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap orchestrator: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e, serviceContainer)
	registerRoutes(e, serviceContainer)

	// Metrics scrape endpoint on its own port
	if components.Config.Telemetry.EnableMetrics {
		components.Metrics.Serve(components.Config.Telemetry.MetricsPort, components.Logger)
	}

	// Resume runs interrupted by the previous process
	if err := serviceContainer.Scheduler.Recover(ctx); err != nil {
		components.Logger.Error("recovery scan failed", "error", err)
	}

	startServer(e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the readiness endpoint
func setupHealthCheck(e *echo.Echo, c *container.Container) {
	h := handlers.NewHealthHandler(c.Components.DB, c.Components.Events)
	e.GET("/health", h.Health)
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, c *container.Container) {
	routes.RegisterAgentRoutes(e, c)
	routes.RegisterWorkflowRoutes(e, c)
	routes.RegisterApprovalRoutes(e, c)
	routes.RegisterWebhookRoutes(e, c)
}

// startServer starts the HTTP listener with graceful shutdown
func startServer(e *echo.Echo, components *bootstrap.Components) {
	srv := server.New("orchestrator", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
