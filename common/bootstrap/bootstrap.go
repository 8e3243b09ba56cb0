package bootstrap

import (
	"context"
	"fmt"

	"github.com/stackbound/agentflow/common/config"
	"github.com/stackbound/agentflow/common/db"
	"github.com/stackbound/agentflow/common/events"
	"github.com/stackbound/agentflow/common/logger"
	"github.com/stackbound/agentflow/common/metrics"
	"github.com/stackbound/agentflow/common/telemetry"
)

// Setup initializes all service components
// This is the main entry point for all services
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", components.Config.Service.Environment,
	)

	// 3. Initialize database (if not skipped)
	if !options.skipDB {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, components.Config, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		components.addCleanup(func() error {
			components.DB.Close()
			return nil
		})

		if options.dbInitHook != nil {
			components.Logger.Info("running database init hook")
			if err := options.dbInitHook(components.DB); err != nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("database init hook failed: %w", err)
			}
		}
	}

	// 4. Initialize event bus (if not skipped)
	if !options.skipEvents {
		components.Logger.Info("connecting to event bus",
			"url", components.Config.Events.URL,
		)
		components.Events, err = events.Connect(components.Config, components.Logger)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to event bus: %w", err)
		}

		components.addCleanup(func() error {
			components.Events.Close()
			return nil
		})
	}

	// 5. Initialize telemetry (if not skipped)
	if !options.skipTelemetry {
		components.Telemetry, err = telemetry.New(ctx, components.Config, components.Logger)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}

		components.addCleanup(func() error {
			return components.Telemetry.Shutdown(context.Background())
		})
	}

	// 6. Metrics registry; the scrape listener is started by main.
	components.Metrics = metrics.New()

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"events", components.Events != nil,
		"telemetry", components.Telemetry != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error
// Useful for services that can't recover from initialization failure
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
