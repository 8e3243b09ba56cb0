package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/stackbound/agentflow/common/config"
	"github.com/stackbound/agentflow/common/logger"
)

// Telemetry owns the tracer provider. Spans form a two-level hierarchy:
// workflow.execute (root, per run) -> agent.execute (child, per node).
type Telemetry struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	log      *logger.Logger
}

// New sets up tracing. With no OTLP endpoint configured the provider is
// created without an exporter so span context still propagates into logs.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.Service.Name),
			semconv.DeploymentEnvironment(cfg.Service.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if cfg.Telemetry.EnableTracing && cfg.Telemetry.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Telemetry.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second)))
		log.Info("trace exporter configured", "endpoint", cfg.Telemetry.OTLPEndpoint)
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return &Telemetry{
		provider: provider,
		tracer:   provider.Tracer("agentflow"),
		log:      log,
	}, nil
}

// Tracer returns the service tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Shutdown flushes buffered spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return t.provider.Shutdown(ctx)
}
