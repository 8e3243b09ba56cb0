package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stackbound/agentflow/common/logger"
)

// Metrics holds the workflow execution instruments. A single instance is
// shared by the scheduler and the executor; label cardinality is bounded
// by agent name and status/kind enums.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	AgentRunsTotal  *prometheus.CounterVec
	AgentErrors     *prometheus.CounterVec
	AgentRetries    *prometheus.CounterVec
	WorkflowsActive prometheus.Gauge
	RunDuration     prometheus.Histogram
	AgentDuration   *prometheus.HistogramVec
	EventsDropped   prometheus.Counter

	registry *prometheus.Registry
}

// New registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_runs_total",
			Help: "Workflow runs by terminal status.",
		}, []string{"status"}),
		AgentRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_runs_total",
			Help: "Agent invocations by agent and terminal status.",
		}, []string{"agent", "status"}),
		AgentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_errors_total",
			Help: "Agent failures by agent and failure kind.",
		}, []string{"agent", "kind"}),
		AgentRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_retry_count",
			Help: "Agent invocation retries by agent.",
		}, []string{"agent"}),
		WorkflowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workflows_active",
			Help: "Workflow runs currently executing.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "workflow_duration_ms",
			Help:    "End-to-end workflow run duration in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(10, 4, 10),
		}),
		AgentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_duration_ms",
			Help:    "Agent invocation duration in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(10, 4, 10),
		}, []string{"agent"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_events_dropped_total",
			Help: "Lifecycle events dropped because the bus was unavailable.",
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.RunsTotal,
		m.AgentRunsTotal,
		m.AgentErrors,
		m.AgentRetries,
		m.WorkflowsActive,
		m.RunDuration,
		m.AgentDuration,
		m.EventsDropped,
	)

	return m
}

// Handler returns the scrape handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on its own port. Scrape failures must never
// interfere with the API listener.
func (m *Metrics) Serve(port int, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	addr := fmt.Sprintf(":%d", port)
	go func() {
		log.Info("metrics server starting", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("metrics server error", "error", err)
		}
	}()
}
