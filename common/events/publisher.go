package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stackbound/agentflow/common/config"
	"github.com/stackbound/agentflow/common/logger"
)

// Lifecycle event subjects. Delivery is at-least-once; persistence is
// the source of truth, so consumers must tolerate duplicates.
const (
	SubjectRunStarted       = "workflow.run.started"
	SubjectRunFinished      = "workflow.run.finished"
	SubjectAgentStarted     = "workflow.agent.started"
	SubjectAgentFinished    = "workflow.agent.finished"
	SubjectApprovalRequest  = "workflow.approval.requested"
	SubjectApprovalResolved = "workflow.approval.resolved"
)

// Envelope is the canonical JSON payload for every lifecycle event.
// The run id doubles as the correlation id across logs, spans and metrics.
type Envelope struct {
	RunID      string `json:"runId"`
	NodeID     string `json:"nodeId,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	ApprovalID string `json:"approvalId,omitempty"`
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"`
}

// Publisher publishes lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, subject string, env Envelope) error
	IsConnected() bool
	Close()
}

// Conn abstracts the subset of nats.Conn the publisher needs,
// so tests can substitute a recording fake.
type Conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Drain() error
}

// NATSPublisher publishes events over a NATS connection. Publishes are
// fire-and-forget; while disconnected the client buffers up to the
// configured pending limit and drops the oldest beyond it.
type NATSPublisher struct {
	conn Conn
	log  *logger.Logger
}

// Connect dials NATS with infinite reconnect and a bounded pending buffer.
func Connect(cfg *config.Config, log *logger.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.Service.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.Events.ReconnectWait),
		nats.ReconnectBufSize(cfg.Events.PendingLimit * 1024),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("event bus disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("event bus reconnected", "url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(cfg.Events.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect event bus: %w", err)
	}

	log.Info("event bus connected", "url", cfg.Events.URL)

	return &NATSPublisher{conn: nc, log: log}, nil
}

// NewWithConn wraps an existing connection (used by tests).
func NewWithConn(conn Conn, log *logger.Logger) *NATSPublisher {
	return &NATSPublisher{conn: conn, log: log}
}

// Publish sends one envelope. Event loss never corrupts state, so errors
// are logged and swallowed after stamping the envelope.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, env Envelope) error {
	if env.Timestamp == "" {
		env.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn("event publish failed",
			"subject", subject,
			"run_id", env.RunID,
			"error", err)
		return err
	}

	p.log.Debug("event published", "subject", subject, "run_id", env.RunID)
	return nil
}

// IsConnected reports event bus connectivity for health endpoints.
func (p *NATSPublisher) IsConnected() bool {
	return p.conn.IsConnected()
}

// Close drains outstanding publishes and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.log.Warn("event bus drain failed", "error", err)
	}
}
