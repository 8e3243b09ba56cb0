package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AgentKind classifies how an agent is implemented
type AgentKind string

const (
	AgentKindLLM    AgentKind = "LLM"
	AgentKindRule   AgentKind = "RULE"
	AgentKindAPI    AgentKind = "API"
	AgentKindScript AgentKind = "SCRIPT"
)

// RiskLevel controls whether a node running this agent needs human approval
type RiskLevel string

const (
	RiskAuto             RiskLevel = "AUTO"
	RiskApprovalRequired RiskLevel = "APPROVAL_REQUIRED"
)

// Capability declares one action an agent can perform, with its
// input and output JSON schemas.
type Capability struct {
	Name         string          `json:"name"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// Agent is a registration record for a container-packaged executable.
// Maps to: agent table. Name is unique per project.
type Agent struct {
	ID           uuid.UUID    `db:"id" json:"id"`
	ProjectID    int64        `db:"project_id" json:"projectId"`
	Name         string       `db:"name" json:"name"`
	Kind         AgentKind    `db:"kind" json:"kind"`
	EntryPath    string       `db:"entry_path" json:"entryPath"`
	Version      string       `db:"version" json:"version"`
	RiskLevel    RiskLevel    `db:"risk_level" json:"riskLevel"`
	Capabilities []Capability `db:"capabilities" json:"capabilities"`
	CreatedAt    time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updatedAt"`
}

// Capability returns the declared capability with the given name, or nil.
func (a *Agent) Capability(name string) *Capability {
	for i := range a.Capabilities {
		if a.Capabilities[i].Name == name {
			return &a.Capabilities[i]
		}
	}
	return nil
}
