package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/stackbound/agentflow/common/db"
	"github.com/stackbound/agentflow/common/models"
)

// AgentRepository handles database operations for agent registrations
type AgentRepository struct {
	db *db.DB
}

// NewAgentRepository creates a new agent repository
func NewAgentRepository(database *db.DB) *AgentRepository {
	return &AgentRepository{db: database}
}

// Create inserts a new agent registration
func (r *AgentRepository) Create(ctx context.Context, agent *models.Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	query := `
		INSERT INTO agent (id, project_id, name, kind, entry_path, version, risk_level, capabilities, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
	`

	_, err = r.db.Exec(ctx, query,
		agent.ID,
		agent.ProjectID,
		agent.Name,
		agent.Kind,
		agent.EntryPath,
		agent.Version,
		agent.RiskLevel,
		caps,
	)
	if err != nil {
		return fmt.Errorf("create agent: %w", mapError(err))
	}

	return nil
}

// GetByID retrieves an agent by its ID
func (r *AgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	query := `
		SELECT id, project_id, name, kind, entry_path, version, risk_level, capabilities, created_at, updated_at
		FROM agent
		WHERE id = $1
	`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

// GetByName retrieves an agent by project and name
func (r *AgentRepository) GetByName(ctx context.Context, projectID int64, name string) (*models.Agent, error) {
	query := `
		SELECT id, project_id, name, kind, entry_path, version, risk_level, capabilities, created_at, updated_at
		FROM agent
		WHERE project_id = $1 AND name = $2
	`
	return r.scanOne(r.db.QueryRow(ctx, query, projectID, name))
}

// ListByProject retrieves all agents registered in a project
func (r *AgentRepository) ListByProject(ctx context.Context, projectID int64) ([]*models.Agent, error) {
	query := `
		SELECT id, project_id, name, kind, entry_path, version, risk_level, capabilities, created_at, updated_at
		FROM agent
		WHERE project_id = $1
		ORDER BY name
	`

	rows, err := r.db.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// Update updates agent metadata and version
func (r *AgentRepository) Update(ctx context.Context, agent *models.Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	query := `
		UPDATE agent
		SET kind = $2, entry_path = $3, version = $4, risk_level = $5, capabilities = $6, updated_at = now()
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query,
		agent.ID, agent.Kind, agent.EntryPath, agent.Version, agent.RiskLevel, caps)
	if err != nil {
		return fmt.Errorf("update agent: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Delete removes an agent. Rejected while any ACTIVE workflow references it.
func (r *AgentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	var referenced bool
	check := `
		SELECT EXISTS (
			SELECT 1 FROM workflow_node n
			JOIN workflow w ON w.id = n.workflow_id
			WHERE n.agent_id = $1 AND w.status = 'ACTIVE'
		)
	`
	if err := r.db.QueryRow(ctx, check, id).Scan(&referenced); err != nil {
		return fmt.Errorf("check agent references: %w", err)
	}
	if referenced {
		return fmt.Errorf("agent referenced by active workflow: %w", models.ErrConflict)
	}

	tag, err := r.db.Exec(ctx, `DELETE FROM agent WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *AgentRepository) scanOne(row rowScanner) (*models.Agent, error) {
	agent := &models.Agent{}
	var caps []byte

	err := row.Scan(
		&agent.ID,
		&agent.ProjectID,
		&agent.Name,
		&agent.Kind,
		&agent.EntryPath,
		&agent.Version,
		&agent.RiskLevel,
		&caps,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", mapError(err))
	}

	if err := json.Unmarshal(caps, &agent.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	return agent, nil
}
