package state

import (
	"database/sql"
	"fmt"

	"github.com/swarmq/swarmq/pkg/models"
)

const agentColumns = `id, agent_type, phase_id, status, capabilities,
	capacity, health_status, tags, last_heartbeat, created_at`

// CreateAgent inserts a new agent row.
func (db *DB) CreateAgent(a *models.Agent) error {
	caps, err := marshalStrings(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	tags, err := marshalStrings(a.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO agents (id, agent_type, phase_id, status, capabilities,
			capacity, health_status, tags, last_heartbeat, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.AgentType, a.PhaseID, string(a.Status), orEmptyList(caps),
		a.Capacity, a.HealthStatus, tags,
		formatNullableTime(a.LastHeartbeat), formatTime(a.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create agent %s: %w", a.ID, ErrDuplicate)
		}
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID. Returns (nil, nil) if not found.
func (db *DB) GetAgent(id string) (*models.Agent, error) {
	row := db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// UpdateAgent rewrites all mutable columns of an agent row.
func (db *DB) UpdateAgent(a *models.Agent) error {
	caps, err := marshalStrings(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	tags, err := marshalStrings(a.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	res, err := db.Exec(`
		UPDATE agents SET agent_type = ?, phase_id = ?, status = ?,
			capabilities = ?, capacity = ?, health_status = ?, tags = ?,
			last_heartbeat = ?
		WHERE id = ?
	`, a.AgentType, a.PhaseID, string(a.Status), orEmptyList(caps),
		a.Capacity, a.HealthStatus, tags,
		formatNullableTime(a.LastHeartbeat), a.ID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update agent: no row for id %s", a.ID)
	}
	return nil
}

// AgentFilter narrows ListAgents results. Zero values mean "any".
type AgentFilter struct {
	PhaseID         string
	AgentType       string
	ExcludeStatuses []models.AgentStatus
}

// ListAgents returns agents matching the filter, in insertion order.
func (db *DB) ListAgents(f AgentFilter) ([]*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	var args []any
	if f.PhaseID != "" {
		query += ` AND phase_id = ?`
		args = append(args, f.PhaseID)
	}
	if f.AgentType != "" {
		query += ` AND agent_type = ?`
		args = append(args, f.AgentType)
	}
	if len(f.ExcludeStatuses) > 0 {
		query += ` AND status NOT IN (` + placeholders(len(f.ExcludeStatuses)) + `)`
		for _, s := range f.ExcludeStatuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		a                   models.Agent
		status              string
		phaseID, health     sql.NullString
		caps, tags          sql.NullString
		lastBeat, createdAt sql.NullString
	)

	err := row.Scan(&a.ID, &a.AgentType, &phaseID, &status, &caps,
		&a.Capacity, &health, &tags, &lastBeat, &createdAt)
	if err != nil {
		return nil, err
	}

	a.PhaseID = phaseID.String
	a.Status = models.AgentStatus(status)
	a.HealthStatus = health.String
	if a.Capabilities, err = unmarshalStrings(caps); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if a.Tags, err = unmarshalStrings(tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	a.LastHeartbeat = parseNullableTime(lastBeat)
	if createdAt.Valid {
		a.CreatedAt, _ = parseTime(createdAt.String)
	}

	return &a, nil
}

// orEmptyList maps a NULL capabilities value to the empty JSON array the
// schema default expects.
func orEmptyList(v any) any {
	if v == nil {
		return "[]"
	}
	return v
}
