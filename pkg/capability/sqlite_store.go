package capability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

const capabilityTable = "mesh_capabilities"

// SQLiteStore persists capabilities in a SQLite database. Rows are
// stored as JSON blobs with indexed tenant/agent/task columns, the same
// shape as the rest of the Mesh SQLite stores.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed capability store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			capability_json BLOB NOT NULL
		);`, capabilityTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_tenant ON %s(tenant_id);`, capabilityTable, capabilityTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_agent ON %s(tenant_id, agent_id);`, capabilityTable, capabilityTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_task ON %s(tenant_id, task_type);`, capabilityTable, capabilityTable),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, err
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Create persists a new capability row.
func (s *SQLiteStore) Create(ctx context.Context, c *Capability) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, tenant_id, agent_id, task_type, created_at, capability_json) VALUES (?, ?, ?, ?, ?, ?)", capabilityTable),
		c.ID, c.TenantID, c.AgentID, string(c.TaskType), c.CreatedAt.UTC().UnixMilli(), payload)
	return err
}

// Get returns the capability for (tenantID, id), or NOT_FOUND.
func (s *SQLiteStore) Get(ctx context.Context, tenantID, id string) (*Capability, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT capability_json FROM %s WHERE id = ? AND tenant_id = ?", capabilityTable),
		id, tenantID).Scan(&payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, notFound(id)
		}
		return nil, err
	}
	return unmarshalCapability(payload)
}

// ListByTenant returns all tenant capabilities matching the filter.
func (s *SQLiteStore) ListByTenant(ctx context.Context, tenantID string, filter Filter) ([]*Capability, error) {
	query := fmt.Sprintf("SELECT capability_json FROM %s WHERE tenant_id = ?", capabilityTable)
	args := []any{tenantID}
	if filter.TaskType != "" {
		query += " AND task_type = ?"
		args = append(args, string(filter.TaskType))
	}
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*Capability, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		c, err := unmarshalCapability(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListByAgent returns all capabilities owned by the agent.
func (s *SQLiteStore) ListByAgent(ctx context.Context, tenantID, agentID string) ([]*Capability, error) {
	return s.ListByTenant(ctx, tenantID, Filter{AgentID: agentID})
}

// Update replaces the stored row within the same tenant.
func (s *SQLiteStore) Update(ctx context.Context, c *Capability) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET agent_id = ?, task_type = ?, capability_json = ? WHERE id = ? AND tenant_id = ?", capabilityTable),
		c.AgentID, string(c.TaskType), payload, c.ID, c.TenantID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound(c.ID)
	}
	return nil
}

// Delete removes a single capability row.
func (s *SQLiteStore) Delete(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = ? AND tenant_id = ?", capabilityTable),
		id, tenantID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound(id)
	}
	return nil
}

// DeleteByAgent removes every capability owned by the agent.
func (s *SQLiteStore) DeleteByAgent(ctx context.Context, tenantID, agentID string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE tenant_id = ? AND agent_id = ?", capabilityTable),
		tenantID, agentID)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func unmarshalCapability(payload []byte) (*Capability, error) {
	var c Capability
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

var _ Store = (*SQLiteStore)(nil)
var _ Store = (*InMemoryStore)(nil)
