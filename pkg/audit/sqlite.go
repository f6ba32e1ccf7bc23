package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const logTable = "mesh_delegation_logs"

// SQLiteLog persists delegation log entries in a SQLite database.
type SQLiteLog struct {
	db  *sql.DB
	now func() time.Time
}

// SQLiteOption configures a SQLiteLog.
type SQLiteOption func(*SQLiteLog)

// WithSQLiteClock overrides the log clock for retention and volume checks.
func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(l *SQLiteLog) {
		if now != nil {
			l.now = now
		}
	}
}

// NewSQLiteLog creates a SQLite-backed audit log and ensures schema.
func NewSQLiteLog(db *sql.DB, opts ...SQLiteOption) (*SQLiteLog, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			entry_json BLOB NOT NULL
		);`, logTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_tenant ON %s(tenant_id, created_at);`, logTable, logTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_agent ON %s(tenant_id, agent_id, direction);`, logTable, logTable),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, err
		}
	}
	l := &SQLiteLog{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Append writes one entry, assigning an id and creation time when unset.
func (l *SQLiteLog) Append(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, tenant_id, direction, agent_id, status, created_at, entry_json) VALUES (?, ?, ?, ?, ?, ?, ?)", logTable),
		entry.ID, entry.TenantID, string(entry.Direction), entry.AgentID, entry.Status, entry.CreatedAt.UTC().UnixMilli(), payload)
	return err
}

// Query returns tenant entries matching the filter, newest first.
func (l *SQLiteLog) Query(ctx context.Context, tenantID string, filter QueryFilter) ([]Entry, error) {
	query := fmt.Sprintf("SELECT entry_json FROM %s WHERE tenant_id = ?", logTable)
	args := []any{tenantID}
	if filter.Direction != "" {
		query += " AND direction = ?"
		args = append(args, string(filter.Direction))
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if !filter.DateFrom.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.DateFrom.UTC().UnixMilli())
	}
	if !filter.DateTo.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, filter.DateTo.UTC().UnixMilli())
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var entry Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// ExportJSON returns all tenant entries as a JSON array.
func (l *SQLiteLog) ExportJSON(ctx context.Context, tenantID string) ([]byte, error) {
	entries, err := l.Query(ctx, tenantID, QueryFilter{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(entries)
}

// CleanupOlderThan deletes tenant entries strictly older than the
// retention boundary.
func (l *SQLiteLog) CleanupOlderThan(ctx context.Context, tenantID string, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := l.now().AddDate(0, 0, -retentionDays).UTC().UnixMilli()
	result, err := l.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE tenant_id = ? AND created_at < ?", logTable),
		tenantID, cutoff)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// CheckVolumeAlert counts entries created within the trailing hour.
func (l *SQLiteLog) CheckVolumeAlert(ctx context.Context, tenantID string, thresholdPerHour int) (VolumeAlert, error) {
	if thresholdPerHour <= 0 {
		thresholdPerHour = DefaultVolumeThresholdPerHour
	}
	since := l.now().Add(-time.Hour).UTC().UnixMilli()
	var count int
	err := l.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE tenant_id = ? AND created_at >= ?", logTable),
		tenantID, since).Scan(&count)
	if err != nil {
		return VolumeAlert{}, err
	}
	return VolumeAlert{Alert: count > thresholdPerHour, Count: count}, nil
}

var _ Log = (*SQLiteLog)(nil)
