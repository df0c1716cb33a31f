package findings

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is RFC 3339 with padded nanoseconds so that text
// ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS findings (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	agent_type TEXT NOT NULL,
	engram_id TEXT,
	severity TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	evidence TEXT,
	recommendations TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_findings_tenant_created ON findings(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_findings_tenant_severity ON findings(tenant_id, severity);
`

// SQLiteStore keeps findings in a local SQLite database. Suited to single
// node deployments and the CLI.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("findings: open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("findings: migrate schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// SaveResult stores the result's findings in one transaction.
func (s *SQLiteStore) SaveResult(ctx context.Context, res *agent.Result) error {
	recs := recordsFromResult(res)
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("findings: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO findings (id, tenant_id, agent_id, agent_type, engram_id, severity, title, description, evidence, recommendations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("findings: prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range recs {
		evidence, err := jsonColumn(r.Evidence)
		if err != nil {
			return err
		}
		recommendations, err := jsonColumn(r.Recommendations)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			r.ID, r.TenantID, r.AgentID, r.AgentType, nullString(r.EngramID),
			r.Severity, r.Title, r.Description, evidence, recommendations,
			r.CreatedAt.UTC().Format(sqliteTimeLayout))
		if err != nil {
			return fmt.Errorf("findings: insert %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// ListFindings returns a tenant's findings, newest first.
func (s *SQLiteStore) ListFindings(ctx context.Context, tenantID string, f Filter) ([]Record, error) {
	query := `SELECT id, tenant_id, agent_id, agent_type, engram_id, severity, title, description, evidence, recommendations, created_at
		FROM findings WHERE tenant_id = ?`
	args := []any{tenantID}
	if f.Severity != "" {
		query += " AND severity = ?"
		args = append(args, f.Severity)
	}
	if f.AgentType != "" {
		query += " AND agent_type = ?"
		args = append(args, f.AgentType)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, listLimit(f))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("findings: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			r               Record
			engramID        sql.NullString
			evidence        sql.NullString
			recommendations sql.NullString
			createdAt       string
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.AgentID, &r.AgentType, &engramID,
			&r.Severity, &r.Title, &r.Description, &evidence, &recommendations, &createdAt); err != nil {
			return nil, fmt.Errorf("findings: scan: %w", err)
		}
		r.EngramID = engramID.String
		if err := decodeColumns(&r, evidence, recommendations); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("findings: parse created_at: %w", err)
		}
		r.CreatedAt = ts
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountBySeverity tallies a tenant's findings per severity.
func (s *SQLiteStore) CountBySeverity(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT severity, COUNT(*) FROM findings WHERE tenant_id = ? GROUP BY severity`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("findings: count: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var severity string
		var n int
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, fmt.Errorf("findings: scan count: %w", err)
		}
		out[severity] = n
	}
	return out, rows.Err()
}
