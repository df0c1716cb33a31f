package findings

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS findings (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	agent_type TEXT NOT NULL,
	engram_id TEXT,
	severity TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	evidence JSONB,
	recommendations JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_findings_tenant_created ON findings(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_findings_tenant_severity ON findings(tenant_id, severity);
`

// PostgresStore keeps findings in PostgreSQL for fleet deployments. The
// caller owns the *sql.DB (lib/pq or compatible).
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the findings table and indexes.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("findings: migrate schema: %w", err)
	}
	return nil
}

// SaveResult stores the result's findings in one transaction.
func (s *PostgresStore) SaveResult(ctx context.Context, res *agent.Result) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
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
			r.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("findings: insert %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// ListFindings returns a tenant's findings, newest first.
func (s *PostgresStore) ListFindings(ctx context.Context, tenantID string, f Filter) ([]Record, error) {
	query := `SELECT id, tenant_id, agent_id, agent_type, engram_id, severity, title, description, evidence, recommendations, created_at
		FROM findings WHERE tenant_id = $1`
	args := []any{tenantID}
	if f.Severity != "" {
		args = append(args, f.Severity)
		query += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	if f.AgentType != "" {
		args = append(args, f.AgentType)
		query += fmt.Sprintf(" AND agent_type = $%d", len(args))
	}
	args = append(args, listLimit(f))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

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
			createdAt       time.Time
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.AgentID, &r.AgentType, &engramID,
			&r.Severity, &r.Title, &r.Description, &evidence, &recommendations, &createdAt); err != nil {
			return nil, fmt.Errorf("findings: scan: %w", err)
		}
		r.EngramID = engramID.String
		if err := decodeColumns(&r, evidence, recommendations); err != nil {
			return nil, err
		}
		r.CreatedAt = createdAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountBySeverity tallies a tenant's findings per severity.
func (s *PostgresStore) CountBySeverity(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT severity, COUNT(*) FROM findings WHERE tenant_id = $1 GROUP BY severity`, tenantID)
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
