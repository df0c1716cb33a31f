package findings_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
	"github.com/sentinel-platform/sentinel/core/pkg/findings"
)

func newPostgresMock(t *testing.T) (*findings.PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return findings.NewPostgresStore(db), mock
}

func TestPostgresInitCreatesSchema(t *testing.T) {
	store, mock := newPostgresMock(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS findings").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveResult(t *testing.T) {
	store, mock := newPostgresMock(t)
	completedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	res := &agent.Result{
		AgentID:     "hunt-001",
		AgentType:   "hunt",
		TenantID:    "tenant-1",
		Status:      agent.StatusCompleted,
		EngramID:    "engram-1",
		CompletedAt: &completedAt,
		Findings: []agent.Finding{{
			ID:              "finding-1",
			Severity:        agent.SeverityCritical,
			Title:           "Exposed admin panel",
			Description:     "Port 8443 open to 0.0.0.0/0",
			Evidence:        map[string]any{"source_ip": "10.0.0.5"},
			Recommendations: []string{"Close the port"},
		}},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO findings"))
	prep.ExpectExec().
		WithArgs("finding-1", "tenant-1", "hunt-001", "hunt", "engram-1",
			agent.SeverityCritical, "Exposed admin panel", "Port 8443 open to 0.0.0.0/0",
			[]byte(`{"source_ip":"10.0.0.5"}`), []byte(`["Close the port"]`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.SaveResult(context.Background(), res))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveSkipsEmptyResults(t *testing.T) {
	store, mock := newPostgresMock(t)

	require.NoError(t, store.SaveResult(context.Background(), nil))
	require.NoError(t, store.SaveResult(context.Background(), &agent.Result{TenantID: "tenant-1"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListFindings(t *testing.T) {
	store, mock := newPostgresMock(t)
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "agent_id", "agent_type", "engram_id",
		"severity", "title", "description", "evidence", "recommendations", "created_at",
	}).AddRow(
		"finding-1", "tenant-1", "hunt-001", "hunt", "engram-1",
		"high", "Brute force", "", `{"count":42}`, `["Block the source"]`, ts,
	)

	mock.ExpectQuery(regexp.QuoteMeta(
		"FROM findings WHERE tenant_id = $1 AND severity = $2 ORDER BY created_at DESC LIMIT $3")).
		WithArgs("tenant-1", "high", findings.DefaultListLimit).
		WillReturnRows(rows)

	recs, err := store.ListFindings(context.Background(), "tenant-1", findings.Filter{Severity: "high"})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	got := recs[0]
	assert.Equal(t, "finding-1", got.ID)
	assert.Equal(t, "engram-1", got.EngramID)
	assert.EqualValues(t, 42, got.Evidence["count"])
	assert.Equal(t, []string{"Block the source"}, got.Recommendations)
	assert.True(t, got.CreatedAt.Equal(ts))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCountBySeverity(t *testing.T) {
	store, mock := newPostgresMock(t)

	rows := sqlmock.NewRows([]string{"severity", "count"}).
		AddRow("critical", 2).
		AddRow("high", 5)
	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT severity, COUNT(*) FROM findings WHERE tenant_id = $1 GROUP BY severity")).
		WithArgs("tenant-1").
		WillReturnRows(rows)

	counts, err := store.CountBySeverity(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"critical": 2, "high": 5}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}
