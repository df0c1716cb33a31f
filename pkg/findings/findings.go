// Package findings persists agent findings for listing and triage across
// runs. Stores implement the orchestrator's result sink, so completed runs
// land here without the agents knowing about SQL.
package findings

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
)

// DefaultListLimit bounds ListFindings when the filter leaves Limit unset.
const DefaultListLimit = 100

// Record is one persisted finding with its run provenance.
type Record struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	AgentID         string         `json:"agent_id"`
	AgentType       string         `json:"agent_type"`
	EngramID        string         `json:"engram_id,omitempty"`
	Severity        string         `json:"severity"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Evidence        map[string]any `json:"evidence,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Filter narrows ListFindings. Zero fields mean no restriction.
type Filter struct {
	Severity  string
	AgentType string
	Limit     int
}

// Store persists findings extracted from agent results.
type Store interface {
	// SaveResult persists every finding the result carries. Saving the
	// same result twice is a no-op.
	SaveResult(ctx context.Context, res *agent.Result) error
	// ListFindings returns a tenant's findings, newest first.
	ListFindings(ctx context.Context, tenantID string, f Filter) ([]Record, error)
	// CountBySeverity tallies a tenant's findings per severity.
	CountBySeverity(ctx context.Context, tenantID string) (map[string]int, error)
}

// recordsFromResult flattens a result into insertable records. Records are
// stamped with the result's completion time so re-saves stay stable.
func recordsFromResult(res *agent.Result) []Record {
	if res == nil || len(res.Findings) == 0 {
		return nil
	}
	createdAt := time.Now().UTC()
	if res.CompletedAt != nil {
		createdAt = res.CompletedAt.UTC()
	}
	out := make([]Record, 0, len(res.Findings))
	for _, f := range res.Findings {
		id := f.ID
		if id == "" {
			id = uuid.NewString()
		}
		out = append(out, Record{
			ID:              id,
			TenantID:        res.TenantID,
			AgentID:         res.AgentID,
			AgentType:       res.AgentType,
			EngramID:        res.EngramID,
			Severity:        f.Severity,
			Title:           f.Title,
			Description:     f.Description,
			Evidence:        f.Evidence,
			Recommendations: f.Recommendations,
			CreatedAt:       createdAt,
		})
	}
	return out
}

func listLimit(f Filter) int {
	if f.Limit > 0 {
		return f.Limit
	}
	return DefaultListLimit
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// jsonColumn marshals v for storage, mapping empty values to NULL.
func jsonColumn(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("findings: marshal column: %w", err)
	}
	return b, nil
}

func decodeColumns(r *Record, evidence, recommendations sql.NullString) error {
	if evidence.Valid && evidence.String != "" {
		if err := json.Unmarshal([]byte(evidence.String), &r.Evidence); err != nil {
			return fmt.Errorf("findings: decode evidence for %s: %w", r.ID, err)
		}
	}
	if recommendations.Valid && recommendations.String != "" {
		if err := json.Unmarshal([]byte(recommendations.String), &r.Recommendations); err != nil {
			return fmt.Errorf("findings: decode recommendations for %s: %w", r.ID, err)
		}
	}
	return nil
}
