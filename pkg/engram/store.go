package engram

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no engram with the requested id exists.
	ErrNotFound = errors.New("engram: not found")
	// ErrIntegrity is returned when a stored engram fails hash verification.
	ErrIntegrity = errors.New("engram: integrity check failed")
	// ErrNotFinalized is returned when saving an engram without a content hash.
	ErrNotFinalized = errors.New("engram: not finalized")
)

// Query filters a store listing. Zero-valued fields match everything.
type Query struct {
	TenantID  string
	AgentID   string
	SessionID string
	From      time.Time
	To        time.Time
}

// matches reports whether an engram satisfies every set filter. Time bounds
// are inclusive and compared against the engram's start time.
func (q Query) matches(e *Engram) bool {
	if q.TenantID != "" && e.TenantID != q.TenantID {
		return false
	}
	if q.AgentID != "" && e.AgentID != q.AgentID {
		return false
	}
	if q.SessionID != "" && e.ID != q.SessionID {
		return false
	}
	if !q.From.IsZero() && e.StartedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.StartedAt.After(q.To) {
		return false
	}
	return true
}

// Store persists finalized engrams.
//
// Save rejects unfinalized engrams with ErrNotFinalized. Get verifies the
// content hash and returns ErrIntegrity on mismatch, ErrNotFound when the id
// does not exist. List returns matches sorted by start time, newest first,
// skipping records it cannot parse.
type Store interface {
	Save(ctx context.Context, e *Engram) error
	Get(ctx context.Context, id string) (*Engram, error)
	List(ctx context.Context, q Query) ([]*Engram, error)
}

// dateKey returns the YYYY/MM/DD path segment all stores shard records by,
// derived from the engram's start time.
func dateKey(e *Engram) string {
	return e.StartedAt.UTC().Format("2006/01/02")
}
