// Package engram implements the tamper-evident reasoning trail recorded by
// every agent run: decisions made, alternatives considered, actions taken.
//
// An engram is built incrementally through a Session and becomes immutable
// at finalization, when its content hash is computed over the RFC 8785
// canonical JSON of every field except the hash itself. Stores verify that
// hash on every read, so post-hoc tampering is always detectable.
package engram

import (
	"time"

	"github.com/sentinel-platform/sentinel/core/pkg/canonical"
)

// Decision is a choice the agent committed to during a run.
type Decision struct {
	Choice     string    `json:"choice"`
	Rationale  string    `json:"rationale"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Alternative is an option the agent considered and rejected.
type Alternative struct {
	Option          string `json:"option"`
	RejectionReason string `json:"rejection_reason"`
}

// Action is a discrete operation the agent performed.
type Action struct {
	ActionType  string    `json:"action_type"`
	Description string    `json:"description"`
	Details     any       `json:"details"`
	Success     bool      `json:"success"`
	Timestamp   time.Time `json:"timestamp"`
}

// Engram is the complete reasoning chain of one agent run.
//
// ContentHash and CompletedAt are set together at finalization; an engram
// with an empty ContentHash has not been finalized and must not be persisted.
type Engram struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenant_id"`
	AgentID      string        `json:"agent_id"`
	Intent       string        `json:"intent"`
	Context      any           `json:"context"`
	Decisions    []Decision    `json:"decisions"`
	Alternatives []Alternative `json:"alternatives"`
	Actions      []Action      `json:"actions"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at"`
	ContentHash  string        `json:"content_hash"`
}

// ComputeHash returns the BLAKE2b-256 digest of the canonical JSON of every
// field except content_hash.
func (e *Engram) ComputeHash() (string, error) {
	return canonical.HashExcluding(e, "content_hash")
}

// VerifyIntegrity reports whether the stored content hash matches a freshly
// computed one. An engram without a content hash never verifies.
func (e *Engram) VerifyIntegrity() bool {
	if e.ContentHash == "" {
		return false
	}
	h, err := e.ComputeHash()
	if err != nil {
		return false
	}
	return h == e.ContentHash
}

// Finalized reports whether the engram has been finalized.
func (e *Engram) Finalized() bool {
	return e.ContentHash != "" && e.CompletedAt != nil
}
