package engram

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrFinalized is returned when a session is mutated after Finalize.
var ErrFinalized = errors.New("engram: session already finalized")

// Session collects the reasoning chain for a single agent run. It is owned
// by exactly one run and is not safe for concurrent use; finalize it once
// and hand the resulting engram to a store.
type Session struct {
	engram    *Engram
	now       func() time.Time
	finalized bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithClock overrides the session's time source. Used by tests to pin
// timestamps.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// NewSession starts a new reasoning session for the given tenant, agent and
// intent. The engram id and start time are fixed at creation.
func NewSession(tenantID, agentID, intent string, opts ...SessionOption) *Session {
	s := &Session{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.engram = &Engram{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		AgentID:      agentID,
		Intent:       intent,
		Decisions:    []Decision{},
		Alternatives: []Alternative{},
		Actions:      []Action{},
		StartedAt:    s.now().UTC(),
	}
	return s
}

// ID returns the engram id, stable from session creation.
func (s *Session) ID() string { return s.engram.ID }

// StartedAt returns the session start time.
func (s *Session) StartedAt() time.Time { return s.engram.StartedAt }

// SetContext attaches arbitrary contextual input to the engram.
func (s *Session) SetContext(v any) error {
	if s.finalized {
		return ErrFinalized
	}
	s.engram.Context = v
	return nil
}

// AddDecision records a choice the agent committed to.
func (s *Session) AddDecision(choice, rationale string, confidence float64) error {
	if s.finalized {
		return ErrFinalized
	}
	s.engram.Decisions = append(s.engram.Decisions, Decision{
		Choice:     choice,
		Rationale:  rationale,
		Confidence: confidence,
		Timestamp:  s.now().UTC(),
	})
	return nil
}

// AddAlternative records an option that was considered and rejected.
func (s *Session) AddAlternative(option, rejectionReason string) error {
	if s.finalized {
		return ErrFinalized
	}
	s.engram.Alternatives = append(s.engram.Alternatives, Alternative{
		Option:          option,
		RejectionReason: rejectionReason,
	})
	return nil
}

// AddAction records an operation the agent performed. Details may be nil.
func (s *Session) AddAction(actionType, description string, details any, success bool) error {
	if s.finalized {
		return ErrFinalized
	}
	s.engram.Actions = append(s.engram.Actions, Action{
		ActionType:  actionType,
		Description: description,
		Details:     details,
		Success:     success,
		Timestamp:   s.now().UTC(),
	})
	return nil
}

// Finalize stamps the completion time, computes the content hash and returns
// the now-immutable engram. A second call returns ErrFinalized.
func (s *Session) Finalize() (*Engram, error) {
	if s.finalized {
		return nil, ErrFinalized
	}
	done := s.now().UTC()
	s.engram.CompletedAt = &done
	hash, err := s.engram.ComputeHash()
	if err != nil {
		s.engram.CompletedAt = nil
		return nil, err
	}
	s.engram.ContentHash = hash
	s.finalized = true
	return s.engram, nil
}
