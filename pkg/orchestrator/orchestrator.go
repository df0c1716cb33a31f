// Package orchestrator runs agents as background sessions.
//
// Each Start spawns one goroutine that drives a playbook through the agent
// runtime. Sessions are independent and their goroutines race; the session
// map is the only shared state. Cancellation is cooperative: Cancel flips
// the runtime's flag and the agent keeps running until it next polls it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
)

// ErrNotFound is returned when no session with the requested id exists.
var ErrNotFound = errors.New("orchestrator: session not found")

// ResultSink receives finished agent results. A findings store satisfies
// this; sink failures are logged and never fail the run.
type ResultSink interface {
	SaveResult(ctx context.Context, res *agent.Result) error
}

// Session is a point-in-time snapshot of a managed agent run.
type Session struct {
	ID        string        `json:"session_id"`
	AgentID   string        `json:"agent_id"`
	AgentType string        `json:"agent_type"`
	TenantID  string        `json:"tenant_id"`
	Intent    string        `json:"intent"`
	Status    agent.Status  `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	Result    *agent.Result `json:"result,omitempty"`
}

type record struct {
	session Session
	rt      *agent.Runtime
	done    chan struct{}
}

// Orchestrator tracks agent sessions: start, cancel, status, listing.
type Orchestrator struct {
	log  *slog.Logger
	sink ResultSink

	mu       sync.Mutex
	sessions map[string]*record
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSink persists completed results to the given sink.
func WithSink(s ResultSink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l.With("component", "orchestrator") }
}

// New creates an Orchestrator with no sessions.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		log:      slog.Default().With("component", "orchestrator"),
		sessions: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches the playbook on the runtime in a background goroutine and
// returns the new session id. The context bounds the whole run, so pass a
// long-lived one, not a request-scoped one.
func (o *Orchestrator) Start(ctx context.Context, rt *agent.Runtime, pb agent.Playbook, intent string, runCtx map[string]any) string {
	cfg := rt.Config()
	rec := &record{
		session: Session{
			ID:        uuid.NewString(),
			AgentID:   cfg.AgentID,
			AgentType: cfg.AgentType,
			TenantID:  cfg.TenantID,
			Intent:    intent,
			Status:    agent.StatusRunning,
			CreatedAt: time.Now().UTC(),
		},
		rt:   rt,
		done: make(chan struct{}),
	}

	o.mu.Lock()
	o.sessions[rec.session.ID] = rec
	o.mu.Unlock()

	o.log.Info("agent session started",
		"session_id", rec.session.ID,
		"agent_id", cfg.AgentID,
		"agent_type", cfg.AgentType)

	go o.runAgent(ctx, rec, pb, intent, runCtx)
	return rec.session.ID
}

// Cancel requests cooperative cancellation and marks the session cancelled.
// The mark sticks even if the agent finishes its current unit of work and
// reports a completed result afterwards.
func (o *Orchestrator) Cancel(sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	rec.rt.RequestCancel()
	rec.session.Status = agent.StatusCancelled
	o.log.Info("agent session cancelled", "session_id", sessionID)
	return nil
}

// GetStatus returns a snapshot of the session.
func (o *Orchestrator) GetStatus(sessionID string) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return rec.session, nil
}

// ListSessions snapshots every session ordered by creation time. A
// non-empty tenantID restricts the list to that tenant.
func (o *Orchestrator) ListSessions(tenantID string) []Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Session, 0, len(o.sessions))
	for _, rec := range o.sessions {
		if tenantID != "" && rec.session.TenantID != tenantID {
			continue
		}
		out = append(out, rec.session)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Wait blocks until the session's background run has finished.
func (o *Orchestrator) Wait(sessionID string) error {
	o.mu.Lock()
	rec, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	<-rec.done
	return nil
}

func (o *Orchestrator) runAgent(ctx context.Context, rec *record, pb agent.Playbook, intent string, runCtx map[string]any) {
	defer close(rec.done)

	result, err := rec.rt.Run(ctx, pb, intent, runCtx)
	if err != nil {
		o.log.Error("agent session failed", "session_id", rec.session.ID, "error", err)
		cfg := rec.rt.Config()
		result = &agent.Result{
			AgentID:   cfg.AgentID,
			AgentType: cfg.AgentType,
			TenantID:  cfg.TenantID,
			Status:    agent.StatusFailed,
			Error:     err.Error(),
		}
	}

	o.mu.Lock()
	rec.session.Result = result
	if rec.session.Status != agent.StatusCancelled {
		rec.session.Status = result.Status
	}
	o.mu.Unlock()

	o.log.Info("agent session finished",
		"session_id", rec.session.ID,
		"status", result.Status,
		"findings", len(result.Findings))

	if o.sink != nil && result.Status == agent.StatusCompleted {
		if err := o.sink.SaveResult(ctx, result); err != nil {
			o.log.Warn("persist agent result",
				"session_id", rec.session.ID, "error", err)
		}
	}
}
