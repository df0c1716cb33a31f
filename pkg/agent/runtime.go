package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinel-platform/sentinel/core/pkg/engram"
	"github.com/sentinel-platform/sentinel/core/pkg/llm"
	"github.com/sentinel-platform/sentinel/core/pkg/policy"
	"github.com/sentinel-platform/sentinel/core/pkg/tools"
)

// Playbook supplies the agent-specific phases the Runtime drives.
type Playbook interface {
	// Plan produces an execution plan for the intent.
	Plan(ctx context.Context, intent string, context map[string]any) (*Plan, error)
	// Execute carries out the plan and returns structured results.
	Execute(ctx context.Context, plan *Plan) (*Result, error)
}

// Runtime drives playbooks through the agent lifecycle. One Runtime serves
// one logical agent; Run is not reentrant but Status, RequestCancel and
// IsCancelled may be called from other goroutines.
type Runtime struct {
	cfg    Config
	llm    llm.Provider
	tools  *tools.Registry
	policy policy.Engine
	store  engram.Store
	log    *slog.Logger
	clock  func() time.Time

	mu        sync.Mutex
	status    Status
	session   *engram.Session
	cancelled atomic.Bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithPolicy attaches a policy engine. Without one, tool executions skip
// the policy check (the tool allowlist still applies).
func WithPolicy(e policy.Engine) Option {
	return func(r *Runtime) { r.policy = e }
}

// WithStore persists every finalized engram to the given store at the end
// of Run.
func WithStore(s engram.Store) Option {
	return func(r *Runtime) { r.store = s }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.log = l }
}

// WithClock overrides the time source used for engram sessions. Used by
// tests to pin timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.clock = now }
}

// New validates cfg and creates a Runtime in the PENDING state.
func New(cfg Config, provider llm.Provider, registry *tools.Registry, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runtime{
		cfg:    cfg,
		llm:    provider,
		tools:  registry,
		status: StatusPending,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.Default().With("component", "agent", "agent_id", cfg.AgentID)
	}
	return r, nil
}

// Config returns the validated agent configuration.
func (r *Runtime) Config() Config { return r.cfg }

// LLM returns the language-model provider for playbooks to reason with.
func (r *Runtime) LLM() llm.Provider { return r.llm }

// Policy returns the policy engine, possibly nil.
func (r *Runtime) Policy() policy.Engine { return r.policy }

// Status returns the current lifecycle state.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Runtime) setStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

// Session returns the active engram session, or nil outside a run.
func (r *Runtime) Session() *engram.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// RequestCancel signals cancellation. Playbooks must poll IsCancelled
// between units of work; the runtime never forces termination.
func (r *Runtime) RequestCancel() { r.cancelled.Store(true) }

// IsCancelled reports whether cancellation has been requested.
func (r *Runtime) IsCancelled() bool { return r.cancelled.Load() }

// Run drives the full lifecycle: plan, execute, report.
//
// A session is created up front and finalized unconditionally, so every run
// that entered the plan phase leaves a tamper-evident engram behind.
// Playbook failures do not surface as errors: they convert into a FAILED
// result carrying the message. The returned error covers only session
// bookkeeping (an unfinalizable engram).
func (r *Runtime) Run(ctx context.Context, pb Playbook, intent string, runCtx map[string]any) (*Result, error) {
	if runCtx == nil {
		runCtx = map[string]any{}
	}

	var sessionOpts []engram.SessionOption
	if r.clock != nil {
		sessionOpts = append(sessionOpts, engram.WithClock(r.clock))
	}
	session := engram.NewSession(r.cfg.TenantID, r.cfg.AgentID, intent, sessionOpts...)

	r.mu.Lock()
	r.status = StatusRunning
	r.session = session
	r.mu.Unlock()

	_ = session.SetContext(runCtx)
	r.log.Info("agent run started", "intent", intent, "engram_id", session.ID())

	var result *Result
	plan, err := pb.Plan(ctx, intent, runCtx)
	if err == nil {
		_ = session.AddDecision(plan.Description, plan.Rationale, plan.Confidence)
		for _, alt := range plan.Alternatives {
			_ = session.AddAlternative(alt.Option, alt.Reason)
		}
		result, err = pb.Execute(ctx, plan)
		if err == nil && result == nil {
			err = errors.New("playbook returned no result")
		}
	}

	if err != nil {
		_ = session.AddAction("execution_failed", err.Error(), nil, false)
		r.setStatus(StatusFailed)
		result = &Result{
			AgentID:   r.cfg.AgentID,
			AgentType: r.cfg.AgentType,
			TenantID:  r.cfg.TenantID,
			Status:    StatusFailed,
			StartedAt: session.StartedAt(),
			Error:     err.Error(),
		}
		r.log.Warn("agent run failed", "error", err)
	} else {
		_ = session.AddAction(
			"execution_complete",
			fmt.Sprintf("Completed with %d findings", len(result.Findings)),
			map[string]any{"findings": len(result.Findings), "actions": result.ActionsTaken},
			true,
		)
		r.setStatus(StatusCompleted)
		result.Status = StatusCompleted
	}

	final, ferr := session.Finalize()
	if ferr != nil {
		return result, fmt.Errorf("agent: finalize session: %w", ferr)
	}
	result.EngramID = final.ID
	result.CompletedAt = final.CompletedAt

	if r.store != nil {
		if err := r.store.Save(ctx, final); err != nil {
			return result, fmt.Errorf("agent: persist engram %s: %w", final.ID, err)
		}
	}

	r.log.Info("agent run finished",
		"status", result.Status,
		"findings", len(result.Findings),
		"engram_id", result.EngramID)
	return result, nil
}

// ExecuteTool runs a registered tool with the agent's identity, the active
// session and the policy engine injected.
func (r *Runtime) ExecuteTool(ctx context.Context, name string, params map[string]any) (*tools.Result, error) {
	return r.tools.Execute(ctx, name, r.cfg.AgentType, params, tools.ExecOpts{
		Policy:   r.policy,
		AgentID:  r.cfg.AgentID,
		TenantID: r.cfg.TenantID,
		Session:  r.Session(),
	})
}
