package agent_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
	"github.com/sentinel-platform/sentinel/core/pkg/engram"
	"github.com/sentinel-platform/sentinel/core/pkg/llm"
	"github.com/sentinel-platform/sentinel/core/pkg/policy"
	"github.com/sentinel-platform/sentinel/core/pkg/tools"
)

func validConfig() agent.Config {
	return agent.Config{
		AgentID:   "hunt-001",
		AgentType: "hunt",
		TenantID:  "11111111-1111-1111-1111-111111111111",
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*agent.Config)
		wantErr bool
	}{
		{"valid", func(c *agent.Config) {}, false},
		{"missing agent_id", func(c *agent.Config) { c.AgentID = "" }, true},
		{"missing agent_type", func(c *agent.Config) { c.AgentType = "" }, true},
		{"missing tenant_id", func(c *agent.Config) { c.TenantID = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, agent.ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, agent.DefaultModel, cfg.LLMModel)
	assert.Equal(t, agent.DefaultMaxSteps, cfg.MaxSteps)
	assert.Equal(t, agent.DefaultTimeoutSeconds, cfg.TimeoutSeconds)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := agent.New(agent.Config{}, llm.NewMockProvider(), tools.NewRegistry())
	assert.ErrorIs(t, err, agent.ErrInvalidConfig)
}

// scriptedPlaybook drives the lifecycle from canned responses.
type scriptedPlaybook struct {
	rt        *agent.Runtime
	plan      *agent.Plan
	planErr   error
	result    *agent.Result
	execErr   error
	onExecute func()
}

func (p *scriptedPlaybook) Plan(ctx context.Context, intent string, _ map[string]any) (*agent.Plan, error) {
	if p.planErr != nil {
		return nil, p.planErr
	}
	return p.plan, nil
}

func (p *scriptedPlaybook) Execute(ctx context.Context, _ *agent.Plan) (*agent.Result, error) {
	if p.onExecute != nil {
		p.onExecute()
	}
	if p.execErr != nil {
		return nil, p.execErr
	}
	return p.result, nil
}

func newRuntime(t *testing.T, store engram.Store) *agent.Runtime {
	t.Helper()
	opts := []agent.Option{agent.WithPolicy(policy.NewLocalEngine())}
	if store != nil {
		opts = append(opts, agent.WithStore(store))
	}
	rt, err := agent.New(validConfig(), llm.NewMockProvider(), tools.NewRegistry(), opts...)
	require.NoError(t, err)
	return rt
}

func TestRunCompletesAndFinalizes(t *testing.T) {
	store := engram.NewFileStore(t.TempDir())
	rt := newRuntime(t, store)
	cfg := rt.Config()

	pb := &scriptedPlaybook{
		plan: &agent.Plan{
			Description: "sweep auth logs",
			Rationale:   "failed logins cluster on one subnet",
			Confidence:  0.8,
			Steps:       []string{"query", "correlate"},
			Alternatives: []agent.PlanAlternative{
				{Option: "full packet capture", Reason: "too slow for triage"},
			},
		},
		result: &agent.Result{
			AgentID:   cfg.AgentID,
			AgentType: cfg.AgentType,
			TenantID:  cfg.TenantID,
			Findings: []agent.Finding{
				agent.NewFinding(agent.SeverityHigh, "Brute force", "10.0.0.5 hammering ssh"),
			},
			ActionsTaken: 2,
		},
	}

	assert.Equal(t, agent.StatusPending, rt.Status())
	res, err := rt.Run(context.Background(), pb, "hunt for credential abuse", map[string]any{"window": "24h"})
	require.NoError(t, err)

	assert.Equal(t, agent.StatusCompleted, res.Status)
	assert.Equal(t, agent.StatusCompleted, rt.Status())
	require.NotEmpty(t, res.EngramID)
	require.NotNil(t, res.CompletedAt)

	e, err := store.Get(context.Background(), res.EngramID)
	require.NoError(t, err)
	assert.True(t, e.VerifyIntegrity())
	assert.Equal(t, cfg.TenantID, e.TenantID)
	assert.Equal(t, "hunt for credential abuse", e.Intent)

	require.Len(t, e.Decisions, 1)
	assert.Equal(t, "sweep auth logs", e.Decisions[0].Choice)
	assert.InDelta(t, 0.8, e.Decisions[0].Confidence, 1e-9)

	require.Len(t, e.Alternatives, 1)
	assert.Equal(t, "full packet capture", e.Alternatives[0].Option)

	require.Len(t, e.Actions, 1)
	a := e.Actions[0]
	assert.Equal(t, "execution_complete", a.ActionType)
	assert.True(t, a.Success)
	assert.Contains(t, a.Description, "1 findings")
}

func TestRunPlanFailureConvertsToFailedResult(t *testing.T) {
	store := engram.NewFileStore(t.TempDir())
	rt := newRuntime(t, store)

	pb := &scriptedPlaybook{planErr: errors.New("siem unreachable")}
	res, err := rt.Run(context.Background(), pb, "hunt", nil)
	require.NoError(t, err, "playbook failures must not surface as errors")

	assert.Equal(t, agent.StatusFailed, res.Status)
	assert.Equal(t, agent.StatusFailed, rt.Status())
	assert.Equal(t, "siem unreachable", res.Error)
	assert.Empty(t, res.Findings)
	require.NotEmpty(t, res.EngramID, "failed runs still finalize their engram")
	require.NotNil(t, res.CompletedAt)

	e, err := store.Get(context.Background(), res.EngramID)
	require.NoError(t, err)
	require.Len(t, e.Actions, 1)
	assert.Equal(t, "execution_failed", e.Actions[0].ActionType)
	assert.False(t, e.Actions[0].Success)
	assert.Equal(t, "siem unreachable", e.Actions[0].Description)
	assert.Empty(t, e.Decisions, "plan never produced a decision")
}

func TestRunExecuteFailureRecordsDecisionFirst(t *testing.T) {
	store := engram.NewFileStore(t.TempDir())
	rt := newRuntime(t, store)

	pb := &scriptedPlaybook{
		plan:    &agent.Plan{Description: "d", Rationale: "r", Confidence: 0.5},
		execErr: errors.New("query timeout"),
	}
	res, err := rt.Run(context.Background(), pb, "hunt", nil)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusFailed, res.Status)

	e, err := store.Get(context.Background(), res.EngramID)
	require.NoError(t, err)
	require.Len(t, e.Decisions, 1, "the plan decision precedes the failure")
	require.Len(t, e.Actions, 1)
	assert.Equal(t, "execution_failed", e.Actions[0].ActionType)
}

func TestRunNilResultIsFailure(t *testing.T) {
	rt := newRuntime(t, nil)
	pb := &scriptedPlaybook{plan: &agent.Plan{Description: "d", Rationale: "r"}}
	res, err := rt.Run(context.Background(), pb, "hunt", nil)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "no result")
}

func TestCancelFlag(t *testing.T) {
	rt := newRuntime(t, nil)
	assert.False(t, rt.IsCancelled())
	rt.RequestCancel()
	assert.True(t, rt.IsCancelled())

	// A playbook that honors the flag before doing work still completes
	// normally with whatever it gathered.
	cfg := rt.Config()
	var sawCancel bool
	pb := &scriptedPlaybook{
		plan: &agent.Plan{Description: "d", Rationale: "r"},
		result: &agent.Result{
			AgentID: cfg.AgentID, AgentType: cfg.AgentType, TenantID: cfg.TenantID,
		},
	}
	pb.onExecute = func() { sawCancel = rt.IsCancelled() }

	res, err := rt.Run(context.Background(), pb, "hunt", nil)
	require.NoError(t, err)
	assert.True(t, sawCancel, "playbooks observe cancellation requested before run")
	assert.NotEmpty(t, res.EngramID)
}

func TestExecuteToolInjectsIdentity(t *testing.T) {
	reg := tools.NewRegistry()
	var gotParams map[string]any
	reg.Register(tools.Tool{Name: "query_logs", AgentTypes: []string{"hunt"}},
		func(ctx context.Context, params map[string]any) (*tools.Result, error) {
			gotParams = params
			return &tools.Result{Success: true}, nil
		})

	rt, err := agent.New(validConfig(), llm.NewMockProvider(), reg, agent.WithPolicy(policy.NewLocalEngine()))
	require.NoError(t, err)

	pb := &scriptedPlaybook{plan: &agent.Plan{Description: "d", Rationale: "r"}}
	pb.onExecute = func() {
		_, terr := rt.ExecuteTool(context.Background(), "query_logs", map[string]any{"q": "x"})
		require.NoError(t, terr)
		cfg := rt.Config()
		pb.result = &agent.Result{
			AgentID: cfg.AgentID, AgentType: cfg.AgentType, TenantID: cfg.TenantID, ActionsTaken: 1,
		}
	}

	res, err := rt.Run(context.Background(), pb, "hunt", nil)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"q": "x"}, gotParams)
}

func TestExecuteToolRecordsOnSession(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.Tool{Name: "query_logs", AgentTypes: []string{"hunt"}},
		func(ctx context.Context, params map[string]any) (*tools.Result, error) {
			return &tools.Result{Success: true}, nil
		})

	store := engram.NewFileStore(t.TempDir())
	rt, err := agent.New(validConfig(), llm.NewMockProvider(), reg,
		agent.WithPolicy(policy.NewLocalEngine()), agent.WithStore(store))
	require.NoError(t, err)

	pb := &scriptedPlaybook{plan: &agent.Plan{Description: "d", Rationale: "r"}}
	pb.onExecute = func() {
		_, terr := rt.ExecuteTool(context.Background(), "query_logs", map[string]any{"index": "logs-*"})
		require.NoError(t, terr)
		cfg := rt.Config()
		pb.result = &agent.Result{AgentID: cfg.AgentID, AgentType: cfg.AgentType, TenantID: cfg.TenantID, ActionsTaken: 1}
	}

	res, err := rt.Run(context.Background(), pb, "hunt", nil)
	require.NoError(t, err)

	e, err := store.Get(context.Background(), res.EngramID)
	require.NoError(t, err)
	require.Len(t, e.Actions, 2)
	assert.Equal(t, "tool_query_logs", e.Actions[0].ActionType)
	assert.Equal(t, "execution_complete", e.Actions[1].ActionType)
}
