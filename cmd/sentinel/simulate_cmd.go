package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
	"github.com/sentinel-platform/sentinel/core/pkg/config"
	"github.com/sentinel-platform/sentinel/core/pkg/engram"
	"github.com/sentinel-platform/sentinel/core/pkg/graph"
	"github.com/sentinel-platform/sentinel/core/pkg/observability"
	"github.com/sentinel-platform/sentinel/core/pkg/orchestrator"
	"github.com/sentinel-platform/sentinel/core/pkg/sim"
	"github.com/sentinel-platform/sentinel/core/pkg/tools"
)

// runSimulateCmd implements `sentinel simulate`.
//
// Replays one MITRE tactic against a tenant's asset graph snapshot. The
// simulation is read-only: it walks the graph and reports exposure
// findings, it never mutates anything.
//
// Exit codes:
//
//	0 = simulation completed
//	1 = simulation failed
//	2 = usage or wiring error
func runSimulateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("simulate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tactic     string
		tenantID   string
		graphPath  string
		profile    string
		techniques string
		mockLLM    bool
		remoteOPA  bool
		jsonOutput bool
	)

	cmd.StringVar(&tactic, "tactic", "", "Tactic: initial_access, lateral_movement, privilege_escalation, or exfiltration (REQUIRED)")
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id (REQUIRED)")
	cmd.StringVar(&graphPath, "graph", "", "Path to a graph snapshot JSON file (REQUIRED)")
	cmd.StringVar(&profile, "profile", "", "Tenant profile code to apply (from PROFILES_DIR)")
	cmd.StringVar(&techniques, "techniques", "", "Comma-separated MITRE technique ids (default: full tactic catalog)")
	cmd.BoolVar(&mockLLM, "mock-llm", false, "Use canned LLM responses (offline run)")
	cmd.BoolVar(&remoteOPA, "opa", false, "Evaluate tool calls against the remote OPA service")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tactic == "" || tenantID == "" || graphPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --tactic, --tenant, and --graph are required")
		cmd.Usage()
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg)
	ctx := context.Background()

	obs, err := newTelemetry(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: telemetry init: %v\n", err)
		return 2
	}
	defer func() { _ = obs.Shutdown(ctx) }()

	if profile != "" {
		tp, err := config.LoadProfile(cfg.ProfilesDir, profile)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: load profile: %v\n", err)
			return 2
		}
		if !tp.TacticEnabled(tactic) {
			_, _ = fmt.Fprintf(stderr, "Error: tactic %s is disabled by profile %s\n", tactic, profile)
			return 2
		}
	}

	reader, err := loadGraph(graphPath, tenantID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	tokens := newTokenSource(cfg, tenantID)
	provider := newLLMProvider(cfg, mockLLM)
	engine := newPolicyEngine(cfg, remoteOPA, tokens)
	engrams := engram.NewFileStore(cfg.EngramDir)

	store, closeStore, err := openFindings(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: findings store: %v\n", err)
		return 2
	}
	defer closeStore()

	rt, err := agent.New(agent.Config{
		AgentID:   uuid.NewString(),
		AgentType: "simulate",
		TenantID:  tenantID,
		LLMModel:  cfg.LLMModel,
	}, provider, tools.NewRegistry(),
		agent.WithPolicy(engine),
		agent.WithStore(engrams),
	)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var ids []string
	if techniques != "" {
		for _, id := range strings.Split(techniques, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}

	simulator, err := buildSimulator(rt, reader, tactic, ids)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	intent := "Simulate " + tactic + " techniques against the asset graph"

	ctx, finish := obs.TrackOperation(ctx, "agent.simulate",
		observability.SimulationRun(tenantID, tactic)...)

	orch := orchestrator.New(orchestrator.WithSink(store))
	sessionID := orch.Start(ctx, rt, simulator, intent, map[string]any{
		"tenant_id": tenantID,
		"tactic":    tactic,
	})
	if err := orch.Wait(sessionID); err != nil {
		finish(err)
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	session, err := orch.GetStatus(sessionID)
	if err != nil {
		finish(err)
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	finish(nil)

	if jsonOutput {
		printJSON(stdout, session)
	} else {
		printSessionSummary(stdout, session)
	}
	if session.Status == agent.StatusFailed {
		return 1
	}
	return 0
}

// buildSimulator constructs the requested tactic simulation.
func buildSimulator(rt *agent.Runtime, reader graph.Reader, tactic string, techniques []string) (*sim.Simulator, error) {
	switch sim.Tactic(tactic) {
	case sim.TacticInitialAccess:
		sc := sim.DefaultInitialAccessConfig()
		sc.Techniques = techniques
		return sim.NewInitialAccess(rt, reader, sc), nil
	case sim.TacticLateralMovement:
		sc := sim.DefaultLateralMovementConfig()
		sc.Techniques = techniques
		return sim.NewLateralMovement(rt, reader, sc), nil
	case sim.TacticPrivilegeEscalation:
		sc := sim.DefaultPrivilegeEscalationConfig()
		sc.Techniques = techniques
		return sim.NewPrivilegeEscalation(rt, reader, sc), nil
	case sim.TacticExfiltration:
		sc := sim.DefaultExfiltrationConfig()
		sc.Techniques = techniques
		return sim.NewExfiltration(rt, reader, sc), nil
	default:
		return nil, fmt.Errorf("unknown tactic %q", tactic)
	}
}
