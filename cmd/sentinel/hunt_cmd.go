package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
	"github.com/sentinel-platform/sentinel/core/pkg/config"
	"github.com/sentinel-platform/sentinel/core/pkg/engram"
	"github.com/sentinel-platform/sentinel/core/pkg/hunt"
	"github.com/sentinel-platform/sentinel/core/pkg/observability"
	"github.com/sentinel-platform/sentinel/core/pkg/orchestrator"
	"github.com/sentinel-platform/sentinel/core/pkg/siem"
	"github.com/sentinel-platform/sentinel/core/pkg/tools"
)

// runHuntCmd implements `sentinel hunt`.
//
// Runs one hunt playbook against the configured SIEM under an orchestrated
// agent session. Findings land in the findings store and the reasoning
// trail in the engram store.
//
// Exit codes:
//
//	0 = hunt completed
//	1 = hunt failed
//	2 = usage or wiring error
func runHuntCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("hunt", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		playbook   string
		tenantID   string
		profile    string
		window     int
		index      string
		intent     string
		mockLLM    bool
		remoteOPA  bool
		jsonOutput bool
	)

	cmd.StringVar(&playbook, "playbook", "", "Playbook: credential_abuse, lateral_movement, or data_exfiltration (REQUIRED)")
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id (REQUIRED)")
	cmd.StringVar(&profile, "profile", "", "Tenant profile code to apply (from PROFILES_DIR)")
	cmd.IntVar(&window, "window", 0, "Hunt window in hours (default per playbook)")
	cmd.StringVar(&index, "index", "", "Index pattern override")
	cmd.StringVar(&intent, "intent", "", "Hunt intent (default derived from the playbook)")
	cmd.BoolVar(&mockLLM, "mock-llm", false, "Use canned LLM responses (offline run)")
	cmd.BoolVar(&remoteOPA, "opa", false, "Evaluate tool calls against the remote OPA service")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if playbook == "" || tenantID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --playbook and --tenant are required")
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

	tokens := newTokenSource(cfg, tenantID)
	querier := newSIEMClient(cfg, tokens)
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
		AgentType: "hunt",
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

	hunter, err := buildHunter(rt, querier, cfg, playbook, profile, window, index)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if intent == "" {
		intent = "Hunt for " + playbook + " activity"
	}

	ctx, finish := obs.TrackOperation(ctx, "agent.hunt",
		observability.AgentRun(tenantID, "hunt", playbook)...)

	orch := orchestrator.New(orchestrator.WithSink(store))
	sessionID := orch.Start(ctx, rt, hunter, intent, map[string]any{
		"tenant_id": tenantID,
		"playbook":  playbook,
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
	if session.Result != nil {
		observability.AddSpanEvent(ctx, "engram.recorded",
			observability.AttrEngramID.String(session.Result.EngramID),
			observability.AttrHuntFindings.Int(len(session.Result.Findings)))
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

// buildHunter constructs the requested playbook, applying tenant-profile
// and flag overrides to the defaults.
func buildHunter(rt *agent.Runtime, querier siem.Querier, cfg *config.Config, playbook, profile string, window int, index string) (*hunt.Hunter, error) {
	var tp config.TenantProfile
	if profile != "" {
		loaded, err := config.LoadProfile(cfg.ProfilesDir, profile)
		if err != nil {
			return nil, fmt.Errorf("load profile: %w", err)
		}
		tp = *loaded
	}

	// Index precedence: --index flag, tenant profile, SIEM_INDEX env,
	// playbook default.
	apply := func(c *hunt.Config) {
		if window > 0 {
			c.TimeWindowHours = window
		}
		if cfg.SIEMIndex != "" {
			c.IndexPattern = cfg.SIEMIndex
		}
		c.IndexPattern = tp.Index(c.IndexPattern)
		if index != "" {
			c.IndexPattern = index
		}
	}

	switch playbook {
	case hunt.PlaybookCredentialAbuse:
		hc := hunt.DefaultCredentialAbuseConfig()
		apply(&hc.Config)
		if tp.Hunt.FailedLoginThreshold > 0 {
			hc.FailedLoginThreshold = tp.Hunt.FailedLoginThreshold
		}
		if tp.Hunt.UniqueUserThreshold > 0 {
			hc.CredentialStuffingUniqueUsers = tp.Hunt.UniqueUserThreshold
		}
		return hunt.NewCredentialAbuse(rt, querier, hc), nil
	case hunt.PlaybookLateralMovement:
		hc := hunt.DefaultLateralMovementConfig()
		apply(&hc.Config)
		if tp.Hunt.ServiceAccountHops > 0 {
			hc.ServiceAccountHopThreshold = tp.Hunt.ServiceAccountHops
		}
		return hunt.NewLateralMovement(rt, querier, hc), nil
	case hunt.PlaybookDataExfiltration:
		hc := hunt.DefaultDataExfiltrationConfig()
		apply(&hc.Config)
		if tp.Hunt.LargeTransferBytes > 0 {
			hc.LargeTransferBytes = tp.Hunt.LargeTransferBytes
		}
		if tp.Hunt.DNSQueryLengthThreshold > 0 {
			hc.DNSQueryLengthThreshold = tp.Hunt.DNSQueryLengthThreshold
		}
		if tp.Hunt.AfterHoursStart > 0 {
			hc.AfterHoursStart = tp.Hunt.AfterHoursStart
		}
		if tp.Hunt.AfterHoursEnd > 0 {
			hc.AfterHoursEnd = tp.Hunt.AfterHoursEnd
		}
		return hunt.NewDataExfiltration(rt, querier, hc), nil
	default:
		return nil, fmt.Errorf("unknown playbook %q", playbook)
	}
}

// printSessionSummary renders a finished agent session for humans.
func printSessionSummary(w io.Writer, s orchestrator.Session) {
	status := s.Status
	fmt.Fprintf(w, "%sSession %s%s [%s]\n", ColorBold, s.ID, ColorReset, status)
	fmt.Fprintf(w, "  Agent:   %s (%s)\n", s.AgentID, s.AgentType)
	fmt.Fprintf(w, "  Tenant:  %s\n", s.TenantID)
	if s.Result == nil {
		return
	}
	fmt.Fprintf(w, "  Engram:  %s\n", s.Result.EngramID)
	if s.Result.Error != "" {
		fmt.Fprintf(w, "  Error:   %s\n", s.Result.Error)
	}
	fmt.Fprintf(w, "  Findings: %d\n", len(s.Result.Findings))
	for _, f := range s.Result.Findings {
		fmt.Fprintf(w, "    [%s] %s\n", f.Severity, f.Title)
	}
}
