package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/sentinel-platform/sentinel/core/pkg/config"
	"github.com/sentinel-platform/sentinel/core/pkg/observability"
	"github.com/sentinel-platform/sentinel/core/pkg/policy"
)

// runPolicyCmd implements `sentinel policy <check>`.
func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "check":
		return runPolicyCheck(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown policy subcommand: %s\n", args[0])
		_, _ = fmt.Fprintln(stderr, "Usage: sentinel policy <check>")
		return 2
	}
}

// runPolicyCheck evaluates one agent action against the guardrails and
// reports the decision. With --tier the response approval tier is asked for
// instead of the allowlist.
//
// Exit codes: 0 allowed (or tier below deny), 1 denied, 2 usage error.
func runPolicyCheck(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy check", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		agentType  string
		action     string
		target     string
		tenantID   string
		tier       bool
		local      bool
		jsonOutput bool
	)
	cmd.StringVar(&agentType, "agent-type", "", "Agent type: hunt, simulate, discover, or govern (REQUIRED)")
	cmd.StringVar(&action, "action", "", "Action to evaluate (REQUIRED)")
	cmd.StringVar(&target, "target", "", "Action target")
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.BoolVar(&tier, "tier", false, "Report the response approval tier instead of the allowlist decision")
	cmd.BoolVar(&local, "local", false, "Use the in-process rule tables instead of the OPA service")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the decision as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if agentType == "" || action == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --agent-type and --action are required")
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
	engine := newPolicyEngine(cfg, !local, tokens)

	in := policy.Input{
		AgentID:   "cli",
		AgentType: agentType,
		Action:    action,
		Target:    target,
		TenantID:  tenantID,
	}

	var decision policy.Decision
	if tier {
		decision = engine.EvaluateResponseTier(ctx, in)
	} else {
		decision = engine.EvaluateAgentAction(ctx, in)
	}
	obs.RecordRequest(ctx, observability.PolicyEvaluation("check", action, decision.Allowed)...)

	if jsonOutput {
		printJSON(stdout, decision)
	} else if tier {
		fmt.Fprintf(stdout, "tier: %s\n", decision.Tier)
		for _, r := range decision.Reasons {
			fmt.Fprintf(stdout, "  reason: %s\n", r)
		}
	} else {
		verdict := "DENY"
		if decision.Allowed {
			verdict = "ALLOW"
		}
		fmt.Fprintf(stdout, "%s\n", verdict)
		for _, r := range decision.Reasons {
			fmt.Fprintf(stdout, "  reason: %s\n", r)
		}
		for _, v := range decision.Violations {
			fmt.Fprintf(stdout, "  violation: %s\n", v)
		}
	}

	if tier {
		if decision.Tier == policy.TierDeny {
			return 1
		}
		return 0
	}
	if !decision.Allowed {
		return 1
	}
	return 0
}
