package policy

import (
	"context"
	"fmt"
)

// allowedActions is the per-agent-type action allowlist. It mirrors the
// agent/base bundle served by the rule service; the two must change together.
var allowedActions = map[string]map[string]bool{
	"hunt": {
		"query_logs":       true,
		"search_graph":     true,
		"correlate_events": true,
		"read_alerts":      true,
		"create_finding":   true,
	},
	"simulate": {
		"read_graph":      true,
		"compute_path":    true,
		"generate_report": true,
	},
	"discover": {
		"scan_network":    true,
		"query_cloud_api": true,
		"update_graph":    true,
		"read_graph":      true,
	},
	"govern": {
		"audit_agents":     true,
		"check_policy":     true,
		"review_engram":    true,
		"list_mcp_servers": true,
	},
}

// blockedActions deny regardless of agent type.
var blockedActions = map[string]bool{
	"delete_data":      true,
	"modify_firewall":  true,
	"disable_security": true,
	"exfiltrate":       true,
	"execute_payload":  true,
}

// tierMap assigns approval tiers to response actions. Mirrors the
// response/approval bundle. Unlisted actions require review.
var tierMap = map[string]Tier{
	// Auto-approved: read-only, low risk
	"read_alerts":      TierAuto,
	"query_logs":       TierAuto,
	"search_graph":     TierAuto,
	"read_graph":       TierAuto,
	"correlate_events": TierAuto,
	"list_mcp_servers": TierAuto,
	"check_policy":     TierAuto,
	"review_engram":    TierAuto,
	// Fast-track: creates artifacts but no direct system changes
	"create_finding":  TierFastTrack,
	"generate_report": TierFastTrack,
	"compute_path":    TierFastTrack,
	"audit_agents":    TierFastTrack,
	// Review: modifies system state
	"update_graph":    TierReview,
	"scan_network":    TierReview,
	"query_cloud_api": TierReview,
}

// LocalEngine evaluates policies in-process. It implements the same tables
// the rule service enforces so tests and degraded deployments behave
// identically to production.
type LocalEngine struct{}

// NewLocalEngine returns an in-process policy engine.
func NewLocalEngine() *LocalEngine { return &LocalEngine{} }

// EvaluateAgentAction checks the action against the blocklist and the
// agent type's allowlist.
func (e *LocalEngine) EvaluateAgentAction(_ context.Context, in Input) Decision {
	if blockedActions[in.Action] {
		return Decision{
			Allowed:    false,
			Tier:       TierDeny,
			Reasons:    []string{"blocked_action"},
			Violations: []string{fmt.Sprintf("Action %q is on the blocked list", in.Action)},
			Metadata:   map[string]any{},
		}
	}

	allowed, known := allowedActions[in.AgentType]
	if !known {
		return Decision{
			Allowed:    false,
			Tier:       TierDeny,
			Reasons:    []string{"unknown_agent_type"},
			Violations: []string{fmt.Sprintf("Unknown agent type %q", in.AgentType)},
			Metadata:   map[string]any{},
		}
	}

	if !allowed[in.Action] {
		return Decision{
			Allowed:    false,
			Tier:       TierDeny,
			Reasons:    []string{"action_not_allowed"},
			Violations: []string{fmt.Sprintf("Action %q not permitted for agent type %q", in.Action, in.AgentType)},
			Metadata:   map[string]any{},
		}
	}

	return Decision{
		Allowed:    true,
		Tier:       TierAuto,
		Reasons:    []string{"action_permitted"},
		Violations: []string{},
		Metadata:   map[string]any{},
	}
}

// EvaluateResponseTier returns the approval tier for an action. Tier
// evaluation never denies; the tier itself is the answer.
func (e *LocalEngine) EvaluateResponseTier(_ context.Context, in Input) Decision {
	tier, ok := tierMap[in.Action]
	if !ok {
		tier = TierReview
	}
	return Decision{
		Allowed:    true,
		Tier:       tier,
		Reasons:    []string{"tier_" + string(tier)},
		Violations: []string{},
		Metadata:   map[string]any{},
	}
}
