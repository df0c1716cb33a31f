// Package policy evaluates agent actions against the platform guardrails.
//
// Two questions are answered for every action: may this agent type perform
// it at all (agent-action allowlist), and how much human oversight does it
// need (response approval tier). The production engine delegates both to an
// OPA sidecar; LocalEngine implements the same tables in-process for tests
// and degraded operation. Both are fail-closed: anything that cannot be
// positively allowed is denied.
package policy

import "context"

// Tier is the approval tier required for a response action.
type Tier string

const (
	TierAuto      Tier = "auto"
	TierFastTrack Tier = "fast_track"
	TierReview    Tier = "review"
	TierDeny      Tier = "deny"
)

// ParseTier maps a tier string to a Tier, coercing anything unrecognized to
// TierDeny.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierAuto, TierFastTrack, TierReview, TierDeny:
		return Tier(s)
	default:
		return TierDeny
	}
}

// Input is the structured input to a policy evaluation.
type Input struct {
	AgentID   string         `json:"agent_id"`
	AgentType string         `json:"agent_type"`
	Action    string         `json:"action"`
	Target    string         `json:"target"`
	TenantID  string         `json:"tenant_id"`
	Context   map[string]any `json:"context"`
}

// Decision is the result of a policy evaluation. Reasons carry machine tags,
// Violations human-readable explanations, Metadata any extra keys the rule
// service returned.
type Decision struct {
	Allowed    bool           `json:"allowed"`
	Tier       Tier           `json:"tier"`
	Reasons    []string       `json:"reasons"`
	Violations []string       `json:"violations"`
	Metadata   map[string]any `json:"metadata"`
}

// Engine evaluates agent actions and response tiers.
//
// Implementations never surface transport errors: failures fold into a
// Decision with Allowed=false and Tier=TierDeny.
type Engine interface {
	// EvaluateAgentAction checks the agent-action allowlist.
	EvaluateAgentAction(ctx context.Context, in Input) Decision
	// EvaluateResponseTier maps an action to its approval tier. Always
	// allowed; the tier is the payload.
	EvaluateResponseTier(ctx context.Context, in Input) Decision
}
