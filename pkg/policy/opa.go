package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOPATimeout      = 5 * time.Second
	defaultAgentPolicyPath = "agent/base"
	defaultTierPolicyPath  = "response/approval"
)

// TokenSource supplies a bearer token for authenticated rule services.
type TokenSource interface {
	Token() (string, error)
}

// OPAConfig configures the OPA-backed engine.
type OPAConfig struct {
	// URL is the base URL of the OPA server (e.g., "http://localhost:8181").
	URL string
	// AgentPolicyPath overrides the agent-action data path. Default: "agent/base".
	AgentPolicyPath string
	// TierPolicyPath overrides the response-tier data path. Default: "response/approval".
	TierPolicyPath string
	// Timeout sets the HTTP call timeout. Default: 5s.
	Timeout time.Duration
	// TokenSource, when set, attaches a bearer token to every request.
	TokenSource TokenSource
}

// OPAEngine evaluates policies against a remote OPA server via its v1 data
// API. Strict fail-closed semantics: any error, timeout, or non-2xx response
// results in a deny.
type OPAEngine struct {
	cfg    OPAConfig
	client *http.Client
}

// NewOPAEngine creates an OPA-backed policy engine.
func NewOPAEngine(cfg OPAConfig) *OPAEngine {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultOPATimeout
	}
	if cfg.AgentPolicyPath == "" {
		cfg.AgentPolicyPath = defaultAgentPolicyPath
	}
	if cfg.TierPolicyPath == "" {
		cfg.TierPolicyPath = defaultTierPolicyPath
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &OPAEngine{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// opaRequest is the OPA input envelope.
type opaRequest struct {
	Input Input `json:"input"`
}

// opaResponse is the OPA result envelope. The result is kept as a raw map so
// extra keys survive into Decision.Metadata.
type opaResponse struct {
	Result map[string]any `json:"result"`
}

// EvaluateAgentAction implements Engine.
func (o *OPAEngine) EvaluateAgentAction(ctx context.Context, in Input) Decision {
	return o.evaluate(ctx, o.cfg.AgentPolicyPath, in)
}

// EvaluateResponseTier implements Engine.
func (o *OPAEngine) EvaluateResponseTier(ctx context.Context, in Input) Decision {
	return o.evaluate(ctx, o.cfg.TierPolicyPath, in)
}

func (o *OPAEngine) evaluate(ctx context.Context, policyPath string, in Input) Decision {
	payload, err := json.Marshal(opaRequest{Input: in})
	if err != nil {
		return deny("OPA request encoding failed")
	}

	url := o.cfg.URL + "/v1/data/" + policyPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return deny("OPA request error")
	}
	req.Header.Set("Content-Type", "application/json")
	if o.cfg.TokenSource != nil {
		tok, err := o.cfg.TokenSource.Token()
		if err != nil {
			return deny("OPA credential error")
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		// Fail-closed: timeout, connection refused, etc.
		return deny("OPA service unavailable")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return deny(fmt.Sprintf("OPA error: %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return deny("OPA response read failed")
	}
	var envelope opaResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return deny("OPA response parse failed")
	}
	return parseResult(envelope.Result)
}

// Health reports whether the OPA server is reachable.
func (o *OPAEngine) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.URL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// parseResult maps a raw OPA result document to a Decision. Missing fields
// default closed; keys beyond the contract land in Metadata.
func parseResult(result map[string]any) Decision {
	allowed, _ := result["allow"].(bool)
	tierRaw, ok := result["tier"].(string)
	if !ok {
		tierRaw = "deny"
	}
	d := Decision{
		Allowed:    allowed,
		Tier:       ParseTier(tierRaw),
		Reasons:    toStrings(result["reasons"]),
		Violations: toStrings(result["violations"]),
		Metadata:   map[string]any{},
	}
	for k, v := range result {
		switch k {
		case "allow", "tier", "reasons", "violations":
		default:
			d.Metadata[k] = v
		}
	}
	return d
}

func toStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func deny(reason string) Decision {
	return Decision{
		Allowed:    false,
		Tier:       TierDeny,
		Reasons:    []string{reason},
		Violations: []string{},
		Metadata:   map[string]any{},
	}
}
