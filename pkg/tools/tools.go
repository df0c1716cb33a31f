// Package tools is the registry of operations agents may invoke.
//
// Every execution passes the same gauntlet: the tool must exist, the agent
// type must be on the tool's own allowlist, the policy engine must allow the
// action, and only then does the handler run. Outcomes land in the engram
// session so the reasoning chain shows every tool call, denied or not.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sentinel-platform/sentinel/core/pkg/engram"
	"github.com/sentinel-platform/sentinel/core/pkg/policy"
)

// ErrUnknownTool is returned when a tool name is not registered.
var ErrUnknownTool = errors.New("tools: unknown tool")

// PolicyViolationError is returned when a tool call is denied, either by the
// tool's own agent-type allowlist or by the policy engine.
type PolicyViolationError struct {
	Tool    string
	Reasons []string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("tools: policy denied %q: %s", e.Tool, strings.Join(e.Reasons, ", "))
}

// Param describes a single tool parameter.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string", "integer", "boolean", "object"
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Result is what a tool handler returns.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Tool describes an operation agents can invoke.
type Tool struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	AgentTypes  []string `json:"agent_types"`
	Params      []Param  `json:"params,omitempty"`
}

// Handler executes a tool call.
type Handler func(ctx context.Context, params map[string]any) (*Result, error)

// ExecOpts carries the per-run context for a tool execution. All fields are
// optional: a nil Policy skips the engine check, a nil Session skips
// recording.
type ExecOpts struct {
	Policy   policy.Engine
	AgentID  string
	TenantID string
	Session  *engram.Session
}

// Registry holds tools and their handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		handlers: make(map[string]Handler),
	}
}

// Register adds a tool and its handler, replacing any previous registration
// under the same name.
func (r *Registry) Register(tool Tool, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
	r.handlers[tool.Name] = handler
}

// Get looks up a tool and its handler by name.
func (r *Registry) Get(name string) (Tool, Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return Tool{}, nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return tool, r.handlers[name], nil
}

// ListForAgentType returns the tools available to the given agent type.
func (r *Registry) ListForAgentType(agentType string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for _, t := range r.tools {
		for _, at := range t.AgentTypes {
			if at == agentType {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// Execute runs a tool with policy validation and engram recording.
//
// The checks run in a fixed order: tool lookup, agent-type allowlist,
// policy engine, handler. A lookup or allowlist failure leaves no trace in
// the session; a policy denial is recorded as a policy_violation action;
// handler outcomes are recorded as tool_<name> actions either way.
func (r *Registry) Execute(ctx context.Context, name, agentType string, params map[string]any, opts ExecOpts) (*Result, error) {
	tool, handler, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, at := range tool.AgentTypes {
		if at == agentType {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, &PolicyViolationError{
			Tool:    name,
			Reasons: []string{fmt.Sprintf("Agent type '%s' is not allowed to use tool '%s'", agentType, name)},
		}
	}

	if opts.Policy != nil {
		target, _ := params["target"].(string)
		decision := opts.Policy.EvaluateAgentAction(ctx, policy.Input{
			AgentID:   opts.AgentID,
			AgentType: agentType,
			Action:    name,
			Target:    target,
			TenantID:  opts.TenantID,
			Context:   params,
		})
		if !decision.Allowed {
			if opts.Session != nil {
				_ = opts.Session.AddAction(
					"policy_violation",
					fmt.Sprintf("Tool '%s' denied by policy", name),
					map[string]any{"reasons": decision.Reasons, "violations": decision.Violations},
					false,
				)
			}
			return nil, &PolicyViolationError{Tool: name, Reasons: decision.Reasons}
		}
	}

	result, err := handler(ctx, params)
	if err != nil {
		if opts.Session != nil {
			_ = opts.Session.AddAction(
				"tool_"+name,
				fmt.Sprintf("Tool '%s' failed: %v", name, err),
				params,
				false,
			)
		}
		return nil, err
	}

	if opts.Session != nil {
		_ = opts.Session.AddAction(
			"tool_"+name,
			fmt.Sprintf("Executed tool '%s'", name),
			map[string]any{"params": params, "success": result.Success},
			result.Success,
		)
	}
	return result, nil
}
