// Package agent provides the lifecycle engine shared by all Sentinel agents.
//
// A Runtime drives any Playbook through plan, execute and report phases,
// recording every decision and action into a tamper-evident engram session
// along the way. The runtime never forces termination: cancellation is a
// flag that playbooks poll between units of work.
package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an agent run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused" // reserved, not entered by this runtime
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Severity levels for findings.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// Default Config values.
const (
	DefaultModel          = "claude-sonnet-4-20250514"
	DefaultMaxSteps       = 20
	DefaultTimeoutSeconds = 300
)

// ErrInvalidConfig is returned when a Config fails validation.
var ErrInvalidConfig = errors.New("agent: invalid config")

// Config identifies an agent and bounds its run.
type Config struct {
	AgentID   string `json:"agent_id"`
	AgentType string `json:"agent_type"` // "hunt", "simulate", "discover", "govern"
	TenantID  string `json:"tenant_id"`
	LLMModel  string `json:"llm_model"`
	MaxSteps  int    `json:"max_steps"`
	// TimeoutSeconds is carried for schedulers; the runtime itself never
	// enforces it.
	TimeoutSeconds int `json:"timeout_seconds"`
}

// Validate checks required fields and applies defaults in place.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidConfig)
	}
	if c.AgentType == "" {
		return fmt.Errorf("%w: agent_type is required", ErrInvalidConfig)
	}
	if c.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidConfig)
	}
	if c.LLMModel == "" {
		c.LLMModel = DefaultModel
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}
	return nil
}

// PlanAlternative is an option considered and rejected during planning.
type PlanAlternative struct {
	Option string `json:"option"`
	Reason string `json:"reason"`
}

// Plan is the structured output of the plan phase.
type Plan struct {
	Description  string            `json:"description"`
	Rationale    string            `json:"rationale"`
	Confidence   float64           `json:"confidence"`
	Steps        []string          `json:"steps"`
	Alternatives []PlanAlternative `json:"alternatives,omitempty"`
}

// Finding is a security finding produced by an agent.
type Finding struct {
	ID              string         `json:"id"`
	Severity        string         `json:"severity"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Evidence        map[string]any `json:"evidence,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
}

// NewFinding creates a Finding with a fresh id.
func NewFinding(severity, title, description string) Finding {
	return Finding{
		ID:          uuid.NewString(),
		Severity:    severity,
		Title:       title,
		Description: description,
	}
}

// Recommendation is an actionable follow-up from an agent.
type Recommendation struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"` // "critical", "high", "medium", "low"
	Automated   bool   `json:"automated"`
}

// Result is the structured output of one agent run.
type Result struct {
	AgentID         string           `json:"agent_id"`
	AgentType       string           `json:"agent_type"`
	TenantID        string           `json:"tenant_id"`
	Status          Status           `json:"status"`
	Findings        []Finding        `json:"findings,omitempty"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
	ActionsTaken    int              `json:"actions_taken"`
	EngramID        string           `json:"engram_id,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	Error           string           `json:"error,omitempty"`
}
