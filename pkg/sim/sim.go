// Package sim implements the adversarial simulation playbooks.
//
// A Simulator walks the read-only digital twin looking for the structural
// preconditions of MITRE ATT&CK techniques: exposed services, credential
// reuse, wildcard roles, egress paths. Nothing is attacked; every check is
// a graph query. Findings carry attack paths, blast radii and structured
// remediation, and the LLM contributes the plan and run summary only.
package sim

import (
	"github.com/google/uuid"

	"github.com/sentinel-platform/sentinel/core/pkg/graph"
)

// Tactic identifies one MITRE ATT&CK tactic covered by simulation.
type Tactic string

// Tactics covered by the built-in technique catalog.
const (
	TacticInitialAccess       Tactic = "initial_access"
	TacticLateralMovement     Tactic = "lateral_movement"
	TacticPrivilegeEscalation Tactic = "privilege_escalation"
	TacticExfiltration        Tactic = "exfiltration"
)

// Config is shared by all simulations. Construct with DefaultConfig (or a
// tactic-specific Default*Config) to pick up the standard limits.
type Config struct {
	Tactic Tactic `json:"tactic"`
	// Techniques filters the run to specific MITRE ids. Empty means every
	// catalog technique for the tactic.
	Techniques         []string `json:"techniques"`
	MaxPaths           int      `json:"max_paths"`
	MaxDepth           int      `json:"max_depth"`
	MinExploitability  float64  `json:"min_exploitability"`
	IncludeBlastRadius bool     `json:"include_blast_radius"`
	// TargetNodeIDs overrides crown-jewel auto-detection; SourceNodeIDs
	// overrides internet-facing auto-detection.
	TargetNodeIDs []string `json:"target_node_ids"`
	SourceNodeIDs []string `json:"source_node_ids"`
}

// DefaultConfig returns the shared simulation defaults for a tactic.
func DefaultConfig(tactic Tactic) Config {
	return Config{
		Tactic:             tactic,
		Techniques:         []string{},
		MaxPaths:           50,
		MaxDepth:           10,
		MinExploitability:  0.3,
		IncludeBlastRadius: true,
		TargetNodeIDs:      []string{},
		SourceNodeIDs:      []string{},
	}
}

// InitialAccessConfig tunes the initial-access simulation.
type InitialAccessConfig struct {
	Config
	CheckExposedServices bool  `json:"check_exposed_services"`
	CheckPhishingVectors bool  `json:"check_phishing_vectors"`
	CheckValidAccounts   bool  `json:"check_valid_accounts"`
	ExposedServicePorts  []int `json:"exposed_service_ports"`
}

// DefaultInitialAccessConfig returns the initial-access defaults.
func DefaultInitialAccessConfig() InitialAccessConfig {
	return InitialAccessConfig{
		Config:               DefaultConfig(TacticInitialAccess),
		CheckExposedServices: true,
		CheckPhishingVectors: true,
		CheckValidAccounts:   true,
		ExposedServicePorts:  []int{80, 443, 8080, 8443, 3389, 22, 21, 25, 445},
	}
}

// LateralMovementConfig tunes the lateral-movement simulation.
type LateralMovementConfig struct {
	Config
	MaxChainLength         int  `json:"max_chain_length"`
	CheckCredentialReuse   bool `json:"check_credential_reuse"`
	CheckTrustExploitation bool `json:"check_trust_exploitation"`
	CheckRemoteServices    bool `json:"check_remote_services"`
}

// DefaultLateralMovementConfig returns the lateral-movement defaults.
func DefaultLateralMovementConfig() LateralMovementConfig {
	return LateralMovementConfig{
		Config:                 DefaultConfig(TacticLateralMovement),
		MaxChainLength:         8,
		CheckCredentialReuse:   true,
		CheckTrustExploitation: true,
		CheckRemoteServices:    true,
	}
}

// PrivilegeEscalationConfig tunes the privilege-escalation simulation.
type PrivilegeEscalationConfig struct {
	Config
	CheckMisconfigs           bool     `json:"check_misconfigs"`
	CheckVulnerableServices   bool     `json:"check_vulnerable_services"`
	CheckExcessivePermissions bool     `json:"check_excessive_permissions"`
	AdminRolePatterns         []string `json:"admin_role_patterns"`
}

// DefaultPrivilegeEscalationConfig returns the privilege-escalation
// defaults.
func DefaultPrivilegeEscalationConfig() PrivilegeEscalationConfig {
	return PrivilegeEscalationConfig{
		Config:                    DefaultConfig(TacticPrivilegeEscalation),
		CheckMisconfigs:           true,
		CheckVulnerableServices:   true,
		CheckExcessivePermissions: true,
		AdminRolePatterns:         []string{"admin", "root", "superuser", "owner", "contributor"},
	}
}

// ExfiltrationConfig tunes the exfiltration simulation.
type ExfiltrationConfig struct {
	Config
	CheckDataPaths      bool     `json:"check_data_paths"`
	CheckDNSExfil       bool     `json:"check_dns_exfil"`
	CheckCloudStorage   bool     `json:"check_cloud_storage"`
	SensitiveDataLabels []string `json:"sensitive_data_labels"`
}

// DefaultExfiltrationConfig returns the exfiltration defaults.
func DefaultExfiltrationConfig() ExfiltrationConfig {
	return ExfiltrationConfig{
		Config:              DefaultConfig(TacticExfiltration),
		CheckDataPaths:      true,
		CheckDNSExfil:       true,
		CheckCloudStorage:   true,
		SensitiveDataLabels: []string{"pii", "phi", "financial", "credentials", "source-code"},
	}
}

// RemediationStep is one structured remediation recommendation.
type RemediationStep struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"` // critical, high, medium, low
	Effort      string `json:"effort"`   // low, medium, high
	Automated   bool   `json:"automated"`
}

// Finding is a simulation finding with attack-path context. RiskScore is
// on a 0-10 scale, unlike path and blast scores which stay in [0, 1].
type Finding struct {
	ID            string             `json:"id"`
	Tactic        Tactic             `json:"tactic"`
	TechniqueID   string             `json:"technique_id"`
	TechniqueName string             `json:"technique_name"`
	Severity      string             `json:"severity"`
	Title         string             `json:"title"`
	Description   string             `json:"description"`
	AttackPaths   []graph.Path       `json:"attack_paths,omitempty"`
	BlastRadius   *graph.BlastRadius `json:"blast_radius,omitempty"`
	RiskScore     float64            `json:"risk_score"`
	AffectedNodes []string           `json:"affected_nodes,omitempty"`
	Evidence      map[string]any     `json:"evidence,omitempty"`
	Remediation   []RemediationStep  `json:"remediation,omitempty"`
	MitreURL      string             `json:"mitre_url,omitempty"`
}

// NewFinding creates a Finding for a technique with a fresh id and the
// catalog metadata filled in.
func NewFinding(tech Technique, severity, title, description string) Finding {
	return Finding{
		ID:            uuid.NewString(),
		Tactic:        tech.Tactic,
		TechniqueID:   tech.ID,
		TechniqueName: tech.Name,
		Severity:      severity,
		Title:         title,
		Description:   description,
		MitreURL:      tech.MitreURL,
	}
}

// TacticResult summarizes one full simulation run.
type TacticResult struct {
	Tactic                 Tactic    `json:"tactic"`
	Findings               []Finding `json:"findings"`
	TechniquesTested       int       `json:"techniques_tested"`
	TechniquesWithFindings int       `json:"techniques_with_findings"`
	HighestRiskScore       float64   `json:"highest_risk_score"`
	DurationSeconds        float64   `json:"duration_seconds"`
	Summary                string    `json:"summary,omitempty"`
}
