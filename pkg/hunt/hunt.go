// Package hunt implements the threat-hunting playbooks.
//
// Every playbook is driven by the same Hunter: the LLM plans, programmatic
// ES-DSL queries run against the SIEM, deterministic analyzers turn the
// results into findings, and Sigma rules are generated per finding. The LLM
// contributes supplementary pattern hints and the run summary only; no
// hard finding depends on it.
package hunt

import (
	"github.com/google/uuid"

	"github.com/sentinel-platform/sentinel/core/pkg/sigma"
)

// Playbook identifiers.
const (
	PlaybookCredentialAbuse  = "credential_abuse"
	PlaybookLateralMovement  = "lateral_movement"
	PlaybookDataExfiltration = "data_exfiltration"
)

// Config is shared by all hunt playbooks. Construct with DefaultConfig (or
// a playbook-specific Default*Config) to pick up the standard window,
// indices and thresholds.
type Config struct {
	Playbook           string   `json:"playbook"`
	TimeWindowHours    int      `json:"time_window_hours"`
	IndexPattern       string   `json:"index_pattern"`
	MaxResultsPerQuery int      `json:"max_results_per_query"`
	SeverityThreshold  string   `json:"severity_threshold"`
	TargetHosts        []string `json:"target_hosts"`
	TargetUsers        []string `json:"target_users"`
	GenerateSigmaRules bool     `json:"generate_sigma_rules"`
	// PluginPaths names compiled WASM detector modules to run over the
	// query results as supplementary analyzers. Plugin failures are
	// tolerated the same way LLM hint failures are.
	PluginPaths []string `json:"plugin_paths,omitempty"`
}

// DefaultConfig returns the shared hunt defaults for a playbook.
func DefaultConfig(playbook string) Config {
	return Config{
		Playbook:           playbook,
		TimeWindowHours:    24,
		IndexPattern:       "filebeat-*,winlogbeat-*,logs-*",
		MaxResultsPerQuery: 1000,
		SeverityThreshold:  "medium",
		TargetHosts:        []string{},
		TargetUsers:        []string{},
		GenerateSigmaRules: true,
	}
}

// CredentialAbuseConfig tunes the credential-abuse playbook.
type CredentialAbuseConfig struct {
	Config
	FailedLoginThreshold          int  `json:"failed_login_threshold"`
	BruteForceWindowMinutes       int  `json:"brute_force_window_minutes"`
	LockoutCorrelation            bool `json:"lockout_correlation"`
	CredentialStuffingUniqueUsers int  `json:"credential_stuffing_unique_users"`
	ServiceAccountMonitoring      bool `json:"service_account_monitoring"`
}

// DefaultCredentialAbuseConfig returns the credential-abuse defaults.
func DefaultCredentialAbuseConfig() CredentialAbuseConfig {
	return CredentialAbuseConfig{
		Config:                        DefaultConfig(PlaybookCredentialAbuse),
		FailedLoginThreshold:          10,
		BruteForceWindowMinutes:       5,
		LockoutCorrelation:            true,
		CredentialStuffingUniqueUsers: 5,
		ServiceAccountMonitoring:      true,
	}
}

// LateralMovementConfig tunes the lateral-movement playbook.
type LateralMovementConfig struct {
	Config
	InternalSubnetPrefixes     []string `json:"internal_subnet_prefixes"`
	RDPChainMaxHops            int      `json:"rdp_chain_max_hops"`
	ServiceAccountHopThreshold int      `json:"service_account_hop_threshold"`
	UnusualPortThreshold       int      `json:"unusual_port_threshold"`
}

// DefaultLateralMovementConfig returns the lateral-movement defaults.
func DefaultLateralMovementConfig() LateralMovementConfig {
	return LateralMovementConfig{
		Config:                     DefaultConfig(PlaybookLateralMovement),
		InternalSubnetPrefixes:     []string{"10.", "172.16.", "192.168."},
		RDPChainMaxHops:            3,
		ServiceAccountHopThreshold: 2,
		UnusualPortThreshold:       5,
	}
}

// DataExfiltrationConfig tunes the data-exfiltration playbook.
type DataExfiltrationConfig struct {
	Config
	LargeTransferBytes      int64 `json:"large_transfer_bytes"`
	DNSQueryLengthThreshold int   `json:"dns_query_length_threshold"`
	DNSTXTRecordThreshold   int   `json:"dns_txt_record_threshold"`
	UnusualDestinationCheck bool  `json:"unusual_destination_check"`
	AfterHoursStart         int   `json:"after_hours_start"`
	AfterHoursEnd           int   `json:"after_hours_end"`
}

// DefaultDataExfiltrationConfig returns the data-exfiltration defaults.
func DefaultDataExfiltrationConfig() DataExfiltrationConfig {
	return DataExfiltrationConfig{
		Config:                  DefaultConfig(PlaybookDataExfiltration),
		LargeTransferBytes:      100_000_000,
		DNSQueryLengthThreshold: 50,
		DNSTXTRecordThreshold:   10,
		UnusualDestinationCheck: true,
		AfterHoursStart:         22,
		AfterHoursEnd:           6,
	}
}

// Finding is a playbook-level finding, richer than the agent projection:
// it keeps affected entities, MITRE mapping and the attached Sigma rule as
// first-class fields.
type Finding struct {
	ID                string         `json:"id"`
	Playbook          string         `json:"playbook"`
	Severity          string         `json:"severity"`
	Title             string         `json:"title"`
	Description       string         `json:"description"`
	Evidence          map[string]any `json:"evidence,omitempty"`
	Recommendations   []string       `json:"recommendations,omitempty"`
	AffectedHosts     []string       `json:"affected_hosts,omitempty"`
	AffectedUsers     []string       `json:"affected_users,omitempty"`
	MitreTechniqueIDs []string       `json:"mitre_technique_ids,omitempty"`
	MitreTactic       string         `json:"mitre_tactic,omitempty"`
	SigmaRule         *sigma.Rule    `json:"sigma_rule,omitempty"`
}

// NewFinding creates a Finding for a playbook with a fresh id.
func NewFinding(playbook, severity, title, description string) Finding {
	return Finding{
		ID:          uuid.NewString(),
		Playbook:    playbook,
		Severity:    severity,
		Title:       title,
		Description: description,
	}
}

// PlaybookResult summarizes one full hunt run.
type PlaybookResult struct {
	Playbook        string       `json:"playbook"`
	Findings        []Finding    `json:"findings"`
	SigmaRules      []sigma.Rule `json:"sigma_rules,omitempty"`
	QueriesExecuted int          `json:"queries_executed"`
	EventsAnalyzed  int          `json:"events_analyzed"`
	DurationSeconds float64      `json:"duration_seconds"`
	Summary         string       `json:"summary,omitempty"`
}
