package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TenantProfile carries per-tenant tuning that operators maintain as YAML
// files next to the deployment. Zero values defer to platform defaults.
type TenantProfile struct {
	Name       string            `yaml:"name" json:"name"`
	TenantID   string            `yaml:"tenant_id" json:"tenant_id"`
	Hunt       HuntProfile       `yaml:"hunt" json:"hunt"`
	Simulation SimulationProfile `yaml:"simulation" json:"simulation"`
	SIEM       SIEMProfile       `yaml:"siem" json:"siem"`
	Retention  RetentionProfile  `yaml:"retention" json:"retention"`
}

// HuntProfile overrides hunt playbook thresholds per tenant.
type HuntProfile struct {
	FailedLoginThreshold    int   `yaml:"failed_login_threshold,omitempty" json:"failed_login_threshold,omitempty"`
	UniqueUserThreshold     int   `yaml:"unique_user_threshold,omitempty" json:"unique_user_threshold,omitempty"`
	ServiceAccountHops      int   `yaml:"service_account_hops,omitempty" json:"service_account_hops,omitempty"`
	LargeTransferBytes      int64 `yaml:"large_transfer_bytes,omitempty" json:"large_transfer_bytes,omitempty"`
	DNSQueryLengthThreshold int   `yaml:"dns_query_length_threshold,omitempty" json:"dns_query_length_threshold,omitempty"`
	AfterHoursStart         int   `yaml:"after_hours_start,omitempty" json:"after_hours_start,omitempty"`
	AfterHoursEnd           int   `yaml:"after_hours_end,omitempty" json:"after_hours_end,omitempty"`
}

// SimulationProfile narrows simulation scope per tenant.
type SimulationProfile struct {
	// EnabledTactics lists the tactics a tenant permits. Empty means all.
	EnabledTactics []string `yaml:"enabled_tactics,omitempty" json:"enabled_tactics,omitempty"`
	MaxTechniques  int      `yaml:"max_techniques,omitempty" json:"max_techniques,omitempty"`
}

// SIEMProfile points hunts at tenant-specific index patterns.
type SIEMProfile struct {
	IndexPattern string `yaml:"index_pattern,omitempty" json:"index_pattern,omitempty"`
}

// RetentionProfile defines data retention policies.
type RetentionProfile struct {
	EngramDays   int `yaml:"engram_days,omitempty" json:"engram_days,omitempty"`
	FindingsDays int `yaml:"findings_days,omitempty" json:"findings_days,omitempty"`
}

// LoadProfile loads a tenant profile YAML by short code. It reads
// profile_<code>.yaml from the profiles directory.
func LoadProfile(profilesDir, code string) (*TenantProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile TenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Name == "" {
		profile.Name = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles
// directory, keyed by profile name.
func LoadAllProfiles(profilesDir string) (map[string]*TenantProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TenantProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile TenantProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Name == "" {
			// Extract the code from the filename: profile_acme.yaml -> acme
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Name] = &profile
	}

	return profiles, nil
}

// TacticEnabled reports whether a tenant permits simulating a tactic. An
// empty list permits everything.
func (p *TenantProfile) TacticEnabled(tactic string) bool {
	if len(p.Simulation.EnabledTactics) == 0 {
		return true
	}
	for _, t := range p.Simulation.EnabledTactics {
		if t == tactic {
			return true
		}
	}
	return false
}

// Index returns the tenant's SIEM index pattern, or the fallback when the
// profile does not set one.
func (p *TenantProfile) Index(fallback string) string {
	if p.SIEM.IndexPattern != "" {
		return p.SIEM.IndexPattern
	}
	return fallback
}
