package sim

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
	"github.com/sentinel-platform/sentinel/core/pkg/graph"
)

// remoteServicePorts are the remote-access ports checked on
// internet-facing hosts.
var remoteServicePorts = map[int]bool{22: true, 3389: true, 5900: true, 5985: true}

// initialAccess simulates exploit of public-facing apps (T1190), external
// remote services (T1133), phishing vectors (T1566), valid accounts
// (T1078) and trusted relationships (T1199).
type initialAccess struct {
	cfg InitialAccessConfig
}

// NewInitialAccess builds the initial-access simulation. Zero-valued
// limits fall back to the defaults.
func NewInitialAccess(rt *agent.Runtime, reader graph.Reader, cfg InitialAccessConfig, opts ...Option) *Simulator {
	cfg.Config = cfg.Config.withDefaults(TacticInitialAccess)
	if len(cfg.ExposedServicePorts) == 0 {
		cfg.ExposedServicePorts = DefaultInitialAccessConfig().ExposedServicePorts
	}
	return newSimulator(rt, reader, cfg.Config, &initialAccess{cfg: cfg}, opts)
}

func (p *initialAccess) simulate(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	switch tech.ID {
	case "T1190":
		return p.simExploitPublicFacing(ctx, s, tech, gc)
	case "T1133":
		return p.simExternalRemoteServices(ctx, s, tech, gc)
	case "T1566":
		return p.simPhishing(ctx, s, tech, gc)
	case "T1078":
		return p.simValidAccounts(ctx, s, tech, gc)
	case "T1199":
		return p.simTrustedRelationship(ctx, s, tech, gc)
	}
	return nil, nil
}

// simExploitPublicFacing flags internet-facing hosts with exploitable CVEs
// one hop away, scored by the riskiest attack path from the host.
func (p *initialAccess) simExploitPublicFacing(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	var findings []Finding
	for _, host := range gc.hosts {
		if !host.Bool("is_internet_facing") {
			continue
		}
		hostID := host.ID()
		neighbors, err := s.graph.QueryNeighbors(ctx, hostID, gc.tenantID, graph.NeighborFilter{
			EdgeTypes: []string{"EXPOSES", "HAS_CVE"},
		})
		if err != nil {
			return nil, err
		}
		var cveIDs []string
		for _, n := range neighbors {
			if n.Label() == "Vulnerability" && n.Bool("exploitable") {
				cveIDs = append(cveIDs, cveID(n))
			}
		}
		if len(cveIDs) == 0 {
			continue
		}

		paths, err := s.graph.FindAttackPaths(ctx, gc.tenantID, graph.PathOptions{
			Sources:  []string{hostID},
			MaxDepth: s.cfg.MaxDepth,
			MaxPaths: s.cfg.MaxPaths,
		})
		if err != nil {
			return nil, err
		}

		f := NewFinding(tech, agent.SeverityCritical,
			fmt.Sprintf("Exploitable public-facing service on %s", hostName(host)),
			fmt.Sprintf("Internet-facing host %s has %d exploitable vulnerabilities (%s). %d attack path(s) found.",
				hostName(host), len(cveIDs), strings.Join(cveIDs, ", "), len(paths.AttackPaths)))
		f.AttackPaths = paths.AttackPaths
		f.RiskScore = riskScore(maxPathRisk(paths.AttackPaths), agent.SeverityCritical, 0)
		f.AffectedNodes = []string{hostID}
		f.Evidence = map[string]any{
			"cve_ids":     cveIDs,
			"host_id":     hostID,
			"paths_count": len(paths.AttackPaths),
		}
		f.Remediation = []RemediationStep{
			{
				Title:       "Patch " + strings.Join(firstN(cveIDs, 3), ", "),
				Description: "Apply security patches for exploitable CVEs",
				Priority:    "critical",
				Effort:      "medium",
			},
			{
				Title:       "Deploy WAF",
				Description: "Add web application firewall in front of exposed services",
				Priority:    "high",
				Effort:      "medium",
			},
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// simExternalRemoteServices flags internet-facing hosts exposing RDP, SSH,
// VNC or WinRM along with the count of adjacent users lacking MFA.
func (p *initialAccess) simExternalRemoteServices(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	var findings []Finding
	for _, host := range gc.hosts {
		if !host.Bool("is_internet_facing") {
			continue
		}
		hostID := host.ID()
		neighbors, err := s.graph.QueryNeighbors(ctx, hostID, gc.tenantID, graph.NeighborFilter{
			EdgeTypes: []string{"HAS_ACCESS", "EXPOSES"},
		})
		if err != nil {
			return nil, err
		}
		var ports []int
		noMFAUsers := 0
		for _, n := range neighbors {
			if remoteServicePorts[n.Int("port")] {
				ports = append(ports, n.Int("port"))
			}
			if n.Label() == "User" && !n.Bool("mfa_enabled") {
				noMFAUsers++
			}
		}
		if len(ports) == 0 {
			continue
		}

		portStrs := make([]string, 0, len(ports))
		for _, port := range ports {
			portStrs = append(portStrs, strconv.Itoa(port))
		}
		f := NewFinding(tech, agent.SeverityHigh,
			fmt.Sprintf("Exposed remote services on %s", hostName(host)),
			fmt.Sprintf("Internet-facing host exposes remote services on ports %s. %d user(s) without MFA.",
				strings.Join(portStrs, ", "), noMFAUsers))
		f.RiskScore = riskScore(0.5, agent.SeverityHigh, 0)
		f.AffectedNodes = []string{hostID}
		f.Evidence = map[string]any{
			"exposed_ports":     ports,
			"no_mfa_user_count": noMFAUsers,
		}
		f.Remediation = []RemediationStep{
			{
				Title:       "Enable MFA for all remote access",
				Description: "Require multi-factor authentication for RDP/SSH/VNC",
				Priority:    "critical",
				Effort:      "low",
			},
			{
				Title:       "Restrict source IPs",
				Description: "Limit remote service access to known IP ranges",
				Priority:    "high",
				Effort:      "low",
			},
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// simPhishing rolls every no-MFA human with access to critical or
// high-criticality hosts into a single finding.
func (p *initialAccess) simPhishing(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	totalNoMFA := 0
	var vulnerable []map[string]any
	var affected []string
	for _, user := range gc.users {
		if user.Str("user_type") != "human" || user.Bool("mfa_enabled") {
			continue
		}
		totalNoMFA++
		userID := user.ID()
		neighbors, err := s.graph.QueryNeighbors(ctx, userID, gc.tenantID, graph.NeighborFilter{
			EdgeTypes: []string{"HAS_ACCESS"},
		})
		if err != nil {
			return nil, err
		}
		criticalHosts := 0
		for _, n := range neighbors {
			if c := n.Str("criticality"); c == "critical" || c == "high" {
				criticalHosts++
			}
		}
		if criticalHosts == 0 {
			continue
		}
		username := user.Str("username")
		if username == "" {
			username = "unknown"
		}
		vulnerable = append(vulnerable, map[string]any{
			"user_id":             userID,
			"username":            username,
			"critical_host_count": criticalHosts,
		})
		affected = append(affected, userID)
	}
	if len(vulnerable) == 0 {
		return nil, nil
	}

	severity := agent.SeverityMedium
	if len(vulnerable) > 3 {
		severity = agent.SeverityHigh
	}
	f := NewFinding(tech, severity,
		fmt.Sprintf("%d phishing-vulnerable user(s) with critical access", len(vulnerable)),
		fmt.Sprintf("%d user(s) without MFA have access to critical systems, making them viable phishing targets.",
			len(vulnerable)))
	f.RiskScore = riskScore(0.6, severity, 0)
	f.AffectedNodes = affected
	f.Evidence = map[string]any{
		"users":        vulnerable,
		"total_no_mfa": totalNoMFA,
	}
	f.Remediation = []RemediationStep{
		{
			Title:       "Enable MFA",
			Description: "Require MFA for all users with critical system access",
			Priority:    "critical",
			Effort:      "low",
		},
		{
			Title:       "Security awareness training",
			Description: "Conduct phishing awareness training for affected users",
			Priority:    "high",
			Effort:      "medium",
		},
	}
	return []Finding{f}, nil
}

// simValidAccounts flags service accounts whose access fan-out makes them
// attractive initial footholds.
func (p *initialAccess) simValidAccounts(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	var findings []Finding
	for _, user := range gc.users {
		if user.Str("user_type") != "service_account" {
			continue
		}
		svcID := user.ID()
		neighbors, err := s.graph.QueryNeighbors(ctx, svcID, gc.tenantID, graph.NeighborFilter{
			EdgeTypes: []string{"HAS_ACCESS"},
		})
		if err != nil {
			return nil, err
		}
		if len(neighbors) < 5 {
			continue
		}

		f := NewFinding(tech, agent.SeverityHigh,
			fmt.Sprintf("Overprivileged service account %s", userName(user)),
			fmt.Sprintf("Service account '%s' has access to %d resources. Compromising it grants broad lateral access.",
				userName(user), len(neighbors)))
		f.RiskScore = riskScore(0.5, agent.SeverityHigh, 0)
		f.AffectedNodes = []string{svcID}
		f.Evidence = map[string]any{
			"username":     user.Str("username"),
			"access_count": len(neighbors),
		}
		f.Remediation = []RemediationStep{
			{
				Title:       "Apply least privilege",
				Description: "Restrict service account to minimum required access",
				Priority:    "high",
				Effort:      "medium",
			},
			{
				Title:       "Rotate credentials",
				Description: "Rotate service account credentials regularly",
				Priority:    "medium",
				Effort:      "low",
			},
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// simTrustedRelationship reports TRUSTS edges and the attack paths that
// start from their sources.
func (p *initialAccess) simTrustedRelationship(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	edges, err := s.graph.QueryEdges(ctx, gc.tenantID, graph.EdgeFilter{EdgeType: "TRUSTS"})
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, nil
	}

	endpoints := make([]string, 0, len(edges)*2)
	sources := make([]string, 0, len(edges))
	for _, e := range edges {
		endpoints = append(endpoints, e.SourceID, e.TargetID)
		sources = append(sources, e.SourceID)
	}

	paths, err := s.graph.FindAttackPaths(ctx, gc.tenantID, graph.PathOptions{
		Sources:  sources,
		MaxDepth: s.cfg.MaxDepth,
		MaxPaths: s.cfg.MaxPaths,
	})
	if err != nil {
		return nil, err
	}

	f := NewFinding(tech, agent.SeverityMedium,
		fmt.Sprintf("%d trust relationship(s) detected across boundaries", len(edges)),
		fmt.Sprintf("Found %d TRUSTS edge(s) that may enable lateral movement across security boundaries. %d attack path(s) found.",
			len(edges), len(paths.AttackPaths)))
	f.AttackPaths = paths.AttackPaths
	f.RiskScore = riskScore(maxPathRisk(paths.AttackPaths), agent.SeverityMedium, 0)
	f.AffectedNodes = uniqueSorted(endpoints)
	f.Evidence = map[string]any{
		"trust_count": len(edges),
		"paths_count": len(paths.AttackPaths),
	}
	f.Remediation = []RemediationStep{
		{
			Title:       "Review trust boundaries",
			Description: "Audit all trust relationships for necessity",
			Priority:    "medium",
			Effort:      "medium",
		},
		{
			Title:       "Implement zero-trust segmentation",
			Description: "Replace implicit trust with explicit verification",
			Priority:    "high",
			Effort:      "high",
		},
	}
	return []Finding{f}, nil
}

// cveID returns a vulnerability node's CVE id, "unknown" when missing.
func cveID(n graph.Node) string {
	if id := n.Str("cve_id"); id != "" {
		return id
	}
	return "unknown"
}
