package sim

import (
	"context"
	"fmt"
	"strings"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
	"github.com/sentinel-platform/sentinel/core/pkg/graph"
)

// lateralMovement simulates RDP chains (T1021.001), SSH chains
// (T1021.004), pass the hash (T1550.002), Kerberos ticket theft (T1558)
// and domain trust discovery (T1482).
type lateralMovement struct {
	cfg LateralMovementConfig
}

// NewLateralMovement builds the lateral-movement simulation. Zero-valued
// limits fall back to the defaults.
func NewLateralMovement(rt *agent.Runtime, reader graph.Reader, cfg LateralMovementConfig, opts ...Option) *Simulator {
	cfg.Config = cfg.Config.withDefaults(TacticLateralMovement)
	if cfg.MaxChainLength <= 0 {
		cfg.MaxChainLength = 8
	}
	return newSimulator(rt, reader, cfg.Config, &lateralMovement{cfg: cfg}, opts)
}

func (p *lateralMovement) simulate(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	switch tech.ID {
	case "T1021.001":
		return p.simRemoteChains(ctx, s, tech, gc, 3389, "rdp")
	case "T1021.004":
		return p.simRemoteChains(ctx, s, tech, gc, 22, "ssh")
	case "T1550.002":
		return p.simPassTheHash(ctx, s, tech, gc)
	case "T1558":
		return p.simKerberos(ctx, s, tech, gc)
	case "T1482":
		return p.simDomainTrust(ctx, s, tech, gc)
	}
	return nil, nil
}

// simRemoteChains covers RDP and SSH: both look for lateral chains whose
// technique labels mention the protocol, anchored on services exposing the
// protocol's port.
func (p *lateralMovement) simRemoteChains(ctx context.Context, s *Simulator, tech Technique, gc *graphContext, port int, proto string) ([]Finding, error) {
	var services []graph.Node
	for _, svc := range gc.services {
		if svc.Int("port") == port {
			services = append(services, svc)
		}
	}
	if len(services) == 0 {
		return nil, nil
	}

	paths, err := s.graph.FindAttackPaths(ctx, gc.tenantID, graph.PathOptions{
		MaxDepth:       s.cfg.MaxDepth,
		MaxPaths:       s.cfg.MaxPaths,
		IncludeLateral: true,
	})
	if err != nil {
		return nil, err
	}
	var chains []graph.Path
	for _, c := range paths.LateralChains {
		for _, t := range c.Techniques {
			if strings.Contains(strings.ToLower(t), proto) {
				chains = append(chains, c)
				break
			}
		}
	}
	if len(chains) == 0 {
		return nil, nil
	}

	hostIDs := make([]string, 0, len(services))
	for _, svc := range services {
		hostIDs = append(hostIDs, serviceHostID(svc))
	}

	upper := strings.ToUpper(proto)
	f := NewFinding(tech, agent.SeverityHigh,
		fmt.Sprintf("%d %s lateral chain(s) found", len(chains), upper),
		fmt.Sprintf("Detected %d %s lateral movement chain(s) across %d host(s) with %s enabled.",
			len(chains), upper, len(services), upper))
	f.AttackPaths = chains
	f.RiskScore = riskScore(maxPathRisk(chains), agent.SeverityHigh, 0)
	f.AffectedNodes = uniqueSorted(hostIDs)
	f.Evidence = map[string]any{
		"chain_count": len(chains),
	}
	f.Evidence[proto+"_host_count"] = len(services)
	if proto == "rdp" {
		f.Remediation = []RemediationStep{
			{
				Title:       "Implement jump servers",
				Description: "Require all RDP access through hardened jump servers",
				Priority:    "high",
				Effort:      "medium",
			},
			{
				Title:       "Enable NLA",
				Description: "Enable Network Level Authentication for all RDP endpoints",
				Priority:    "medium",
				Effort:      "low",
			},
		}
	} else {
		f.Remediation = []RemediationStep{
			{
				Title:       "Use SSH certificate auth",
				Description: "Replace password auth with certificate-based SSH",
				Priority:    "high",
				Effort:      "medium",
			},
			{
				Title:       "Implement bastion hosts",
				Description: "Route all SSH through hardened bastion hosts",
				Priority:    "high",
				Effort:      "medium",
			},
		}
	}
	return []Finding{f}, nil
}

// simPassTheHash flags users with admin permissions on two or more hosts
// and attaches the blast radius of compromising them.
func (p *lateralMovement) simPassTheHash(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	var findings []Finding
	for _, user := range gc.users {
		userID := user.ID()
		neighbors, err := s.graph.QueryNeighbors(ctx, userID, gc.tenantID, graph.NeighborFilter{
			EdgeTypes: []string{"HAS_ACCESS"},
		})
		if err != nil {
			return nil, err
		}
		var adminHosts []graph.Node
		for _, n := range neighbors {
			for _, perm := range n.Strings("permissions") {
				if strings.Contains(strings.ToLower(perm), "admin") {
					adminHosts = append(adminHosts, n)
					break
				}
			}
		}
		if len(adminHosts) < 2 {
			continue
		}

		blast, err := s.graph.ComputeBlastRadius(ctx, gc.tenantID, userID, graph.BlastOptions{})
		if err != nil {
			return nil, err
		}

		affected := []string{userID}
		for _, h := range adminHosts {
			affected = append(affected, h.ID())
		}
		f := NewFinding(tech, agent.SeverityCritical,
			fmt.Sprintf("Pass-the-hash risk: %s admin on %d hosts", userName(user), len(adminHosts)),
			fmt.Sprintf("User '%s' has admin access to %d hosts. Credential compromise enables wide lateral movement.",
				userName(user), len(adminHosts)))
		f.BlastRadius = blast
		f.RiskScore = riskScore(0.7, agent.SeverityCritical, blast.BlastScore)
		f.AffectedNodes = affected
		f.Evidence = map[string]any{
			"username":         user.Str("username"),
			"admin_host_count": len(adminHosts),
			"blast_score":      blast.BlastScore,
		}
		f.Remediation = []RemediationStep{
			{
				Title:       "Implement LAPS",
				Description: "Deploy Local Administrator Password Solution",
				Priority:    "critical",
				Effort:      "medium",
			},
			{
				Title:       "Enable Credential Guard",
				Description: "Enable Windows Credential Guard to protect hashes",
				Priority:    "high",
				Effort:      "medium",
			},
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// simKerberos flags privileged-group members who can reach a domain
// controller.
func (p *lateralMovement) simKerberos(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	var findings []Finding
	for _, user := range gc.users {
		userID := user.ID()
		neighbors, err := s.graph.QueryNeighbors(ctx, userID, gc.tenantID, graph.NeighborFilter{
			EdgeTypes: []string{"MEMBER_OF", "HAS_ACCESS"},
		})
		if err != nil {
			return nil, err
		}
		var groupNames []string
		var dcIDs []string
		for _, n := range neighbors {
			switch n.Label() {
			case "Group":
				if containsAny(strings.ToLower(n.Str("name")), []string{"admin", "domain", "enterprise"}) {
					groupNames = append(groupNames, n.Str("name"))
				}
			case "Host":
				if strings.Contains(strings.ToLower(n.Str("hostname")), "dc") {
					dcIDs = append(dcIDs, n.ID())
				}
			}
		}
		if len(groupNames) == 0 || len(dcIDs) == 0 {
			continue
		}

		f := NewFinding(tech, agent.SeverityCritical,
			fmt.Sprintf("Kerberos ticket risk: %s", userName(user)),
			fmt.Sprintf("User '%s' is in privileged group(s) and has access to domain controller(s). Kerberoasting or golden ticket attacks are viable.",
				userName(user)))
		f.RiskScore = riskScore(0.8, agent.SeverityCritical, 0)
		f.AffectedNodes = append([]string{userID}, dcIDs...)
		f.Evidence = map[string]any{
			"username":          user.Str("username"),
			"privileged_groups": groupNames,
			"dc_count":          len(dcIDs),
		}
		f.Remediation = []RemediationStep{
			{
				Title:       "Rotate KRBTGT",
				Description: "Rotate the KRBTGT account password twice",
				Priority:    "critical",
				Effort:      "low",
			},
			{
				Title:       "Monitor Kerberos anomalies",
				Description: "Enable detection for unusual ticket requests",
				Priority:    "high",
				Effort:      "medium",
			},
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// simDomainTrust counts transitive TRUSTS hops: a hop is an edge whose
// target is itself the source of another trust edge.
func (p *lateralMovement) simDomainTrust(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	edges, err := s.graph.QueryEdges(ctx, gc.tenantID, graph.EdgeFilter{EdgeType: "TRUSTS"})
	if err != nil {
		return nil, err
	}
	if len(edges) < 2 {
		return nil, nil
	}

	trustTargets := make(map[string][]string)
	for _, e := range edges {
		trustTargets[e.SourceID] = append(trustTargets[e.SourceID], e.TargetID)
	}
	transitive := 0
	for _, targets := range trustTargets {
		for _, t := range targets {
			if _, ok := trustTargets[t]; ok {
				transitive++
			}
		}
	}
	if transitive == 0 {
		return nil, nil
	}

	endpoints := make([]string, 0, len(edges)*2)
	for _, e := range edges {
		endpoints = append(endpoints, e.SourceID, e.TargetID)
	}
	f := NewFinding(tech, agent.SeverityMedium,
		fmt.Sprintf("Transitive trust chains: %d hop(s) detected", transitive),
		fmt.Sprintf("Found %d trust relationship(s) with %d transitive hop(s). Attackers can traverse trust boundaries.",
			len(edges), transitive))
	f.RiskScore = riskScore(0.5, agent.SeverityMedium, 0)
	f.AffectedNodes = uniqueSorted(endpoints)
	f.Evidence = map[string]any{
		"trust_count":     len(edges),
		"transitive_hops": transitive,
	}
	f.Remediation = []RemediationStep{
		{
			Title:       "Enable SID filtering",
			Description: "Enable SID filtering on all domain trusts",
			Priority:    "high",
			Effort:      "low",
		},
		{
			Title:       "Audit trust relationships",
			Description: "Review and remove unnecessary trust relationships",
			Priority:    "medium",
			Effort:      "medium",
		},
	}
	return []Finding{f}, nil
}

// serviceHostID returns the host a service runs on, falling back to the
// service's own id.
func serviceHostID(n graph.Node) string {
	if id := n.Str("host_id"); id != "" {
		return id
	}
	return n.ID()
}
