package sim

import (
	"context"
	"fmt"
	"strings"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
	"github.com/sentinel-platform/sentinel/core/pkg/graph"
)

// defaultAccountNames are the well-known account names checked by the
// default-accounts simulation.
var defaultAccountNames = map[string]bool{
	"admin":         true,
	"administrator": true,
	"root":          true,
	"guest":         true,
	"sa":            true,
	"postgres":      true,
	"oracle":        true,
	"test":          true,
}

// privilegeEscalation simulates exploitation for priv esc (T1068), default
// accounts (T1078.001), abuse of elevation controls (T1548), access token
// manipulation (T1134) and account manipulation (T1098).
type privilegeEscalation struct {
	cfg PrivilegeEscalationConfig
}

// NewPrivilegeEscalation builds the privilege-escalation simulation.
// Zero-valued limits fall back to the defaults.
func NewPrivilegeEscalation(rt *agent.Runtime, reader graph.Reader, cfg PrivilegeEscalationConfig, opts ...Option) *Simulator {
	cfg.Config = cfg.Config.withDefaults(TacticPrivilegeEscalation)
	if len(cfg.AdminRolePatterns) == 0 {
		cfg.AdminRolePatterns = DefaultPrivilegeEscalationConfig().AdminRolePatterns
	}
	return newSimulator(rt, reader, cfg.Config, &privilegeEscalation{cfg: cfg}, opts)
}

func (p *privilegeEscalation) simulate(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	switch tech.ID {
	case "T1068":
		return p.simExploitation(tech, gc)
	case "T1078.001":
		return p.simDefaultAccounts(ctx, s, tech, gc)
	case "T1548":
		return p.simElevationControl(ctx, s, tech, gc)
	case "T1134":
		return p.simTokenManipulation(ctx, s, tech, gc)
	case "T1098":
		return p.simAccountManipulation(ctx, s, tech, gc)
	}
	return nil, nil
}

// simExploitation rolls all exploitable CVSS >= 7.0 vulnerabilities into a
// single finding scored by the highest CVSS.
func (p *privilegeEscalation) simExploitation(tech Technique, gc *graphContext) ([]Finding, error) {
	var vulnIDs, cveIDs []string
	maxCVSS := 0.0
	for _, v := range gc.vulnerabilities {
		cvss := v.Float("cvss_score")
		if cvss < 7.0 || !v.Bool("exploitable") {
			continue
		}
		vulnIDs = append(vulnIDs, v.ID())
		cveIDs = append(cveIDs, cveID(v))
		if cvss > maxCVSS {
			maxCVSS = cvss
		}
	}
	if len(vulnIDs) == 0 {
		return nil, nil
	}

	f := NewFinding(tech, agent.SeverityCritical,
		fmt.Sprintf("%d exploitable privilege escalation vulnerabilities", len(vulnIDs)),
		fmt.Sprintf("Found %d vulnerabilities with CVSS >= 7.0 and exploitable=true: %s. Max CVSS: %g.",
			len(vulnIDs), strings.Join(firstN(cveIDs, 5), ", "), maxCVSS))
	f.RiskScore = riskScore(maxCVSS/10, agent.SeverityCritical, 0)
	f.AffectedNodes = vulnIDs
	f.Evidence = map[string]any{
		"cve_ids":    cveIDs,
		"max_cvss":   maxCVSS,
		"vuln_count": len(vulnIDs),
	}
	f.Remediation = []RemediationStep{
		{
			Title:       "Patch critical vulnerabilities",
			Description: "Apply patches for " + strings.Join(firstN(cveIDs, 3), ", "),
			Priority:    "critical",
			Effort:      "medium",
		},
		{
			Title:       "Application sandboxing",
			Description: "Implement privilege separation for affected services",
			Priority:    "high",
			Effort:      "high",
		},
	}
	return []Finding{f}, nil
}

// simDefaultAccounts flags enabled well-known accounts that still have
// access. A missing enabled property counts as enabled.
func (p *privilegeEscalation) simDefaultAccounts(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	var findings []Finding
	for _, user := range gc.users {
		if !defaultAccountNames[strings.ToLower(user.Str("username"))] {
			continue
		}
		enabled := true
		if v, ok := user["enabled"].(bool); ok {
			enabled = v
		}
		if !enabled {
			continue
		}
		userID := user.ID()
		neighbors, err := s.graph.QueryNeighbors(ctx, userID, gc.tenantID, graph.NeighborFilter{
			EdgeTypes: []string{"HAS_ACCESS"},
		})
		if err != nil {
			return nil, err
		}
		if len(neighbors) == 0 {
			continue
		}

		f := NewFinding(tech, agent.SeverityHigh,
			fmt.Sprintf("Active default account: %s", userName(user)),
			fmt.Sprintf("Default account '%s' is enabled and has access to %d resource(s).",
				user.Str("username"), len(neighbors)))
		f.RiskScore = riskScore(0.6, agent.SeverityHigh, 0)
		f.AffectedNodes = []string{userID}
		f.Evidence = map[string]any{
			"username":     user.Str("username"),
			"access_count": len(neighbors),
		}
		f.Remediation = []RemediationStep{
			{
				Title:       "Disable default account",
				Description: fmt.Sprintf("Disable the '%s' default account", user.Str("username")),
				Priority:    "high",
				Effort:      "low",
				Automated:   true,
			},
			{
				Title:       "Enforce unique credentials",
				Description: "Replace default accounts with named service accounts",
				Priority:    "medium",
				Effort:      "medium",
			},
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// simElevationControl rolls every role carrying a wildcard permission into
// a single finding. Role properties come from a neighbor lookup since
// MEMBER_OF edges carry ids only.
func (p *privilegeEscalation) simElevationControl(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	edges, err := s.graph.QueryEdges(ctx, gc.tenantID, graph.EdgeFilter{
		EdgeType:    "MEMBER_OF",
		SourceLabel: "User",
		TargetLabel: "Role",
	})
	if err != nil {
		return nil, err
	}

	var roleIDs []string
	for _, e := range edges {
		roleIDs = append(roleIDs, e.TargetID)
	}

	var roles []map[string]any
	var affected []string
	for _, roleID := range uniqueSorted(roleIDs) {
		role, err := p.lookupRole(ctx, s, gc, roleID)
		if err != nil {
			return nil, err
		}
		permissions := role.Strings("permissions")
		hasWildcard := false
		for _, perm := range permissions {
			if strings.Contains(perm, "*") {
				hasWildcard = true
				break
			}
		}
		if !hasWildcard {
			continue
		}
		roles = append(roles, map[string]any{
			"role_id":     roleID,
			"permissions": permissions,
		})
		affected = append(affected, roleID)
	}
	if len(roles) == 0 {
		return nil, nil
	}

	f := NewFinding(tech, agent.SeverityHigh,
		fmt.Sprintf("%d role(s) with wildcard permissions", len(roles)),
		fmt.Sprintf("Found %d role(s) with wildcard (*) permissions that enable privilege escalation.", len(roles)))
	f.RiskScore = riskScore(0.6, agent.SeverityHigh, 0)
	f.AffectedNodes = affected
	f.Evidence = map[string]any{
		"role_count": len(roles),
		"roles":      roles,
	}
	f.Remediation = []RemediationStep{
		{
			Title:       "Replace wildcards with specific permissions",
			Description: "Audit roles and replace wildcard permissions with least-privilege",
			Priority:    "high",
			Effort:      "medium",
		},
	}
	return []Finding{f}, nil
}

// simTokenManipulation flags service accounts reaching three or more
// critical hosts and attaches their blast radius.
func (p *privilegeEscalation) simTokenManipulation(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
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
		var criticalIDs []string
		for _, n := range neighbors {
			if c := n.Str("criticality"); c == "critical" || c == "high" {
				criticalIDs = append(criticalIDs, n.ID())
			}
		}
		if len(criticalIDs) < 3 {
			continue
		}

		blast, err := s.graph.ComputeBlastRadius(ctx, gc.tenantID, svcID, graph.BlastOptions{})
		if err != nil {
			return nil, err
		}

		f := NewFinding(tech, agent.SeverityHigh,
			fmt.Sprintf("Token manipulation risk: %s", userName(user)),
			fmt.Sprintf("Service account '%s' accesses %d critical hosts. Token compromise enables wide privilege escalation.",
				userName(user), len(criticalIDs)))
		f.BlastRadius = blast
		f.RiskScore = riskScore(0.7, agent.SeverityHigh, blast.BlastScore)
		f.AffectedNodes = append([]string{svcID}, criticalIDs...)
		f.Evidence = map[string]any{
			"username":            user.Str("username"),
			"critical_host_count": len(criticalIDs),
			"blast_score":         blast.BlastScore,
		}
		f.Remediation = []RemediationStep{
			{
				Title:       "Implement token lifetime limits",
				Description: "Set short token expiration for service accounts",
				Priority:    "high",
				Effort:      "low",
			},
			{
				Title:       "Restrict service account scope",
				Description: "Limit service account to minimum required hosts",
				Priority:    "high",
				Effort:      "medium",
			},
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// simAccountManipulation flags broad roles that bundle identity management
// permissions, one finding per role.
func (p *privilegeEscalation) simAccountManipulation(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	edges, err := s.graph.QueryEdges(ctx, gc.tenantID, graph.EdgeFilter{
		EdgeType:    "MEMBER_OF",
		SourceLabel: "User",
		TargetLabel: "Role",
	})
	if err != nil {
		return nil, err
	}

	var roleIDs []string
	for _, e := range edges {
		roleIDs = append(roleIDs, e.TargetID)
	}

	var findings []Finding
	for _, roleID := range uniqueSorted(roleIDs) {
		role, err := p.lookupRole(ctx, s, gc, roleID)
		if err != nil {
			return nil, err
		}
		if role == nil {
			continue
		}
		permissions := role.Strings("permissions")
		hasIAM := false
		for _, perm := range permissions {
			if containsAny(strings.ToLower(perm), []string{"iam", "identity", "user", "role"}) {
				hasIAM = true
				break
			}
		}
		if !hasIAM || len(permissions) <= 10 {
			continue
		}

		var roleUsers []string
		for _, e := range edges {
			if e.TargetID == roleID {
				roleUsers = append(roleUsers, e.SourceID)
			}
		}
		f := NewFinding(tech, agent.SeverityHigh,
			fmt.Sprintf("Self-elevation risk via role %s", roleID),
			fmt.Sprintf("Role '%s' has %d permissions including identity management. %d user(s) can self-elevate.",
				roleID, len(permissions), len(roleUsers)))
		f.RiskScore = riskScore(0.6, agent.SeverityHigh, 0)
		f.AffectedNodes = append([]string{roleID}, roleUsers...)
		f.Evidence = map[string]any{
			"role_id":          roleID,
			"permission_count": len(permissions),
			"user_count":       len(roleUsers),
		}
		f.Remediation = []RemediationStep{
			{
				Title:       "Separation of duties",
				Description: "Remove identity management from broad roles",
				Priority:    "high",
				Effort:      "medium",
			},
			{
				Title:       "Privileged access reviews",
				Description: "Enable periodic review of privileged role assignments",
				Priority:    "medium",
				Effort:      "low",
			},
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// lookupRole fetches a role's own node out of its neighborhood, nil when
// the graph does not echo it back.
func (p *privilegeEscalation) lookupRole(ctx context.Context, s *Simulator, gc *graphContext, roleID string) (graph.Node, error) {
	neighbors, err := s.graph.QueryNeighbors(ctx, roleID, gc.tenantID, graph.NeighborFilter{})
	if err != nil {
		return nil, err
	}
	for _, n := range neighbors {
		if n.ID() == roleID {
			return n, nil
		}
	}
	return nil, nil
}
