package sim

import (
	"context"
	"fmt"
	"strings"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
	"github.com/sentinel-platform/sentinel/core/pkg/graph"
)

// schedulerKeywords mark services that run work on a timer.
var schedulerKeywords = []string{"cron", "scheduler", "task", "daemon"}

// exfiltration simulates exfil over C2 (T1041), alternative protocol
// (T1048), web services (T1567), cloud account transfer (T1537) and
// scheduled transfer (T1029).
type exfiltration struct {
	cfg ExfiltrationConfig
}

// NewExfiltration builds the exfiltration simulation. Zero-valued limits
// fall back to the defaults.
func NewExfiltration(rt *agent.Runtime, reader graph.Reader, cfg ExfiltrationConfig, opts ...Option) *Simulator {
	cfg.Config = cfg.Config.withDefaults(TacticExfiltration)
	if len(cfg.SensitiveDataLabels) == 0 {
		cfg.SensitiveDataLabels = DefaultExfiltrationConfig().SensitiveDataLabels
	}
	return newSimulator(rt, reader, cfg.Config, &exfiltration{cfg: cfg}, opts)
}

func (p *exfiltration) simulate(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	switch tech.ID {
	case "T1041":
		return p.simC2Channel(ctx, s, tech, gc)
	case "T1048":
		return p.simAlternativeProtocol(ctx, s, tech, gc)
	case "T1567":
		return p.simWebService(ctx, s, tech, gc)
	case "T1537":
		return p.simCloudAccount(ctx, s, tech, gc)
	case "T1029":
		return p.simScheduledTransfer(ctx, s, tech, gc)
	}
	return nil, nil
}

// simC2Channel looks for attack paths from crown jewels to internet-facing
// exits.
func (p *exfiltration) simC2Channel(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	var crownIDs, exitIDs []string
	for _, h := range gc.hosts {
		if h.Str("criticality") == "critical" {
			crownIDs = append(crownIDs, h.ID())
		}
		if h.Bool("is_internet_facing") {
			exitIDs = append(exitIDs, h.ID())
		}
	}
	if len(crownIDs) == 0 || len(exitIDs) == 0 {
		return nil, nil
	}

	paths, err := s.graph.FindAttackPaths(ctx, gc.tenantID, graph.PathOptions{
		Sources:  crownIDs,
		Targets:  exitIDs,
		MaxDepth: s.cfg.MaxDepth,
		MaxPaths: s.cfg.MaxPaths,
	})
	if err != nil {
		return nil, err
	}
	if len(paths.AttackPaths) == 0 {
		return nil, nil
	}

	f := NewFinding(tech, agent.SeverityCritical,
		fmt.Sprintf("%d egress path(s) from critical assets", len(paths.AttackPaths)),
		fmt.Sprintf("Found %d attack path(s) from %d critical asset(s) to %d internet-facing node(s).",
			len(paths.AttackPaths), len(crownIDs), len(exitIDs)))
	f.AttackPaths = paths.AttackPaths
	f.RiskScore = riskScore(maxPathRisk(paths.AttackPaths), agent.SeverityCritical, 0)
	f.AffectedNodes = uniqueSorted(crownIDs)
	f.Evidence = map[string]any{
		"paths_count":       len(paths.AttackPaths),
		"crown_jewel_count": len(crownIDs),
		"exit_count":        len(exitIDs),
	}
	f.Remediation = []RemediationStep{
		{
			Title:       "Network segmentation",
			Description: "Isolate critical assets from internet-facing segments",
			Priority:    "critical",
			Effort:      "high",
		},
		{
			Title:       "Deploy DLP",
			Description: "Implement data loss prevention on egress points",
			Priority:    "high",
			Effort:      "medium",
		},
	}
	return []Finding{f}, nil
}

// simAlternativeProtocol flags sensitive hosts that can reach a DNS
// service, the classic tunneling precondition.
func (p *exfiltration) simAlternativeProtocol(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	dnsServices := 0
	for _, svc := range gc.services {
		if svc.Int("port") == 53 {
			dnsServices++
		}
	}
	if dnsServices == 0 {
		return nil, nil
	}

	var reachableFrom []string
	for _, host := range gc.hosts {
		if c := host.Str("criticality"); c != "critical" && c != "high" {
			continue
		}
		hostID := host.ID()
		neighbors, err := s.graph.QueryNeighbors(ctx, hostID, gc.tenantID, graph.NeighborFilter{
			EdgeTypes: []string{"CAN_REACH", "CONNECTS_TO"},
		})
		if err != nil {
			return nil, err
		}
		for _, n := range neighbors {
			if n.Int("port") == 53 {
				reachableFrom = append(reachableFrom, hostID)
				break
			}
		}
	}
	if len(reachableFrom) == 0 {
		return nil, nil
	}

	f := NewFinding(tech, agent.SeverityHigh,
		fmt.Sprintf("DNS exfiltration path from %d sensitive host(s)", len(reachableFrom)),
		fmt.Sprintf("%d sensitive host(s) can reach DNS services, enabling potential DNS tunneling exfiltration.",
			len(reachableFrom)))
	f.RiskScore = riskScore(0.5, agent.SeverityHigh, 0)
	f.AffectedNodes = reachableFrom
	f.Evidence = map[string]any{
		"dns_service_count":    dnsServices,
		"reachable_host_count": len(reachableFrom),
	}
	f.Remediation = []RemediationStep{
		{
			Title:       "Restrict DNS resolvers",
			Description: "Limit outbound DNS to approved internal resolvers only",
			Priority:    "high",
			Effort:      "low",
		},
		{
			Title:       "DNS monitoring",
			Description: "Deploy DNS query monitoring for anomalous patterns",
			Priority:    "medium",
			Effort:      "medium",
		},
	}
	return []Finding{f}, nil
}

// simWebService flags cloud applications reachable from sensitive hosts.
func (p *exfiltration) simWebService(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	apps, err := s.graph.QueryNodes(ctx, "Application", gc.tenantID, graph.NodeFilter{Limit: 200})
	if err != nil {
		return nil, err
	}
	cloudAppIDs := make(map[string]bool)
	for _, a := range apps {
		if t := a.Str("app_type"); t == "database" || t == "web_app" {
			cloudAppIDs[a.ID()] = true
		}
	}
	if len(cloudAppIDs) == 0 {
		return nil, nil
	}

	sensitiveHosts := 0
	var reachable []string
	for _, host := range gc.hosts {
		if c := host.Str("criticality"); c != "critical" && c != "high" {
			continue
		}
		sensitiveHosts++
		neighbors, err := s.graph.QueryNeighbors(ctx, host.ID(), gc.tenantID, graph.NeighborFilter{
			EdgeTypes: []string{"CAN_REACH", "DEPENDS_ON"},
		})
		if err != nil {
			return nil, err
		}
		for _, n := range neighbors {
			if cloudAppIDs[n.ID()] {
				reachable = append(reachable, n.ID())
			}
		}
	}
	if len(reachable) == 0 {
		return nil, nil
	}

	uniqueApps := uniqueSorted(reachable)
	f := NewFinding(tech, agent.SeverityHigh,
		fmt.Sprintf("%d cloud service(s) reachable from sensitive hosts", len(uniqueApps)),
		fmt.Sprintf("Sensitive hosts can reach %d cloud application(s), enabling data exfiltration to web services.",
			len(uniqueApps)))
	f.RiskScore = riskScore(0.5, agent.SeverityHigh, 0)
	f.AffectedNodes = uniqueApps
	f.Evidence = map[string]any{
		"cloud_app_count":      len(uniqueApps),
		"sensitive_host_count": sensitiveHosts,
	}
	f.Remediation = []RemediationStep{
		{
			Title:       "Implement CASB",
			Description: "Deploy cloud access security broker to control cloud service access",
			Priority:    "high",
			Effort:      "high",
		},
		{
			Title:       "Block unauthorized cloud storage",
			Description: "Restrict access to unapproved cloud storage services",
			Priority:    "high",
			Effort:      "medium",
		},
	}
	return []Finding{f}, nil
}

// simCloudAccount flags entities with direct access to storage
// applications.
func (p *exfiltration) simCloudAccount(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	apps, err := s.graph.QueryNodes(ctx, "Application", gc.tenantID, graph.NodeFilter{Limit: 200})
	if err != nil {
		return nil, err
	}
	var storageIDs []string
	for _, a := range apps {
		if a.Str("app_type") == "database" {
			storageIDs = append(storageIDs, a.ID())
		}
	}
	if len(storageIDs) == 0 {
		return nil, nil
	}

	var accessors []string
	for _, appID := range storageIDs {
		neighbors, err := s.graph.QueryNeighbors(ctx, appID, gc.tenantID, graph.NeighborFilter{
			EdgeTypes: []string{"HAS_ACCESS"},
		})
		if err != nil {
			return nil, err
		}
		for _, n := range neighbors {
			accessors = append(accessors, n.ID())
		}
	}
	if len(accessors) == 0 {
		return nil, nil
	}

	unique := uniqueSorted(accessors)
	f := NewFinding(tech, agent.SeverityHigh,
		fmt.Sprintf("%d entity(ies) can access cloud storage", len(unique)),
		fmt.Sprintf("%d user(s)/service(s) have direct access to %d cloud storage application(s).",
			len(unique), len(storageIDs)))
	f.RiskScore = riskScore(0.5, agent.SeverityHigh, 0)
	f.AffectedNodes = storageIDs
	f.Evidence = map[string]any{
		"storage_app_count": len(storageIDs),
		"accessor_count":    len(unique),
	}
	f.Remediation = []RemediationStep{
		{
			Title:       "Enforce cloud storage policies",
			Description: "Implement access policies on all cloud storage resources",
			Priority:    "high",
			Effort:      "medium",
		},
		{
			Title:       "Enable access logging",
			Description: "Enable detailed logging on all cloud storage access",
			Priority:    "medium",
			Effort:      "low",
		},
	}
	return []Finding{f}, nil
}

// simScheduledTransfer flags scheduler services whose hosts can reach
// internet-facing nodes.
func (p *exfiltration) simScheduledTransfer(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error) {
	var schedulers []map[string]any
	var affected []string
	for _, svc := range gc.services {
		if !containsAny(strings.ToLower(svc.Str("name")), schedulerKeywords) {
			continue
		}
		hostID := serviceHostID(svc)
		neighbors, err := s.graph.QueryNeighbors(ctx, hostID, gc.tenantID, graph.NeighborFilter{
			EdgeTypes: []string{"CAN_REACH", "CONNECTS_TO"},
		})
		if err != nil {
			return nil, err
		}
		external := 0
		for _, n := range neighbors {
			if n.Bool("is_internet_facing") {
				external++
			}
		}
		if external == 0 {
			continue
		}
		name := svc.Str("name")
		if name == "" {
			name = "unknown"
		}
		schedulers = append(schedulers, map[string]any{
			"service":        name,
			"host_id":        hostID,
			"external_count": external,
		})
		affected = append(affected, hostID)
	}
	if len(schedulers) == 0 {
		return nil, nil
	}

	f := NewFinding(tech, agent.SeverityMedium,
		fmt.Sprintf("%d scheduler(s) with external reach", len(schedulers)),
		fmt.Sprintf("Found %d scheduler service(s) that can reach external hosts, enabling automated data exfiltration.",
			len(schedulers)))
	f.RiskScore = riskScore(0.4, agent.SeverityMedium, 0)
	f.AffectedNodes = affected
	f.Evidence = map[string]any{
		"schedulers": schedulers,
	}
	f.Remediation = []RemediationStep{
		{
			Title:       "Audit scheduled tasks",
			Description: "Review all scheduled tasks for unauthorized data transfers",
			Priority:    "medium",
			Effort:      "medium",
		},
		{
			Title:       "Restrict outbound connectivity",
			Description: "Block outbound connections from scheduler hosts",
			Priority:    "medium",
			Effort:      "low",
		},
	}
	return []Finding{f}, nil
}
