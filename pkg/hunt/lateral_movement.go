package hunt

import (
	"context"
	"fmt"
	"strings"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
	"github.com/sentinel-platform/sentinel/core/pkg/siem"
)

// lateralMovement hunts for unusual internal traffic, service-account
// hopping, RDP chains and SMB/WinRM lateral activity.
type lateralMovement struct {
	cfg LateralMovementConfig
}

// NewLateralMovement builds the lateral-movement playbook.
func NewLateralMovement(rt *agent.Runtime, querier siem.Querier, cfg LateralMovementConfig, opts ...Option) *Hunter {
	cfg.Config = cfg.Config.withDefaults(PlaybookLateralMovement)
	if len(cfg.InternalSubnetPrefixes) == 0 {
		cfg.InternalSubnetPrefixes = []string{"10.", "172.16.", "192.168."}
	}
	if cfg.RDPChainMaxHops <= 0 {
		cfg.RDPChainMaxHops = 3
	}
	if cfg.ServiceAccountHopThreshold <= 0 {
		cfg.ServiceAccountHopThreshold = 2
	}
	if cfg.UnusualPortThreshold <= 0 {
		cfg.UnusualPortThreshold = 5
	}
	return newHunter(rt, querier, cfg.Config, &lateralMovement{cfg: cfg}, opts)
}

func (p *lateralMovement) config() any { return p.cfg }

// commonPorts are excluded from the unusual-internal-ports query.
var commonPorts = []int{22, 53, 80, 88, 135, 389, 443, 445, 636, 3389, 5985, 5986, 8080, 8443}

func (p *lateralMovement) buildQueries(h *Hunter, _ *agent.Plan) []querySpec {
	timeFilter := h.timeFilter()

	return []querySpec{
		{
			name: "internal_rdp",
			dsl: map[string]any{
				"bool": map[string]any{
					"must": []any{
						map[string]any{"term": map[string]any{"destination.port": 3389}},
						timeFilter,
					},
				},
			},
		},
		{
			name: "service_account_hops",
			dsl: map[string]any{
				"bool": map[string]any{
					"must": []any{
						map[string]any{"wildcard": map[string]any{"user.name": "svc-*"}},
						map[string]any{"match": map[string]any{"event.category": "authentication"}},
						map[string]any{"match": map[string]any{"event.outcome": "success"}},
						timeFilter,
					},
				},
			},
		},
		{
			name: "smb_winrm",
			dsl: map[string]any{
				"bool": map[string]any{
					"must": []any{
						map[string]any{"terms": map[string]any{"destination.port": []int{445, 5985, 5986}}},
						timeFilter,
					},
				},
			},
		},
		{
			name: "unusual_internal_ports",
			dsl: map[string]any{
				"bool": map[string]any{
					"must": []any{timeFilter},
					"must_not": []any{
						map[string]any{"terms": map[string]any{"destination.port": commonPorts}},
					},
				},
			},
		},
	}
}

func (p *lateralMovement) analyze(_ context.Context, h *Hunter, results map[string]*siem.QueryResult) ([]Finding, error) {
	var findings []Finding

	// Service accounts authenticating across many hosts.
	svcHops := results["service_account_hops"]
	if svcHops != nil && svcHops.TotalHits > 0 {
		svcHosts := map[string]map[string]struct{}{}
		for _, ev := range svcHops.Events {
			user := ev.User
			if user == "" {
				user = "unknown"
			}
			host := ev.Hostname
			if host == "" {
				host = ev.DestIP
			}
			if host == "" {
				host = "unknown"
			}
			if svcHosts[user] == nil {
				svcHosts[user] = map[string]struct{}{}
			}
			svcHosts[user][host] = struct{}{}
		}

		for _, account := range sortedKeys(svcHosts) {
			hosts := sortedKeys(svcHosts[account])
			if len(hosts) < p.cfg.ServiceAccountHopThreshold {
				continue
			}
			f := NewFinding(PlaybookLateralMovement, agent.SeverityHigh,
				fmt.Sprintf("Service account %s active on %d hosts", account, len(hosts)),
				fmt.Sprintf("Service account '%s' authenticated to %d distinct hosts: %s. This may indicate lateral movement using compromised credentials.",
					account, len(hosts), strings.Join(hosts, ", ")))
			f.Evidence = map[string]any{
				"source_hosts":    hosts,
				"dest_hosts":      hosts,
				"service_account": account,
				"host_count":      len(hosts),
			}
			f.Recommendations = []string{
				fmt.Sprintf("Audit all activity by %s", account),
				"Restrict service account to expected hosts",
				"Rotate service account credentials",
			}
			f.AffectedHosts = hosts
			f.AffectedUsers = []string{account}
			f.MitreTechniqueIDs = []string{"T1021"}
			f.MitreTactic = "Lateral Movement"
			findings = append(findings, f)
		}
	}

	// Internal hosts fanning RDP out to several destinations.
	rdp := results["internal_rdp"]
	if rdp != nil && rdp.TotalHits > 0 {
		rdpFan := fanOut(rdp.Events)
		for _, src := range sortedKeys(rdpFan) {
			dests := sortedKeys(rdpFan[src])
			if !isInternal(src, p.cfg.InternalSubnetPrefixes) || len(dests) < 2 {
				continue
			}
			f := NewFinding(PlaybookLateralMovement, agent.SeverityMedium,
				fmt.Sprintf("Internal RDP fan-out from %s", src),
				fmt.Sprintf("Host %s made RDP connections to %d internal hosts: %s.",
					src, len(dests), strings.Join(dests, ", ")))
			f.Evidence = map[string]any{
				"source_hosts": []string{src},
				"dest_hosts":   dests,
				"dest_ports":   []int{3389},
			}
			f.Recommendations = []string{
				fmt.Sprintf("Investigate host %s for compromise", src),
				"Review RDP access policies",
				"Enable NLA for all RDP endpoints",
			}
			f.AffectedHosts = append([]string{src}, dests...)
			f.MitreTechniqueIDs = []string{"T1021.001"}
			f.MitreTactic = "Lateral Movement"
			findings = append(findings, f)
		}
	}

	// SMB/WinRM fan-out past the hop threshold.
	smb := results["smb_winrm"]
	if smb != nil && smb.TotalHits > 0 {
		smbFan := fanOut(smb.Events)
		for _, src := range sortedKeys(smbFan) {
			dests := sortedKeys(smbFan[src])
			if len(dests) < p.cfg.ServiceAccountHopThreshold {
				continue
			}
			f := NewFinding(PlaybookLateralMovement, agent.SeverityMedium,
				fmt.Sprintf("SMB/WinRM fan-out from %s", src),
				fmt.Sprintf("Host %s made SMB/WinRM connections to %d hosts: %s.",
					src, len(dests), strings.Join(dests, ", ")))
			f.Evidence = map[string]any{
				"source_hosts": []string{src},
				"dest_hosts":   dests,
				"dest_ports":   []int{445, 5985},
			}
			f.Recommendations = []string{
				fmt.Sprintf("Investigate host %s for compromise", src),
				"Review SMB/WinRM access controls",
			}
			f.AffectedHosts = append([]string{src}, dests...)
			f.MitreTechniqueIDs = []string{"T1021.002"}
			f.MitreTactic = "Lateral Movement"
			findings = append(findings, f)
		}
	}

	return findings, nil
}

// fanOut maps source IP onto the set of destination IPs observed.
func fanOut(events []siem.Event) map[string]map[string]struct{} {
	out := map[string]map[string]struct{}{}
	for _, ev := range events {
		src := ev.SourceIP
		if src == "" {
			src = "unknown"
		}
		dst := ev.DestIP
		if dst == "" {
			dst = "unknown"
		}
		if out[src] == nil {
			out[src] = map[string]struct{}{}
		}
		out[src][dst] = struct{}{}
	}
	return out
}

func isInternal(ip string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(ip, p) {
			return true
		}
	}
	return false
}
