package hunt

import (
	"context"
	"fmt"
	"strings"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
	"github.com/sentinel-platform/sentinel/core/pkg/siem"
)

// dataExfiltration hunts for large outbound transfers, DNS tunneling and
// off-hours movement of data.
type dataExfiltration struct {
	cfg DataExfiltrationConfig
}

// NewDataExfiltration builds the data-exfiltration playbook.
func NewDataExfiltration(rt *agent.Runtime, querier siem.Querier, cfg DataExfiltrationConfig, opts ...Option) *Hunter {
	cfg.Config = cfg.Config.withDefaults(PlaybookDataExfiltration)
	if cfg.LargeTransferBytes <= 0 {
		cfg.LargeTransferBytes = 100_000_000
	}
	if cfg.DNSQueryLengthThreshold <= 0 {
		cfg.DNSQueryLengthThreshold = 50
	}
	if cfg.DNSTXTRecordThreshold <= 0 {
		cfg.DNSTXTRecordThreshold = 10
	}
	if cfg.AfterHoursStart <= 0 {
		cfg.AfterHoursStart = 22
	}
	if cfg.AfterHoursEnd <= 0 {
		cfg.AfterHoursEnd = 6
	}
	return newHunter(rt, querier, cfg.Config, &dataExfiltration{cfg: cfg}, opts)
}

func (p *dataExfiltration) config() any { return p.cfg }

// rfc1918Blocks exclude intra-network destinations from external-transfer
// queries.
var rfc1918Blocks = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}

func (p *dataExfiltration) buildQueries(h *Hunter, _ *agent.Plan) []querySpec {
	timeFilter := h.timeFilter()

	queries := []querySpec{
		{
			name: "large_outbound",
			dsl: map[string]any{
				"bool": map[string]any{
					"must": []any{
						map[string]any{"range": map[string]any{"network.bytes": map[string]any{"gte": p.cfg.LargeTransferBytes}}},
						timeFilter,
					},
					"must_not": []any{
						map[string]any{"terms": map[string]any{"destination.ip": []string{"10.0.0.0/8"}}},
					},
				},
			},
		},
		{
			name: "dns_tunneling",
			dsl: map[string]any{
				"bool": map[string]any{
					"must": []any{
						map[string]any{"match": map[string]any{"event.category": "dns"}},
						timeFilter,
					},
				},
			},
		},
	}

	if p.cfg.UnusualDestinationCheck {
		queries = append(queries, querySpec{
			name: "unusual_destinations",
			dsl: map[string]any{
				"bool": map[string]any{
					"must": []any{
						map[string]any{"match": map[string]any{"event.category": "network"}},
						timeFilter,
					},
					"must_not": []any{
						map[string]any{"terms": map[string]any{"destination.ip": rfc1918Blocks}},
					},
				},
			},
		})
	}

	queries = append(queries, querySpec{
		name: "after_hours_transfers",
		dsl: map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"match": map[string]any{"event.category": "network"}},
					map[string]any{"range": map[string]any{"network.bytes": map[string]any{"gte": p.cfg.LargeTransferBytes / 10}}},
					timeFilter,
				},
			},
		},
	})

	return queries
}

func (p *dataExfiltration) analyze(_ context.Context, h *Hunter, results map[string]*siem.QueryResult) ([]Finding, error) {
	var findings []Finding

	// Aggregate outbound volume per external destination.
	large := results["large_outbound"]
	if large != nil && large.TotalHits > 0 {
		destBytes := map[string]int64{}
		destSources := map[string]map[string]struct{}{}
		for _, ev := range large.Events {
			dst := ev.DestIP
			if dst == "" {
				dst = "unknown"
			}
			destBytes[dst] += asInt64(rawPath(ev.Raw, "network.bytes"))
			src := ev.SourceIP
			if src == "" {
				continue
			}
			if destSources[dst] == nil {
				destSources[dst] = map[string]struct{}{}
			}
			destSources[dst][src] = struct{}{}
		}

		for _, dst := range sortedKeys(destBytes) {
			total := destBytes[dst]
			if total < p.cfg.LargeTransferBytes {
				continue
			}
			sources := sortedKeys(destSources[dst])
			mb := float64(total) / (1024 * 1024)
			f := NewFinding(PlaybookDataExfiltration, agent.SeverityHigh,
				fmt.Sprintf("Large data transfer to %s (%.0f MB)", dst, mb),
				fmt.Sprintf("Total of %.1f MB transferred to external destination %s from %d internal host(s).",
					mb, dst, len(sources)))
			f.Evidence = map[string]any{
				"dest_ips":     []string{dst},
				"total_bytes":  total,
				"source_hosts": sources,
			}
			f.Recommendations = []string{
				fmt.Sprintf("Investigate traffic to %s", dst),
				"Check if destination is an authorized service",
				"Review DLP policies for sensitive data",
			}
			f.AffectedHosts = sources
			f.MitreTechniqueIDs = []string{"T1567"}
			f.MitreTactic = "Exfiltration"
			findings = append(findings, f)
		}
	}

	// Long DNS query names suggest tunneling.
	dns := results["dns_tunneling"]
	if dns != nil && dns.TotalHits > 0 {
		var queries []string
		srcSet := map[string]struct{}{}
		for _, ev := range dns.Events {
			name, _ := rawPath(ev.Raw, "dns.question.name").(string)
			if len(name) < p.cfg.DNSQueryLengthThreshold {
				continue
			}
			queries = append(queries, name)
			if ev.SourceIP != "" {
				srcSet[ev.SourceIP] = struct{}{}
			}
		}
		if len(queries) > 0 {
			sources := sortedKeys(srcSet)
			sample := queries
			if len(sample) > 10 {
				sample = sample[:10]
			}
			f := NewFinding(PlaybookDataExfiltration, agent.SeverityHigh,
				fmt.Sprintf("Possible DNS tunneling (%d suspicious queries)", len(queries)),
				fmt.Sprintf("Detected %d DNS queries with names exceeding %d characters, a common indicator of DNS tunneling.",
					len(queries), p.cfg.DNSQueryLengthThreshold))
			f.Evidence = map[string]any{
				"dns_queries":  sample,
				"source_hosts": sources,
				"query_count":  len(queries),
			}
			f.Recommendations = []string{
				"Block suspicious DNS domains at resolver",
				"Investigate source hosts for malware",
				"Deploy DNS monitoring and filtering",
			}
			f.AffectedHosts = sources
			f.MitreTechniqueIDs = []string{"T1071.004"}
			f.MitreTactic = "Exfiltration"
			findings = append(findings, f)
		}
	}

	// Sizable transfers outside business hours.
	afterHours := results["after_hours_transfers"]
	if afterHours != nil && afterHours.TotalHits > 0 {
		count := 0
		hostSet := map[string]struct{}{}
		for _, ev := range afterHours.Events {
			if ev.Timestamp == nil {
				continue
			}
			hour := ev.Timestamp.Hour()
			if hour >= p.cfg.AfterHoursStart || hour < p.cfg.AfterHoursEnd {
				count++
				if ev.SourceIP != "" {
					hostSet[ev.SourceIP] = struct{}{}
				}
			}
		}
		if count > 0 {
			hosts := sortedKeys(hostSet)
			f := NewFinding(PlaybookDataExfiltration, agent.SeverityMedium,
				fmt.Sprintf("After-hours data transfers from %d host(s)", len(hosts)),
				fmt.Sprintf("Detected %d network transfer events outside business hours (%d:00-%d:00).",
					count, p.cfg.AfterHoursStart, p.cfg.AfterHoursEnd))
			f.Evidence = map[string]any{
				"source_hosts": hosts,
				"event_count":  count,
			}
			f.Recommendations = []string{
				"Review after-hours transfer policies",
				"Investigate source hosts for scheduled tasks",
				"Consider network segmentation for after-hours",
			}
			f.AffectedHosts = hosts
			f.MitreTechniqueIDs = []string{"T1048"}
			f.MitreTactic = "Exfiltration"
			findings = append(findings, f)
		}
	}

	return findings, nil
}

// rawPath walks a dotted field path through an event's raw document. It
// tries the flat dotted key first since some shippers index that way.
func rawPath(raw map[string]any, path string) any {
	if raw == nil {
		return nil
	}
	if v, ok := raw[path]; ok {
		return v
	}
	parts := strings.Split(path, ".")
	cur := any(raw)
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

// asInt64 coerces the numeric types JSON decoding can produce.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	default:
		return 0
	}
}
