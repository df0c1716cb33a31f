package hunt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
	"github.com/sentinel-platform/sentinel/core/pkg/llm"
	"github.com/sentinel-platform/sentinel/core/pkg/siem"
)

// credentialAbuse hunts for brute force, credential stuffing, password
// spraying and service-account misuse in authentication logs.
type credentialAbuse struct {
	cfg CredentialAbuseConfig
}

// NewCredentialAbuse builds the credential-abuse playbook. Zero-valued
// thresholds fall back to the defaults; the boolean query toggles are
// honored as given (DefaultCredentialAbuseConfig enables both).
func NewCredentialAbuse(rt *agent.Runtime, querier siem.Querier, cfg CredentialAbuseConfig, opts ...Option) *Hunter {
	cfg.Config = cfg.Config.withDefaults(PlaybookCredentialAbuse)
	if cfg.FailedLoginThreshold <= 0 {
		cfg.FailedLoginThreshold = 10
	}
	if cfg.BruteForceWindowMinutes <= 0 {
		cfg.BruteForceWindowMinutes = 5
	}
	if cfg.CredentialStuffingUniqueUsers <= 0 {
		cfg.CredentialStuffingUniqueUsers = 5
	}
	return newHunter(rt, querier, cfg.Config, &credentialAbuse{cfg: cfg}, opts)
}

func (p *credentialAbuse) config() any { return p.cfg }

func (p *credentialAbuse) buildQueries(h *Hunter, _ *agent.Plan) []querySpec {
	timeFilter := h.timeFilter()

	queries := []querySpec{{
		name: "failed_logins_by_ip",
		dsl: map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"match": map[string]any{"event.outcome": "failure"}},
					map[string]any{"match": map[string]any{"event.category": "authentication"}},
					timeFilter,
				},
			},
		},
	}}

	if p.cfg.LockoutCorrelation {
		queries = append(queries, querySpec{
			name: "account_lockouts",
			dsl: map[string]any{
				"bool": map[string]any{
					"must": []any{
						map[string]any{"terms": map[string]any{"event.code": []string{"4740", "4625"}}},
						timeFilter,
					},
				},
			},
		})
	}

	if p.cfg.ServiceAccountMonitoring {
		queries = append(queries, querySpec{
			name: "service_account_failures",
			dsl: map[string]any{
				"bool": map[string]any{
					"must": []any{
						map[string]any{"match": map[string]any{"event.outcome": "failure"}},
						map[string]any{"match": map[string]any{"event.category": "authentication"}},
						map[string]any{"wildcard": map[string]any{"user.name": "svc-*"}},
						timeFilter,
					},
				},
			},
		})
	}

	return queries
}

func (p *credentialAbuse) analyze(ctx context.Context, h *Hunter, results map[string]*siem.QueryResult) ([]Finding, error) {
	var findings []Finding

	failed := results["failed_logins_by_ip"]
	if failed != nil && failed.TotalHits > 0 {
		ipCounts := map[string]int{}
		ipUsers := map[string]map[string]struct{}{}
		for _, ev := range failed.Events {
			ip := ev.SourceIP
			if ip == "" {
				ip = "unknown"
			}
			ipCounts[ip]++
			user := ev.User
			if user == "" {
				user = "unknown"
			}
			if ipUsers[ip] == nil {
				ipUsers[ip] = map[string]struct{}{}
			}
			ipUsers[ip][user] = struct{}{}
		}

		// Brute force: IPs exceeding the failure threshold.
		for _, ip := range sortedKeys(ipCounts) {
			count := ipCounts[ip]
			if count < p.cfg.FailedLoginThreshold {
				continue
			}
			users := sortedKeys(ipUsers[ip])
			severity := agent.SeverityMedium
			if count > p.cfg.FailedLoginThreshold*3 {
				severity = agent.SeverityHigh
			}
			f := NewFinding(PlaybookCredentialAbuse, severity,
				fmt.Sprintf("Excessive failed logins from %s", ip),
				fmt.Sprintf("Source IP %s had %d failed login attempts targeting %d unique user(s) in the last %d hours.",
					ip, count, len(users), h.cfg.TimeWindowHours))
			f.Evidence = map[string]any{
				"source_ips":   []string{ip},
				"failed_count": count,
				"target_users": users,
				"event_ids":    []string{"4625"},
			}
			f.Recommendations = []string{
				fmt.Sprintf("Block IP %s at the perimeter firewall", ip),
				"Enable account lockout policies if not set",
				"Review affected accounts for compromise",
			}
			f.AffectedUsers = users
			f.MitreTechniqueIDs = []string{"T1110.001"}
			f.MitreTactic = "Credential Access"
			findings = append(findings, f)
		}

		// Credential stuffing: one IP spraying many distinct accounts.
		for _, ip := range sortedKeys(ipUsers) {
			userSet := ipUsers[ip]
			if len(userSet) < p.cfg.CredentialStuffingUniqueUsers {
				continue
			}
			users := sortedKeys(userSet)
			f := NewFinding(PlaybookCredentialAbuse, agent.SeverityHigh,
				fmt.Sprintf("Potential credential stuffing from %s", ip),
				fmt.Sprintf("Source IP %s attempted logins against %d unique accounts, indicating possible credential stuffing attack.",
					ip, len(users)))
			f.Evidence = map[string]any{
				"source_ips":        []string{ip},
				"target_users":      users,
				"unique_user_count": len(users),
			}
			f.Recommendations = []string{
				fmt.Sprintf("Block IP %s immediately", ip),
				"Force password reset for targeted accounts",
				"Enable MFA for all affected accounts",
				"Check credentials against breach databases",
			}
			f.AffectedUsers = users
			f.MitreTechniqueIDs = []string{"T1110.004"}
			f.MitreTactic = "Credential Access"
			findings = append(findings, f)
		}
	}

	// Service accounts should never fail authentication in normal
	// operations; any failure at all is reported.
	svc := results["service_account_failures"]
	if svc != nil && svc.TotalHits > 0 {
		accounts := map[string]struct{}{}
		for _, ev := range svc.Events {
			if ev.User != "" {
				accounts[ev.User] = struct{}{}
			}
		}
		if len(accounts) > 0 {
			users := sortedKeys(accounts)
			f := NewFinding(PlaybookCredentialAbuse, agent.SeverityCritical,
				"Service account authentication failures",
				fmt.Sprintf("Service accounts %s experienced authentication failures. Service accounts should never fail in normal operations.",
					strings.Join(users, ", ")))
			f.Evidence = map[string]any{
				"target_users":   users,
				"total_failures": svc.TotalHits,
			}
			f.Recommendations = []string{
				"Immediately rotate affected service account credentials",
				"Audit recent activity of these service accounts",
				"Review service account permissions for least-privilege",
			}
			f.AffectedUsers = users
			f.MitreTechniqueIDs = []string{"T1110"}
			f.MitreTactic = "Credential Access"
			findings = append(findings, f)
		}
	}

	if failed != nil && failed.TotalHits > 0 {
		hints, err := p.llmAnalyze(ctx, h, results)
		if err != nil {
			return nil, err
		}
		findings = append(findings, hints...)
	}

	return findings, nil
}

// llmAnalyze asks the LLM for subtler patterns over event samples. The
// reply is parsed tolerantly: malformed JSON yields no findings.
func (p *credentialAbuse) llmAnalyze(ctx context.Context, h *Hunter, results map[string]*siem.QueryResult) ([]Finding, error) {
	summary := map[string]any{}
	for name, res := range results {
		if res == nil {
			continue
		}
		events := res.Events
		if len(events) > 20 {
			events = events[:20]
		}
		samples := make([]map[string]any, 0, len(events))
		for _, ev := range events {
			ts := ""
			if ev.Timestamp != nil {
				ts = ev.Timestamp.Format(time.RFC3339)
			}
			samples = append(samples, map[string]any{
				"timestamp": ts,
				"source_ip": ev.SourceIP,
				"user":      ev.User,
				"hostname":  ev.Hostname,
			})
		}
		summary[name] = map[string]any{
			"total_hits":    res.TotalHits,
			"sample_events": samples,
		}
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("hunt: marshal analysis sample: %w", err)
	}

	prompt := "Analyze these SIEM query results for credential abuse patterns.\n" +
		"Look for: time-based patterns, password spraying (low-and-slow), unusual user agents.\n\n" +
		"Data: " + string(data) + "\n\n" +
		"Return a JSON object with 'findings' array. Each finding: severity, title, " +
		"description, mitre_technique_ids, affected_users (arrays of strings)."

	resp, err := h.rt.LLM().Complete(ctx,
		[]llm.Message{{Role: "user", Content: prompt}},
		&llm.Options{
			System:    "You are a SOC analyst specializing in credential abuse.",
			MaxTokens: 1024,
		})
	if err != nil {
		return nil, fmt.Errorf("hunt: llm analysis: %w", err)
	}
	return parseFindingHints([]byte(resp.Content), PlaybookCredentialAbuse, "Credential Access", "LLM-identified pattern"), nil
}
