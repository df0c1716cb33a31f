package hunt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
	"github.com/sentinel-platform/sentinel/core/pkg/llm"
	"github.com/sentinel-platform/sentinel/core/pkg/siem"
	"github.com/sentinel-platform/sentinel/core/pkg/sigma"
)

// querySpec is one named query a playbook wants executed. An empty index
// falls back to the config's index pattern.
type querySpec struct {
	name  string
	dsl   map[string]any
	index string
}

// strategy is the playbook-specific half of a hunt: query construction and
// result analysis. Analysis may consult the LLM for supplementary hints;
// hint parse failures yield no extra findings, transport failures propagate.
type strategy interface {
	config() any
	buildQueries(h *Hunter, plan *agent.Plan) []querySpec
	analyze(ctx context.Context, h *Hunter, results map[string]*siem.QueryResult) ([]Finding, error)
}

// Hunter drives one hunt playbook through the agent lifecycle. It
// implements agent.Playbook; construct with NewCredentialAbuse,
// NewLateralMovement or NewDataExfiltration and hand it to Runtime.Run.
type Hunter struct {
	rt    *agent.Runtime
	siem  siem.Querier
	cfg   Config
	strat strategy
	gen   Generator
	log   *slog.Logger
	now   func() time.Time

	mu   sync.Mutex
	last *PlaybookResult
}

// Option configures a Hunter.
type Option func(*Hunter)

// WithLogger overrides the hunter's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hunter) { h.log = l }
}

// WithClock overrides the time source used for query windows and run
// durations. Used by tests to pin timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Hunter) { h.now = now }
}

func newHunter(rt *agent.Runtime, querier siem.Querier, cfg Config, strat strategy, opts []Option) *Hunter {
	h := &Hunter{
		rt:    rt,
		siem:  querier,
		cfg:   cfg,
		strat: strat,
		log:   slog.Default().With("component", "hunt", "playbook", cfg.Playbook),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// withDefaults pins the playbook name and fills zero-valued shared fields.
func (c Config) withDefaults(playbook string) Config {
	def := DefaultConfig(playbook)
	c.Playbook = playbook
	if c.TimeWindowHours <= 0 {
		c.TimeWindowHours = def.TimeWindowHours
	}
	if c.IndexPattern == "" {
		c.IndexPattern = def.IndexPattern
	}
	if c.MaxResultsPerQuery <= 0 {
		c.MaxResultsPerQuery = def.MaxResultsPerQuery
	}
	if c.SeverityThreshold == "" {
		c.SeverityThreshold = def.SeverityThreshold
	}
	return c
}

// Config returns the hunter's shared configuration.
func (h *Hunter) Config() Config { return h.cfg }

// LastResult returns the playbook-level result of the most recent Execute,
// or nil before the first run completes.
func (h *Hunter) LastResult() *PlaybookResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// timeFilter builds the range clause covering the configured hunt window.
func (h *Hunter) timeFilter() map[string]any {
	end := h.now().UTC()
	start := end.Add(-time.Duration(h.cfg.TimeWindowHours) * time.Hour)
	return map[string]any{
		"range": map[string]any{
			"@timestamp": map[string]any{
				"gte": start.Format(time.RFC3339),
				"lte": end.Format(time.RFC3339),
			},
		},
	}
}

// Plan implements agent.Playbook using a schema-validated completion.
func (h *Hunter) Plan(ctx context.Context, intent string, runCtx map[string]any) (*agent.Plan, error) {
	cfgJSON, err := json.Marshal(h.strat.config())
	if err != nil {
		return nil, fmt.Errorf("hunt: marshal config: %w", err)
	}
	ctxJSON, err := json.Marshal(runCtx)
	if err != nil {
		return nil, fmt.Errorf("hunt: marshal context: %w", err)
	}

	system := "You are a threat hunting expert. Given a hunting intent and " +
		"configuration, produce a structured plan. Include which data " +
		"sources to query, what patterns to look for, and in what order."
	prompt := fmt.Sprintf(
		"Hunt intent: %s\nPlaybook: %s\nTime window: %d hours\nIndex pattern: %s\nConfig: %s\nContext: %s",
		intent, h.cfg.Playbook, h.cfg.TimeWindowHours, h.cfg.IndexPattern, cfgJSON, ctxJSON)

	var plan agent.Plan
	err = h.rt.LLM().CompleteStructured(ctx,
		[]llm.Message{{Role: "user", Content: prompt}},
		agent.PlanSchema, &plan,
		&llm.Options{System: system})
	if err != nil {
		return nil, fmt.Errorf("hunt: plan: %w", err)
	}
	return &plan, nil
}

// Execute implements agent.Playbook: run the playbook's queries, analyze,
// attach Sigma rules, summarize, and project to an agent result.
func (h *Hunter) Execute(ctx context.Context, plan *agent.Plan) (*agent.Result, error) {
	started := h.now()

	queries := h.strat.buildQueries(h, plan)

	results := make(map[string]*siem.QueryResult, len(queries))
	totalEvents := 0
	for _, q := range queries {
		if h.rt.IsCancelled() {
			break
		}
		index := q.index
		if index == "" {
			index = h.cfg.IndexPattern
		}
		res, err := h.siem.ExecuteQuery(ctx, siem.Query{
			DSL:   q.dsl,
			Index: index,
			Size:  h.cfg.MaxResultsPerQuery,
			Sort:  []map[string]any{{"@timestamp": map[string]any{"order": "desc"}}},
		})
		if err != nil {
			return nil, fmt.Errorf("hunt: query %s: %w", q.name, err)
		}
		results[q.name] = res
		totalEvents += res.TotalHits

		if s := h.rt.Session(); s != nil {
			_ = s.AddAction(
				"siem_query_"+q.name,
				fmt.Sprintf("Executed query '%s': %d hits", q.name, res.TotalHits),
				map[string]any{"query_dsl": q.dsl, "total_hits": res.TotalHits},
				true,
			)
		}
	}

	findings, err := h.strat.analyze(ctx, h, results)
	if err != nil {
		return nil, err
	}

	if len(h.cfg.PluginPaths) > 0 {
		findings = append(findings, h.runDetectors(ctx, results)...)
	}

	var rules []sigma.Rule
	if h.cfg.GenerateSigmaRules {
		for i := range findings {
			rule, ok := h.gen.FromFinding(findings[i])
			if !ok {
				continue
			}
			findings[i].SigmaRule = &rule
			rules = append(rules, rule)
		}
	}

	summary, err := h.summarize(ctx, findings, totalEvents)
	if err != nil {
		return nil, err
	}

	elapsed := h.now().Sub(started)
	pr := &PlaybookResult{
		Playbook:        h.cfg.Playbook,
		Findings:        findings,
		SigmaRules:      rules,
		QueriesExecuted: len(queries),
		EventsAnalyzed:  totalEvents,
		DurationSeconds: math.Round(elapsed.Seconds()*100) / 100,
		Summary:         summary,
	}
	h.mu.Lock()
	h.last = pr
	h.mu.Unlock()

	startedAt := started
	if s := h.rt.Session(); s != nil {
		startedAt = s.StartedAt()
	}
	cfg := h.rt.Config()
	out := &agent.Result{
		AgentID:      cfg.AgentID,
		AgentType:    cfg.AgentType,
		TenantID:     cfg.TenantID,
		Status:       agent.StatusRunning, // lifecycle stamps the final status
		Findings:     make([]agent.Finding, 0, len(findings)),
		ActionsTaken: len(queries),
		StartedAt:    startedAt,
	}
	for _, f := range findings {
		out.Findings = append(out.Findings, projectFinding(f))
	}
	return out, nil
}

// projectFinding folds hunt-specific fields into the agent finding's
// evidence so downstream consumers need no hunt types.
func projectFinding(f Finding) agent.Finding {
	evidence := make(map[string]any, len(f.Evidence)+6)
	for k, v := range f.Evidence {
		evidence[k] = v
	}
	evidence["playbook"] = f.Playbook
	evidence["affected_hosts"] = f.AffectedHosts
	evidence["affected_users"] = f.AffectedUsers
	evidence["mitre_technique_ids"] = f.MitreTechniqueIDs
	evidence["mitre_tactic"] = f.MitreTactic
	if f.SigmaRule != nil {
		if y, err := f.SigmaRule.ToYAML(); err == nil {
			evidence["sigma_yaml"] = y
		}
	}
	return agent.Finding{
		ID:              f.ID,
		Severity:        f.Severity,
		Title:           f.Title,
		Description:     f.Description,
		Evidence:        evidence,
		Recommendations: f.Recommendations,
	}
}

func (h *Hunter) summarize(ctx context.Context, findings []Finding, totalEvents int) (string, error) {
	lines := make([]string, 0, len(findings))
	for _, f := range findings {
		lines = append(lines, fmt.Sprintf("- [%s] %s: %s", strings.ToUpper(f.Severity), f.Title, f.Description))
	}
	prompt := fmt.Sprintf(
		"Summarize the results of a %s threat hunt.\nEvents analyzed: %d\nFindings (%d):\n%s\n\n"+
			"Provide a concise 2-3 sentence summary suitable for a SOC analyst.",
		h.cfg.Playbook, totalEvents, len(findings), strings.Join(lines, "\n"))

	resp, err := h.rt.LLM().Complete(ctx,
		[]llm.Message{{Role: "user", Content: prompt}},
		&llm.Options{MaxTokens: 256})
	if err != nil {
		return "", fmt.Errorf("hunt: summary: %w", err)
	}
	return resp.Content, nil
}

// findingHint is the JSON shape supplementary analyzers (LLM hints, WASM
// detectors) emit inside a {"findings": [...]} wrapper.
type findingHint struct {
	Severity          string   `json:"severity"`
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	MitreTechniqueIDs []string `json:"mitre_technique_ids"`
	AffectedUsers     []string `json:"affected_users"`
	AffectedHosts     []string `json:"affected_hosts"`
}

// parseFindingHints decodes supplementary findings, tolerating malformed
// payloads by returning nothing.
func parseFindingHints(content []byte, playbook, tactic, fallbackTitle string) []Finding {
	var parsed struct {
		Findings []findingHint `json:"findings"`
	}
	if err := json.Unmarshal(content, &parsed); err != nil {
		return nil
	}
	findings := make([]Finding, 0, len(parsed.Findings))
	for _, hint := range parsed.Findings {
		severity := hint.Severity
		if severity == "" {
			severity = agent.SeverityMedium
		}
		title := hint.Title
		if title == "" {
			title = fallbackTitle
		}
		f := NewFinding(playbook, severity, title, hint.Description)
		f.MitreTechniqueIDs = hint.MitreTechniqueIDs
		f.AffectedUsers = hint.AffectedUsers
		f.AffectedHosts = hint.AffectedHosts
		f.MitreTactic = tactic
		findings = append(findings, f)
	}
	return findings
}

// tacticForPlaybook maps a playbook onto its MITRE tactic label.
func tacticForPlaybook(playbook string) string {
	switch playbook {
	case PlaybookCredentialAbuse:
		return "Credential Access"
	case PlaybookLateralMovement:
		return "Lateral Movement"
	case PlaybookDataExfiltration:
		return "Exfiltration"
	}
	return ""
}

// sortedKeys returns a map's keys in sorted order. Analyzers iterate maps
// through this so findings come out in a stable order run to run.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
