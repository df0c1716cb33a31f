package sim

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
	"github.com/sentinel-platform/sentinel/core/pkg/graph"
	"github.com/sentinel-platform/sentinel/core/pkg/llm"
)

// graphContext is the topology snapshot shared by every technique handler
// in one run.
type graphContext struct {
	tenantID        string
	hosts           []graph.Node
	users           []graph.Node
	services        []graph.Node
	vulnerabilities []graph.Node
}

// tacticStrategy is the tactic-specific half of a simulation: one simulate
// call per selected catalog technique. Graph errors propagate and fail the
// run; an unknown technique yields no findings.
type tacticStrategy interface {
	simulate(ctx context.Context, s *Simulator, tech Technique, gc *graphContext) ([]Finding, error)
}

// Simulator drives one tactic simulation through the agent lifecycle. It
// implements agent.Playbook; construct with NewInitialAccess,
// NewLateralMovement, NewPrivilegeEscalation or NewExfiltration and hand
// it to Runtime.Run.
type Simulator struct {
	rt    *agent.Runtime
	graph graph.Reader
	cfg   Config
	strat tacticStrategy
	log   *slog.Logger
	now   func() time.Time

	mu   sync.Mutex
	last *TacticResult
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithLogger overrides the simulator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) { s.log = l }
}

// WithClock overrides the time source used for run durations. Used by
// tests to pin timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

func newSimulator(rt *agent.Runtime, reader graph.Reader, cfg Config, strat tacticStrategy, opts []Option) *Simulator {
	s := &Simulator{
		rt:    rt,
		graph: reader,
		cfg:   cfg,
		strat: strat,
		log:   slog.Default().With("component", "sim", "tactic", string(cfg.Tactic)),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// withDefaults pins the tactic and fills zero-valued shared fields.
func (c Config) withDefaults(tactic Tactic) Config {
	def := DefaultConfig(tactic)
	c.Tactic = tactic
	if c.MaxPaths <= 0 {
		c.MaxPaths = def.MaxPaths
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = def.MaxDepth
	}
	if c.MinExploitability <= 0 {
		c.MinExploitability = def.MinExploitability
	}
	return c
}

// Config returns the simulator's shared configuration.
func (s *Simulator) Config() Config { return s.cfg }

// LastResult returns the tactic-level result of the most recent Execute,
// or nil before the first run completes.
func (s *Simulator) LastResult() *TacticResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Plan implements agent.Playbook using a schema-validated completion.
func (s *Simulator) Plan(ctx context.Context, intent string, runCtx map[string]any) (*agent.Plan, error) {
	ctxJSON, err := json.Marshal(runCtx)
	if err != nil {
		return nil, fmt.Errorf("sim: marshal context: %w", err)
	}
	filter := "all"
	if len(s.cfg.Techniques) > 0 {
		filter = strings.Join(s.cfg.Techniques, ", ")
	}

	system := "You are a red team simulation planner. Produce a plan for " +
		"testing MITRE ATT&CK techniques against a network knowledge graph. " +
		"This is read-only; no live attacks."
	prompt := fmt.Sprintf(
		"Simulation intent: %s\nTactic: %s\nTechniques filter: %s\nContext: %s\n\nProduce a structured simulation plan.",
		intent, s.cfg.Tactic, filter, ctxJSON)

	var plan agent.Plan
	err = s.rt.LLM().CompleteStructured(ctx,
		[]llm.Message{{Role: "user", Content: prompt}},
		agent.PlanSchema, &plan,
		&llm.Options{System: system})
	if err != nil {
		return nil, fmt.Errorf("sim: plan: %w", err)
	}
	return &plan, nil
}

// Execute implements agent.Playbook: select techniques, snapshot the
// topology, simulate each technique read-only, summarize, and project to
// an agent result.
func (s *Simulator) Execute(ctx context.Context, plan *agent.Plan) (*agent.Result, error) {
	started := s.now()

	techniques := s.selectTechniques()
	gc, err := s.buildGraphContext(ctx)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	withFindings := 0
	for _, tech := range techniques {
		if s.rt.IsCancelled() {
			break
		}
		fs, err := s.strat.simulate(ctx, s, tech, gc)
		if err != nil {
			return nil, fmt.Errorf("sim: technique %s: %w", tech.ID, err)
		}
		if len(fs) > 0 {
			withFindings++
			findings = append(findings, fs...)
		}
		if sess := s.rt.Session(); sess != nil {
			_ = sess.AddAction(
				"simulate_"+tech.ID,
				fmt.Sprintf("Simulated %s (%s): %d findings", tech.ID, tech.Name, len(fs)),
				map[string]any{"technique_id": tech.ID, "findings_count": len(fs)},
				true,
			)
		}
	}

	summary, err := s.summarize(ctx, findings, len(techniques))
	if err != nil {
		return nil, err
	}

	highest := 0.0
	for _, f := range findings {
		if f.RiskScore > highest {
			highest = f.RiskScore
		}
	}

	elapsed := s.now().Sub(started)
	tr := &TacticResult{
		Tactic:                 s.cfg.Tactic,
		Findings:               findings,
		TechniquesTested:       len(techniques),
		TechniquesWithFindings: withFindings,
		HighestRiskScore:       highest,
		DurationSeconds:        math.Round(elapsed.Seconds()*100) / 100,
		Summary:                summary,
	}
	s.mu.Lock()
	s.last = tr
	s.mu.Unlock()

	startedAt := started
	if sess := s.rt.Session(); sess != nil {
		startedAt = sess.StartedAt()
	}
	cfg := s.rt.Config()
	out := &agent.Result{
		AgentID:      cfg.AgentID,
		AgentType:    cfg.AgentType,
		TenantID:     cfg.TenantID,
		Status:       agent.StatusRunning, // lifecycle stamps the final status
		Findings:     make([]agent.Finding, 0, len(findings)),
		ActionsTaken: len(techniques),
		StartedAt:    startedAt,
	}
	for _, f := range findings {
		out.Findings = append(out.Findings, projectFinding(f))
	}
	return out, nil
}

// selectTechniques resolves the catalog techniques for this run, honoring
// the config's technique filter. Catalog order is preserved.
func (s *Simulator) selectTechniques() []Technique {
	available := TechniquesForTactic(s.cfg.Tactic)
	if len(s.cfg.Techniques) == 0 {
		return available
	}
	wanted := make(map[string]bool, len(s.cfg.Techniques))
	for _, id := range s.cfg.Techniques {
		wanted[id] = true
	}
	var out []Technique
	for _, tech := range available {
		if wanted[tech.ID] {
			out = append(out, tech)
		}
	}
	return out
}

// buildGraphContext snapshots the node sets every handler works from.
func (s *Simulator) buildGraphContext(ctx context.Context) (*graphContext, error) {
	tenantID := s.rt.Config().TenantID
	gc := &graphContext{tenantID: tenantID}
	for _, q := range []struct {
		label string
		dst   *[]graph.Node
	}{
		{"Host", &gc.hosts},
		{"User", &gc.users},
		{"Service", &gc.services},
		{"Vulnerability", &gc.vulnerabilities},
	} {
		nodes, err := s.graph.QueryNodes(ctx, q.label, tenantID, graph.NodeFilter{Limit: 500})
		if err != nil {
			return nil, fmt.Errorf("sim: query %s nodes: %w", strings.ToLower(q.label), err)
		}
		*q.dst = nodes
	}
	return gc, nil
}

func (s *Simulator) summarize(ctx context.Context, findings []Finding, tested int) (string, error) {
	if len(findings) == 0 {
		return fmt.Sprintf("No findings from %d %s technique(s) tested.", tested, s.cfg.Tactic), nil
	}

	lines := make([]string, 0, len(findings))
	for _, f := range findings {
		lines = append(lines, fmt.Sprintf("- [%s] %s %s", strings.ToUpper(f.Severity), f.TechniqueID, f.Title))
	}
	prompt := fmt.Sprintf(
		"Summarize adversarial simulation results for %s.\nTechniques tested: %d\nFindings (%d):\n%s\n\n"+
			"Provide a concise red-team assessment for a CISO briefing.",
		s.cfg.Tactic, tested, len(findings), strings.Join(lines, "\n"))

	resp, err := s.rt.LLM().Complete(ctx,
		[]llm.Message{{Role: "user", Content: prompt}},
		&llm.Options{System: "You are a senior red team operator.", MaxTokens: 512})
	if err != nil {
		return "", fmt.Errorf("sim: summary: %w", err)
	}
	return resp.Content, nil
}

// severityMultipliers weight the severity contribution to a risk score.
var severityMultipliers = map[string]float64{
	agent.SeverityCritical: 1.0,
	agent.SeverityHigh:     0.8,
	agent.SeverityMedium:   0.5,
	agent.SeverityLow:      0.2,
}

// riskScore folds a path risk (0-1), a severity and a blast score (0-1)
// into the 0-10 finding scale.
func riskScore(pathRisk float64, severity string, blastScore float64) float64 {
	mult, ok := severityMultipliers[severity]
	if !ok {
		mult = 0.5
	}
	score := pathRisk*5 + mult*2.5 + blastScore*2.5
	return math.Min(math.Max(score, 0), 10)
}

// projectFinding folds simulation fields into the agent finding's
// evidence. Handler-supplied evidence keys win over the fixed ones.
func projectFinding(f Finding) agent.Finding {
	evidence := map[string]any{
		"tactic":             string(f.Tactic),
		"technique_id":       f.TechniqueID,
		"technique_name":     f.TechniqueName,
		"risk_score":         f.RiskScore,
		"attack_paths_count": len(f.AttackPaths),
		"affected_nodes":     f.AffectedNodes,
		"mitre_url":          f.MitreURL,
		"remediation":        remediationMaps(f.Remediation),
	}
	for k, v := range f.Evidence {
		evidence[k] = v
	}
	recs := make([]string, 0, len(f.Remediation))
	for _, r := range f.Remediation {
		recs = append(recs, r.Title)
	}
	return agent.Finding{
		ID:              f.ID,
		Severity:        f.Severity,
		Title:           f.Title,
		Description:     f.Description,
		Evidence:        evidence,
		Recommendations: recs,
	}
}

// remediationMaps renders remediation steps as plain maps so evidence
// stays JSON-shaped.
func remediationMaps(steps []RemediationStep) []map[string]any {
	out := make([]map[string]any, 0, len(steps))
	for _, r := range steps {
		out = append(out, map[string]any{
			"title":       r.Title,
			"description": r.Description,
			"priority":    r.Priority,
			"effort":      r.Effort,
			"automated":   r.Automated,
		})
	}
	return out
}

// hostName returns a host node's hostname, falling back to its id.
func hostName(n graph.Node) string {
	if name := n.Str("hostname"); name != "" {
		return name
	}
	return n.ID()
}

// userName returns a user node's username, falling back to its id.
func userName(n graph.Node) string {
	if name := n.Str("username"); name != "" {
		return name
	}
	return n.ID()
}

// uniqueSorted deduplicates and sorts ids so set-derived findings come out
// in a stable order run to run.
func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// containsAny reports whether s contains any of the substrings.
func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// maxPathRisk returns the highest risk score across paths, 0 when empty.
func maxPathRisk(paths []graph.Path) float64 {
	risk := 0.0
	for _, p := range paths {
		if p.RiskScore > risk {
			risk = p.RiskScore
		}
	}
	return risk
}

// firstN returns at most the first n elements.
func firstN(ss []string, n int) []string {
	if len(ss) <= n {
		return ss
	}
	return ss[:n]
}
