// Package audit evaluates CIS benchmark rules against resources in the
// digital-twin graph and tracks configuration drift between runs.
//
// Each rule pairs static benchmark metadata with a CEL condition deciding
// whether a resource violates the rule; violating resources expand into
// concrete findings, one per offending ingress range or policy statement.
// The auditor reads the graph and returns findings; persisting them is the
// caller's concern, like every other agent in the platform.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
	"github.com/sentinel-platform/sentinel/core/pkg/engram"
	"github.com/sentinel-platform/sentinel/core/pkg/graph"
)

// auditableLabels are the graph labels carrying auditable configuration.
var auditableLabels = []string{"Policy", "User", "Host", "Service", "Application"}

// Result summarizes one audit run.
type Result struct {
	ResourcesScanned int             `json:"resources_scanned"`
	RulesEvaluated   int             `json:"rules_evaluated"`
	FindingsCreated  int             `json:"findings_created"`
	CriticalCount    int             `json:"critical_count"`
	HighCount        int             `json:"high_count"`
	MediumCount      int             `json:"medium_count"`
	LowCount         int             `json:"low_count"`
	InfoCount        int             `json:"info_count"`
	ConfigDrifts     int             `json:"config_drifts"`
	Errors           []string        `json:"errors"`
	Findings         []agent.Finding `json:"findings,omitempty"`
	EngramID         string          `json:"engram_id,omitempty"`
}

func (r *Result) tally(severity string) {
	switch severity {
	case agent.SeverityCritical:
		r.CriticalCount++
	case agent.SeverityHigh:
		r.HighCount++
	case agent.SeverityMedium:
		r.MediumCount++
	case agent.SeverityLow:
		r.LowCount++
	case agent.SeverityInfo:
		r.InfoCount++
	}
}

// Auditor runs the rule catalog against a tenant's graph resources. Every
// run is recorded as an engram session under the config-auditor agent id.
type Auditor struct {
	graph     graph.Reader
	evaluator *Evaluator
	snapshots SnapshotStore
	store     engram.Store
	log       *slog.Logger
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithSnapshots sets the drift snapshot store. Defaults to an in-memory
// store.
func WithSnapshots(s SnapshotStore) Option {
	return func(a *Auditor) { a.snapshots = s }
}

// WithStore sets the engram store audit sessions are persisted to.
func WithStore(s engram.Store) Option {
	return func(a *Auditor) { a.store = s }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Auditor) { a.log = l }
}

// New builds an Auditor over a graph reader.
func New(g graph.Reader, opts ...Option) (*Auditor, error) {
	ev, err := NewEvaluator()
	if err != nil {
		return nil, err
	}
	a := &Auditor{graph: g, evaluator: ev}
	for _, opt := range opts {
		opt(a)
	}
	if a.snapshots == nil {
		a.snapshots = NewMemorySnapshots()
	}
	if a.log == nil {
		a.log = slog.Default().With("component", "config-auditor")
	}
	return a, nil
}

// AuditTenant runs the catalog against every auditable resource of a
// tenant. A non-empty cloud narrows the catalog to that provider's rules.
func (a *Auditor) AuditTenant(ctx context.Context, tenantID string, cloud CloudTarget) (*Result, error) {
	return a.audit(ctx, tenantID, "", cloud)
}

// AuditAsset runs the catalog against a single resource.
func (a *Auditor) AuditAsset(ctx context.Context, tenantID, assetID string) (*Result, error) {
	return a.audit(ctx, tenantID, assetID, "")
}

// audit drives one run. Domain failures land in the result's error list
// and the session's audit_failed action; the returned error is reserved
// for engram finalization and persistence, mirroring the agent runtime's
// contract.
func (a *Auditor) audit(ctx context.Context, tenantID, assetID string, cloud CloudTarget) (*Result, error) {
	session := engram.NewSession(tenantID, "config-auditor", "Audit configuration against CIS benchmarks")
	res := &Result{Errors: []string{}}

	a.run(ctx, session, tenantID, assetID, cloud, res)

	e, err := session.Finalize()
	if err != nil {
		return res, fmt.Errorf("audit: finalize session: %w", err)
	}
	res.EngramID = e.ID
	if a.store != nil {
		if err := a.store.Save(ctx, e); err != nil {
			return res, fmt.Errorf("audit: persist engram %s: %w", e.ID, err)
		}
	}
	return res, nil
}

func (a *Auditor) run(ctx context.Context, session *engram.Session, tenantID, assetID string, cloud CloudTarget, res *Result) {
	resources, err := a.fetchResources(ctx, tenantID, assetID)
	if err != nil {
		a.fail(session, res, err)
		return
	}
	res.ResourcesScanned = len(resources)
	_ = session.SetContext(map[string]any{
		"tenant_id":      tenantID,
		"resource_count": len(resources),
		"asset_id":       assetID,
	})

	if len(resources) == 0 {
		_ = session.AddAction("no_resources", "No auditable resources found", nil, true)
		return
	}

	rules := Rules(cloud, "")
	res.RulesEvaluated = len(rules)
	_ = session.AddDecision("evaluate_rules",
		fmt.Sprintf("Evaluating %d CIS rules against %d resources", len(rules), len(resources)), 0.95)

	var violations []Violation
	for _, resource := range resources {
		for _, rule := range rules {
			if !rule.AppliesTo(resource.Label()) {
				continue
			}
			found, err := a.evaluator.Evaluate(rule, resource)
			if err != nil {
				msg := fmt.Sprintf("Rule %s on %s: %v", rule.ID, resource.ID(), err)
				res.Errors = append(res.Errors, msg)
				a.log.Warn("rule evaluation failed",
					"rule_id", rule.ID, "resource_id", resource.ID(), "error", err)
				continue
			}
			violations = append(violations, found...)
		}
	}

	drifts, err := a.checkDrift(ctx, session, tenantID, resources)
	if err != nil {
		a.fail(session, res, err)
		return
	}
	res.ConfigDrifts = drifts

	for _, v := range violations {
		res.Findings = append(res.Findings, findingFromViolation(v))
		res.FindingsCreated++
		res.tally(v.Severity)
	}

	if err := a.saveSnapshots(ctx, tenantID, resources); err != nil {
		a.fail(session, res, err)
		return
	}

	// Details hold a copy so the engram id stamped afterwards stays out
	// of the hashed trail.
	_ = session.AddAction("audit_complete",
		fmt.Sprintf("Found %d findings across %d resources", res.FindingsCreated, res.ResourcesScanned),
		*res, len(res.Errors) == 0)
}

func (a *Auditor) fail(session *engram.Session, res *Result, err error) {
	res.Errors = append(res.Errors, err.Error())
	_ = session.AddAction("audit_failed", err.Error(), nil, false)
	a.log.Error("audit failed", "error", err)
}

// fetchResources collects the auditable nodes, every label for tenant
// audits or a single id across labels for asset audits.
func (a *Auditor) fetchResources(ctx context.Context, tenantID, assetID string) ([]graph.Node, error) {
	var out []graph.Node
	for _, label := range auditableLabels {
		f := graph.NodeFilter{Limit: 500}
		if assetID != "" {
			f.Filters = map[string]any{"id": assetID}
		}
		nodes, err := a.graph.QueryNodes(ctx, label, tenantID, f)
		if err != nil {
			return nil, fmt.Errorf("query %s nodes: %w", strings.ToLower(label), err)
		}
		out = append(out, nodes...)
	}
	return out, nil
}

// checkDrift compares each resource's current config hash against the
// stored snapshot. Resources without a prior snapshot do not count.
func (a *Auditor) checkDrift(ctx context.Context, session *engram.Session, tenantID string, resources []graph.Node) (int, error) {
	drifts := 0
	for _, resource := range resources {
		id := resource.ID()
		if id == "" {
			continue
		}
		current, err := ConfigHash(resource)
		if err != nil {
			return 0, fmt.Errorf("hash resource %s: %w", id, err)
		}
		stored, ok, err := a.snapshots.Hash(ctx, tenantID, id)
		if err != nil {
			return 0, fmt.Errorf("read snapshot %s: %w", id, err)
		}
		if ok && stored != current {
			drifts++
			_ = session.AddAction("config_drift",
				fmt.Sprintf("Config drift detected on %s %s", resource.Label(), id),
				map[string]any{"resource_id": id, "old_hash": stored, "new_hash": current},
				true)
		}
	}
	return drifts, nil
}

func (a *Auditor) saveSnapshots(ctx context.Context, tenantID string, resources []graph.Node) error {
	now := time.Now().UTC()
	for _, resource := range resources {
		id := resource.ID()
		if id == "" {
			continue
		}
		hash, err := ConfigHash(resource)
		if err != nil {
			return fmt.Errorf("hash resource %s: %w", id, err)
		}
		snap := Snapshot{
			TenantID:     tenantID,
			ResourceID:   id,
			ResourceType: resource.Label(),
			ConfigHash:   hash,
			CapturedAt:   now,
		}
		if err := a.snapshots.Save(ctx, snap); err != nil {
			return fmt.Errorf("save snapshot %s: %w", id, err)
		}
	}
	return nil
}

// findingFromViolation lifts a rule violation into the platform finding
// shape, so audit results persist through the same stores as agent runs.
func findingFromViolation(v Violation) agent.Finding {
	f := agent.NewFinding(v.Severity, v.Title, v.Description)
	f.Evidence = map[string]any{
		"rule_id":       v.RuleID,
		"resource_id":   v.ResourceID,
		"resource_type": v.ResourceType,
	}
	for k, val := range v.Details {
		f.Evidence[k] = val
	}
	if v.Remediation != "" {
		f.Recommendations = []string{v.Remediation}
	}
	return f
}
