package sim_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
	"github.com/sentinel-platform/sentinel/core/pkg/engram"
	"github.com/sentinel-platform/sentinel/core/pkg/graph"
	"github.com/sentinel-platform/sentinel/core/pkg/llm"
	"github.com/sentinel-platform/sentinel/core/pkg/sim"
	"github.com/sentinel-platform/sentinel/core/pkg/tools"
)

const planJSON = `{
	"description": "Walk the twin for attack preconditions",
	"rationale": "Structural exposure precedes real compromise",
	"confidence": 0.85,
	"steps": ["select techniques", "query the graph", "score findings"]
}`

// stubGraph is a canned graph.Reader: nodes keyed by label, neighbors
// keyed by node id, one shared path and blast response. Filters are
// ignored; it records what was asked.
type stubGraph struct {
	mu        sync.Mutex
	nodes     map[string][]graph.Node
	neighbors map[string][]graph.Node
	edges     []graph.Edge
	paths     *graph.PathResult
	blast     *graph.BlastRadius
	err       error

	nodeQueries []string
	pathCalls   int
}

func (g *stubGraph) QueryNodes(_ context.Context, label, _ string, f graph.NodeFilter) ([]graph.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.nodeQueries = append(g.nodeQueries, label)
	nodes := g.nodes[label]
	if f.Limit > 0 && len(nodes) > f.Limit {
		nodes = nodes[:f.Limit]
	}
	return nodes, nil
}

func (g *stubGraph) QueryNeighbors(_ context.Context, nodeID, _ string, _ graph.NeighborFilter) ([]graph.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return g.neighbors[nodeID], nil
}

func (g *stubGraph) QueryEdges(_ context.Context, _ string, _ graph.EdgeFilter) ([]graph.Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return g.edges, nil
}

func (g *stubGraph) FindAttackPaths(_ context.Context, _ string, _ graph.PathOptions) (*graph.PathResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.pathCalls++
	if g.paths != nil {
		return g.paths, nil
	}
	return &graph.PathResult{}, nil
}

func (g *stubGraph) ComputeBlastRadius(_ context.Context, _, _ string, _ graph.BlastOptions) (*graph.BlastRadius, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	if g.blast != nil {
		return g.blast, nil
	}
	return &graph.BlastRadius{}, nil
}

func (g *stubGraph) pathCallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pathCalls
}

func newSimRuntime(t *testing.T, provider llm.Provider, opts ...agent.Option) *agent.Runtime {
	t.Helper()
	rt, err := agent.New(agent.Config{
		AgentID:   "sim-001",
		AgentType: "simulate",
		TenantID:  "22222222-2222-2222-2222-222222222222",
	}, provider, tools.NewRegistry(), opts...)
	require.NoError(t, err)
	return rt
}

func onlyTechniques(cfg sim.Config, ids ...string) sim.Config {
	cfg.Techniques = ids
	return cfg
}

func TestExploitPublicFacingDetection(t *testing.T) {
	mock := llm.NewMockProvider(planJSON, "Exposed web tier needs patching first.")
	rt := newSimRuntime(t, mock)

	stub := &stubGraph{
		nodes: map[string][]graph.Node{
			"Host": {{"id": "web-01", "label": "Host", "hostname": "web-01", "is_internet_facing": true}},
		},
		neighbors: map[string][]graph.Node{
			"web-01": {{"id": "vuln-1", "label": "Vulnerability", "cve_id": "CVE-2024-1234", "exploitable": true}},
		},
		paths: &graph.PathResult{AttackPaths: []graph.Path{
			{Nodes: []string{"web-01", "db-01"}, RiskScore: 0.8},
		}},
	}
	cfg := sim.DefaultInitialAccessConfig()
	cfg.Config = onlyTechniques(cfg.Config, "T1190")
	s := sim.NewInitialAccess(rt, stub, cfg)

	res, err := rt.Run(context.Background(), s, "simulate initial access", nil)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, res.Status)
	assert.Equal(t, 1, res.ActionsTaken)

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, agent.SeverityCritical, f.Severity)
	assert.Equal(t, "Exploitable public-facing service on web-01", f.Title)
	assert.Equal(t, "T1190", f.Evidence["technique_id"])
	assert.Contains(t, f.Evidence["cve_ids"], "CVE-2024-1234")
	assert.Equal(t, 1, f.Evidence["paths_count"])
	assert.Equal(t, 1, f.Evidence["attack_paths_count"])
	assert.InDelta(t, 6.5, f.Evidence["risk_score"], 1e-9) // 0.8*5 + 1.0*2.5
	assert.Equal(t, "https://attack.mitre.org/techniques/T1190/", f.Evidence["mitre_url"])
	require.NotEmpty(t, f.Recommendations)
	assert.Equal(t, "Patch CVE-2024-1234", f.Recommendations[0])

	last := s.LastResult()
	require.NotNil(t, last)
	assert.Equal(t, 1, last.TechniquesTested)
	assert.Equal(t, 1, last.TechniquesWithFindings)
	assert.InDelta(t, 6.5, last.HighestRiskScore, 1e-9)
	assert.Equal(t, "Exposed web tier needs patching first.", last.Summary)
}

func TestEmptyGraphCompletesWithStaticSummary(t *testing.T) {
	mock := llm.NewMockProvider(planJSON)
	rt := newSimRuntime(t, mock)

	s := sim.NewInitialAccess(rt, &stubGraph{}, sim.DefaultInitialAccessConfig())

	res, err := rt.Run(context.Background(), s, "simulate initial access", nil)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, res.Status)
	assert.Empty(t, res.Findings)
	assert.Equal(t, 5, res.ActionsTaken)

	last := s.LastResult()
	require.NotNil(t, last)
	assert.Equal(t, 5, last.TechniquesTested)
	assert.Zero(t, last.TechniquesWithFindings)
	assert.Zero(t, last.HighestRiskScore)
	assert.Equal(t, "No findings from 5 initial_access technique(s) tested.", last.Summary)
}

func TestTechniqueFilterKeepsCatalogOrder(t *testing.T) {
	store := engram.NewFileStore(t.TempDir())
	mock := llm.NewMockProvider(planJSON)
	rt := newSimRuntime(t, mock, agent.WithStore(store))

	cfg := sim.DefaultInitialAccessConfig()
	// Filter order does not matter; the catalog order does.
	cfg.Config = onlyTechniques(cfg.Config, "T1566", "T1190")
	s := sim.NewInitialAccess(rt, &stubGraph{}, cfg)

	res, err := rt.Run(context.Background(), s, "simulate initial access", nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.EngramID)
	assert.Equal(t, 2, res.ActionsTaken)

	e, err := store.Get(context.Background(), res.EngramID)
	require.NoError(t, err)
	assert.True(t, e.VerifyIntegrity())

	var simulated []string
	for _, a := range e.Actions {
		if strings.HasPrefix(a.ActionType, "simulate_") {
			simulated = append(simulated, a.ActionType)
			assert.True(t, a.Success)
		}
	}
	assert.Equal(t, []string{"simulate_T1190", "simulate_T1566"}, simulated)
}

func TestPhishingRollupSeverityScalesWithUsers(t *testing.T) {
	mock := llm.NewMockProvider(planJSON, "Phishing exposure is broad.")
	rt := newSimRuntime(t, mock)

	nodes := map[string][]graph.Node{"User": {}}
	neighbors := map[string][]graph.Node{}
	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		nodes["User"] = append(nodes["User"], graph.Node{
			"id": id, "label": "User", "user_type": "human", "username": id, "mfa_enabled": false,
		})
		neighbors[id] = []graph.Node{{"id": "crown-" + id, "label": "Host", "criticality": "critical"}}
	}
	stub := &stubGraph{nodes: nodes, neighbors: neighbors}

	cfg := sim.DefaultInitialAccessConfig()
	cfg.Config = onlyTechniques(cfg.Config, "T1566")
	s := sim.NewInitialAccess(rt, stub, cfg)

	res, err := rt.Run(context.Background(), s, "simulate phishing exposure", nil)
	require.NoError(t, err)

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, agent.SeverityHigh, f.Severity) // four users is past the rollup threshold
	assert.Equal(t, "4 phishing-vulnerable user(s) with critical access", f.Title)
	assert.Equal(t, 4, f.Evidence["total_no_mfa"])
	assert.ElementsMatch(t, []string{"u1", "u2", "u3", "u4"}, f.Evidence["affected_nodes"])
}

func TestRDPLateralChains(t *testing.T) {
	mock := llm.NewMockProvider(planJSON, "RDP pivoting is possible.")
	rt := newSimRuntime(t, mock)

	stub := &stubGraph{
		nodes: map[string][]graph.Node{
			"Service": {{"id": "svc-rdp", "label": "Service", "port": 3389, "host_id": "h1"}},
		},
		paths: &graph.PathResult{LateralChains: []graph.Path{
			{Nodes: []string{"h1", "h2"}, Techniques: []string{"rdp-hop", "rdp-hop"}, RiskScore: 0.7},
			{Nodes: []string{"h3", "h4"}, Techniques: []string{"ssh-pivot"}, RiskScore: 0.9},
		}},
	}
	cfg := sim.DefaultLateralMovementConfig()
	cfg.Config = onlyTechniques(cfg.Config, "T1021.001")
	s := sim.NewLateralMovement(rt, stub, cfg)

	res, err := rt.Run(context.Background(), s, "simulate lateral movement", nil)
	require.NoError(t, err)

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, agent.SeverityHigh, f.Severity)
	assert.Equal(t, "1 RDP lateral chain(s) found", f.Title)
	assert.Equal(t, 1, f.Evidence["chain_count"])
	assert.Equal(t, 1, f.Evidence["rdp_host_count"])
	assert.Equal(t, []string{"h1"}, f.Evidence["affected_nodes"])
	assert.InDelta(t, 5.5, f.Evidence["risk_score"], 1e-9) // 0.7*5 + 0.8*2.5
}

func TestPassTheHashAttachesBlastRadius(t *testing.T) {
	mock := llm.NewMockProvider(planJSON, "Credential reuse is rampant.")
	rt := newSimRuntime(t, mock)

	stub := &stubGraph{
		nodes: map[string][]graph.Node{
			"User": {{"id": "admin-1", "label": "User", "username": "admin-user"}},
		},
		neighbors: map[string][]graph.Node{
			"admin-1": {
				{"id": "h1", "label": "Host", "permissions": []string{"local-admin"}},
				{"id": "h2", "label": "Host", "permissions": []string{"local-admin"}},
				{"id": "h3", "label": "Host", "permissions": []string{"domain-admin"}},
			},
		},
		blast: &graph.BlastRadius{BlastScore: 0.8, AffectedNodes: []string{"h1", "h2", "h3"}},
	}
	cfg := sim.DefaultLateralMovementConfig()
	cfg.Config = onlyTechniques(cfg.Config, "T1550.002")
	s := sim.NewLateralMovement(rt, stub, cfg)

	res, err := rt.Run(context.Background(), s, "simulate pass the hash", nil)
	require.NoError(t, err)

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, agent.SeverityCritical, f.Severity)
	assert.Equal(t, "Pass-the-hash risk: admin-user admin on 3 hosts", f.Title)
	assert.Equal(t, 0.8, f.Evidence["blast_score"])
	assert.InDelta(t, 8.0, f.Evidence["risk_score"], 1e-9) // 0.7*5 + 1.0*2.5 + 0.8*2.5

	last := s.LastResult()
	require.NotNil(t, last)
	require.Len(t, last.Findings, 1)
	require.NotNil(t, last.Findings[0].BlastRadius)
	assert.Equal(t, 0.8, last.Findings[0].BlastRadius.BlastScore)
	assert.Equal(t, []string{"admin-1", "h1", "h2", "h3"}, last.Findings[0].AffectedNodes)
}

func TestDomainTrustTransitiveHops(t *testing.T) {
	mock := llm.NewMockProvider(planJSON, "Trust chains cross domains.")
	rt := newSimRuntime(t, mock)

	stub := &stubGraph{
		edges: []graph.Edge{
			{SourceID: "d1", TargetID: "d2", Type: "TRUSTS"},
			{SourceID: "d2", TargetID: "d3", Type: "TRUSTS"},
			{SourceID: "d3", TargetID: "d4", Type: "TRUSTS"},
		},
	}
	cfg := sim.DefaultLateralMovementConfig()
	cfg.Config = onlyTechniques(cfg.Config, "T1482")
	s := sim.NewLateralMovement(rt, stub, cfg)

	res, err := rt.Run(context.Background(), s, "simulate trust discovery", nil)
	require.NoError(t, err)

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, "Transitive trust chains: 2 hop(s) detected", f.Title)
	assert.Equal(t, 3, f.Evidence["trust_count"])
	assert.Equal(t, 2, f.Evidence["transitive_hops"])
	assert.Equal(t, []string{"d1", "d2", "d3", "d4"}, f.Evidence["affected_nodes"])
}

func TestDefaultAccountsTreatMissingEnabledAsEnabled(t *testing.T) {
	mock := llm.NewMockProvider(planJSON, "Default accounts remain live.")
	rt := newSimRuntime(t, mock)

	stub := &stubGraph{
		nodes: map[string][]graph.Node{
			"User": {
				{"id": "u-root", "label": "User", "username": "root"},
				{"id": "u-sa", "label": "User", "username": "sa", "enabled": false},
				{"id": "u-alice", "label": "User", "username": "alice"},
			},
		},
		neighbors: map[string][]graph.Node{
			"u-root": {{"id": "res-1", "label": "Host"}},
			"u-sa":   {{"id": "res-2", "label": "Host"}},
		},
	}
	cfg := sim.DefaultPrivilegeEscalationConfig()
	cfg.Config = onlyTechniques(cfg.Config, "T1078.001")
	s := sim.NewPrivilegeEscalation(rt, stub, cfg)

	res, err := rt.Run(context.Background(), s, "simulate default accounts", nil)
	require.NoError(t, err)

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, "Active default account: root", f.Title)
	assert.Equal(t, agent.SeverityHigh, f.Severity)
	assert.Equal(t, 1, f.Evidence["access_count"])
	require.NotEmpty(t, f.Recommendations)
	assert.Equal(t, "Disable default account", f.Recommendations[0])
}

func TestWildcardRolesRollUp(t *testing.T) {
	mock := llm.NewMockProvider(planJSON, "Wildcard roles found.")
	rt := newSimRuntime(t, mock)

	stub := &stubGraph{
		edges: []graph.Edge{
			{SourceID: "u1", TargetID: "role-admin", Type: "MEMBER_OF"},
			{SourceID: "u2", TargetID: "role-admin", Type: "MEMBER_OF"},
		},
		neighbors: map[string][]graph.Node{
			"role-admin": {
				{"id": "u1", "label": "User"},
				{"id": "role-admin", "label": "Role", "permissions": []string{"*"}},
			},
		},
	}
	cfg := sim.DefaultPrivilegeEscalationConfig()
	cfg.Config = onlyTechniques(cfg.Config, "T1548")
	s := sim.NewPrivilegeEscalation(rt, stub, cfg)

	res, err := rt.Run(context.Background(), s, "simulate elevation control abuse", nil)
	require.NoError(t, err)

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, "1 role(s) with wildcard permissions", f.Title)
	assert.Equal(t, 1, f.Evidence["role_count"])
	assert.Equal(t, []string{"role-admin"}, f.Evidence["affected_nodes"])
}

func TestIdentityManagementRolesFlaggedPerRole(t *testing.T) {
	mock := llm.NewMockProvider(planJSON, "Broad IAM role present.")
	rt := newSimRuntime(t, mock)

	perms := []string{
		"iam:create", "identity:write", "user:admin", "role:assign",
		"s3:read", "s3:write", "ec2:start", "ec2:stop", "kms:use", "sqs:send", "sns:publish",
	}
	stub := &stubGraph{
		edges: []graph.Edge{
			{SourceID: "u1", TargetID: "role-iam", Type: "MEMBER_OF"},
			{SourceID: "u2", TargetID: "role-iam", Type: "MEMBER_OF"},
		},
		neighbors: map[string][]graph.Node{
			"role-iam": {{"id": "role-iam", "label": "Role", "permissions": perms}},
		},
	}
	cfg := sim.DefaultPrivilegeEscalationConfig()
	cfg.Config = onlyTechniques(cfg.Config, "T1098")
	s := sim.NewPrivilegeEscalation(rt, stub, cfg)

	res, err := rt.Run(context.Background(), s, "simulate account manipulation", nil)
	require.NoError(t, err)

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, "Self-elevation risk via role role-iam", f.Title)
	assert.Equal(t, 11, f.Evidence["permission_count"])
	assert.Equal(t, 2, f.Evidence["user_count"])
	assert.Equal(t, []string{"role-iam", "u1", "u2"}, f.Evidence["affected_nodes"])
}

func TestEgressPathsFromCrownJewels(t *testing.T) {
	mock := llm.NewMockProvider(planJSON, "Critical assets can reach the internet.")
	rt := newSimRuntime(t, mock)

	stub := &stubGraph{
		nodes: map[string][]graph.Node{
			"Host": {
				{"id": "crown-1", "label": "Host", "criticality": "critical"},
				{"id": "exit-1", "label": "Host", "criticality": "low", "is_internet_facing": true},
			},
		},
		paths: &graph.PathResult{AttackPaths: []graph.Path{
			{Nodes: []string{"crown-1", "exit-1"}, RiskScore: 0.9},
		}},
	}
	cfg := sim.DefaultExfiltrationConfig()
	cfg.Config = onlyTechniques(cfg.Config, "T1041")
	s := sim.NewExfiltration(rt, stub, cfg)

	res, err := rt.Run(context.Background(), s, "simulate exfiltration", nil)
	require.NoError(t, err)

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, agent.SeverityCritical, f.Severity)
	assert.Equal(t, "1 egress path(s) from critical assets", f.Title)
	assert.Equal(t, 1, f.Evidence["paths_count"])
	assert.Equal(t, 1, f.Evidence["crown_jewel_count"])
	assert.Equal(t, 1, f.Evidence["exit_count"])
	assert.InDelta(t, 7.0, f.Evidence["risk_score"], 1e-9) // 0.9*5 + 1.0*2.5
}

func TestDNSExfiltrationRequiresDNSServices(t *testing.T) {
	mock := llm.NewMockProvider(planJSON, "DNS tunneling preconditions exist.")
	rt := newSimRuntime(t, mock)

	stub := &stubGraph{
		nodes: map[string][]graph.Node{
			"Host":    {{"id": "sensitive-1", "label": "Host", "criticality": "critical"}},
			"Service": {{"id": "dns-svc", "label": "Service", "port": 53}},
		},
		neighbors: map[string][]graph.Node{
			"sensitive-1": {{"id": "dns-svc", "label": "Service", "port": 53}},
		},
	}
	cfg := sim.DefaultExfiltrationConfig()
	cfg.Config = onlyTechniques(cfg.Config, "T1048")
	s := sim.NewExfiltration(rt, stub, cfg)

	res, err := rt.Run(context.Background(), s, "simulate DNS exfiltration", nil)
	require.NoError(t, err)

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, "DNS exfiltration path from 1 sensitive host(s)", f.Title)
	assert.Equal(t, agent.SeverityHigh, f.Severity)
	assert.Equal(t, []string{"sensitive-1"}, f.Evidence["affected_nodes"])

	// Same topology minus the DNS service yields nothing.
	rt2 := newSimRuntime(t, llm.NewMockProvider(planJSON))
	stub2 := &stubGraph{
		nodes: map[string][]graph.Node{
			"Host":    {{"id": "sensitive-1", "label": "Host", "criticality": "critical"}},
			"Service": {{"id": "web-svc", "label": "Service", "port": 443}},
		},
	}
	s2 := sim.NewExfiltration(rt2, stub2, cfg)
	res2, err := rt2.Run(context.Background(), s2, "simulate DNS exfiltration", nil)
	require.NoError(t, err)
	assert.Empty(t, res2.Findings)
}

func TestCloudStorageAccessors(t *testing.T) {
	mock := llm.NewMockProvider(planJSON, "Storage is broadly accessible.")
	rt := newSimRuntime(t, mock)

	stub := &stubGraph{
		nodes: map[string][]graph.Node{
			"Application": {{"id": "app-s3", "label": "Application", "app_type": "database"}},
		},
		neighbors: map[string][]graph.Node{
			"app-s3": {
				{"id": "svc-1", "label": "User"},
				{"id": "svc-2", "label": "User"},
			},
		},
	}
	cfg := sim.DefaultExfiltrationConfig()
	cfg.Config = onlyTechniques(cfg.Config, "T1537")
	s := sim.NewExfiltration(rt, stub, cfg)

	res, err := rt.Run(context.Background(), s, "simulate cloud transfer", nil)
	require.NoError(t, err)

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, "2 entity(ies) can access cloud storage", f.Title)
	assert.Equal(t, 2, f.Evidence["accessor_count"])
	assert.Equal(t, 1, f.Evidence["storage_app_count"])
	assert.Equal(t, []string{"app-s3"}, f.Evidence["affected_nodes"])
}

func TestSchedulerEgressDetection(t *testing.T) {
	mock := llm.NewMockProvider(planJSON, "Cron hosts reach the internet.")
	rt := newSimRuntime(t, mock)

	stub := &stubGraph{
		nodes: map[string][]graph.Node{
			"Service": {
				{"id": "svc-cron", "label": "Service", "name": "cron-runner", "host_id": "batch-01"},
				{"id": "svc-web", "label": "Service", "name": "nginx", "host_id": "web-01"},
			},
		},
		neighbors: map[string][]graph.Node{
			"batch-01": {{"id": "ext-1", "label": "Host", "is_internet_facing": true}},
			"web-01":   {{"id": "int-1", "label": "Host"}},
		},
	}
	cfg := sim.DefaultExfiltrationConfig()
	cfg.Config = onlyTechniques(cfg.Config, "T1029")
	s := sim.NewExfiltration(rt, stub, cfg)

	res, err := rt.Run(context.Background(), s, "simulate scheduled transfer", nil)
	require.NoError(t, err)

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, agent.SeverityMedium, f.Severity)
	assert.Equal(t, "1 scheduler(s) with external reach", f.Title)
	assert.Equal(t, []string{"batch-01"}, f.Evidence["affected_nodes"])
	schedulers, ok := f.Evidence["schedulers"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, schedulers, 1)
	assert.Equal(t, "cron-runner", schedulers[0]["service"])
	assert.Equal(t, 1, schedulers[0]["external_count"])
}

func TestRiskScoreClampsAtTen(t *testing.T) {
	mock := llm.NewMockProvider(planJSON, "Off-scale path risk.")
	rt := newSimRuntime(t, mock)

	stub := &stubGraph{
		nodes: map[string][]graph.Node{
			"Host": {{"id": "web-01", "label": "Host", "is_internet_facing": true}},
		},
		neighbors: map[string][]graph.Node{
			"web-01": {{"id": "vuln-1", "label": "Vulnerability", "cve_id": "CVE-2025-0001", "exploitable": true}},
		},
		// A malformed upstream score beyond [0, 1] must not push the
		// finding past the 0-10 scale.
		paths: &graph.PathResult{AttackPaths: []graph.Path{{RiskScore: 2.0}}},
	}
	cfg := sim.DefaultInitialAccessConfig()
	cfg.Config = onlyTechniques(cfg.Config, "T1190")
	s := sim.NewInitialAccess(rt, stub, cfg)

	res, err := rt.Run(context.Background(), s, "simulate initial access", nil)
	require.NoError(t, err)

	require.Len(t, res.Findings, 1)
	assert.Equal(t, 10.0, res.Findings[0].Evidence["risk_score"])

	last := s.LastResult()
	require.NotNil(t, last)
	assert.Equal(t, 10.0, last.HighestRiskScore)
}

func TestCancellationSkipsTechniques(t *testing.T) {
	mock := llm.NewMockProvider(planJSON)
	rt := newSimRuntime(t, mock)

	stub := &stubGraph{
		nodes: map[string][]graph.Node{
			"Host": {{"id": "web-01", "label": "Host", "is_internet_facing": true}},
		},
	}
	s := sim.NewInitialAccess(rt, stub, sim.DefaultInitialAccessConfig())
	rt.RequestCancel()

	res, err := rt.Run(context.Background(), s, "cancelled simulation", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
	assert.Zero(t, stub.pathCallCount())

	last := s.LastResult()
	require.NotNil(t, last)
	assert.Zero(t, last.TechniquesWithFindings)
}

func TestGraphErrorFailsRun(t *testing.T) {
	mock := llm.NewMockProvider(planJSON)
	rt := newSimRuntime(t, mock)

	stub := &stubGraph{err: errors.New("twin unavailable")}
	s := sim.NewInitialAccess(rt, stub, sim.DefaultInitialAccessConfig())

	res, err := rt.Run(context.Background(), s, "simulate initial access", nil)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "twin unavailable")
	assert.Contains(t, res.Error, "query host nodes")
	assert.Nil(t, s.LastResult())
}

func TestTechniqueCatalog(t *testing.T) {
	for _, tactic := range []sim.Tactic{
		sim.TacticInitialAccess,
		sim.TacticLateralMovement,
		sim.TacticPrivilegeEscalation,
		sim.TacticExfiltration,
	} {
		techniques := sim.TechniquesForTactic(tactic)
		assert.Len(t, techniques, 5, "tactic %s", tactic)
		for _, tech := range techniques {
			assert.Equal(t, tactic, tech.Tactic)
			assert.NotEmpty(t, tech.GraphQuery.Description, "technique %s", tech.ID)
			assert.True(t, strings.HasPrefix(tech.MitreURL, "https://attack.mitre.org/techniques/"), "technique %s", tech.ID)
		}
	}

	tech, ok := sim.TechniqueByID("T1550.002")
	require.True(t, ok)
	assert.Equal(t, "Pass the Hash", tech.Name)
	assert.Equal(t, sim.TacticLateralMovement, tech.Tactic)
	assert.Equal(t, "critical", tech.SeverityDefault)
	assert.Equal(t, "https://attack.mitre.org/techniques/T1550/002/", tech.MitreURL)

	_, ok = sim.TechniqueByID("T9999")
	assert.False(t, ok)
}
