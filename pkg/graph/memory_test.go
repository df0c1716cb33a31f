package graph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-platform/sentinel/core/pkg/graph"
)

const tenant = "tenant-a"

func seedEnvironment(t *testing.T) *graph.Memory {
	t.Helper()
	g := graph.NewMemory()

	g.AddNode(tenant, "Host", graph.Node{
		"id": "web-1", "hostname": "web-1", "is_internet_facing": true,
	})
	g.AddNode(tenant, "Host", graph.Node{
		"id": "app-1", "hostname": "app-1",
	})
	g.AddNode(tenant, "Host", graph.Node{
		"id": "db-1", "hostname": "db-1", "criticality": "critical",
	})
	g.AddNode(tenant, "User", graph.Node{
		"id": "svc-deploy", "username": "svc-deploy", "is_service_account": true,
	})

	g.AddEdge(tenant, graph.Edge{
		SourceID: "web-1", TargetID: "app-1", Type: "CONNECTS_TO",
		Properties: map[string]any{"exploitability": 0.8, "technique": "rdp"},
	})
	g.AddEdge(tenant, graph.Edge{
		SourceID: "app-1", TargetID: "db-1", Type: "CONNECTS_TO",
		Properties: map[string]any{"exploitability": 0.9, "technique": "ssh"},
	})
	g.AddEdge(tenant, graph.Edge{
		SourceID: "svc-deploy", TargetID: "app-1", Type: "HAS_ACCESS",
	})
	return g
}

func TestMemoryQueryNodes(t *testing.T) {
	g := seedEnvironment(t)
	ctx := context.Background()

	hosts, err := g.QueryNodes(ctx, "Host", tenant, graph.NodeFilter{})
	require.NoError(t, err)
	assert.Len(t, hosts, 3)

	exposed, err := g.QueryNodes(ctx, "Host", tenant, graph.NodeFilter{
		Filters: map[string]any{"is_internet_facing": true},
	})
	require.NoError(t, err)
	require.Len(t, exposed, 1)
	assert.Equal(t, "web-1", exposed[0].ID())
	assert.Equal(t, "Host", exposed[0].Label())

	none, err := g.QueryNodes(ctx, "Host", "other-tenant", graph.NodeFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryQueryNodesLimit(t *testing.T) {
	g := graph.NewMemory()
	for i := 0; i < 5; i++ {
		g.AddNode(tenant, "Host", graph.Node{})
	}

	nodes, err := g.QueryNodes(context.Background(), "Host", tenant, graph.NodeFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestMemoryGeneratesNodeIDs(t *testing.T) {
	g := graph.NewMemory()
	id := g.AddNode(tenant, "Host", graph.Node{"hostname": "anon"})
	require.NotEmpty(t, id)

	nodes, err := g.QueryNodes(context.Background(), "Host", tenant, graph.NodeFilter{})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, id, nodes[0].ID())
}

func TestMemoryQueryNeighborsBothDirections(t *testing.T) {
	g := seedEnvironment(t)
	ctx := context.Background()

	neighbors, err := g.QueryNeighbors(ctx, "app-1", tenant, graph.NeighborFilter{})
	require.NoError(t, err)

	ids := make([]string, 0, len(neighbors))
	for _, n := range neighbors {
		ids = append(ids, n.ID())
	}
	assert.ElementsMatch(t, []string{"web-1", "db-1", "svc-deploy"}, ids)
}

func TestMemoryQueryNeighborsFilters(t *testing.T) {
	g := seedEnvironment(t)
	ctx := context.Background()

	byType, err := g.QueryNeighbors(ctx, "app-1", tenant, graph.NeighborFilter{
		EdgeTypes: []string{"HAS_ACCESS"},
	})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "svc-deploy", byType[0].ID())

	byLabel, err := g.QueryNeighbors(ctx, "app-1", tenant, graph.NeighborFilter{
		TargetLabels: []string{"User"},
	})
	require.NoError(t, err)
	require.Len(t, byLabel, 1)
	assert.Equal(t, "User", byLabel[0].Label())
}

func TestMemoryQueryEdges(t *testing.T) {
	g := seedEnvironment(t)

	edges, err := g.QueryEdges(context.Background(), tenant, graph.EdgeFilter{EdgeType: "CONNECTS_TO"})
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.Equal(t, "Host", e.SourceLabel)
		assert.Equal(t, "Host", e.TargetLabel)
	}

	fromUsers, err := g.QueryEdges(context.Background(), tenant, graph.EdgeFilter{SourceLabel: "User"})
	require.NoError(t, err)
	require.Len(t, fromUsers, 1)
	assert.Equal(t, "svc-deploy", fromUsers[0].SourceID)
}

func TestMemoryFindAttackPathsDefaults(t *testing.T) {
	g := seedEnvironment(t)

	res, err := g.FindAttackPaths(context.Background(), tenant, graph.PathOptions{})
	require.NoError(t, err)
	require.Len(t, res.AttackPaths, 1)

	path := res.AttackPaths[0]
	assert.Equal(t, []string{"web-1", "app-1", "db-1"}, path.Nodes)
	assert.InDelta(t, 0.72, path.RiskScore, 1e-9)
	assert.Empty(t, res.LateralChains)
}

func TestMemoryFindAttackPathsExplicitEndpoints(t *testing.T) {
	g := seedEnvironment(t)

	res, err := g.FindAttackPaths(context.Background(), tenant, graph.PathOptions{
		Sources: []string{"app-1"},
		Targets: []string{"db-1"},
	})
	require.NoError(t, err)
	require.Len(t, res.AttackPaths, 1)
	assert.Equal(t, []string{"app-1", "db-1"}, res.AttackPaths[0].Nodes)
	assert.InDelta(t, 0.9, res.AttackPaths[0].RiskScore, 1e-9)
}

func TestMemoryFindAttackPathsRespectsDepth(t *testing.T) {
	g := seedEnvironment(t)

	res, err := g.FindAttackPaths(context.Background(), tenant, graph.PathOptions{MaxDepth: 1})
	require.NoError(t, err)
	assert.Empty(t, res.AttackPaths, "web-1 to db-1 needs two hops")
}

func TestMemoryLateralChains(t *testing.T) {
	g := seedEnvironment(t)

	res, err := g.FindAttackPaths(context.Background(), tenant, graph.PathOptions{IncludeLateral: true})
	require.NoError(t, err)
	require.Len(t, res.LateralChains, 1)

	chain := res.LateralChains[0]
	assert.Equal(t, []string{"web-1", "app-1", "db-1"}, chain.Nodes)
	assert.Equal(t, []string{"rdp", "ssh"}, chain.Techniques)
	assert.InDelta(t, 0.9, chain.RiskScore, 1e-9)
}

func TestMemoryComputeBlastRadius(t *testing.T) {
	g := seedEnvironment(t)

	br, err := g.ComputeBlastRadius(context.Background(), tenant, "web-1", graph.BlastOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app-1", "db-1"}, br.AffectedNodes)
	assert.InDelta(t, 0.2, br.BlastScore, 1e-9)
}

func TestMemoryBlastRadiusExploitabilityFloor(t *testing.T) {
	g := graph.NewMemory()
	g.AddNode(tenant, "Host", graph.Node{"id": "a"})
	g.AddNode(tenant, "Host", graph.Node{"id": "b"})
	g.AddNode(tenant, "Host", graph.Node{"id": "c"})
	g.AddEdge(tenant, graph.Edge{
		SourceID: "a", TargetID: "b", Type: "CONNECTS_TO",
		Properties: map[string]any{"exploitability": 0.1},
	})
	g.AddEdge(tenant, graph.Edge{
		SourceID: "a", TargetID: "c", Type: "CONNECTS_TO",
		Properties: map[string]any{"exploitability": 0.7},
	})

	br, err := g.ComputeBlastRadius(context.Background(), tenant, "a", graph.BlastOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, br.AffectedNodes)
}

func TestMemoryBlastRadiusMaxHops(t *testing.T) {
	g := graph.NewMemory()
	prev := ""
	for _, id := range []string{"n0", "n1", "n2", "n3", "n4"} {
		g.AddNode(tenant, "Host", graph.Node{"id": id})
		if prev != "" {
			g.AddEdge(tenant, graph.Edge{SourceID: prev, TargetID: id, Type: "CONNECTS_TO"})
		}
		prev = id
	}

	br, err := g.ComputeBlastRadius(context.Background(), tenant, "n0", graph.BlastOptions{MaxHops: 2})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"n1", "n2"}, br.AffectedNodes)
}

func TestNodePropertyHelpers(t *testing.T) {
	n := graph.Node{
		"id":       "h-1",
		"label":    "Host",
		"open":     true,
		"score":    7.5,
		"count":    3,
		"services": []string{"ssh", "http"},
	}

	assert.Equal(t, "h-1", n.ID())
	assert.Equal(t, "Host", n.Label())
	assert.True(t, n.Bool("open"))
	assert.Equal(t, 7.5, n.Float("score"))
	assert.Equal(t, 3, n.Int("count"))
	assert.Equal(t, []string{"ssh", "http"}, n.Strings("services"))
	assert.Equal(t, "", n.Str("missing"))
	assert.False(t, n.Bool("missing"))
}
