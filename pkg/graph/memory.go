package graph

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const defaultExploitability = 0.5

// Memory is an in-process Reader over a hand-seeded graph. It backs tests
// and demo runs; production deployments wrap the platform graph service
// instead. Pathfinding is deliberately simple: path risk is the product of
// edge exploitability, lateral chains follow edges carrying a "technique"
// property, and blast score saturates at ten reachable nodes.
type Memory struct {
	mu    sync.RWMutex
	nodes map[string]map[string]Node // tenant -> id -> node
	edges map[string][]Edge          // tenant -> edges
}

// NewMemory creates an empty in-memory graph.
func NewMemory() *Memory {
	return &Memory{
		nodes: make(map[string]map[string]Node),
		edges: make(map[string][]Edge),
	}
}

// AddNode stores a node and returns its id, generating one when the
// properties carry none. The label is folded into the stored properties.
func (m *Memory) AddNode(tenantID, label string, props Node) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	node := make(Node, len(props)+2)
	for k, v := range props {
		node[k] = v
	}
	if node.Str("id") == "" {
		node["id"] = uuid.NewString()
	}
	node["label"] = label

	if m.nodes[tenantID] == nil {
		m.nodes[tenantID] = make(map[string]Node)
	}
	m.nodes[tenantID][node.ID()] = node
	return node.ID()
}

// AddEdge stores an edge, resolving endpoint labels from known nodes when
// unset.
func (m *Memory) AddEdge(tenantID string, e Edge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[tenantID][e.SourceID]; ok && e.SourceLabel == "" {
		e.SourceLabel = n.Label()
	}
	if n, ok := m.nodes[tenantID][e.TargetID]; ok && e.TargetLabel == "" {
		e.TargetLabel = n.Label()
	}
	m.edges[tenantID] = append(m.edges[tenantID], e)
}

// QueryNodes implements Reader.
func (m *Memory) QueryNodes(_ context.Context, label, tenantID string, f NodeFilter) ([]Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []Node
	for _, n := range m.nodes[tenantID] {
		if n.Label() != label {
			continue
		}
		if !matchesFilters(n, f.Filters) {
			continue
		}
		out = append(out, n)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// QueryNeighbors implements Reader. Adjacency is undirected: both endpoint
// directions count as neighbors.
func (m *Memory) QueryNeighbors(_ context.Context, nodeID, tenantID string, f NeighborFilter) ([]Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	seen := make(map[string]bool)
	var out []Node
	for _, e := range m.edges[tenantID] {
		var otherID string
		switch {
		case e.SourceID == nodeID:
			otherID = e.TargetID
		case e.TargetID == nodeID:
			otherID = e.SourceID
		default:
			continue
		}
		if len(f.EdgeTypes) > 0 && !contains(f.EdgeTypes, e.Type) {
			continue
		}
		other, ok := m.nodes[tenantID][otherID]
		if !ok || seen[otherID] {
			continue
		}
		if len(f.TargetLabels) > 0 && !contains(f.TargetLabels, other.Label()) {
			continue
		}
		seen[otherID] = true
		out = append(out, other)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// QueryEdges implements Reader.
func (m *Memory) QueryEdges(_ context.Context, tenantID string, f EdgeFilter) ([]Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	var out []Edge
	for _, e := range m.edges[tenantID] {
		if f.EdgeType != "" && e.Type != f.EdgeType {
			continue
		}
		if f.SourceLabel != "" && e.SourceLabel != f.SourceLabel {
			continue
		}
		if f.TargetLabel != "" && e.TargetLabel != f.TargetLabel {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// FindAttackPaths implements Reader. Sources default to internet-facing
// nodes, targets to criticality=critical nodes.
func (m *Memory) FindAttackPaths(_ context.Context, tenantID string, opts PathOptions) (*PathResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 10
	}
	maxPaths := opts.MaxPaths
	if maxPaths <= 0 {
		maxPaths = 100
	}

	sources := opts.Sources
	if len(sources) == 0 {
		sources = m.nodeIDsWhere(tenantID, func(n Node) bool { return n.Bool("is_internet_facing") })
	}
	targetSet := make(map[string]bool)
	targets := opts.Targets
	if len(targets) == 0 {
		targets = m.nodeIDsWhere(tenantID, func(n Node) bool { return n.Str("criticality") == "critical" })
	}
	for _, t := range targets {
		targetSet[t] = true
	}

	result := &PathResult{AttackPaths: []Path{}}
	for _, src := range sources {
		if len(result.AttackPaths) >= maxPaths {
			break
		}
		m.walkPaths(tenantID, src, targetSet, maxDepth, maxPaths, result)
	}

	if opts.IncludeLateral {
		result.LateralChains = m.lateralChains(tenantID, maxDepth)
	}
	return result, nil
}

// ComputeBlastRadius implements Reader. It follows outgoing edges whose
// exploitability meets the floor, up to MaxHops; the score saturates at
// ten affected nodes.
func (m *Memory) ComputeBlastRadius(_ context.Context, tenantID, nodeID string, opts BlastOptions) (*BlastRadius, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	maxHops := opts.MaxHops
	if maxHops <= 0 {
		maxHops = 5
	}
	minExploit := opts.MinExploitability
	if minExploit <= 0 {
		minExploit = 0.3
	}

	visited := map[string]bool{nodeID: true}
	frontier := []string{nodeID}
	var affected []string
	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			for _, e := range m.edges[tenantID] {
				if e.SourceID != id || visited[e.TargetID] {
					continue
				}
				if edgeExploitability(e) < minExploit {
					continue
				}
				visited[e.TargetID] = true
				affected = append(affected, e.TargetID)
				next = append(next, e.TargetID)
			}
		}
		frontier = next
	}

	score := float64(len(affected)) / 10.0
	if score > 1.0 {
		score = 1.0
	}
	return &BlastRadius{BlastScore: score, AffectedNodes: affected}, nil
}

// walkPaths runs a depth-first search from src, appending every simple
// path that reaches a target.
func (m *Memory) walkPaths(tenantID, src string, targets map[string]bool, maxDepth, maxPaths int, result *PathResult) {
	type frame struct {
		id   string
		path []string
		risk float64
	}
	stack := []frame{{id: src, path: []string{src}, risk: 1.0}}
	for len(stack) > 0 && len(result.AttackPaths) < maxPaths {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if targets[f.id] && len(f.path) > 1 {
			result.AttackPaths = append(result.AttackPaths, Path{Nodes: f.path, RiskScore: f.risk})
			continue
		}
		if len(f.path) > maxDepth {
			continue
		}
		for _, e := range m.edges[tenantID] {
			if e.SourceID != f.id || contains(f.path, e.TargetID) {
				continue
			}
			next := make([]string, len(f.path), len(f.path)+1)
			copy(next, f.path)
			next = append(next, e.TargetID)
			stack = append(stack, frame{id: e.TargetID, path: next, risk: f.risk * edgeExploitability(e)})
		}
	}
}

// lateralChains follows edges that carry a "technique" property, starting
// from edges whose source has no incoming technique edge.
func (m *Memory) lateralChains(tenantID string, maxDepth int) []Path {
	edges := m.edges[tenantID]
	hasIncoming := make(map[string]bool)
	outgoing := make(map[string][]Edge)
	for _, e := range edges {
		if edgeTechnique(e) == "" {
			continue
		}
		hasIncoming[e.TargetID] = true
		outgoing[e.SourceID] = append(outgoing[e.SourceID], e)
	}

	var chains []Path
	for start, outs := range outgoing {
		if hasIncoming[start] {
			continue
		}
		for _, first := range outs {
			chain := Path{
				Nodes:      []string{first.SourceID, first.TargetID},
				Techniques: []string{edgeTechnique(first)},
				RiskScore:  edgeExploitability(first),
			}
			cur := first.TargetID
			for len(chain.Nodes) <= maxDepth {
				nexts := outgoing[cur]
				if len(nexts) == 0 {
					break
				}
				e := nexts[0]
				if contains(chain.Nodes, e.TargetID) {
					break
				}
				chain.Nodes = append(chain.Nodes, e.TargetID)
				chain.Techniques = append(chain.Techniques, edgeTechnique(e))
				if r := edgeExploitability(e); r > chain.RiskScore {
					chain.RiskScore = r
				}
				cur = e.TargetID
			}
			chains = append(chains, chain)
		}
	}
	return chains
}

func (m *Memory) nodeIDsWhere(tenantID string, keep func(Node) bool) []string {
	var ids []string
	for id, n := range m.nodes[tenantID] {
		if keep(n) {
			ids = append(ids, id)
		}
	}
	return ids
}

func matchesFilters(n Node, filters map[string]any) bool {
	for k, want := range filters {
		got, ok := n[k]
		if !ok {
			return false
		}
		if wf, gok := toFloat(want); gok {
			if gf, gok2 := toFloat(got); gok2 {
				if wf != gf {
					return false
				}
				continue
			}
			return false
		}
		if got != want {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func edgeExploitability(e Edge) float64 {
	if e.Properties == nil {
		return defaultExploitability
	}
	if f, ok := toFloat(e.Properties["exploitability"]); ok {
		return f
	}
	return defaultExploitability
}

func edgeTechnique(e Edge) string {
	if e.Properties == nil {
		return ""
	}
	s, _ := e.Properties["technique"].(string)
	return s
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
