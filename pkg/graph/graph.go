// Package graph defines read-only access to the digital-twin graph.
//
// Simulation and audit agents depend on the Reader interface only; the
// production implementation wraps the platform's graph service, and Memory
// provides an in-process twin for tests and demos. Nothing in this package
// mutates the graph; simulations are strictly observational.
package graph

import "context"

// Node is the property bag for one graph node. The "id" and "label" keys
// are always present on nodes returned by a Reader.
type Node map[string]any

// ID returns the node's id property.
func (n Node) ID() string { return n.Str("id") }

// Label returns the node's label property.
func (n Node) Label() string { return n.Str("label") }

// Str returns a string property, or "" when absent or not a string.
func (n Node) Str(key string) string {
	s, _ := n[key].(string)
	return s
}

// Bool returns a boolean property, false when absent.
func (n Node) Bool(key string) bool {
	b, _ := n[key].(bool)
	return b
}

// Float returns a numeric property as float64, tolerating the integer
// types JSON decoding produces.
func (n Node) Float(key string) float64 {
	switch v := n[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Int returns a numeric property as int.
func (n Node) Int(key string) int { return int(n.Float(key)) }

// Strings returns a list property, coercing []any elements to strings.
func (n Node) Strings(key string) []string {
	switch v := n[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Edge is one relationship in the graph.
type Edge struct {
	SourceID    string         `json:"source_id"`
	TargetID    string         `json:"target_id"`
	Type        string         `json:"type"`
	SourceLabel string         `json:"source_label,omitempty"`
	TargetLabel string         `json:"target_label,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// Path is one attack path or lateral-movement chain. RiskScore is in
// [0, 1]; Techniques is populated only on lateral chains.
type Path struct {
	Nodes      []string `json:"nodes"`
	Techniques []string `json:"techniques,omitempty"`
	RiskScore  float64  `json:"risk_score"`
}

// PathResult is the outcome of one pathfinding request.
type PathResult struct {
	AttackPaths   []Path `json:"attack_paths"`
	LateralChains []Path `json:"lateral_chains,omitempty"`
}

// BlastRadius summarizes the reachable impact of compromising one node.
// BlastScore is in [0, 1].
type BlastRadius struct {
	BlastScore    float64  `json:"blast_score"`
	AffectedNodes []string `json:"affected_nodes"`
}

// NodeFilter narrows a node query.
type NodeFilter struct {
	// Filters are exact-match property constraints.
	Filters map[string]any
	// Limit caps results. Defaults to 100 when zero.
	Limit int
}

// NeighborFilter narrows a neighbor query.
type NeighborFilter struct {
	EdgeTypes    []string
	TargetLabels []string
	// Limit caps results. Defaults to 100 when zero.
	Limit int
}

// EdgeFilter narrows an edge query.
type EdgeFilter struct {
	EdgeType    string
	SourceLabel string
	TargetLabel string
	// Limit caps results. Defaults to 200 when zero.
	Limit int
}

// PathOptions tunes a pathfinding request. Empty Sources means start from
// internet-facing nodes; empty Targets means aim for criticality=critical
// nodes.
type PathOptions struct {
	Sources        []string
	Targets        []string
	MaxDepth       int // default 10
	MaxPaths       int // default 100
	IncludeLateral bool
	IncludeBlast   bool
}

// BlastOptions tunes a blast-radius computation.
type BlastOptions struct {
	MaxHops           int     // default 5
	MinExploitability float64 // default 0.3
}

// Reader is the read-only graph contract consumed by agents.
type Reader interface {
	// QueryNodes returns nodes of one label for a tenant.
	QueryNodes(ctx context.Context, label, tenantID string, f NodeFilter) ([]Node, error)
	// QueryNeighbors returns the nodes adjacent to nodeID in either
	// direction.
	QueryNeighbors(ctx context.Context, nodeID, tenantID string, f NeighborFilter) ([]Node, error)
	// QueryEdges returns edges matching the filter.
	QueryEdges(ctx context.Context, tenantID string, f EdgeFilter) ([]Edge, error)
	// FindAttackPaths computes attack paths between source and target
	// node sets.
	FindAttackPaths(ctx context.Context, tenantID string, opts PathOptions) (*PathResult, error)
	// ComputeBlastRadius measures reachable impact from a compromised
	// node.
	ComputeBlastRadius(ctx context.Context, tenantID, nodeID string, opts BlastOptions) (*BlastRadius, error)
}
