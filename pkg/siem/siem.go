// Package siem normalizes security events out of heterogeneous log stores.
//
// Hunt playbooks consume the Querier interface; ElasticClient implements it
// against Elasticsearch or OpenSearch clusters, mapping ECS, Filebeat and
// legacy field conventions onto one Event shape while preserving the raw
// source document.
package siem

import (
	"context"
	"time"
)

// Event is a normalized security event. Zero-valued optional fields mean the
// source document did not carry them; Raw always holds the full document.
type Event struct {
	ID         string         `json:"id"`
	Index      string         `json:"index"`
	Timestamp  *time.Time     `json:"timestamp,omitempty"`
	SourceIP   string         `json:"source_ip,omitempty"`
	DestIP     string         `json:"dest_ip,omitempty"`
	SourcePort int            `json:"source_port,omitempty"`
	DestPort   int            `json:"dest_port,omitempty"`
	EventType  string         `json:"event_type,omitempty"`
	Severity   string         `json:"severity,omitempty"`
	Message    string         `json:"message,omitempty"`
	User       string         `json:"user,omitempty"`
	Hostname   string         `json:"hostname,omitempty"`
	Raw        map[string]any `json:"raw"`
}

// Query is one search request.
type Query struct {
	// DSL is the query portion of the search body.
	DSL map[string]any
	// Index is the index name or pattern to search.
	Index string
	// Size caps the number of hits. Defaults to 100 when zero.
	Size int
	// Sort is the optional sort specification.
	Sort []map[string]any
	// Aggs is the optional aggregation specification.
	Aggs map[string]any
}

// QueryResult is the normalized outcome of one search.
type QueryResult struct {
	Events       []Event        `json:"events"`
	TotalHits    int            `json:"total_hits"`
	TookMs       int            `json:"took_ms"`
	QueryDSL     map[string]any `json:"query_dsl"`
	TimedOut     bool           `json:"timed_out"`
	Aggregations map[string]any `json:"aggregations"`
}

// IndexInfo is metadata about one discovered index.
type IndexInfo struct {
	Name          string            `json:"name"`
	DocCount      int64             `json:"doc_count"`
	SizeBytes     int64             `json:"size_bytes"`
	FieldMappings map[string]string `json:"field_mappings"`
	CreationDate  *time.Time        `json:"creation_date,omitempty"`
	Aliases       []string          `json:"aliases"`
}

// DiscoveryResult lists the user indices of a cluster.
type DiscoveryResult struct {
	Indices        []IndexInfo `json:"indices"`
	ClusterName    string      `json:"cluster_name"`
	ClusterVersion string      `json:"cluster_version"`
	TotalIndices   int         `json:"total_indices"`
}

// Querier executes searches against a SIEM backend.
type Querier interface {
	// ExecuteQuery runs a DSL query and returns normalized events.
	ExecuteQuery(ctx context.Context, q Query) (*QueryResult, error)
	// DiscoverIndices lists non-system indices matching pattern ("*" when
	// empty) with their field mappings.
	DiscoverIndices(ctx context.Context, pattern string) (*DiscoveryResult, error)
}
