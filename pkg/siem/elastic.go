package siem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/sentinel-platform/sentinel/core/pkg/ratelimit"
)

const (
	defaultElasticTimeout = 30 * time.Second
	defaultElasticRate    = 10.0
)

// TokenSource supplies a bearer token for clusters using service-account
// tokens.
type TokenSource interface {
	Token() (string, error)
}

// ElasticConfig configures the Elasticsearch / OpenSearch client.
type ElasticConfig struct {
	// URL is the cluster base URL, e.g. "https://es.internal:9200".
	URL string
	// APIKey authenticates via the ApiKey scheme. Takes precedence over
	// TokenSource and basic auth.
	APIKey string
	// TokenSource authenticates via a bearer service token.
	TokenSource TokenSource
	// Username and Password enable basic auth.
	Username string
	Password string
	// Timeout sets the HTTP call timeout. Default: 30s.
	Timeout time.Duration
	// CallsPerSecond paces requests to the cluster. Default: 10.
	CallsPerSecond float64
	// Limiter overrides the in-process pacer, e.g. with a Redis-backed
	// bucket shared across replicas.
	Limiter ratelimit.Limiter
	// RetryBaseDelay sets the first retry backoff. Default: 1s.
	RetryBaseDelay time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ElasticClient talks to Elasticsearch or OpenSearch over the REST API and
// normalizes hits into Events.
type ElasticClient struct {
	cfg     ElasticConfig
	client  *http.Client
	limiter ratelimit.Limiter
	retry   ratelimit.RetryConfig
	log     *slog.Logger
}

// NewElasticClient creates a SIEM client for one cluster.
func NewElasticClient(cfg ElasticConfig) *ElasticClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultElasticTimeout
	}
	if cfg.CallsPerSecond <= 0 {
		cfg.CallsPerSecond = defaultElasticRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Second
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewTokenBucket(cfg.CallsPerSecond, 1)
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &ElasticClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		retry:   ratelimit.RetryConfig{MaxAttempts: 3, BaseDelay: cfg.RetryBaseDelay, Logger: cfg.Logger},
		log:     cfg.Logger,
	}
}

// Health reports whether the cluster answers on its root endpoint.
func (c *ElasticClient) Health(ctx context.Context) bool {
	var out map[string]any
	return c.doJSON(ctx, http.MethodGet, "/", nil, &out) == nil
}

// ExecuteQuery implements Querier.
func (c *ElasticClient) ExecuteQuery(ctx context.Context, q Query) (*QueryResult, error) {
	size := q.Size
	if size == 0 {
		size = 100
	}
	body := map[string]any{"query": q.DSL, "size": size}
	if len(q.Sort) > 0 {
		body["sort"] = q.Sort
	}
	if len(q.Aggs) > 0 {
		body["aggs"] = q.Aggs
	}

	var resp map[string]any
	if err := c.doJSON(ctx, http.MethodPost, "/"+q.Index+"/_search", body, &resp); err != nil {
		return nil, err
	}

	hits, _ := resp["hits"].(map[string]any)
	rawHits, _ := hits["hits"].([]any)
	events := make([]Event, 0, len(rawHits))
	for _, h := range rawHits {
		if hit, ok := h.(map[string]any); ok {
			events = append(events, normalizeEvent(hit))
		}
	}

	result := &QueryResult{
		Events:       events,
		TotalHits:    extractTotalHits(hits["total"]),
		TookMs:       asInt(resp["took"]),
		QueryDSL:     q.DSL,
		Aggregations: map[string]any{},
	}
	if timedOut, ok := resp["timed_out"].(bool); ok {
		result.TimedOut = timedOut
	}
	if aggs, ok := resp["aggregations"].(map[string]any); ok {
		result.Aggregations = aggs
	}
	return result, nil
}

// DiscoverIndices implements Querier. System indices (dot-prefixed) are
// filtered out; an index whose mapping cannot be fetched is kept with empty
// mappings.
func (c *ElasticClient) DiscoverIndices(ctx context.Context, pattern string) (*DiscoveryResult, error) {
	if pattern == "" {
		pattern = "*"
	}

	var info struct {
		ClusterName string `json:"cluster_name"`
		Version     struct {
			Number string `json:"number"`
		} `json:"version"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/", nil, &info); err != nil {
		return nil, err
	}

	var catRows []map[string]any
	catPath := "/_cat/indices/" + pattern + "?format=json&h=index,docs.count,store.size,creation.date"
	if err := c.doJSON(ctx, http.MethodGet, catPath, nil, &catRows); err != nil {
		return nil, err
	}

	indices := make([]IndexInfo, 0, len(catRows))
	for _, row := range catRows {
		name := toString(row["index"])
		if name == "" || strings.HasPrefix(name, ".") {
			continue
		}

		mappings := map[string]string{}
		var mappingResp map[string]any
		if err := c.doJSON(ctx, http.MethodGet, "/"+name+"/_mapping", nil, &mappingResp); err != nil {
			c.log.Warn("failed to fetch index mapping", "index", name, "error", err)
		} else if idx, ok := mappingResp[name].(map[string]any); ok {
			mappings = flattenMappings(idx)
		}

		idxInfo := IndexInfo{
			Name:          name,
			DocCount:      parseInt64(toString(row["docs.count"])),
			SizeBytes:     parseSize(toString(row["store.size"])),
			FieldMappings: mappings,
			Aliases:       []string{},
		}
		if millis := parseInt64(toString(row["creation.date"])); millis > 0 {
			created := time.UnixMilli(millis).UTC()
			idxInfo.CreationDate = &created
		}
		indices = append(indices, idxInfo)
	}

	return &DiscoveryResult{
		Indices:        indices,
		ClusterName:    info.ClusterName,
		ClusterVersion: info.Version.Number,
		TotalIndices:   len(indices),
	}, nil
}

// Close releases idle connections.
func (c *ElasticClient) Close() {
	c.client.CloseIdleConnections()
}

// doJSON performs one paced, retried request. Transport failures and
// 429/5xx responses retry; other error statuses fail immediately.
func (c *ElasticClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("siem: encode request: %w", err)
		}
	}

	return ratelimit.WithRetry(ctx, c.retry, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return ratelimit.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, bytes.NewReader(payload))
		if err != nil {
			return ratelimit.Permanent(fmt.Errorf("siem: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if err := c.authorize(req); err != nil {
			return ratelimit.Permanent(err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("siem: request %s: %w", path, err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("siem: read %s: %w", path, err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("siem: %s returned %d", path, resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return ratelimit.Permanent(fmt.Errorf("siem: %s returned %d", path, resp.StatusCode))
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return ratelimit.Permanent(fmt.Errorf("siem: parse %s: %w", path, err))
			}
		}
		return nil
	})
}

func (c *ElasticClient) authorize(req *http.Request) error {
	switch {
	case c.cfg.APIKey != "":
		req.Header.Set("Authorization", "ApiKey "+c.cfg.APIKey)
	case c.cfg.TokenSource != nil:
		tok, err := c.cfg.TokenSource.Token()
		if err != nil {
			return fmt.Errorf("siem: credential error: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	case c.cfg.Username != "":
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	return nil
}

// normalizeEvent maps one search hit onto an Event, trying ECS, Filebeat and
// legacy field names in that order. Free-text fields are normalized to NFC
// so downstream matching is stable across producers.
func normalizeEvent(hit map[string]any) Event {
	source, _ := hit["_source"].(map[string]any)
	if source == nil {
		source = map[string]any{}
	}
	return Event{
		ID:         toString(hit["_id"]),
		Index:      toString(hit["_index"]),
		Timestamp:  extractTimestamp(source),
		SourceIP:   firstString(source, "source.ip", "src_ip", "source_address"),
		DestIP:     firstString(source, "destination.ip", "dst_ip", "dest_address"),
		SourcePort: firstInt(source, "source.port", "src_port"),
		DestPort:   firstInt(source, "destination.port", "dst_port"),
		EventType:  firstString(source, "event.category", "event_type", "type"),
		Severity:   firstString(source, "event.severity", "severity", "log.level", "level"),
		Message:    norm.NFC.String(firstString(source, "message", "msg")),
		User:       norm.NFC.String(firstString(source, "user.name", "username", "user_id")),
		Hostname:   norm.NFC.String(firstString(source, "host.name", "hostname", "host")),
		Raw:        source,
	}
}

// lookupPath resolves a dotted path through nested objects.
func lookupPath(source map[string]any, path string) (any, bool) {
	var value any = source
	for _, part := range strings.Split(path, ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = m[part]
		if !ok || value == nil {
			return nil, false
		}
	}
	return value, true
}

func firstString(source map[string]any, paths ...string) string {
	for _, path := range paths {
		if v, ok := lookupPath(source, path); ok {
			return toString(v)
		}
	}
	return ""
}

func firstInt(source map[string]any, paths ...string) int {
	for _, path := range paths {
		v, ok := lookupPath(source, path)
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		case string:
			if i, err := strconv.Atoi(n); err == nil {
				return i
			}
		}
	}
	return 0
}

func extractTimestamp(source map[string]any) *time.Time {
	for _, field := range []string{"@timestamp", "timestamp", "event.created"} {
		v, ok := lookupPath(source, field)
		if !ok {
			continue
		}
		switch ts := v.(type) {
		case string:
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
				if parsed, err := time.Parse(layout, ts); err == nil {
					utc := parsed.UTC()
					return &utc
				}
			}
		case float64:
			utc := time.UnixMilli(int64(ts)).UTC()
			return &utc
		}
	}
	return nil
}

func extractTotalHits(v any) int {
	switch total := v.(type) {
	case map[string]any:
		return asInt(total["value"])
	case float64:
		return int(total)
	default:
		return 0
	}
}

func asInt(v any) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return 0
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// parseSize converts cat-API size strings like "1.2gb" to bytes.
func parseSize(s string) int64 {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0
	}
	multipliers := []struct {
		suffix string
		mult   int64
	}{
		{"tb", 1 << 40},
		{"gb", 1 << 30},
		{"mb", 1 << 20},
		{"kb", 1 << 10},
		{"b", 1},
	}
	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			f, err := strconv.ParseFloat(strings.TrimSuffix(s, m.suffix), 64)
			if err != nil {
				return 0
			}
			return int64(f * float64(m.mult))
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// flattenMappings flattens an index mapping document into field name → type.
func flattenMappings(index map[string]any) map[string]string {
	result := map[string]string{}
	mappings, _ := index["mappings"].(map[string]any)
	props, _ := mappings["properties"].(map[string]any)
	flattenProps(props, "", result)
	return result
}

func flattenProps(props map[string]any, prefix string, out map[string]string) {
	for name, def := range props {
		field, ok := def.(map[string]any)
		if !ok {
			continue
		}
		full := name
		if prefix != "" {
			full = prefix + "." + name
		}
		if t, ok := field["type"].(string); ok {
			out[full] = t
		}
		if nested, ok := field["properties"].(map[string]any); ok {
			flattenProps(nested, full, out)
		}
	}
}
