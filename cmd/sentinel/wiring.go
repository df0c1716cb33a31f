package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sentinel-platform/sentinel/core/pkg/auth"
	"github.com/sentinel-platform/sentinel/core/pkg/config"
	"github.com/sentinel-platform/sentinel/core/pkg/findings"
	"github.com/sentinel-platform/sentinel/core/pkg/graph"
	"github.com/sentinel-platform/sentinel/core/pkg/llm"
	"github.com/sentinel-platform/sentinel/core/pkg/observability"
	"github.com/sentinel-platform/sentinel/core/pkg/policy"
	"github.com/sentinel-platform/sentinel/core/pkg/ratelimit"
	"github.com/sentinel-platform/sentinel/core/pkg/siem"

	_ "github.com/lib/pq" // Postgres driver
)

// mockPlan is the canned plan used by --mock-llm runs. It satisfies the
// structured plan schema; the follow-up completions (pattern hints, run
// summary) tolerate arbitrary text.
const mockPlan = `{
	"description": "Sweep the configured indices for the playbook's patterns",
	"rationale": "Offline run with canned planning",
	"confidence": 0.8,
	"steps": ["query the SIEM", "analyze results", "report findings"]
}`

// setupLogging installs the process-wide slog handler at the configured
// level.
func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// newTelemetry builds the observability provider from config. Disabled
// unless TELEMETRY_ENABLED=true, so one-off CLI runs stay exporter-free.
func newTelemetry(ctx context.Context, cfg *config.Config) (*observability.Provider, error) {
	return observability.New(ctx, &observability.Config{
		ServiceName:    "sentinel-cli",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       cfg.Environment == "development",
	})
}

// newTokenSource mints service tokens when a shared secret is configured,
// nil otherwise. The concrete type satisfies both the SIEM and policy
// TokenSource contracts.
func newTokenSource(cfg *config.Config, tenantID string) *auth.ServiceTokenSource {
	if cfg.ServiceTokenSecret == "" {
		return nil
	}
	tm := auth.NewTokenManager([]byte(cfg.ServiceTokenSecret), "sentinel-cli")
	return auth.NewServiceTokenSource(tm, "sentinel-cli", tenantID, "agent", 15*time.Minute)
}

// newSIEMClient builds the Elastic client from config.
func newSIEMClient(cfg *config.Config, tokens *auth.ServiceTokenSource) *siem.ElasticClient {
	ecfg := siem.ElasticConfig{
		URL:      cfg.SIEMURL,
		APIKey:   cfg.SIEMAPIKey,
		Username: cfg.SIEMUsername,
		Password: cfg.SIEMPassword,
	}
	if tokens != nil {
		ecfg.TokenSource = tokens
	}
	// With Redis configured, replicas share one cluster quota instead of
	// pacing independently.
	if cfg.RedisAddr != "" {
		shared := ratelimit.NewRedisLimiter(ratelimit.RedisLimiterConfig{
			Addr:           cfg.RedisAddr,
			CallsPerSecond: 10,
			Burst:          10,
		})
		ecfg.Limiter = shared.Bucket("elastic")
	}
	return siem.NewElasticClient(ecfg)
}

// newLLMProvider returns the configured HTTP provider, or a canned mock for
// offline runs.
func newLLMProvider(cfg *config.Config, mock bool) llm.Provider {
	if mock {
		return llm.NewMockProvider(mockPlan, "no supplementary patterns", "Offline run complete.")
	}
	return llm.NewHTTPProvider(llm.HTTPConfig{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
	})
}

// newPolicyEngine selects the in-process rule tables or the remote OPA
// engine. Both fail closed.
func newPolicyEngine(cfg *config.Config, remote bool, tokens *auth.ServiceTokenSource) policy.Engine {
	if !remote {
		return policy.NewLocalEngine()
	}
	ocfg := policy.OPAConfig{
		URL:             cfg.PolicyURL,
		AgentPolicyPath: cfg.PolicyAgentPath,
		TierPolicyPath:  cfg.PolicyTierPath,
		Timeout:         cfg.PolicyTimeout,
	}
	if tokens != nil {
		ocfg.TokenSource = tokens
	}
	return policy.NewOPAEngine(ocfg)
}

// openFindings opens the configured findings store and returns it with a
// close function.
func openFindings(ctx context.Context, cfg *config.Config) (findings.Store, func(), error) {
	switch cfg.FindingsDriver {
	case "sqlite":
		s, err := findings.NewSQLiteStore(cfg.FindingsDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.FindingsDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		s := findings.NewPostgresStore(db)
		if err := s.Init(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("init findings schema: %w", err)
		}
		return s, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown findings driver %q", cfg.FindingsDriver)
	}
}

// graphSnapshot is the on-disk form consumed by --graph: a tenant's nodes
// and edges as exported from the platform graph service.
type graphSnapshot struct {
	TenantID string       `json:"tenant_id"`
	Nodes    []graph.Node `json:"nodes"`
	Edges    []graph.Edge `json:"edges"`
}

// loadGraph reads a snapshot file into an in-process graph for the given
// tenant. Nodes without a label are rejected.
func loadGraph(path, tenantID string) (*graph.Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph snapshot: %w", err)
	}
	var snap graphSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse graph snapshot: %w", err)
	}
	if snap.TenantID != "" && snap.TenantID != tenantID {
		return nil, fmt.Errorf("graph snapshot belongs to tenant %s, not %s", snap.TenantID, tenantID)
	}

	g := graph.NewMemory()
	for i, n := range snap.Nodes {
		label := n.Label()
		if label == "" {
			return nil, fmt.Errorf("graph snapshot node %d has no label", i)
		}
		g.AddNode(tenantID, label, n)
	}
	for _, e := range snap.Edges {
		g.AddEdge(tenantID, e)
	}
	return g, nil
}

// printJSON renders v as indented JSON on w.
func printJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}
