package vulnintel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultEPSSBaseURL is the FIRST.org EPSS API endpoint.
const DefaultEPSSBaseURL = "https://api.first.org/data/v1/epss"

const (
	epssBatchSize      = 30
	defaultEPSSTimeout = 30 * time.Second
)

// EPSSConfig configures the EPSS client.
type EPSSConfig struct {
	// BaseURL overrides the EPSS API endpoint.
	BaseURL string
	// Timeout sets the HTTP call timeout. Default: 30s.
	Timeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// EPSSClient queries FIRST.org's Exploit Prediction Scoring System.
type EPSSClient struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// NewEPSSClient creates an EPSS client.
func NewEPSSClient(cfg EPSSConfig) *EPSSClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultEPSSBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultEPSSTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &EPSSClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		log:     cfg.Logger,
	}
}

// Scores returns exploitation probabilities in [0, 1] keyed by CVE id,
// querying in batches of 30. CVEs unknown to EPSS are omitted. A failed
// batch is logged and skipped rather than failing the whole lookup; only
// context cancellation aborts early.
func (c *EPSSClient) Scores(ctx context.Context, cveIDs []string) (map[string]float64, error) {
	scores := make(map[string]float64, len(cveIDs))
	for start := 0; start < len(cveIDs); start += epssBatchSize {
		if err := ctx.Err(); err != nil {
			return scores, err
		}
		end := start + epssBatchSize
		if end > len(cveIDs) {
			end = len(cveIDs)
		}
		for id, score := range c.queryBatch(ctx, cveIDs[start:end]) {
			scores[id] = score
		}
	}
	return scores, nil
}

// queryBatch fetches one batch, returning an empty map on failure. Entries
// with missing or malformed scores are dropped.
func (c *EPSSClient) queryBatch(ctx context.Context, cveIDs []string) map[string]float64 {
	out := map[string]float64{}
	target := c.baseURL + "?cve=" + url.QueryEscape(strings.Join(cveIDs, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		c.log.Warn("EPSS batch query failed", "cves", len(cveIDs), "error", err)
		return out
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("EPSS batch query failed", "cves", len(cveIDs), "error", err)
		return out
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("EPSS batch query failed", "cves", len(cveIDs), "status", resp.StatusCode)
		return out
	}

	var body struct {
		Data []struct {
			CVE  string `json:"cve"`
			EPSS string `json:"epss"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.log.Warn("EPSS batch query failed", "cves", len(cveIDs), "error", err)
		return out
	}
	for _, entry := range body.Data {
		if entry.CVE == "" || entry.EPSS == "" {
			continue
		}
		score, err := strconv.ParseFloat(entry.EPSS, 64)
		if err != nil {
			continue
		}
		out[entry.CVE] = score
	}
	return out
}
