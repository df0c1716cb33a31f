package vulnintel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DefaultKEVURL is the CISA Known Exploited Vulnerabilities catalog feed.
const DefaultKEVURL = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"

const (
	defaultKEVTTL     = 24 * time.Hour
	defaultKEVTimeout = 30 * time.Second
)

// KEVConfig configures the KEV catalog client.
type KEVConfig struct {
	// URL overrides the catalog feed location.
	URL string
	// TTL bounds how long a fetched catalog is served from cache.
	// Default: 24h.
	TTL time.Duration
	// Timeout sets the HTTP call timeout. Default: 30s.
	Timeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Clock overrides the cache's time source. Tests use this to expire
	// the cache without sleeping.
	Clock func() time.Time
}

// KEVClient serves membership lookups against the CISA KEV catalog. The
// catalog is fetched at most once per TTL; concurrent callers during a
// refresh block until the fetch completes.
type KEVClient struct {
	url    string
	ttl    time.Duration
	client *http.Client
	log    *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	cache       map[string]struct{}
	lastFetched time.Time
}

// NewKEVClient creates a caching KEV client.
func NewKEVClient(cfg KEVConfig) *KEVClient {
	if cfg.URL == "" {
		cfg.URL = DefaultKEVURL
	}
	if cfg.TTL == 0 {
		cfg.TTL = defaultKEVTTL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultKEVTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &KEVClient{
		url:    cfg.URL,
		ttl:    cfg.TTL,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    cfg.Logger,
		now:    cfg.Clock,
	}
}

// Catalog returns the set of known-exploited CVE ids, refreshing from the
// feed when the cache is older than the TTL. The returned set is shared;
// callers must not mutate it.
func (c *KEVClient) Catalog(ctx context.Context) (map[string]struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cache != nil && c.now().Sub(c.lastFetched) < c.ttl {
		return c.cache, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("vulnintel: build kev request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vulnintel: fetch kev catalog: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("vulnintel: kev feed returned %d", resp.StatusCode)
	}

	var body struct {
		Vulnerabilities []struct {
			CVEID string `json:"cveID"`
		} `json:"vulnerabilities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("vulnintel: parse kev catalog: %w", err)
	}

	catalog := make(map[string]struct{}, len(body.Vulnerabilities))
	for _, v := range body.Vulnerabilities {
		if v.CVEID != "" {
			catalog[v.CVEID] = struct{}{}
		}
	}
	c.cache = catalog
	c.lastFetched = c.now()
	c.log.Info("KEV catalog loaded", "entries", len(catalog))
	return catalog, nil
}

// IsKnownExploited reports whether a CVE appears in the catalog.
func (c *KEVClient) IsKnownExploited(ctx context.Context, cveID string) (bool, error) {
	catalog, err := c.Catalog(ctx)
	if err != nil {
		return false, err
	}
	_, ok := catalog[cveID]
	return ok, nil
}
