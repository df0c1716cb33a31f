package vulnintel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sentinel-platform/sentinel/core/pkg/ratelimit"
)

// DefaultNVDBaseURL is the NVD CVE API 2.0 endpoint.
const DefaultNVDBaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"

const (
	nvdPageSize       = 50
	nvdRateWindow     = 30 * time.Second
	nvdKeylessLimit   = 5  // requests per window without an API key
	nvdKeyedLimit     = 50 // requests per window with an API key
	defaultNVDTimeout = 30 * time.Second
)

// ErrNotFound is returned by GetCVE for ids NVD does not know.
var ErrNotFound = errors.New("vulnintel: CVE not found")

// NVDConfig configures the NVD client.
type NVDConfig struct {
	// BaseURL overrides the NVD API endpoint, e.g. for a caching proxy.
	BaseURL string
	// APIKey raises the NVD rate limit from 5 to 50 requests per 30s.
	APIKey string
	// Timeout sets the HTTP call timeout. Default: 30s.
	Timeout time.Duration
	// Limiter overrides the built-in pacer. Tests use this to avoid the
	// public API's six-second inter-request spacing.
	Limiter ratelimit.Limiter
	// RetryBaseDelay sets the first retry backoff. Default: 1s.
	RetryBaseDelay time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NVDClient queries the NIST National Vulnerability Database CVE API,
// pacing requests to the published rate limits.
type NVDClient struct {
	cfg     NVDConfig
	client  *http.Client
	limiter ratelimit.Limiter
	retry   ratelimit.RetryConfig
	log     *slog.Logger
}

// NewNVDClient creates a paced NVD client.
func NewNVDClient(cfg NVDConfig) *NVDClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultNVDBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultNVDTimeout
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limiter := cfg.Limiter
	if limiter == nil {
		perWindow := nvdKeylessLimit
		if cfg.APIKey != "" {
			perWindow = nvdKeyedLimit
		}
		limiter = ratelimit.NewTokenBucket(float64(perWindow)/nvdRateWindow.Seconds(), 1)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &NVDClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		retry:   ratelimit.RetryConfig{MaxAttempts: 3, BaseDelay: cfg.RetryBaseDelay, Logger: cfg.Logger},
		log:     cfg.Logger,
	}
}

// SearchCVEs returns CVEs matching a keyword search, paging through the API
// until maxResults records are collected or the result set is exhausted.
// maxResults values below one default to 100.
func (c *NVDClient) SearchCVEs(ctx context.Context, keyword string, maxResults int) ([]CVERecord, error) {
	if maxResults <= 0 {
		maxResults = 100
	}
	records := make([]CVERecord, 0, maxResults)
	startIndex := 0
	for len(records) < maxResults {
		pageSize := nvdPageSize
		if remaining := maxResults - len(records); remaining < pageSize {
			pageSize = remaining
		}
		params := url.Values{}
		params.Set("keywordSearch", keyword)
		params.Set("startIndex", strconv.Itoa(startIndex))
		params.Set("resultsPerPage", strconv.Itoa(pageSize))

		var page nvdPage
		if err := c.getJSON(ctx, params, &page); err != nil {
			return nil, err
		}
		if len(page.Vulnerabilities) == 0 {
			break
		}
		for _, item := range page.Vulnerabilities {
			records = append(records, item.record())
		}
		startIndex += len(page.Vulnerabilities)
		if startIndex >= page.TotalResults {
			break
		}
	}
	if len(records) > maxResults {
		records = records[:maxResults]
	}
	return records, nil
}

// GetCVE looks up a single CVE by id. Unknown ids return ErrNotFound.
func (c *NVDClient) GetCVE(ctx context.Context, cveID string) (*CVERecord, error) {
	params := url.Values{}
	params.Set("cveId", cveID)

	var page nvdPage
	if err := c.getJSON(ctx, params, &page); err != nil {
		return nil, err
	}
	if len(page.Vulnerabilities) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cveID)
	}
	rec := page.Vulnerabilities[0].record()
	return &rec, nil
}

// getJSON performs one paced, retried GET against the CVE API. Transport
// failures and 429/5xx responses retry; other error statuses fail
// immediately.
func (c *NVDClient) getJSON(ctx context.Context, params url.Values, out any) error {
	target := c.cfg.BaseURL + "?" + params.Encode()
	return ratelimit.WithRetry(ctx, c.retry, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return ratelimit.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return ratelimit.Permanent(fmt.Errorf("vulnintel: build nvd request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("apiKey", c.cfg.APIKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("vulnintel: nvd request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("vulnintel: read nvd response: %w", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("vulnintel: nvd returned %d", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return ratelimit.Permanent(fmt.Errorf("vulnintel: nvd returned %d", resp.StatusCode))
		}
		if err := json.Unmarshal(data, out); err != nil {
			return ratelimit.Permanent(fmt.Errorf("vulnintel: parse nvd response: %w", err))
		}
		return nil
	})
}

// nvdPage is one page of the CVE API response.
type nvdPage struct {
	ResultsPerPage  int       `json:"resultsPerPage"`
	StartIndex      int       `json:"startIndex"`
	TotalResults    int       `json:"totalResults"`
	Vulnerabilities []nvdItem `json:"vulnerabilities"`
}

type nvdItem struct {
	CVE struct {
		ID           string `json:"id"`
		Published    string `json:"published"`
		Descriptions []struct {
			Lang  string `json:"lang"`
			Value string `json:"value"`
		} `json:"descriptions"`
		Metrics struct {
			CVSSMetricV31 []struct {
				CVSSData struct {
					BaseScore    float64 `json:"baseScore"`
					VectorString string  `json:"vectorString"`
				} `json:"cvssData"`
			} `json:"cvssMetricV31"`
		} `json:"metrics"`
	} `json:"cve"`
}

// record flattens the API shape into a CVERecord, preferring the English
// description and the first CVSS v3.1 metric.
func (it nvdItem) record() CVERecord {
	rec := CVERecord{CVEID: it.CVE.ID}
	for _, d := range it.CVE.Descriptions {
		if d.Lang == "en" {
			rec.Description = d.Value
			break
		}
	}
	if len(it.CVE.Metrics.CVSSMetricV31) > 0 {
		data := it.CVE.Metrics.CVSSMetricV31[0].CVSSData
		score := data.BaseScore
		rec.CVSSScore = &score
		rec.CVSSVector = data.VectorString
	}
	rec.PublishedDate = parsePublished(it.CVE.Published)
	return rec
}

// parsePublished handles both zoned and NVD's zone-less timestamp forms.
func parsePublished(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			utc := parsed.UTC()
			return &utc
		}
	}
	return nil
}
