package vulnintel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
	"github.com/sentinel-platform/sentinel/core/pkg/engram"
	"github.com/sentinel-platform/sentinel/core/pkg/graph"
)

const (
	serviceQueryLimit = 500
	cvesPerService    = 50
)

// CVESearcher is the slice of the NVD client the correlator needs.
type CVESearcher interface {
	SearchCVEs(ctx context.Context, keyword string, maxResults int) ([]CVERecord, error)
}

// EPSSScorer is the slice of the EPSS client the correlator needs.
type EPSSScorer interface {
	Scores(ctx context.Context, cveIDs []string) (map[string]float64, error)
}

// KEVCatalog is the slice of the KEV client the correlator needs.
type KEVCatalog interface {
	Catalog(ctx context.Context) (map[string]struct{}, error)
}

// Result summarizes one correlation run.
type Result struct {
	ServicesScanned      int      `json:"services_scanned"`
	VulnerabilitiesFound int      `json:"vulnerabilities_found"`
	CriticalCount        int      `json:"critical_count"`
	HighCount            int      `json:"high_count"`
	KEVCount             int      `json:"kev_count"`
	Errors               []string `json:"errors"`
	EngramID             string   `json:"engram_id,omitempty"`
}

// Correlator matches a tenant's service inventory against the CVE feeds
// and writes enriched vulnerability records through a Sink. Every run is
// recorded as an engram session under the vuln-correlation agent id.
type Correlator struct {
	graph    graph.Reader
	nvd      CVESearcher
	epss     EPSSScorer
	kev      KEVCatalog
	sink     Sink
	store    engram.Store
	affected map[string]*semver.Constraints
	rawVers  map[string]string
	log      *slog.Logger
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithStore sets the engram store correlation sessions are persisted to.
func WithStore(s engram.Store) Option {
	return func(c *Correlator) { c.store = s }
}

// WithAffectedVersions registers affected-version ranges keyed by CVE id,
// in semver range syntax (e.g. ">= 2.4.0, < 2.4.50"). A CVE with a
// registered range is dropped for services whose parseable version falls
// outside it; everything else stays in scope.
func WithAffectedVersions(ranges map[string]string) Option {
	return func(c *Correlator) { c.rawVers = ranges }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) { c.log = l }
}

// New builds a Correlator over a graph reader, the three intel feeds and a
// sink. It fails when an affected-version range does not parse.
func New(g graph.Reader, nvd CVESearcher, epss EPSSScorer, kev KEVCatalog, sink Sink, opts ...Option) (*Correlator, error) {
	c := &Correlator{graph: g, nvd: nvd, epss: epss, kev: kev, sink: sink}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default().With("component", "vuln-correlation")
	}
	c.affected = make(map[string]*semver.Constraints, len(c.rawVers))
	for cveID, expr := range c.rawVers {
		cons, err := semver.NewConstraint(expr)
		if err != nil {
			return nil, fmt.Errorf("vulnintel: affected range for %s: %w", cveID, err)
		}
		c.affected[cveID] = cons
	}
	return c, nil
}

// CorrelateTenant runs correlation for every service of a tenant.
func (c *Correlator) CorrelateTenant(ctx context.Context, tenantID string) (*Result, error) {
	return c.correlate(ctx, tenantID, "")
}

// CorrelateService runs correlation for a single service.
func (c *Correlator) CorrelateService(ctx context.Context, tenantID, serviceID string) (*Result, error) {
	return c.correlate(ctx, tenantID, serviceID)
}

// correlate drives one run. Feed and sink failures land in the result's
// error list; the returned error is reserved for engram finalization and
// persistence, mirroring the agent runtime's contract.
func (c *Correlator) correlate(ctx context.Context, tenantID, serviceID string) (*Result, error) {
	session := engram.NewSession(tenantID, "vuln-correlation", "Correlate services with known CVEs")
	res := &Result{Errors: []string{}}

	c.run(ctx, session, tenantID, serviceID, res)

	e, err := session.Finalize()
	if err != nil {
		return res, fmt.Errorf("vulnintel: finalize session: %w", err)
	}
	res.EngramID = e.ID
	if c.store != nil {
		if err := c.store.Save(ctx, e); err != nil {
			return res, fmt.Errorf("vulnintel: persist engram %s: %w", e.ID, err)
		}
	}
	return res, nil
}

// match pairs one service with one CVE record found for it.
type match struct {
	serviceID string
	record    CVERecord
}

func (c *Correlator) run(ctx context.Context, session *engram.Session, tenantID, serviceID string, res *Result) {
	services, err := c.fetchServices(ctx, tenantID, serviceID)
	if err != nil {
		c.fail(session, res, fmt.Errorf("fetch services: %w", err))
		return
	}
	res.ServicesScanned = len(services)
	_ = session.SetContext(map[string]any{
		"tenant_id":     tenantID,
		"service_count": len(services),
	})

	if len(services) == 0 {
		_ = session.AddAction("no_services", "No services found to correlate", nil, true)
		return
	}

	_ = session.AddDecision("keyword_search", "Using NVD keyword search for service matching", 0.7)

	matches, cveIDs := c.searchServices(ctx, session, services, res)

	epssScores := map[string]float64{}
	if len(cveIDs) > 0 {
		epssScores, err = c.epss.Scores(ctx, cveIDs)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("EPSS enrichment: %v", err))
			c.log.Warn("EPSS enrichment failed", "error", err)
		}
	}

	kevSet := map[string]struct{}{}
	if set, err := c.kev.Catalog(ctx); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("KEV fetch: %v", err))
		c.log.Warn("KEV fetch failed", "error", err)
	} else {
		kevSet = set
	}

	for _, m := range matches {
		rec := m.record
		_, inKEV := kevSet[rec.CVEID]
		vuln := VulnRecord{
			CVEID:         rec.CVEID,
			Description:   rec.Description,
			CVSSScore:     rec.CVSSScore,
			CVSSVector:    rec.CVSSVector,
			Severity:      SeverityForCVSS(rec.CVSSScore),
			Exploitable:   inKEV,
			InCISAKEV:     inKEV,
			PublishedDate: rec.PublishedDate,
		}
		if score, ok := epssScores[rec.CVEID]; ok {
			vuln.EPSSScore = &score
		}

		if err := c.writeMatch(ctx, tenantID, m.serviceID, vuln); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("Graph write for %s: %v", rec.CVEID, err))
			c.log.Warn("vulnerability write failed", "cve_id", rec.CVEID, "error", err)
			continue
		}
		res.VulnerabilitiesFound++
		switch vuln.Severity {
		case agent.SeverityCritical:
			res.CriticalCount++
		case agent.SeverityHigh:
			res.HighCount++
		}
		if inKEV {
			res.KEVCount++
		}
	}

	// Details hold a copy so the engram id stamped afterwards stays out
	// of the hashed trail.
	_ = session.AddAction("correlation_complete",
		fmt.Sprintf("Found %d CVEs across %d services", res.VulnerabilitiesFound, res.ServicesScanned),
		*res, len(res.Errors) == 0)
}

// searchServices queries NVD per service and returns the surviving matches
// plus the sorted unique CVE ids for batch EPSS lookup. A failed search is
// recorded and skipped; version-filtered CVEs are tallied on the session.
func (c *Correlator) searchServices(ctx context.Context, session *engram.Session, services []graph.Node, res *Result) ([]match, []string) {
	var matches []match
	seen := make(map[string]struct{})
	filtered := 0

	for _, svc := range services {
		name := svc.Str("name")
		if name == "" {
			continue
		}
		version := svc.Str("version")
		keyword := name
		if version != "" {
			keyword = name + " " + version
		}

		records, err := c.nvd.SearchCVEs(ctx, keyword, cvesPerService)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("NVD search failed for %s: %v", name, err))
			c.log.Warn("NVD search failed", "service", name, "error", err)
			continue
		}
		for _, rec := range records {
			if !c.versionAffected(rec.CVEID, version) {
				filtered++
				continue
			}
			matches = append(matches, match{serviceID: svc.ID(), record: rec})
			seen[rec.CVEID] = struct{}{}
		}
	}

	if filtered > 0 {
		_ = session.AddAction("version_filter",
			fmt.Sprintf("Dropped %d CVEs outside their affected version ranges", filtered),
			map[string]any{"dropped": filtered}, true)
	}

	cveIDs := make([]string, 0, len(seen))
	for id := range seen {
		cveIDs = append(cveIDs, id)
	}
	sort.Strings(cveIDs)
	return matches, cveIDs
}

// versionAffected reports whether a service version falls inside the
// affected range registered for a CVE. Unregistered CVEs, absent versions
// and unparseable versions stay in scope: the filter only narrows on
// positive evidence.
func (c *Correlator) versionAffected(cveID, version string) bool {
	cons, ok := c.affected[cveID]
	if !ok || version == "" {
		return true
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return true
	}
	return cons.Check(v)
}

func (c *Correlator) writeMatch(ctx context.Context, tenantID, serviceID string, vuln VulnRecord) error {
	if err := c.sink.UpsertVulnerability(ctx, tenantID, vuln); err != nil {
		return err
	}
	return c.sink.LinkService(ctx, tenantID, serviceID, vuln.CVEID)
}

func (c *Correlator) fail(session *engram.Session, res *Result, err error) {
	res.Errors = append(res.Errors, err.Error())
	_ = session.AddAction("correlation_failed", err.Error(), nil, false)
	c.log.Error("correlation failed", "error", err)
}

// fetchServices returns the Service nodes in scope: the whole tenant, or a
// single service when serviceID is set.
func (c *Correlator) fetchServices(ctx context.Context, tenantID, serviceID string) ([]graph.Node, error) {
	f := graph.NodeFilter{Limit: serviceQueryLimit}
	if serviceID != "" {
		f.Filters = map[string]any{"id": serviceID}
		f.Limit = 1
	}
	return c.graph.QueryNodes(ctx, "Service", tenantID, f)
}
