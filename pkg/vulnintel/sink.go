package vulnintel

import (
	"context"
	"sort"
	"sync"
	"time"
)

// VulnRecord is the enriched vulnerability a correlation run produces.
type VulnRecord struct {
	CVEID         string     `json:"cve_id"`
	Description   string     `json:"description,omitempty"`
	CVSSScore     *float64   `json:"cvss_score,omitempty"`
	CVSSVector    string     `json:"cvss_vector,omitempty"`
	EPSSScore     *float64   `json:"epss_score,omitempty"`
	Severity      string     `json:"severity"`
	Exploitable   bool       `json:"exploitable"`
	InCISAKEV     bool       `json:"in_cisa_kev"`
	PublishedDate *time.Time `json:"published_date,omitempty"`
}

// ServiceLink ties a service to a vulnerability it is exposed to.
type ServiceLink struct {
	ServiceID string `json:"service_id"`
	CVEID     string `json:"cve_id"`
}

// Sink receives correlation output. Both operations upsert: writing the
// same CVE or link twice refreshes the enrichment rather than duplicating
// it. The production implementation wraps the platform graph service.
type Sink interface {
	// UpsertVulnerability creates or refreshes one vulnerability record.
	UpsertVulnerability(ctx context.Context, tenantID string, v VulnRecord) error
	// LinkService connects a service to a vulnerability.
	LinkService(ctx context.Context, tenantID, serviceID, cveID string) error
}

// MemorySink is an in-process Sink for tests and demos.
type MemorySink struct {
	mu    sync.Mutex
	vulns map[string]map[string]VulnRecord // tenant -> cve -> record
	links map[string]map[ServiceLink]struct{}
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		vulns: make(map[string]map[string]VulnRecord),
		links: make(map[string]map[ServiceLink]struct{}),
	}
}

// UpsertVulnerability implements Sink.
func (s *MemorySink) UpsertVulnerability(_ context.Context, tenantID string, v VulnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vulns[tenantID] == nil {
		s.vulns[tenantID] = make(map[string]VulnRecord)
	}
	s.vulns[tenantID][v.CVEID] = v
	return nil
}

// LinkService implements Sink.
func (s *MemorySink) LinkService(_ context.Context, tenantID, serviceID, cveID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links[tenantID] == nil {
		s.links[tenantID] = make(map[ServiceLink]struct{})
	}
	s.links[tenantID][ServiceLink{ServiceID: serviceID, CVEID: cveID}] = struct{}{}
	return nil
}

// Vulnerabilities returns a tenant's records sorted by CVE id.
func (s *MemorySink) Vulnerabilities(tenantID string) []VulnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]VulnRecord, 0, len(s.vulns[tenantID]))
	for _, v := range s.vulns[tenantID] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CVEID < out[j].CVEID })
	return out
}

// Links returns a tenant's service links sorted by service then CVE id.
func (s *MemorySink) Links(tenantID string) []ServiceLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ServiceLink, 0, len(s.links[tenantID]))
	for l := range s.links[tenantID] {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceID != out[j].ServiceID {
			return out[i].ServiceID < out[j].ServiceID
		}
		return out[i].CVEID < out[j].CVEID
	})
	return out
}
