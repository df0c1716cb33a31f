// Package vulnintel correlates discovered services with known CVEs.
//
// Three public feeds contribute: NVD supplies the CVE records themselves,
// FIRST.org's EPSS adds exploit-prediction scores, and the CISA KEV catalog
// marks vulnerabilities with confirmed in-the-wild exploitation. The
// Correlator joins a tenant's service inventory from the digital-twin graph
// against those feeds and writes enriched vulnerability records through a
// Sink. Every run is recorded as an engram session under the
// vuln-correlation agent id.
package vulnintel

import (
	"time"

	"github.com/sentinel-platform/sentinel/core/pkg/agent"
)

// SeverityNone marks CVEs that carry no CVSS score.
const SeverityNone = "none"

// CVERecord is one CVE as returned by the NVD API. Score, vector and
// published date are absent on records NVD has not yet analyzed.
type CVERecord struct {
	CVEID         string     `json:"cve_id"`
	Description   string     `json:"description,omitempty"`
	CVSSScore     *float64   `json:"cvss_score,omitempty"`
	CVSSVector    string     `json:"cvss_vector,omitempty"`
	PublishedDate *time.Time `json:"published_date,omitempty"`
}

// SeverityForCVSS maps a CVSS v3.1 base score onto the platform severity
// scale. Unscored CVEs map to none, not low.
func SeverityForCVSS(score *float64) string {
	switch {
	case score == nil:
		return SeverityNone
	case *score >= 9.0:
		return agent.SeverityCritical
	case *score >= 7.0:
		return agent.SeverityHigh
	case *score >= 4.0:
		return agent.SeverityMedium
	case *score > 0.0:
		return agent.SeverityLow
	default:
		return SeverityNone
	}
}
