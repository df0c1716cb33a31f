package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sentinel-platform/sentinel/core/pkg/config"
	"github.com/sentinel-platform/sentinel/core/pkg/engram"
	"github.com/sentinel-platform/sentinel/core/pkg/observability"
	"github.com/sentinel-platform/sentinel/core/pkg/vulnintel"
)

// runVulnsCmd implements `sentinel vulns`.
//
// Correlates the services in a tenant's graph snapshot with known CVEs via
// the NVD, enriched with EPSS scores and the CISA KEV catalog. Needs
// network access to the public feeds (or NVD_URL/EPSS_URL/KEV_URL pointed
// at mirrors).
//
// Exit codes:
//
//	0 = correlation completed
//	1 = correlation failed or degraded (feed errors)
//	2 = usage or wiring error
func runVulnsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("vulns", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenantID     string
		serviceID    string
		graphPath    string
		versionsPath string
		jsonOutput   bool
	)
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id (REQUIRED)")
	cmd.StringVar(&serviceID, "service", "", "Correlate a single service instead of the whole tenant")
	cmd.StringVar(&graphPath, "graph", "", "Path to a graph snapshot JSON file (REQUIRED)")
	cmd.StringVar(&versionsPath, "versions", "", "Path to a JSON map of CVE id to affected-version range")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenantID == "" || graphPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --tenant and --graph are required")
		cmd.Usage()
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg)
	ctx := context.Background()

	obs, err := newTelemetry(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: telemetry init: %v\n", err)
		return 2
	}
	defer func() { _ = obs.Shutdown(ctx) }()

	reader, err := loadGraph(graphPath, tenantID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var ranges map[string]string
	if versionsPath != "" {
		data, err := os.ReadFile(versionsPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: read versions file: %v\n", err)
			return 2
		}
		if err := json.Unmarshal(data, &ranges); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: parse versions file: %v\n", err)
			return 2
		}
	}

	nvd := vulnintel.NewNVDClient(vulnintel.NVDConfig{BaseURL: cfg.NVDBaseURL, APIKey: cfg.NVDAPIKey})
	epss := vulnintel.NewEPSSClient(vulnintel.EPSSConfig{BaseURL: cfg.EPSSBaseURL})
	kev := vulnintel.NewKEVClient(vulnintel.KEVConfig{URL: cfg.KEVURL})
	sink := vulnintel.NewMemorySink()

	opts := []vulnintel.Option{vulnintel.WithStore(engram.NewFileStore(cfg.EngramDir))}
	if len(ranges) > 0 {
		opts = append(opts, vulnintel.WithAffectedVersions(ranges))
	}
	correlator, err := vulnintel.New(reader, nvd, epss, kev, sink, opts...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, finish := obs.TrackOperation(ctx, "agent.vulns",
		observability.AgentRun(tenantID, "vuln-correlation", "nvd-keyword")...)

	var res *vulnintel.Result
	if serviceID != "" {
		res, err = correlator.CorrelateService(ctx, tenantID, serviceID)
	} else {
		res, err = correlator.CorrelateTenant(ctx, tenantID)
	}
	finish(err)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		printJSON(stdout, map[string]any{
			"result":          res,
			"vulnerabilities": sink.Vulnerabilities(tenantID),
			"links":           sink.Links(tenantID),
		})
	} else {
		fmt.Fprintf(stdout, "%sVulnerability correlation%s [engram %s]\n", ColorBold, ColorReset, res.EngramID)
		fmt.Fprintf(stdout, "  Services: %d  CVEs: %d  critical=%d high=%d kev=%d\n",
			res.ServicesScanned, res.VulnerabilitiesFound,
			res.CriticalCount, res.HighCount, res.KEVCount)
		for _, v := range sink.Vulnerabilities(tenantID) {
			marker := ""
			if v.InCISAKEV {
				marker = "  (KEV)"
			}
			fmt.Fprintf(stdout, "    [%s] %s%s\n", v.Severity, v.CVEID, marker)
		}
		for _, e := range res.Errors {
			fmt.Fprintf(stdout, "  Error: %s\n", e)
		}
	}

	if len(res.Errors) > 0 {
		return 1
	}
	return 0
}
