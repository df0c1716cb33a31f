package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/sentinel-platform/sentinel/core/pkg/audit"
	"github.com/sentinel-platform/sentinel/core/pkg/config"
	"github.com/sentinel-platform/sentinel/core/pkg/engram"
	"github.com/sentinel-platform/sentinel/core/pkg/observability"
)

// runAuditCmd implements `sentinel audit`.
//
// Evaluates the benchmark rule catalog against a tenant's graph snapshot
// and reports misconfigurations and drift. Read-only against the graph.
//
// Exit codes:
//
//	0 = audit completed, no critical findings
//	1 = audit failed or critical findings present (with --strict)
//	2 = usage or wiring error
func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenantID   string
		assetID    string
		graphPath  string
		cloud      string
		strict     bool
		jsonOutput bool
	)

	cmd.StringVar(&tenantID, "tenant", "", "Tenant id (REQUIRED)")
	cmd.StringVar(&assetID, "asset", "", "Audit a single asset instead of the whole tenant")
	cmd.StringVar(&graphPath, "graph", "", "Path to a graph snapshot JSON file (REQUIRED)")
	cmd.StringVar(&cloud, "cloud", "", "Narrow the catalog to one provider: aws, azure, or gcp")
	cmd.BoolVar(&strict, "strict", false, "Exit non-zero when critical findings exist")
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

	auditor, err := audit.New(reader, audit.WithStore(engram.NewFileStore(cfg.EngramDir)))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, finish := obs.TrackOperation(ctx, "agent.audit",
		observability.AgentRun(tenantID, "audit", "cis-benchmark")...)

	var res *audit.Result
	if assetID != "" {
		res, err = auditor.AuditAsset(ctx, tenantID, assetID)
	} else {
		res, err = auditor.AuditTenant(ctx, tenantID, audit.CloudTarget(cloud))
	}
	finish(err)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		printJSON(stdout, res)
	} else {
		fmt.Fprintf(stdout, "%sConfiguration audit%s [engram %s]\n", ColorBold, ColorReset, res.EngramID)
		fmt.Fprintf(stdout, "  Resources: %d  Rules: %d  Findings: %d  Drifts: %d\n",
			res.ResourcesScanned, res.RulesEvaluated, res.FindingsCreated, res.ConfigDrifts)
		fmt.Fprintf(stdout, "  Severity:  critical=%d high=%d medium=%d low=%d info=%d\n",
			res.CriticalCount, res.HighCount, res.MediumCount, res.LowCount, res.InfoCount)
		for _, f := range res.Findings {
			fmt.Fprintf(stdout, "    [%s] %s\n", f.Severity, f.Title)
		}
		for _, e := range res.Errors {
			fmt.Fprintf(stdout, "  Error: %s\n", e)
		}
	}

	if len(res.Errors) > 0 {
		return 1
	}
	if strict && res.CriticalCount > 0 {
		return 1
	}
	return 0
}
