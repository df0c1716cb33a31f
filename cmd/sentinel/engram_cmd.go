package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/sentinel-platform/sentinel/core/pkg/config"
	"github.com/sentinel-platform/sentinel/core/pkg/engram"
)

// runEngramCmd implements `sentinel engram <verify|list>`.
func runEngramCmd(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "verify":
		return runEngramVerify(args[1:], stdout, stderr)
	case "list":
		return runEngramList(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown engram subcommand: %s\n", args[0])
		_, _ = fmt.Fprintln(stderr, "Usage: sentinel engram <verify|list>")
		return 2
	}
}

// runEngramVerify re-hashes stored engrams and reports tampering.
//
// With --id one record is checked; with --tenant every record of that
// tenant. Exit codes: 0 all verified, 1 integrity failure, 2 usage error.
func runEngramVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("engram verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		id         string
		tenantID   string
		jsonOutput bool
	)
	cmd.StringVar(&id, "id", "", "Engram id to verify")
	cmd.StringVar(&tenantID, "tenant", "", "Verify every engram of this tenant")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" && tenantID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id or --tenant is required")
		cmd.Usage()
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg)
	ctx := context.Background()
	store := engram.NewFileStore(cfg.EngramDir)

	type verdict struct {
		ID       string `json:"id"`
		AgentID  string `json:"agent_id,omitempty"`
		Verified bool   `json:"verified"`
		Error    string `json:"error,omitempty"`
	}
	var report []verdict

	if id != "" {
		v := verdict{ID: id, Verified: true}
		e, err := store.Get(ctx, id)
		if err != nil {
			v.Verified = false
			v.Error = err.Error()
		} else {
			v.AgentID = e.AgentID
		}
		report = append(report, v)
	} else {
		list, err := store.List(ctx, engram.Query{TenantID: tenantID})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		for _, e := range list {
			v := verdict{ID: e.ID, AgentID: e.AgentID, Verified: e.VerifyIntegrity()}
			if !v.Verified {
				v.Error = engram.ErrIntegrity.Error()
			}
			report = append(report, v)
		}
	}

	failed := 0
	for _, v := range report {
		if !v.Verified {
			failed++
		}
	}

	if jsonOutput {
		printJSON(stdout, report)
	} else {
		for _, v := range report {
			mark := "ok"
			if !v.Verified {
				mark = "FAILED: " + v.Error
			}
			fmt.Fprintf(stdout, "  %s  %s\n", v.ID, mark)
		}
		fmt.Fprintf(stdout, "%d engrams checked, %d failed\n", len(report), failed)
	}

	if failed > 0 {
		return 1
	}
	return 0
}

// runEngramList lists stored engrams, newest first.
func runEngramList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("engram list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenantID   string
		agentID    string
		since      time.Duration
		jsonOutput bool
	)
	cmd.StringVar(&tenantID, "tenant", "", "Tenant id (REQUIRED)")
	cmd.StringVar(&agentID, "agent", "", "Filter by agent id")
	cmd.DurationVar(&since, "since", 0, "Only engrams started within this window, e.g. 24h")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the list as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenantID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --tenant is required")
		cmd.Usage()
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg)
	store := engram.NewFileStore(cfg.EngramDir)

	q := engram.Query{TenantID: tenantID, AgentID: agentID}
	if since > 0 {
		q.From = time.Now().UTC().Add(-since)
	}

	list, err := store.List(context.Background(), q)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		printJSON(stdout, list)
		return 0
	}

	if len(list) == 0 {
		fmt.Fprintln(stdout, "no engrams found")
		return 0
	}
	for _, e := range list {
		fmt.Fprintf(stdout, "  %s  %-20s %s  decisions=%d actions=%d\n",
			e.StartedAt.UTC().Format(time.RFC3339), e.AgentID, e.ID,
			len(e.Decisions), len(e.Actions))
	}
	fmt.Fprintf(stdout, "%d engrams\n", len(list))
	return 0
}
