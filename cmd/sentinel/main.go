package main

import (
	"fmt"
	"io"
	"os"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "hunt":
		return runHuntCmd(args[2:], stdout, stderr)
	case "simulate":
		return runSimulateCmd(args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "engram":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: sentinel engram <verify|list>")
			return 2
		}
		return runEngramCmd(args[2:], stdout, stderr)
	case "policy":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: sentinel policy <check>")
			return 2
		}
		return runPolicyCmd(args[2:], stdout, stderr)
	case "vulns":
		return runVulnsCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "sentinel %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sSentinel %s%s\n", ColorBold+ColorBlue, "v"+version, ColorReset)
	fmt.Fprintf(w, "%sAutonomous security operations for multi-tenant environments.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  sentinel <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "AGENTS")
	printCommand(w, "hunt", "Run a hunt playbook against the SIEM")
	printCommand(w, "simulate", "Run an attack simulation against the asset graph")
	printCommand(w, "audit", "Audit resource configurations against benchmark rules")
	printCommand(w, "vulns", "Correlate discovered services with known CVEs")

	printSection(w, "ENGRAMS")
	printCommand(w, "engram", "Inspect the reasoning trail (verify/list)")

	printSection(w, "POLICY")
	printCommand(w, "policy", "Evaluate a one-off policy decision (check)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
