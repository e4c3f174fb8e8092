package main

import (
	"fmt"
	"io"
	"os"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "migrate":
		return runMigrate(args[2:], stdout, stderr)
	case "sweep":
		return runSweep(args[2:], stdout, stderr)
	case "import":
		return runImport(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "settled %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServe(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "settled %s - contract-driven settlement and escrow engine\n", version)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  settled <command> [-config settled.yaml] [flags]")
	fmt.Fprintln(w, "")
	printCommand(w, "serve", "Run the HTTP API, confirmation sweep and outbox relay (default)")
	printCommand(w, "migrate", "Apply the database schema")
	printCommand(w, "sweep", "Expire overdue confirmations and drain the outbox once")
	printCommand(w, "import", "Validate and store contract documents (JSON or YAML)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration is read from the -config file, then SETTLED_* environment variables.")
	fmt.Fprintln(w, "")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}
