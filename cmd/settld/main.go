// Command settld runs the settlement substrate: the HTTP server with its
// background workers (default), the standalone offline verifier, the
// conformance harness, and key utilities.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches to a subcommand. Exit codes follow the verifier convention:
// 0 passed, 1 failed, 2 unusable input or runtime error.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(nil, stdout, stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(args[2:], stdout, stderr)
	case "worker":
		return runWorker(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "conform", "conformance":
		return runConform(args[2:], stdout, stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServer(args[1:], stdout, stderr)
		}
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "settld <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server    Run the API server and background workers (default)")
	fmt.Fprintln(w, "  worker    Run only the delivery and retention workers")
	fmt.Fprintln(w, "  verify    Verify an artifact or bundle offline (--format json)")
	fmt.Fprintln(w, "  conform   Run a conformance pack against the verifier")
	fmt.Fprintln(w, "  keygen    Generate an Ed25519 signing keypair")
	fmt.Fprintln(w, "  help      Show this help")
}
