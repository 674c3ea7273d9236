package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/trust"
	"github.com/settld-labs/settld/pkg/verifier"
)

// runVerify checks an artifact or bundle without any service dependency.
// Exit 0 means verified, 1 means verification failed, 2 means the input was
// unusable.
func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	format := fs.String("format", "text", "output format: text or json")
	trustFile := fs.String("trust", "", "trusted keys file (JSON); defaults to env roots")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: settld verify [--format json] [--trust file] <target>")
		return 2
	}
	target := fs.Arg(0)

	snap, err := loadTrust(*trustFile)
	if err != nil {
		fmt.Fprintf(stderr, "trust: %v\n", err)
		return 2
	}

	core, report := verifier.VerifyFile(target, verifier.Options{Trust: snap})

	if *format == "json" {
		out, err := verifier.BuildOutput(core, contracts.FormatTime(time.Now().UTC()))
		if err != nil {
			fmt.Fprintf(stderr, "output: %v\n", err)
			return 2
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(stderr, "encode: %v\n", err)
			return 2
		}
		return core.ExitCode
	}

	if core.OK && core.VerificationOK {
		fmt.Fprintf(stdout, "OK %s (%s)\n", target, core.SchemaVersion)
	} else {
		fmt.Fprintf(stdout, "FAILED %s\n", target)
	}
	for _, e := range report.Errors {
		if e.Path != "" {
			fmt.Fprintf(stdout, "  error %s at %s: %s\n", e.Code, e.Path, e.Message)
		} else {
			fmt.Fprintf(stdout, "  error %s: %s\n", e.Code, e.Message)
		}
	}
	for _, w := range report.Warnings {
		fmt.Fprintf(stdout, "  warning %s: %s\n", w.Code, w.Message)
	}
	return core.ExitCode
}

func loadTrust(path string) (*trust.Snapshot, error) {
	if path != "" {
		return trust.LoadFile(path)
	}
	return trust.LoadEnv(os.Getenv)
}
