package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/settld-labs/settld/pkg/conform"
	"github.com/settld-labs/settld/pkg/contracts"
	"github.com/settld-labs/settld/pkg/fault"
	"github.com/settld-labs/settld/pkg/trust"
	"github.com/settld-labs/settld/pkg/verifier"
)

// runConform runs a conformance pack against the built-in verifier and
// seals the run report plus cert bundle. Exit 0 when every case passes,
// 1 when any fails, 2 on a harness or pack error.
func runConform(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("conform", flag.ContinueOnError)
	fs.SetOutput(stderr)
	packDir := fs.String("pack", "", "conformance pack directory")
	strict := fs.Bool("strict-artifacts", false, "re-verify the sealed report and cert before exiting")
	jsonOut := fs.Bool("json", false, "emit the run report and cert bundle as JSON")
	writeGolden := fs.Bool("write-golden", false, "write each case's effective bundle to <pack>/golden/ instead of running")
	trustFile := fs.String("trust", "", "trusted keys file (JSON); defaults to env roots")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *packDir == "" {
		fmt.Fprintln(stderr, "usage: settld conform --pack <dir> [--strict-artifacts] [--json]")
		return 2
	}

	snap, err := loadTrust(*trustFile)
	if err != nil {
		fmt.Fprintf(stderr, "trust: %v\n", err)
		return 2
	}

	pack, err := conform.LoadPack(*packDir)
	if err != nil {
		fmt.Fprintf(stderr, "pack: %v\n", err)
		return 2
	}

	if *writeGolden {
		if err := writeGoldenBundles(pack, stdout); err != nil {
			fmt.Fprintf(stderr, "golden: %v\n", err)
			return 2
		}
		return 0
	}

	runner := conform.NewRunner(verifierAdapter(snap))
	generatedAt := contracts.FormatTime(time.Now().UTC())
	rep, err := runner.Run(context.Background(), pack, generatedAt)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 2
	}
	cert, err := conform.BuildCertBundle(rep, generatedAt)
	if err != nil {
		fmt.Fprintf(stderr, "cert: %v\n", err)
		return 2
	}

	if *strict {
		if r := conform.StrictCheck(rep, cert); !r.OK {
			for _, e := range r.Errors {
				fmt.Fprintf(stderr, "strict: %s %s\n", e.Code, e.Message)
			}
			return 1
		}
	}

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{"report": rep, "cert": cert}); err != nil {
			fmt.Fprintf(stderr, "encode: %v\n", err)
			return 2
		}
	} else {
		t := rep.ReportCore.Totals
		fmt.Fprintf(stdout, "pack %s@%s: %d/%d passed\n",
			rep.ReportCore.PackName, rep.ReportCore.PackVersion, t.Passed, t.Total)
		for _, c := range rep.ReportCore.Cases {
			if c.Pass {
				continue
			}
			fmt.Fprintf(stdout, "  FAIL %s (%s)\n", c.CaseID, c.Kind)
			for _, d := range c.Diffs {
				fmt.Fprintf(stdout, "    %s\n", d)
			}
		}
	}

	if rep.ReportCore.Pass {
		return 0
	}
	return 1
}

// verifierAdapter bridges the offline verifier into the harness. Fault
// codes from the report become the outcome's error codes so cases can
// assert on them.
func verifierAdapter(snap *trust.Snapshot) conform.VerifierFunc {
	return func(ctx context.Context, path string) (conform.Outcome, error) {
		core, report := verifier.VerifyFile(path, verifier.Options{Trust: snap})
		return conform.Outcome{
			ExitCode:       core.ExitCode,
			OK:             core.OK,
			VerificationOK: core.VerificationOK,
			ErrorCodes:     entryCodes(report.Errors),
			WarningCodes:   entryCodes(report.Warnings),
		}, nil
	}
}

// writeGoldenBundles materializes every case's post-mutation bundle under
// <pack>/golden so fixtures can be inspected or regenerated against a new
// harness release.
func writeGoldenBundles(pack *conform.Pack, stdout io.Writer) error {
	dir := filepath.Join(pack.Root, "golden")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, c := range pack.Cases {
		data, err := os.ReadFile(filepath.Join(pack.Root, c.BundlePath))
		if err != nil {
			return fmt.Errorf("case %s: %w", c.ID, err)
		}
		if len(c.Mutations) > 0 {
			if data, err = conform.ApplyMutations(data, c.Mutations); err != nil {
				return fmt.Errorf("case %s: %w", c.ID, err)
			}
		}
		out := filepath.Join(dir, c.ID+".zip")
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %s\n", out)
	}
	return nil
}

func entryCodes(entries []fault.ReportEntry) []string {
	codes := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Code == "" || seen[e.Code] {
			continue
		}
		seen[e.Code] = true
		codes = append(codes, e.Code)
	}
	return codes
}
