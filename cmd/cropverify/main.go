// Command cropverify recomputes a provenance record's canonical digest and
// checks it against an anchored digest, without talking to a ledger node. The
// anchored side comes either from a digest passed on the command line or from
// an anchor envelope JSON exported from the ledger.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/cropledger-labs/cropledger/pkg/anchor"
	"github.com/cropledger-labs/cropledger/pkg/canonical"
	"github.com/cropledger-labs/cropledger/pkg/ledger"
	"github.com/cropledger-labs/cropledger/pkg/verify"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// Exit codes:
//
//	0 = digests match
//	1 = digests differ
//	2 = runtime error
func run(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("cropverify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		recordPath   string
		kind         string
		subject      string
		digest       string
		envelopePath string
		jsonOutput   bool
	)

	cmd.StringVar(&recordPath, "record", "", "Path to the record JSON file (REQUIRED)")
	cmd.StringVar(&kind, "kind", canonical.RecordProduceBatch, "Record kind: produce_batch or claim_outcome")
	cmd.StringVar(&subject, "subject", "", "Subject ID the record was anchored under")
	cmd.StringVar(&digest, "digest", "", "Expected digest (lowercase hex)")
	cmd.StringVar(&envelopePath, "envelope", "", "Path to an anchor envelope JSON exported from the ledger")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if recordPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --record is required")
		cmd.Usage()
		return 2
	}
	if digest == "" && envelopePath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: one of --digest or --envelope is required")
		return 2
	}

	data, err := os.ReadFile(recordPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot read record: %v\n", err)
		return 2
	}
	var rec canonical.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: record is not valid JSON: %v\n", err)
		return 2
	}

	var result *verify.Result
	if envelopePath != "" {
		svc := verify.New(envelopeFile(envelopePath))
		result, err = svc.Verify(context.Background(), subject, kind, rec, envelopePath)
	} else {
		var recomputed string
		recomputed, err = canonical.Digest(kind, rec)
		if err == nil {
			result = &verify.Result{
				Match:         recomputed == digest,
				RecomputedHex: recomputed,
				AnchoredHex:   digest,
			}
		}
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
	} else if result.Match {
		_, _ = fmt.Fprintln(stdout, "MATCH")
		_, _ = fmt.Fprintf(stdout, "  digest: %s\n", result.RecomputedHex)
	} else {
		_, _ = fmt.Fprintln(stdout, "MISMATCH")
		_, _ = fmt.Fprintf(stdout, "  recomputed: %s\n", result.RecomputedHex)
		_, _ = fmt.Fprintf(stdout, "  anchored:   %s\n", result.AnchoredHex)
	}

	if !result.Match {
		return 1
	}
	return 0
}

// envelopeFile serves a single on-disk anchor envelope as ledger state, so the
// same verification path works offline against an export.
type envelopeFile string

func (f envelopeFile) ReadState(_ context.Context, _ string) ([]byte, error) {
	data, err := os.ReadFile(string(f))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ledger.ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}
	// Sanity check up front so a truncated export reads as a bad envelope,
	// not a mismatch.
	var env anchor.Envelope
	if jsonErr := json.Unmarshal(data, &env); jsonErr != nil {
		return nil, fmt.Errorf("parse envelope %s: %w", f, jsonErr)
	}
	return data, nil
}
