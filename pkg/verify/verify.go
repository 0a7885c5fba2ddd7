// Package verify recomputes a record's digest and compares it against the
// digest anchored on the ledger. Verification needs only the original record
// and a ledger reference; it holds no state and trusts only the
// canonicalization rules and the ledger read.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cropledger-labs/cropledger/pkg/anchor"
	"github.com/cropledger-labs/cropledger/pkg/canonical"
	"github.com/cropledger-labs/cropledger/pkg/ledger"
)

var (
	// ErrRecordNotFound means the ledger holds no entry for the reference.
	ErrRecordNotFound = errors.New("no anchored record for reference")

	// ErrLedgerUnreachable is retryable; it is never reported as a mismatch.
	ErrLedgerUnreachable = errors.New("ledger unreachable")
)

// StateReader is the narrow ledger read surface verification needs. It is
// deliberately not the submission client.
type StateReader interface {
	ReadState(ctx context.Context, key string) ([]byte, error)
}

// Result is the ephemeral outcome of one verification call.
type Result struct {
	Match         bool   `json:"match"`
	RecomputedHex string `json:"recomputed_digest_hex"`
	AnchoredHex   string `json:"anchored_digest_hex"`
	LedgerRef     string `json:"ledger_ref"`
}

// Service verifies records against anchored digests.
type Service struct {
	reader StateReader
	logger *slog.Logger
}

// New creates a verification service over a ledger state reader.
func New(reader StateReader) *Service {
	return &Service{
		reader: reader,
		logger: slog.Default().With("component", "verify"),
	}
}

// Verify recomputes the digest of rec with the exact canonicalization rules
// used at anchoring time and compares it with the digest stored under
// ledgerRef. It mutates nothing.
func (s *Service) Verify(ctx context.Context, subjectID, kind string, rec canonical.Record, ledgerRef string) (*Result, error) {
	recomputed, err := canonical.Digest(kind, rec)
	if err != nil {
		return nil, err
	}

	raw, err := s.reader.ReadState(ctx, ledgerRef)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrStateNotFound):
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, ledgerRef)
		case errors.Is(err, ledger.ErrNodeUnavailable):
			return nil, fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
		}
	}

	var env anchor.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed anchor envelope at %s: %w", ledgerRef, err)
	}
	if env.Subject != "" && env.Subject != subjectID {
		return nil, fmt.Errorf("%w: envelope subject %q does not match %q", ErrRecordNotFound, env.Subject, subjectID)
	}

	res := &Result{
		Match:         recomputed == env.Digest,
		RecomputedHex: recomputed,
		AnchoredHex:   env.Digest,
		LedgerRef:     ledgerRef,
	}
	if !res.Match {
		s.logger.WarnContext(ctx, "digest mismatch",
			"subject", subjectID, "ledger_ref", ledgerRef)
	}
	return res, nil
}
