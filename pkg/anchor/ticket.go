// Package anchor canonicalizes records, writes their digests to the ledger,
// and reconciles ticket state with ledger state under partial failure.
package anchor

import (
	"errors"
	"time"
)

// State is the ticket lifecycle:
// PENDING -> SUBMITTED -> CONFIRMED | FAILED. FAILED tickets may be retried on
// the same ticket as long as the digest is unchanged.
type State string

const (
	StatePending   State = "PENDING"
	StateSubmitted State = "SUBMITTED"
	StateConfirmed State = "CONFIRMED"
	StateFailed    State = "FAILED"
)

// Failure reasons carried on FAILED tickets.
const (
	ReasonReverted            = "Reverted"
	ReasonConfirmationTimeout = "ConfirmationTimeout"
	ReasonNodeUnavailable     = "NodeUnavailable"
	ReasonRejected            = "Rejected"
	ReasonUnderfunded         = "Underfunded"
)

// Ticket tracks one (subject, digest) pair through anchoring. Exactly one
// ticket exists per pair; re-anchoring an unchanged digest is a no-op.
type Ticket struct {
	ID          string    `json:"id"`
	SubjectID   string    `json:"subject_id"`
	RecordKind  string    `json:"record_kind"`
	Digest      string    `json:"digest"`
	LedgerKey   string    `json:"ledger_key"`
	TxRef       string    `json:"tx_ref,omitempty"`
	State       State     `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	Attempts    int       `json:"attempts"`
	PollCycles  int       `json:"poll_cycles"`
	SubmittedAt time.Time `json:"submitted_at,omitzero"`
	ConfirmedAt time.Time `json:"confirmed_at,omitzero"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ErrNotFound is returned when no ticket matches the query.
var ErrNotFound = errors.New("ticket not found")

// ErrAnchorFailed is surfaced when submission attempts are exhausted; the
// ticket stays FAILED for manual or scheduled retry.
var ErrAnchorFailed = errors.New("anchor failed")
