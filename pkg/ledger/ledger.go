// Package ledger wraps connect, sign, submit, and poll-for-receipt against a
// ledger node. It owns the single signing identity and serializes every
// submission through one writer so the identity's sequence number can never be
// corrupted by concurrent callers.
package ledger

import (
	"context"
	"errors"
)

// TxRef is an opaque reference to a submitted transaction.
type TxRef string

// Status classifies a transaction receipt.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusReverted  Status = "reverted"
)

// Receipt reports the ledger's view of a submitted transaction. A transaction
// that is included but not yet past the finality threshold is pending, not
// confirmed.
type Receipt struct {
	Status Status
	Slot   uint64
}

// SignedTx is a sequenced write of Payload against Key from one identity.
type SignedTx struct {
	Account  string
	Sequence uint64
	Key      string
	Payload  []byte
}

var (
	// ErrNodeUnavailable is transient; callers retry with bounded backoff.
	ErrNodeUnavailable = errors.New("ledger node unavailable")

	// ErrUnderfunded means the identity cannot pay fees. Fatal until funded.
	ErrUnderfunded = errors.New("signing identity underfunded")

	// ErrRejected means the ledger refused the payload. Fatal caller error.
	ErrRejected = errors.New("transaction rejected by ledger")

	// ErrStateNotFound is returned by ReadState for an unknown key.
	ErrStateNotFound = errors.New("ledger state not found")
)

// Node is the minimal ledger capability surface: sequenced writes, receipt
// polling, and public state reads.
type Node interface {
	// SubmitTx submits a signed transaction and returns its reference.
	SubmitTx(ctx context.Context, tx SignedTx) (TxRef, error)

	// TxReceipt is a pure read, safe to poll repeatedly.
	TxReceipt(ctx context.Context, ref TxRef) (Receipt, error)

	// ReadState reads ledger-resident state under key.
	ReadState(ctx context.Context, key string) ([]byte, error)
}
