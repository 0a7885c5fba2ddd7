package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemNode is an in-process ledger node with hash-chained transactions,
// per-account sequence enforcement, and a configurable finality threshold.
// It backs tests and local single-node runs; faults are scriptable so retry
// and reconciliation paths can be exercised deterministically.
type MemNode struct {
	mu       sync.RWMutex
	finality uint64
	height   uint64
	headHash string
	seqs     map[string]uint64
	txs      map[TxRef]*memTx
	state    map[string][]byte
	clock    func() time.Time

	submitFaults []error
	revertNext   map[string]bool
	unreachable  bool
}

type memTx struct {
	tx          SignedTx
	slot        uint64
	contentHash string
	prevHash    string
	reverted    bool
	includedAt  time.Time
}

// NewMemNode creates a node that treats a transaction as final once height
// has advanced finality slots past its inclusion slot.
func NewMemNode(finality uint64) *MemNode {
	return &MemNode{
		finality:   finality,
		headHash:   "genesis",
		seqs:       make(map[string]uint64),
		txs:        make(map[TxRef]*memTx),
		state:      make(map[string][]byte),
		clock:      time.Now,
		revertNext: make(map[string]bool),
	}
}

// WithClock overrides the clock for testing.
func (n *MemNode) WithClock(clock func() time.Time) *MemNode {
	n.clock = clock
	return n
}

// SubmitTx includes the transaction at the next slot. Out-of-order or reused
// sequence numbers are rejected the way a real ledger would reject them.
func (n *MemNode) SubmitTx(ctx context.Context, tx SignedTx) (TxRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.unreachable {
		return "", ErrNodeUnavailable
	}
	if len(n.submitFaults) > 0 {
		err := n.submitFaults[0]
		n.submitFaults = n.submitFaults[1:]
		return "", err
	}
	if tx.Sequence != n.seqs[tx.Account]+1 {
		return "", fmt.Errorf("%w: sequence %d, expected %d", ErrRejected, tx.Sequence, n.seqs[tx.Account]+1)
	}
	if len(tx.Key) == 0 || len(tx.Payload) == 0 {
		return "", fmt.Errorf("%w: empty key or payload", ErrRejected)
	}

	n.seqs[tx.Account] = tx.Sequence
	n.height++

	hashInput := struct {
		Account string `json:"account"`
		Seq     uint64 `json:"seq"`
		Key     string `json:"key"`
		Payload string `json:"payload"`
		Prev    string `json:"prev"`
	}{tx.Account, tx.Sequence, tx.Key, hex.EncodeToString(hashBytes(tx.Payload)), n.headHash}
	raw, err := json.Marshal(hashInput)
	if err != nil {
		return "", fmt.Errorf("marshal tx: %w", err)
	}
	contentHash := "sha256:" + hex.EncodeToString(hashBytes(raw))

	entry := &memTx{
		tx:          tx,
		slot:        n.height,
		contentHash: contentHash,
		prevHash:    n.headHash,
		includedAt:  n.clock(),
	}
	if n.revertNext[tx.Key] {
		entry.reverted = true
		delete(n.revertNext, tx.Key)
	} else {
		n.state[tx.Key] = append([]byte(nil), tx.Payload...)
	}

	ref := TxRef(contentHash)
	n.txs[ref] = entry
	n.headHash = contentHash
	return ref, nil
}

// TxReceipt reports inclusion, finality, and revert status for ref.
func (n *MemNode) TxReceipt(ctx context.Context, ref TxRef) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.unreachable {
		return Receipt{}, ErrNodeUnavailable
	}
	entry, ok := n.txs[ref]
	if !ok {
		return Receipt{Status: StatusUnknown}, nil
	}
	if entry.reverted {
		return Receipt{Status: StatusReverted, Slot: entry.slot}, nil
	}
	if n.height >= entry.slot+n.finality {
		return Receipt{Status: StatusConfirmed, Slot: entry.slot}, nil
	}
	return Receipt{Status: StatusPending, Slot: entry.slot}, nil
}

// ReadState returns the bytes last written against key.
func (n *MemNode) ReadState(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.unreachable {
		return nil, ErrNodeUnavailable
	}
	b, ok := n.state[key]
	if !ok {
		return nil, ErrStateNotFound
	}
	return append([]byte(nil), b...), nil
}

// AdvanceSlots moves the chain head forward without including transactions,
// pushing older inclusions past the finality threshold.
func (n *MemNode) AdvanceSlots(count uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.height += count
}

// FailSubmits queues err for the next count submissions.
func (n *MemNode) FailSubmits(err error, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := 0; i < count; i++ {
		n.submitFaults = append(n.submitFaults, err)
	}
}

// RevertNext marks the next transaction against key as included-but-reverted.
func (n *MemNode) RevertNext(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.revertNext[key] = true
}

// SetUnreachable toggles total node unavailability.
func (n *MemNode) SetUnreachable(down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unreachable = down
}

// Sequence returns the last accepted sequence for account.
func (n *MemNode) Sequence(account string) uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.seqs[account]
}

// TxCount returns the number of included transactions.
func (n *MemNode) TxCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.txs)
}

// VerifyChain checks the hash chain over all included transactions.
func (n *MemNode) VerifyChain() (bool, string) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	bySlot := make(map[uint64]*memTx, len(n.txs))
	for _, e := range n.txs {
		bySlot[e.slot] = e
	}
	prev := "genesis"
	for slot := uint64(1); slot <= n.height; slot++ {
		e, ok := bySlot[slot]
		if !ok {
			continue // empty slot
		}
		if e.prevHash != prev {
			return false, fmt.Sprintf("chain broken at slot %d", slot)
		}
		prev = e.contentHash
	}
	return true, "chain verified"
}

func hashBytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}
