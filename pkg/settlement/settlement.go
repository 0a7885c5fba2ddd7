// Package settlement tracks oracle-evaluated subsidy claims from request to a
// terminal state and hands resolved outcomes to the anchor service. The
// callback from the oracle network and the local timeout are competing events
// into one per-claim transition function; exactly one wins and the loser is
// discarded.
package settlement

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the settlement lifecycle:
// AWAITING_ORACLE -> ORACLE_REQUESTED -> ORACLE_RESOLVED -> ANCHORING ->
// SETTLED | ANCHOR_FAILED.
type State string

const (
	StateAwaitingOracle  State = "AWAITING_ORACLE"
	StateOracleRequested State = "ORACLE_REQUESTED"
	StateOracleResolved  State = "ORACLE_RESOLVED"
	StateAnchoring       State = "ANCHORING"
	StateSettled         State = "SETTLED"
	StateAnchorFailed    State = "ANCHOR_FAILED"
)

// Decision is the claim outcome.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Failure reasons carried on ANCHOR_FAILED settlements.
const (
	ReasonOracleTimeout = "OracleTimeout"
	ReasonAnchorFailed  = "AnchorFailed"
	ReasonOracleError   = "OracleError"
)

// Settlement is the off-chain record of one claim's automated evaluation.
type Settlement struct {
	ClaimID       string    `json:"claim_id"`
	Amount        float64   `json:"amount"`
	RequestRef    string    `json:"request_ref,omitempty"`
	OracleResult  *float64  `json:"oracle_result,omitempty"`
	Decision      Decision  `json:"decision"`
	PolicyVersion string    `json:"policy_version,omitempty"`
	LedgerRef     string    `json:"ledger_ref,omitempty"`
	TicketID      string    `json:"ticket_id,omitempty"`
	State         State     `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	Deadline      time.Time `json:"deadline,omitzero"`
	RequestedAt   time.Time `json:"requested_at,omitzero"`
	ResolvedAt    time.Time `json:"resolved_at,omitzero"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Terminal reports whether no further transitions are possible.
func (s *Settlement) Terminal() bool {
	return s.State == StateSettled || s.State == StateAnchorFailed
}

var (
	// ErrNotFound is returned when no settlement matches the query.
	ErrNotFound = errors.New("settlement not found")

	// ErrRequestAlreadyPending rejects a second evaluation request while one
	// is outstanding. Caller error, never retried automatically.
	ErrRequestAlreadyPending = errors.New("oracle request already pending")

	// ErrClaimSettled rejects re-evaluation of a settled claim.
	ErrClaimSettled = errors.New("claim already settled")
)

// Store persists settlements.
type Store interface {
	Create(ctx context.Context, s *Settlement) error
	Update(ctx context.Context, s *Settlement) error
	Get(ctx context.Context, claimID string) (*Settlement, error)
	GetByRequestRef(ctx context.Context, requestRef string) (*Settlement, error)
	ListByState(ctx context.Context, state State) ([]*Settlement, error)
}

// MemStore is an in-memory Store for tests and local runs.
type MemStore struct {
	mu    sync.RWMutex
	byID  map[string]*Settlement
	byRef map[string]string
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		byID:  make(map[string]*Settlement),
		byRef: make(map[string]string),
	}
}

func (m *MemStore) Create(ctx context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.byID[s.ClaimID] = &cp
	if s.RequestRef != "" {
		m.byRef[s.RequestRef] = s.ClaimID
	}
	return nil
}

func (m *MemStore) Update(ctx context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[s.ClaimID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.byID[s.ClaimID] = &cp
	if s.RequestRef != "" {
		m.byRef[s.RequestRef] = s.ClaimID
	}
	return nil
}

func (m *MemStore) Get(ctx context.Context, claimID string) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[claimID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) GetByRequestRef(ctx context.Context, requestRef string) (*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRef[requestRef]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemStore) ListByState(ctx context.Context, state State) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Settlement
	for _, s := range m.byID {
		if s.State == state {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}
