package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Query is the fixed, auditable template for an oracle data request, e.g. a
// regional rainfall measurement over a window of days.
type Query struct {
	Region     string `json:"region" yaml:"region"`
	Metric     string `json:"metric" yaml:"metric"`
	WindowDays int    `json:"windowDays" yaml:"window_days"`
}

// OracleOutcome is the ledger-side consumer contract's authoritative view of
// a resolved request: the delivered measurement and the decision the contract
// encoded from it.
type OracleOutcome struct {
	Value    float64
	Decision Decision
}

// Oracle is the ledger-side oracle consumer surface. Request issues the
// on-ledger data request; Outcome re-reads the contract's authoritative state
// for a resolved request. A callback is only a trigger to call Outcome, never
// the source of truth.
type Oracle interface {
	Request(ctx context.Context, claimID string, q Query) (requestRef string, err error)
	Outcome(ctx context.Context, requestRef string) (OracleOutcome, error)
}

// CallbackHandler consumes oracle result callbacks.
type CallbackHandler interface {
	OnOracleCallback(ctx context.Context, requestRef string, result float64) error
}

// MemOracle simulates the oracle network and its ledger-resident consumer
// contract: Deliver records the authoritative outcome (applying the same
// decision rule the deployed contract is configured with) and then notifies
// the subscribed handler, mirroring the event subscription of a real ledger.
type MemOracle struct {
	mu       sync.Mutex
	policy   *DecisionPolicy
	handler  CallbackHandler
	requests map[string]memOracleRequest
	outcomes map[string]OracleOutcome
}

type memOracleRequest struct {
	claimID string
	query   Query
}

// NewMemOracle creates a simulated oracle whose consumer contract applies
// policy as its on-ledger decision rule.
func NewMemOracle(policy *DecisionPolicy) *MemOracle {
	return &MemOracle{
		policy:   policy,
		requests: make(map[string]memOracleRequest),
		outcomes: make(map[string]OracleOutcome),
	}
}

// Subscribe registers the callback consumer.
func (o *MemOracle) Subscribe(h CallbackHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handler = h
}

func (o *MemOracle) Request(ctx context.Context, claimID string, q Query) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	ref := "oreq-" + uuid.NewString()
	o.requests[ref] = memOracleRequest{claimID: claimID, query: q}
	return ref, nil
}

func (o *MemOracle) Outcome(ctx context.Context, requestRef string) (OracleOutcome, error) {
	if err := ctx.Err(); err != nil {
		return OracleOutcome{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	out, ok := o.outcomes[requestRef]
	if !ok {
		return OracleOutcome{}, fmt.Errorf("no outcome for request %s", requestRef)
	}
	return out, nil
}

// Deliver resolves a request with a measurement: the consumer contract
// records the authoritative outcome, then the off-chain handler is notified.
func (o *MemOracle) Deliver(ctx context.Context, requestRef string, value float64) error {
	o.mu.Lock()
	if _, ok := o.requests[requestRef]; !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: oracle request %s", ErrNotFound, requestRef)
	}
	decision, err := o.policy.Evaluate(value)
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("consumer decision rule: %w", err)
	}
	o.outcomes[requestRef] = OracleOutcome{Value: value, Decision: decision}
	handler := o.handler
	o.mu.Unlock()

	if handler == nil {
		return nil
	}
	return handler.OnOracleCallback(ctx, requestRef, value)
}
