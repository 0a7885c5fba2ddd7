package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cropledger-labs/cropledger/pkg/anchor"
	"github.com/cropledger-labs/cropledger/pkg/canonical"
)

// Anchorer records settlement outcomes on the ledger.
type Anchorer interface {
	Anchor(ctx context.Context, subjectID, kind string, rec canonical.Record) (*anchor.Ticket, error)
}

// Metrics receives settlement counters; see pkg/observability.
type Metrics interface {
	RecordClaimResolved(ctx context.Context, decision string, elapsed time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordClaimResolved(context.Context, string, time.Duration) {}

// Coordinator drives each claim's settlement state machine. Events for
// different claims are processed concurrently; events for the same claim are
// serialized behind a per-claim lock, so the oracle callback and the local
// timeout can never both win.
type Coordinator struct {
	store   Store
	oracle  Oracle
	anchors Anchorer
	policy  *DecisionPolicy
	dedup   DedupRegistry
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics Metrics
	clock   func() time.Time

	timeout       time.Duration
	sweepInterval time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithOracleTimeout bounds how long a claim may wait in ORACLE_REQUESTED.
func WithOracleTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.timeout = d }
}

// WithSweepInterval sets the overdue-request sweep cadence.
func WithSweepInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.sweepInterval = d }
}

// WithDedup replaces the process-local duplicate-callback registry.
func WithDedup(d DedupRegistry) CoordinatorOption {
	return func(c *Coordinator) { c.dedup = d }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.clock = clock }
}

// WithLogger overrides the default component logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics attaches settlement counters.
func WithMetrics(m Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator creates a coordinator.
func NewCoordinator(store Store, oracle Oracle, anchors Anchorer, policy *DecisionPolicy, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:         store,
		oracle:        oracle,
		anchors:       anchors,
		policy:        policy,
		dedup:         NewMemDedup(),
		logger:        slog.Default().With("component", "settlement"),
		tracer:        otel.Tracer("cropledger/settlement"),
		metrics:       noopMetrics{},
		clock:         time.Now,
		timeout:       10 * time.Minute,
		sweepInterval: 15 * time.Second,
		locks:         make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestEvaluation issues the on-ledger oracle request for a claim.
// Idempotent per claim: a second call while a request is outstanding fails
// with ErrRequestAlreadyPending.
func (c *Coordinator) RequestEvaluation(ctx context.Context, claimID string, amount float64, q Query) (*Settlement, error) {
	ctx, span := c.tracer.Start(ctx, "settlement.RequestEvaluation",
		trace.WithAttributes(attribute.String("claim.id", claimID)))
	defer span.End()

	unlock := c.lockClaim(claimID)
	defer unlock()

	now := c.clock().UTC()
	s, err := c.store.Get(ctx, claimID)
	switch {
	case err == nil:
		switch s.State {
		case StateSettled:
			return nil, fmt.Errorf("%w: claim %s", ErrClaimSettled, claimID)
		case StateOracleRequested, StateOracleResolved, StateAnchoring:
			return nil, fmt.Errorf("%w: claim %s in state %s", ErrRequestAlreadyPending, claimID, s.State)
		}
		// AWAITING_ORACLE or ANCHOR_FAILED: a fresh evaluation is allowed,
		// and the caller's amount supersedes the stored one.
		s.Amount = amount
	case errors.Is(err, ErrNotFound):
		s = &Settlement{
			ClaimID:   claimID,
			Amount:    amount,
			Decision:  DecisionPending,
			State:     StateAwaitingOracle,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := c.store.Create(ctx, s); err != nil {
			return nil, fmt.Errorf("create settlement: %w", err)
		}
	default:
		return nil, fmt.Errorf("lookup settlement: %w", err)
	}

	ref, err := c.oracle.Request(ctx, claimID, q)
	if err != nil {
		// The request never reached the ledger; the claim stays eligible
		// for another attempt, with the failure recorded on it.
		s.Reason = ReasonOracleError
		s.UpdatedAt = now
		if uerr := c.store.Update(ctx, s); uerr != nil {
			c.logger.ErrorContext(ctx, "persist oracle-error settlement", "claim", claimID, "error", uerr)
		}
		return nil, fmt.Errorf("oracle request for claim %s (state %s): %w", claimID, s.State, err)
	}

	s.RequestRef = ref
	s.State = StateOracleRequested
	s.Decision = DecisionPending
	s.Reason = ""
	s.RequestedAt = now
	s.Deadline = now.Add(c.timeout)
	s.UpdatedAt = now
	if err := c.store.Update(ctx, s); err != nil {
		return nil, fmt.Errorf("persist settlement: %w", err)
	}
	c.logger.InfoContext(ctx, "oracle evaluation requested",
		"claim", claimID, "request_ref", ref, "deadline", s.Deadline)
	cp := *s
	return &cp, nil
}

// OnOracleCallback consumes an oracle result callback. Callbacks with no
// matching outstanding settlement — duplicate delivery, or arrival after the
// timeout already fired — are logged and discarded, never applied twice.
func (c *Coordinator) OnOracleCallback(ctx context.Context, requestRef string, result float64) error {
	ctx, span := c.tracer.Start(ctx, "settlement.OnOracleCallback",
		trace.WithAttributes(attribute.String("oracle.request_ref", requestRef)))
	defer span.End()

	s, err := c.store.GetByRequestRef(ctx, requestRef)
	if err != nil {
		c.logger.WarnContext(ctx, "callback for unknown request, discarding",
			"request_ref", requestRef)
		return nil
	}

	unlock := c.lockClaim(s.ClaimID)
	defer unlock()

	s, err = c.store.Get(ctx, s.ClaimID)
	if err != nil {
		return fmt.Errorf("reload settlement: %w", err)
	}
	if s.State != StateOracleRequested || s.RequestRef != requestRef {
		c.logger.WarnContext(ctx, "stale or duplicate callback, discarding",
			"claim", s.ClaimID, "state", s.State, "request_ref", requestRef)
		return nil
	}

	// The registry is shared across replicas; the per-claim lock is not.
	// Claiming the ref here means exactly one replica resolves it.
	first, err := c.dedup.MarkProcessed(ctx, requestRef)
	if err != nil {
		c.logger.WarnContext(ctx, "dedup registry unavailable, proceeding locally", "error", err)
	} else if !first {
		c.logger.WarnContext(ctx, "callback already consumed, discarding",
			"claim", s.ClaimID, "request_ref", requestRef)
		return nil
	}

	return c.resolve(ctx, s, result)
}

// resolve applies the callback event. Caller holds the claim lock and has
// checked the state.
func (c *Coordinator) resolve(ctx context.Context, s *Settlement, callbackResult float64) error {
	// The callback payload is only a trigger: the decision that counts is
	// the one the ledger-side consumer recorded, so re-read it.
	out, err := c.oracle.Outcome(ctx, s.RequestRef)
	if err != nil {
		// State unchanged; the timeout sweep will settle it.
		return fmt.Errorf("read authoritative outcome for claim %s (state %s): %w", s.ClaimID, s.State, err)
	}
	if out.Value != callbackResult {
		c.logger.WarnContext(ctx, "callback payload disagrees with ledger state, ledger wins",
			"claim", s.ClaimID, "callback_result", callbackResult, "ledger_result", out.Value)
	}

	// Off-chain copy of the rule, for audit only.
	localDecision, err := c.policy.Evaluate(out.Value)
	if err != nil {
		c.logger.ErrorContext(ctx, "local decision rule failed", "claim", s.ClaimID, "error", err)
	} else if localDecision != out.Decision {
		c.logger.ErrorContext(ctx, "local decision diverges from ledger decision, ledger wins",
			"claim", s.ClaimID, "local", localDecision, "ledger", out.Decision,
			"policy_version", c.policy.Version())
	}

	now := c.clock().UTC()
	value := out.Value
	s.OracleResult = &value
	s.Decision = out.Decision
	s.PolicyVersion = c.policy.Version()
	s.State = StateOracleResolved
	s.ResolvedAt = now
	s.UpdatedAt = now
	if err := c.store.Update(ctx, s); err != nil {
		return fmt.Errorf("persist resolved settlement: %w", err)
	}
	c.logger.InfoContext(ctx, "claim resolved",
		"claim", s.ClaimID, "decision", s.Decision, "result", value)
	c.metrics.RecordClaimResolved(ctx, string(s.Decision), now.Sub(s.RequestedAt))

	return c.anchorOutcome(ctx, s)
}

// anchorOutcome records the decided claim on the ledger via the anchor
// service. Caller holds the claim lock.
func (c *Coordinator) anchorOutcome(ctx context.Context, s *Settlement) error {
	now := c.clock().UTC()
	s.State = StateAnchoring
	s.UpdatedAt = now
	if err := c.store.Update(ctx, s); err != nil {
		return fmt.Errorf("persist anchoring settlement: %w", err)
	}

	rec := canonical.Record{
		"claimId":     s.ClaimID,
		"amount":      s.Amount,
		"decision":    string(s.Decision),
		"decidedDate": s.ResolvedAt.Format(time.RFC3339),
	}
	if s.OracleResult != nil {
		rec["oracleResult"] = *s.OracleResult
	}

	ticket, err := c.anchors.Anchor(ctx, s.ClaimID, canonical.RecordClaimOutcome, rec)
	now = c.clock().UTC()
	if err != nil {
		s.State = StateAnchorFailed
		s.Reason = ReasonAnchorFailed
		s.UpdatedAt = now
		if uerr := c.store.Update(ctx, s); uerr != nil {
			c.logger.ErrorContext(ctx, "persist anchor-failed settlement", "claim", s.ClaimID, "error", uerr)
		}
		return fmt.Errorf("anchor outcome for claim %s (state %s, reason %s): %w",
			s.ClaimID, s.State, s.Reason, err)
	}

	s.TicketID = ticket.ID
	s.LedgerRef = ticket.LedgerKey
	s.State = StateSettled
	s.UpdatedAt = now
	if err := c.store.Update(ctx, s); err != nil {
		return fmt.Errorf("persist settled settlement: %w", err)
	}
	c.logger.InfoContext(ctx, "claim settled",
		"claim", s.ClaimID, "decision", s.Decision, "ledger_ref", s.LedgerRef)
	return nil
}

// RetryAnchor re-drives anchoring for a claim whose decision was reached but
// whose outcome anchoring failed. Claims that timed out waiting for the
// oracle have no decision and must be re-evaluated instead.
func (c *Coordinator) RetryAnchor(ctx context.Context, claimID string) error {
	unlock := c.lockClaim(claimID)
	defer unlock()

	s, err := c.store.Get(ctx, claimID)
	if err != nil {
		return err
	}
	if s.State != StateAnchorFailed || s.Reason != ReasonAnchorFailed {
		return fmt.Errorf("claim %s not retryable: state %s, reason %s", claimID, s.State, s.Reason)
	}
	return c.anchorOutcome(ctx, s)
}

// Settlement returns the current record for a claim.
func (c *Coordinator) Settlement(ctx context.Context, claimID string) (*Settlement, error) {
	return c.store.Get(ctx, claimID)
}

// RunTimeouts sweeps overdue oracle requests until ctx is cancelled.
func (c *Coordinator) RunTimeouts(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ExpireOverdue(ctx)
		}
	}
}

// ExpireOverdue fails every settlement stuck in ORACLE_REQUESTED past its
// deadline. The timeout competes with the callback through the same per-claim
// lock, so only one of them can act.
func (c *Coordinator) ExpireOverdue(ctx context.Context) {
	pending, err := c.store.ListByState(ctx, StateOracleRequested)
	if err != nil {
		c.logger.ErrorContext(ctx, "list pending settlements", "error", err)
		return
	}
	now := c.clock().UTC()
	for _, s := range pending {
		if s.Deadline.After(now) {
			continue
		}
		c.expireClaim(ctx, s.ClaimID)
	}
}

func (c *Coordinator) expireClaim(ctx context.Context, claimID string) {
	unlock := c.lockClaim(claimID)
	defer unlock()

	s, err := c.store.Get(ctx, claimID)
	if err != nil || s.State != StateOracleRequested {
		return // the callback won the race
	}
	now := c.clock().UTC()
	if s.Deadline.After(now) {
		return
	}

	s.State = StateAnchorFailed
	s.Reason = ReasonOracleTimeout
	s.UpdatedAt = now
	if err := c.store.Update(ctx, s); err != nil {
		c.logger.ErrorContext(ctx, "persist timed-out settlement", "claim", claimID, "error", err)
		return
	}
	if _, err := c.dedup.MarkProcessed(ctx, s.RequestRef); err != nil {
		c.logger.WarnContext(ctx, "dedup registry unavailable", "error", err)
	}
	c.logger.WarnContext(ctx, "oracle request timed out",
		"claim", claimID, "state", s.State, "reason", s.Reason, "request_ref", s.RequestRef)
}

func (c *Coordinator) lockClaim(claimID string) func() {
	c.mu.Lock()
	l, ok := c.locks[claimID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[claimID] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}
