package settlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropledger-labs/cropledger/pkg/anchor"
	"github.com/cropledger-labs/cropledger/pkg/canonical"
	"github.com/cropledger-labs/cropledger/pkg/settlement"
)

// fakeAnchorer counts outcome anchorings and can be scripted to fail.
type fakeAnchorer struct {
	mu      sync.Mutex
	calls   int
	fail    bool
	lastRec canonical.Record
}

func (f *fakeAnchorer) Anchor(ctx context.Context, subjectID, kind string, rec canonical.Record) (*anchor.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastRec = rec
	if f.fail {
		return nil, anchor.ErrAnchorFailed
	}
	return &anchor.Ticket{
		ID:        "tkt-" + subjectID,
		SubjectID: subjectID,
		LedgerKey: anchor.LedgerKey(kind, subjectID),
		State:     anchor.StateSubmitted,
	}, nil
}

func (f *fakeAnchorer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAnchorer) last() canonical.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRec
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func rainPolicy(t *testing.T) *settlement.DecisionPolicy {
	t.Helper()
	policy, err := settlement.NewDecisionPolicy(settlement.Policy{
		Version:    "1.0.0",
		Expression: "result >= threshold",
		Threshold:  50,
	})
	require.NoError(t, err)
	return policy
}

func rainQuery() settlement.Query {
	return settlement.Query{Region: "nashik", Metric: "rainfall_mm", WindowDays: 30}
}

type coordFixture struct {
	store       *settlement.MemStore
	oracle      *settlement.MemOracle
	anchors     *fakeAnchorer
	clock       *fakeClock
	coordinator *settlement.Coordinator
}

func newCoordFixture(t *testing.T, opts ...settlement.CoordinatorOption) *coordFixture {
	t.Helper()
	f := &coordFixture{
		store:   settlement.NewMemStore(),
		oracle:  settlement.NewMemOracle(rainPolicy(t)),
		anchors: &fakeAnchorer{},
		clock:   newFakeClock(),
	}
	opts = append([]settlement.CoordinatorOption{
		settlement.WithClock(f.clock.Now),
		settlement.WithOracleTimeout(time.Minute),
	}, opts...)
	f.coordinator = settlement.NewCoordinator(f.store, f.oracle, f.anchors, rainPolicy(t), opts...)
	f.oracle.Subscribe(f.coordinator)
	return f
}

func TestSettlementHappyPath(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	s, err := f.coordinator.RequestEvaluation(ctx, "CLM-1", 500, rainQuery())
	require.NoError(t, err)
	assert.Equal(t, settlement.StateOracleRequested, s.State)
	assert.NotEmpty(t, s.RequestRef)

	require.NoError(t, f.oracle.Deliver(ctx, s.RequestRef, 72))

	cur, err := f.coordinator.Settlement(ctx, "CLM-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StateSettled, cur.State)
	assert.Equal(t, settlement.DecisionApproved, cur.Decision)
	require.NotNil(t, cur.OracleResult)
	assert.Equal(t, 72.0, *cur.OracleResult)
	assert.Equal(t, "1.0.0", cur.PolicyVersion)
	assert.Equal(t, "claim/CLM-1", cur.LedgerRef)
	assert.Equal(t, 1, f.anchors.count())
}

func TestSettlementRejectedOutcome(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	s, err := f.coordinator.RequestEvaluation(ctx, "CLM-1", 500, rainQuery())
	require.NoError(t, err)
	require.NoError(t, f.oracle.Deliver(ctx, s.RequestRef, 12))

	cur, err := f.coordinator.Settlement(ctx, "CLM-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StateSettled, cur.State)
	assert.Equal(t, settlement.DecisionRejected, cur.Decision)
}

func TestSettlementNoDoubleSettlement(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	s, err := f.coordinator.RequestEvaluation(ctx, "CLM-1", 500, rainQuery())
	require.NoError(t, err)

	require.NoError(t, f.oracle.Deliver(ctx, s.RequestRef, 72))
	// Redelivery of the same callback is discarded without error.
	require.NoError(t, f.coordinator.OnOracleCallback(ctx, s.RequestRef, 72))
	require.NoError(t, f.coordinator.OnOracleCallback(ctx, s.RequestRef, 99))

	cur, err := f.coordinator.Settlement(ctx, "CLM-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StateSettled, cur.State)
	assert.Equal(t, 72.0, *cur.OracleResult)
	assert.Equal(t, 1, f.anchors.count(), "exactly one anchoring attempt")
}

func TestSettlementRequestIdempotency(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	s, err := f.coordinator.RequestEvaluation(ctx, "CLM-1", 500, rainQuery())
	require.NoError(t, err)

	_, err = f.coordinator.RequestEvaluation(ctx, "CLM-1", 500, rainQuery())
	require.ErrorIs(t, err, settlement.ErrRequestAlreadyPending)

	require.NoError(t, f.oracle.Deliver(ctx, s.RequestRef, 72))
	_, err = f.coordinator.RequestEvaluation(ctx, "CLM-1", 500, rainQuery())
	require.ErrorIs(t, err, settlement.ErrClaimSettled)
}

func TestSettlementTimeout(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	s, err := f.coordinator.RequestEvaluation(ctx, "CLM-1", 500, rainQuery())
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	f.coordinator.ExpireOverdue(ctx)

	cur, err := f.coordinator.Settlement(ctx, "CLM-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StateAnchorFailed, cur.State)
	assert.Equal(t, settlement.ReasonOracleTimeout, cur.Reason)
	assert.Equal(t, settlement.DecisionPending, cur.Decision)

	// A late callback is provably a no-op.
	require.NoError(t, f.oracle.Deliver(ctx, s.RequestRef, 72))
	after, err := f.coordinator.Settlement(ctx, "CLM-1")
	require.NoError(t, err)
	assert.Equal(t, cur.State, after.State)
	assert.Equal(t, cur.Reason, after.Reason)
	assert.Nil(t, after.OracleResult)
	assert.Equal(t, 0, f.anchors.count())
}

func TestSettlementCallbackBeatsTimeout(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	s, err := f.coordinator.RequestEvaluation(ctx, "CLM-1", 500, rainQuery())
	require.NoError(t, err)

	require.NoError(t, f.oracle.Deliver(ctx, s.RequestRef, 72))

	// The sweep after resolution finds nothing to expire.
	f.clock.Advance(2 * time.Minute)
	f.coordinator.ExpireOverdue(ctx)

	cur, err := f.coordinator.Settlement(ctx, "CLM-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StateSettled, cur.State)
}

func TestSettlementTimedOutClaimCanBeReevaluated(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	_, err := f.coordinator.RequestEvaluation(ctx, "CLM-1", 500, rainQuery())
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)
	f.coordinator.ExpireOverdue(ctx)

	s, err := f.coordinator.RequestEvaluation(ctx, "CLM-1", 500, rainQuery())
	require.NoError(t, err)
	assert.Equal(t, settlement.StateOracleRequested, s.State)

	require.NoError(t, f.oracle.Deliver(ctx, s.RequestRef, 72))
	cur, err := f.coordinator.Settlement(ctx, "CLM-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StateSettled, cur.State)
}

func TestSettlementAnchorFailureAndRetry(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	f.anchors.fail = true

	s, err := f.coordinator.RequestEvaluation(ctx, "CLM-1", 500, rainQuery())
	require.NoError(t, err)
	err = f.oracle.Deliver(ctx, s.RequestRef, 72)
	require.Error(t, err)

	cur, err := f.coordinator.Settlement(ctx, "CLM-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StateAnchorFailed, cur.State)
	assert.Equal(t, settlement.ReasonAnchorFailed, cur.Reason)
	// The decision survives the anchoring failure.
	assert.Equal(t, settlement.DecisionApproved, cur.Decision)

	f.anchors.fail = false
	require.NoError(t, f.coordinator.RetryAnchor(ctx, "CLM-1"))

	cur, err = f.coordinator.Settlement(ctx, "CLM-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StateSettled, cur.State)
	assert.Equal(t, 2, f.anchors.count())
}

func TestSettlementRetryAnchorRequiresDecision(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	// Timed-out claims have no decision; RetryAnchor must refuse them.
	_, err := f.coordinator.RequestEvaluation(ctx, "CLM-1", 500, rainQuery())
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)
	f.coordinator.ExpireOverdue(ctx)

	err = f.coordinator.RetryAnchor(ctx, "CLM-1")
	require.Error(t, err)

	err = f.coordinator.RetryAnchor(ctx, "CLM-MISSING")
	require.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestSettlementUnknownCallbackDiscarded(t *testing.T) {
	f := newCoordFixture(t)

	require.NoError(t, f.coordinator.OnOracleCallback(context.Background(), "oreq-unknown", 72))
	assert.Equal(t, 0, f.anchors.count())
}

func TestSettlementConcurrentCallbackAndTimeout(t *testing.T) {
	// Race the timeout sweep against the callback for the same claim many
	// times; exactly one of them must win each round.
	for i := 0; i < 25; i++ {
		f := newCoordFixture(t)
		ctx := context.Background()

		s, err := f.coordinator.RequestEvaluation(ctx, "CLM-1", 500, rainQuery())
		require.NoError(t, err)
		f.clock.Advance(2 * time.Minute)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.coordinator.ExpireOverdue(ctx)
		}()
		go func() {
			defer wg.Done()
			_ = f.oracle.Deliver(ctx, s.RequestRef, 72)
		}()
		wg.Wait()

		cur, err := f.coordinator.Settlement(ctx, "CLM-1")
		require.NoError(t, err)
		switch cur.State {
		case settlement.StateSettled:
			assert.Equal(t, 1, f.anchors.count())
		case settlement.StateAnchorFailed:
			assert.Equal(t, settlement.ReasonOracleTimeout, cur.Reason)
			assert.Equal(t, 0, f.anchors.count())
		default:
			t.Fatalf("claim left in non-terminal state %s", cur.State)
		}
	}
}

func TestSettlementCallbackConsumedElsewhereDiscarded(t *testing.T) {
	registry := settlement.NewMemDedup()
	f := newCoordFixture(t, settlement.WithDedup(registry))
	ctx := context.Background()

	s, err := f.coordinator.RequestEvaluation(ctx, "CLM-1", 500, rainQuery())
	require.NoError(t, err)

	// Another replica sharing the registry already claimed this callback.
	first, err := registry.MarkProcessed(ctx, s.RequestRef)
	require.NoError(t, err)
	require.True(t, first)

	require.NoError(t, f.oracle.Deliver(ctx, s.RequestRef, 72))

	cur, err := f.coordinator.Settlement(ctx, "CLM-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StateOracleRequested, cur.State)
	assert.Equal(t, 0, f.anchors.count())
}

func TestSettlementReevaluationUpdatesAmount(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	_, err := f.coordinator.RequestEvaluation(ctx, "CLM-1", 500, rainQuery())
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)
	f.coordinator.ExpireOverdue(ctx)

	// The corrected amount must flow into the anchored outcome, not the
	// one from the first request.
	s, err := f.coordinator.RequestEvaluation(ctx, "CLM-1", 750, rainQuery())
	require.NoError(t, err)
	require.NoError(t, f.oracle.Deliver(ctx, s.RequestRef, 72))

	cur, err := f.coordinator.Settlement(ctx, "CLM-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StateSettled, cur.State)
	assert.Equal(t, 750.0, cur.Amount)
	assert.Equal(t, 750.0, f.anchors.last()["amount"])
}

// failingOracle injects Request failures in front of a real MemOracle.
type failingOracle struct {
	settlement.Oracle
	err error
}

func (o *failingOracle) Request(ctx context.Context, claimID string, q settlement.Query) (string, error) {
	if o.err != nil {
		return "", o.err
	}
	return o.Oracle.Request(ctx, claimID, q)
}

func TestSettlementOracleRequestFailureRecorded(t *testing.T) {
	ctx := context.Background()
	store := settlement.NewMemStore()
	oracle := &failingOracle{
		Oracle: settlement.NewMemOracle(rainPolicy(t)),
		err:    errors.New("oracle offline"),
	}
	coordinator := settlement.NewCoordinator(store, oracle, &fakeAnchorer{}, rainPolicy(t))

	_, err := coordinator.RequestEvaluation(ctx, "CLM-1", 500, rainQuery())
	require.Error(t, err)

	cur, err := coordinator.Settlement(ctx, "CLM-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StateAwaitingOracle, cur.State)
	assert.Equal(t, settlement.ReasonOracleError, cur.Reason)

	// The fault clears; the claim is still eligible and the reason resets.
	oracle.err = nil
	s, err := coordinator.RequestEvaluation(ctx, "CLM-1", 500, rainQuery())
	require.NoError(t, err)
	assert.Equal(t, settlement.StateOracleRequested, s.State)
	assert.Empty(t, s.Reason)
}
