package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cropledger-labs/cropledger/pkg/canonical"
	"github.com/cropledger-labs/cropledger/pkg/ledger"
)

// Envelope is the ledger-resident payload written against a subject key.
// Verification is a pure state read of this envelope.
type Envelope struct {
	Subject    string `json:"subject"`
	Kind       string `json:"kind"`
	Digest     string `json:"digest"`
	AnchoredAt string `json:"anchoredAt"`
}

// LedgerKey maps a record kind and subject id onto the ledger key namespace.
func LedgerKey(kind, subjectID string) string {
	switch kind {
	case canonical.RecordProduceBatch:
		return "batch/" + subjectID
	case canonical.RecordClaimOutcome:
		return "claim/" + subjectID
	default:
		return kind + "/" + subjectID
	}
}

// Metrics receives anchoring counters; see pkg/observability.
type Metrics interface {
	RecordAnchorSubmitted(ctx context.Context, kind string)
	RecordAnchorConfirmed(ctx context.Context, kind string)
	RecordAnchorFailed(ctx context.Context, reason string)
}

type noopMetrics struct{}

func (noopMetrics) RecordAnchorSubmitted(context.Context, string) {}
func (noopMetrics) RecordAnchorConfirmed(context.Context, string) {}
func (noopMetrics) RecordAnchorFailed(context.Context, string)    {}

// Service anchors records: canonicalize, submit, reconcile. One ledger
// transaction per successful anchor attempt; duplicate calls for an unchanged
// digest never produce a second transaction.
type Service struct {
	store   TicketStore
	client  *ledger.Client
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics Metrics
	clock   func() time.Time

	pollInterval  time.Duration
	maxPollCycles int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option customizes the service.
type Option func(*Service)

// WithPollInterval sets the reconciler cadence.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) { s.pollInterval = d }
}

// WithMaxPollCycles sets how many reconciler cycles a SUBMITTED ticket may
// stay unconfirmed before it fails with ConfirmationTimeout.
func WithMaxPollCycles(n int) Option {
	return func(s *Service) { s.maxPollCycles = n }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger overrides the default component logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics attaches anchoring counters.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates an anchor service.
func New(store TicketStore, client *ledger.Client, opts ...Option) *Service {
	s := &Service{
		store:         store,
		client:        client,
		logger:        slog.Default().With("component", "anchor"),
		tracer:        otel.Tracer("cropledger/anchor"),
		metrics:       noopMetrics{},
		clock:         time.Now,
		pollInterval:  5 * time.Second,
		maxPollCycles: 60,
		locks:         make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Anchor computes the record's digest and ensures it is anchored on the
// ledger. A CONFIRMED ticket with the same digest is returned unchanged; a
// SUBMITTED ticket is returned without a second submission; a PENDING or
// FAILED ticket is retried with a fresh submission on the same ticket.
func (s *Service) Anchor(ctx context.Context, subjectID, kind string, rec canonical.Record) (*Ticket, error) {
	ctx, span := s.tracer.Start(ctx, "anchor.Anchor",
		trace.WithAttributes(attribute.String("subject.id", subjectID), attribute.String("record.kind", kind)))
	defer span.End()

	digest, err := canonical.Digest(kind, rec)
	if err != nil {
		return nil, err
	}

	unlock := s.lockSubject(subjectID)
	defer unlock()

	t, err := s.store.Get(ctx, subjectID, digest)
	switch {
	case err == nil:
		switch t.State {
		case StateConfirmed:
			return t, nil
		case StateSubmitted:
			// In flight; the reconciler will finish it.
			return t, nil
		case StatePending, StateFailed:
			// PENDING here means an earlier call persisted the ticket but
			// never reached the ledger. The subject lock rules out a live
			// submission, so resubmit on the same ticket.
			return s.submit(ctx, t)
		}
		return t, nil
	case errors.Is(err, ErrNotFound):
		now := s.clock().UTC()
		t = &Ticket{
			ID:         uuid.NewString(),
			SubjectID:  subjectID,
			RecordKind: kind,
			Digest:     digest,
			LedgerKey:  LedgerKey(kind, subjectID),
			State:      StatePending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.store.Create(ctx, t); err != nil {
			return nil, fmt.Errorf("create ticket: %w", err)
		}
		return s.submit(ctx, t)
	default:
		return nil, fmt.Errorf("lookup ticket: %w", err)
	}
}

// submit performs one submission attempt. Transient retries happen inside the
// ledger client; only terminal outcomes reach the ticket.
func (s *Service) submit(ctx context.Context, t *Ticket) (*Ticket, error) {
	now := s.clock().UTC()
	payload, err := json.Marshal(Envelope{
		Subject:    t.SubjectID,
		Kind:       t.RecordKind,
		Digest:     t.Digest,
		AnchoredAt: now.Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	t.Attempts++
	ref, err := s.client.Submit(ctx, t.LedgerKey, payload)
	if err != nil {
		t.State = StateFailed
		t.Reason = failureReason(err)
		t.UpdatedAt = s.clock().UTC()
		if uerr := s.store.Update(ctx, t); uerr != nil {
			s.logger.ErrorContext(ctx, "persist failed ticket", "ticket", t.ID, "error", uerr)
		}
		s.logger.WarnContext(ctx, "anchor submission failed",
			"subject", t.SubjectID, "state", t.State, "reason", t.Reason)
		s.metrics.RecordAnchorFailed(ctx, t.Reason)
		if errors.Is(err, ledger.ErrRejected) || errors.Is(err, ledger.ErrUnderfunded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: subject %s: %s", ErrAnchorFailed, t.SubjectID, t.Reason)
	}

	t.TxRef = string(ref)
	t.State = StateSubmitted
	t.Reason = ""
	t.PollCycles = 0
	t.SubmittedAt = now
	t.UpdatedAt = s.clock().UTC()
	if err := s.store.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("persist submitted ticket: %w", err)
	}
	s.logger.InfoContext(ctx, "anchor submitted",
		"subject", t.SubjectID, "digest", t.Digest, "tx_ref", t.TxRef)
	s.metrics.RecordAnchorSubmitted(ctx, t.RecordKind)
	return t, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrRejected):
		return ReasonRejected
	case errors.Is(err, ledger.ErrUnderfunded):
		return ReasonUnderfunded
	default:
		return ReasonNodeUnavailable
	}
}

// Ticket returns the ticket for (subjectID, digest).
func (s *Service) Ticket(ctx context.Context, subjectID, digest string) (*Ticket, error) {
	return s.store.Get(ctx, subjectID, digest)
}

func (s *Service) lockSubject(subjectID string) func() {
	s.mu.Lock()
	l, ok := s.locks[subjectID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[subjectID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}
