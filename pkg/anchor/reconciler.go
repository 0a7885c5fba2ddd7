package anchor

import (
	"context"
	"sync"
	"time"

	"github.com/cropledger-labs/cropledger/pkg/ledger"
)

// RunReconciler polls receipts for every SUBMITTED ticket at the configured
// interval until ctx is cancelled. Polling different tickets proceeds
// concurrently and never touches the signing identity's sequence.
func (s *Service) RunReconciler(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce advances every SUBMITTED ticket one polling cycle.
func (s *Service) ReconcileOnce(ctx context.Context) {
	tickets, err := s.store.ListByState(ctx, StateSubmitted)
	if err != nil {
		s.logger.ErrorContext(ctx, "list submitted tickets", "error", err)
		return
	}
	var wg sync.WaitGroup
	for _, t := range tickets {
		wg.Add(1)
		go func(t *Ticket) {
			defer wg.Done()
			s.reconcileTicket(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (s *Service) reconcileTicket(ctx context.Context, t *Ticket) {
	unlock := s.lockSubject(t.SubjectID)
	defer unlock()

	// Re-read under the lock; a concurrent retry may have advanced it.
	cur, err := s.store.GetByID(ctx, t.ID)
	if err != nil || cur.State != StateSubmitted {
		return
	}
	t = cur

	rcpt, err := s.client.Receipt(ctx, ledger.TxRef(t.TxRef))
	if err != nil {
		// Transient read failure; the ticket stays SUBMITTED and the next
		// cycle polls again.
		s.logger.WarnContext(ctx, "receipt poll failed",
			"ticket", t.ID, "subject", t.SubjectID, "error", err)
		return
	}

	now := s.clock().UTC()
	switch rcpt.Status {
	case ledger.StatusConfirmed:
		t.State = StateConfirmed
		t.ConfirmedAt = now
		t.UpdatedAt = now
		s.logger.InfoContext(ctx, "anchor confirmed",
			"subject", t.SubjectID, "tx_ref", t.TxRef, "slot", rcpt.Slot)
		s.metrics.RecordAnchorConfirmed(ctx, t.RecordKind)
	case ledger.StatusReverted:
		t.State = StateFailed
		t.Reason = ReasonReverted
		t.UpdatedAt = now
		s.logger.WarnContext(ctx, "anchor reverted",
			"subject", t.SubjectID, "tx_ref", t.TxRef)
		s.metrics.RecordAnchorFailed(ctx, t.Reason)
	default:
		// Pending or unknown: count the cycle against the confirmation
		// budget. A dropped transaction eventually times out here; retry
		// submits fresh, never the stale transaction.
		t.PollCycles++
		t.UpdatedAt = now
		if t.PollCycles >= s.maxPollCycles {
			t.State = StateFailed
			t.Reason = ReasonConfirmationTimeout
			s.logger.WarnContext(ctx, "anchor confirmation timed out",
				"subject", t.SubjectID, "tx_ref", t.TxRef, "cycles", t.PollCycles)
			s.metrics.RecordAnchorFailed(ctx, t.Reason)
		}
	}
	if err := s.store.Update(ctx, t); err != nil {
		s.logger.ErrorContext(ctx, "persist reconciled ticket", "ticket", t.ID, "error", err)
	}
}
