package anomaly

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mwale/fraudlens/internal/metrics"
	"github.com/mwale/fraudlens/internal/retry"
)

// Synchronizer keeps a transaction's fraud mirror consistent with its
// anomaly cases. Every method is best-effort: mirror failures are
// logged and swallowed, never surfaced to the caller of the triggering
// mutation. The mirror may lag transiently and self-heals on the next
// successful sync for that transaction.
type Synchronizer struct {
	store     Store
	mirror    TransactionMirror
	publisher Publisher
	logger    *slog.Logger
}

// NewSynchronizer creates a synchronizer. publisher receives a
// transactionUpdated event after each successful mirror write.
func NewSynchronizer(store Store, mirror TransactionMirror, publisher Publisher, logger *slog.Logger) *Synchronizer {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{store: store, mirror: mirror, publisher: publisher, logger: logger}
}

// AnomalyCreated flags the parent transaction and mirrors the case's
// risk score.
func (s *Synchronizer) AnomalyCreated(ctx context.Context, a *Anomaly) {
	isFraud := true
	s.apply(ctx, "create", a.TransactionID, MirrorPatch{IsFraud: &isFraud, RiskScore: &a.RiskScore})
}

// AnomalyUpdated propagates relevant changes from prev to updated onto
// the transaction: a changed risk score always propagates; a move to
// false_positive clears the fraud flag; a move to resolved confirms it.
func (s *Synchronizer) AnomalyUpdated(ctx context.Context, prev, updated *Anomaly) {
	var patch MirrorPatch

	if prev == nil || updated.RiskScore != prev.RiskScore {
		patch.RiskScore = &updated.RiskScore
	}

	statusChanged := prev == nil || updated.Status != prev.Status
	if statusChanged {
		switch updated.Status {
		case StatusFalsePositive:
			f := false
			patch.IsFraud = &f
		case StatusResolved:
			// A resolution confirms the finding.
			tr := true
			patch.IsFraud = &tr
		}
	}

	if patch.IsFraud == nil && patch.RiskScore == nil {
		return
	}
	s.apply(ctx, "update", updated.TransactionID, patch)
}

// AnomalyDeleted reconciles the transaction after a hard delete. If no
// cases remain for the transaction, the fraud flag and mirrored score
// are cleared; otherwise a surviving case still justifies the flag.
func (s *Synchronizer) AnomalyDeleted(ctx context.Context, deleted *Anomaly) {
	remaining, err := s.store.FindByTransactionID(ctx, deleted.TransactionID)
	if err != nil {
		s.logFailure(ctx, "delete", deleted.TransactionID, err)
		return
	}
	if len(remaining) > 0 {
		return
	}

	f := false
	zero := 0.0
	s.apply(ctx, "delete", deleted.TransactionID, MirrorPatch{IsFraud: &f, RiskScore: &zero})
}

// apply writes the patch and publishes the transaction delta. Transient
// write failures are retried briefly; persistent failures are logged,
// counted, and swallowed.
func (s *Synchronizer) apply(ctx context.Context, operation, transactionID string, patch MirrorPatch) {
	if s.mirror == nil {
		return
	}
	var state MirrorState
	err := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		var werr error
		state, werr = s.mirror.UpdateMirror(ctx, transactionID, patch)
		if errors.Is(werr, context.Canceled) {
			return retry.Permanent(werr)
		}
		return werr
	})
	if err != nil {
		s.logFailure(ctx, operation, transactionID, err)
		return
	}

	s.publisher.TransactionUpdated(transactionID, state.IsFraud, state.RiskScore)
}

func (s *Synchronizer) logFailure(ctx context.Context, operation, transactionID string, err error) {
	metrics.MirrorSyncFailuresTotal.WithLabelValues(operation).Inc()
	s.logger.ErrorContext(ctx, "transaction mirror sync failed",
		"operation", operation,
		"transaction_id", transactionID,
		"error", err)
}
