package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kursadbilgin/qc-engine/internal/domain"
	"github.com/kursadbilgin/qc-engine/internal/lock"
	"github.com/kursadbilgin/qc-engine/internal/observability"
	"github.com/kursadbilgin/qc-engine/internal/repository"
	"go.uber.org/zap"
)

// Reconciler re-derives sample statistics from the current response statuses.
type Reconciler struct {
	batches   repository.BatchRepository
	responses repository.ResponseRepository
	locker    lock.Locker
	logger    *zap.Logger
	now       func() time.Time
}

func NewReconciler(
	batches repository.BatchRepository,
	responses repository.ResponseRepository,
	locker lock.Locker,
	logger *zap.Logger,
) (*Reconciler, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if responses == nil {
		return nil, fmt.Errorf("response repository is required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reconciler{
		batches:   batches,
		responses: responses,
		locker:    locker,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Recompute refreshes the batch's sample stats under the batch lock.
func (r *Reconciler) Recompute(ctx context.Context, batchID string) (*domain.BatchRecord, error) {
	release, err := r.locker.Lock(ctx, lock.BatchKey(batchID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock batch %s: %w", batchID, err)
	}
	defer release()

	return r.recompute(ctx, batchID)
}

// recompute must run with the batch lock held.
func (r *Reconciler) recompute(ctx context.Context, batchID string) (*domain.BatchRecord, error) {
	batch, err := r.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}

	switch batch.Status {
	case domain.BatchStatusCollecting, domain.BatchStatusProcessing:
		return batch, nil
	}
	if len(batch.Sample) == 0 {
		return batch, nil
	}

	ids := batch.Sample
	trackRemaining := batch.Status == domain.BatchStatusQueuedForQC
	if trackRemaining {
		ids = slices.Concat(batch.Sample, batch.Remaining)
	}

	statuses, err := r.responses.StatusesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load response statuses for batch %s: %w", batch.ID, err)
	}

	stats := domain.DeriveSampleStats(batch.Sample, statuses, batch.SampleStats, r.now())
	if !stats.SameCounts(batch.SampleStats) {
		if err := r.batches.SaveSampleStats(ctx, batch.ID, stats); err != nil {
			return nil, fmt.Errorf("failed to save sample stats for batch %s: %w", batch.ID, err)
		}
		if stats.SampleCompletedAt != nil && batch.SampleStats.SampleCompletedAt == nil {
			observability.WithContextLogger(r.logger, ctx).Info("sample review complete",
				observability.BatchFields(batch.ID,
					zap.Int("approved", stats.ApprovedCount),
					zap.Int("rejected", stats.RejectedCount),
					zap.Float64("approvalRate", stats.ApprovalRate),
				)...,
			)
		}
	}
	batch.SampleStats = stats

	if trackRemaining && domain.AllFinal(batch.Remaining, statuses) {
		err := r.batches.TransitionStatus(ctx, batch.ID,
			[]domain.BatchStatus{domain.BatchStatusQueuedForQC},
			domain.BatchStatusCompleted,
			r.now().UTC(),
		)
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("failed to complete batch %s: %w", batch.ID, err)
		}
		batch.Status = domain.BatchStatusCompleted
		observability.WithContextLogger(r.logger, ctx).Info("remaining review complete",
			observability.BatchFields(batch.ID)...)
	}

	return batch, nil
}
