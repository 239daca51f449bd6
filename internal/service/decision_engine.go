package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/qc-engine/internal/domain"
	"github.com/kursadbilgin/qc-engine/internal/lock"
	"github.com/kursadbilgin/qc-engine/internal/observability"
	"github.com/kursadbilgin/qc-engine/internal/repository"
	"go.uber.org/zap"
)

// DecisionEngine applies the batch's approval rules to its remaining responses.
type DecisionEngine struct {
	batches   repository.BatchRepository
	responses repository.ResponseRepository
	locker    lock.Locker
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewDecisionEngine(
	batches repository.BatchRepository,
	responses repository.ResponseRepository,
	locker lock.Locker,
	logger *zap.Logger,
) (*DecisionEngine, error) {
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

	return &DecisionEngine{
		batches:   batches,
		responses: responses,
		locker:    locker,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (e *DecisionEngine) SetMetrics(metrics *observability.Metrics) {
	if e == nil {
		return
	}
	e.metrics = metrics
}

// Evaluate decides the batch under its lock. Calling it on a decided batch is a no-op.
func (e *DecisionEngine) Evaluate(ctx context.Context, batchID string) (*domain.BatchRecord, error) {
	release, err := e.locker.Lock(ctx, lock.BatchKey(batchID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock batch %s: %w", batchID, err)
	}
	defer release()

	batch, err := e.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return e.evaluate(ctx, batch)
}

// evaluate must run with the batch lock held. The remaining responses are
// dispositioned before the decision is saved, so a failure part-way leaves the
// batch undecided and a rerun finishes the job.
func (e *DecisionEngine) evaluate(ctx context.Context, batch *domain.BatchRecord) (*domain.BatchRecord, error) {
	if batch.Status != domain.BatchStatusQCInProgress || batch.RemainingDecision.Decision.IsTerminal() {
		return batch, nil
	}

	now := e.now().UTC()
	outcome, err := domain.EvaluateRemaining(batch, now)
	if err != nil {
		if errors.Is(err, domain.ErrNoMatchingRule) {
			observability.WithContextLogger(e.logger, ctx).Error("approval rules do not cover sample approval rate",
				observability.BatchFields(batch.ID,
					zap.Float64("approvalRate", batch.SampleStats.ApprovalRate),
					zap.Error(err),
				)...,
			)
		}
		return nil, err
	}

	switch outcome.Decision.Decision {
	case domain.DecisionAutoApproved:
		for _, chunk := range chunkIDs(batch.Remaining, bulkChunkSize) {
			if _, err := e.responses.ApproveInBulk(ctx, chunk, now); err != nil {
				return nil, fmt.Errorf("failed to auto-approve remaining for batch %s: %w", batch.ID, err)
			}
		}
	case domain.DecisionQueuedForQC:
		for _, chunk := range chunkIDs(batch.Remaining, bulkChunkSize) {
			if _, err := e.responses.MarkPendingReview(ctx, chunk); err != nil {
				return nil, fmt.Errorf("failed to enqueue remaining for batch %s: %w", batch.ID, err)
			}
		}
	}

	err = e.batches.SaveDecision(ctx, batch.ID, outcome, now)
	if errors.Is(err, domain.ErrConflict) {
		return e.batches.GetByID(ctx, batch.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save decision for batch %s: %w", batch.ID, err)
	}

	batch.Status = outcome.Status
	batch.RemainingDecision = outcome.Decision
	if outcome.Status == domain.BatchStatusCompleted || outcome.Status == domain.BatchStatusAutoApproved {
		batch.CompletedAt = &now
	}

	e.metrics.IncDecision(outcome.Status.String())
	fields := []zap.Field{
		zap.String("status", outcome.Status.String()),
		zap.Float64("approvalRate", batch.SampleStats.ApprovalRate),
		zap.Int("remainingSize", batch.RemainingSize),
	}
	if outcome.Rule != nil {
		fields = append(fields, zap.String("rule", outcome.Rule.Description))
	}
	observability.WithContextLogger(e.logger, ctx).Info("batch decided", observability.BatchFields(batch.ID, fields...)...)

	return batch, nil
}
