package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/qc-engine/internal/domain"
	"github.com/kursadbilgin/qc-engine/internal/lock"
	"github.com/kursadbilgin/qc-engine/internal/observability"
	"github.com/kursadbilgin/qc-engine/internal/queue"
	"go.uber.org/zap"
)

// VerificationService records reviewer verdicts and settles their batch:
// stats are recomputed and, once the sample is complete, the decision is made.
type VerificationService struct {
	assignments *AssignmentQueue
	reconciler  *Reconciler
	decisions   *DecisionEngine
	locker      lock.Locker
	publisher   queue.Publisher
	logger      *zap.Logger
	metrics     *observability.Metrics
}

func NewVerificationService(
	assignments *AssignmentQueue,
	reconciler *Reconciler,
	decisions *DecisionEngine,
	locker lock.Locker,
	publisher queue.Publisher,
	logger *zap.Logger,
) (*VerificationService, error) {
	if assignments == nil || reconciler == nil || decisions == nil {
		return nil, fmt.Errorf("assignment queue, reconciler and decision engine are required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &VerificationService{
		assignments: assignments,
		reconciler:  reconciler,
		decisions:   decisions,
		locker:      locker,
		publisher:   publisher,
		logger:      logger,
	}, nil
}

func (s *VerificationService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Submit stores the verdict, then settles the owning batch. The verdict is
// durable once stored: a settle failure is handed to the reconcile queue
// instead of being returned, except for a rule-table gap which is surfaced.
func (s *VerificationService) Submit(
	ctx context.Context,
	responseID, reviewerID string,
	verdict domain.Verdict,
	feedback *string,
) (*domain.Response, error) {
	resp, err := s.assignments.Complete(ctx, responseID, reviewerID, verdict, feedback)
	if err != nil {
		return nil, err
	}
	if resp.QCBatchID == nil {
		return resp, nil
	}

	batchID := *resp.QCBatchID
	if _, err := s.Settle(ctx, batchID); err != nil {
		if errors.Is(err, domain.ErrNoMatchingRule) {
			return nil, err
		}

		logger := observability.WithContextLogger(s.logger, ctx)
		logger.Warn("settle after verdict failed, scheduling reconcile",
			observability.BatchFields(batchID,
				zap.String("responseId", responseID),
				zap.Error(err),
			)...,
		)
		s.scheduleReconcile(ctx, batchID)
	}

	return resp, nil
}

// Settle recomputes stats and evaluates the decision when the sample is done.
// It is safe to call any number of times.
func (s *VerificationService) Settle(ctx context.Context, batchID string) (*domain.BatchRecord, error) {
	release, err := s.locker.Lock(ctx, lock.BatchKey(batchID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock batch %s: %w", batchID, err)
	}
	defer release()

	batch, err := s.reconciler.recompute(ctx, batchID)
	if err != nil {
		return nil, err
	}

	if batch.Status == domain.BatchStatusQCInProgress && batch.SampleStats.SampleCompletedAt != nil {
		return s.decisions.evaluate(ctx, batch)
	}
	return batch, nil
}

func (s *VerificationService) scheduleReconcile(ctx context.Context, batchID string) {
	if s.publisher == nil {
		return
	}

	msg := queue.BatchJobMessage{
		BatchID: batchID,
		Action:  queue.ActionReconcile,
	}
	if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
		msg.CorrelationID = correlationID
	}

	// The request context may already be canceled; the job must still go out.
	publishCtx := context.WithoutCancel(ctx)
	if err := s.publisher.Publish(publishCtx, queue.QueueName(queue.ActionReconcile), msg); err != nil {
		s.logger.Error("failed to schedule reconcile, scanner will pick it up",
			observability.BatchFields(batchID, zap.Error(err))...,
		)
		return
	}
	s.metrics.IncReconcileRetry()
}
