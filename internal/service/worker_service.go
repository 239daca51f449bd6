package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/qc-engine/internal/domain"
	"github.com/kursadbilgin/qc-engine/internal/observability"
	"github.com/kursadbilgin/qc-engine/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// BatchSampler closes and samples a batch.
type BatchSampler interface {
	CloseAndSample(ctx context.Context, batchID string) (*domain.BatchRecord, error)
}

// WorkerService consumes batch jobs and runs them.
type WorkerService struct {
	consumer    queue.Consumer
	sampler     BatchSampler
	settler     BatchSettler
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
}

func NewWorkerService(
	consumer queue.Consumer,
	sampler BatchSampler,
	settler BatchSettler,
	concurrency int,
	logger *zap.Logger,
) (*WorkerService, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if sampler == nil || settler == nil {
		return nil, fmt.Errorf("sampler and settler are required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		consumer:    consumer,
		sampler:     sampler,
		settler:     settler,
		logger:      logger,
		concurrency: concurrency,
	}, nil
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Start consumes the job queues until context cancellation. Every queue gets at
// least one consumer; extra concurrency is spread round-robin.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	queueNames := queue.WorkQueueNames()
	if len(queueNames) == 0 {
		return fmt.Errorf("no work queues configured")
	}

	workers := max(s.concurrency, len(queueNames))
	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		queueName := queueNames[i%len(queueNames)]
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := s.consumer.Consume(groupCtx, queueName, s.processMessage)
			if err != nil {
				s.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

// processMessage returns an error only for failures worth redelivering.
func (s *WorkerService) processMessage(ctx context.Context, msg queue.BatchJobMessage) error {
	action := msg.Action.String()
	s.metrics.IncWorkerInFlight(action)
	defer s.metrics.DecWorkerInFlight(action)

	logger := observability.WithContextLogger(s.logger, ctx)

	var err error
	switch msg.Action {
	case queue.ActionSample:
		_, err = s.sampler.CloseAndSample(ctx, msg.BatchID)
	case queue.ActionReconcile:
		_, err = s.settler.Settle(ctx, msg.BatchID)
	default:
		logger.Warn("dropping job with unknown action", observability.BatchFields(msg.BatchID, zap.String("action", action))...)
		return nil
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound):
		logger.Warn("batch not found, skipping job", observability.BatchFields(msg.BatchID, zap.String("action", action))...)
		return nil
	case errors.Is(err, domain.ErrNoMatchingRule), errors.Is(err, domain.ErrSampleIncomplete):
		// Redelivery cannot fix these; the scanner retries once the batch changes.
		logger.Error("batch job cannot complete", observability.BatchFields(msg.BatchID,
			zap.String("action", action),
			zap.Error(err),
		)...)
		return nil
	default:
		return fmt.Errorf("%s job for batch %s failed: %w", action, msg.BatchID, err)
	}
}
