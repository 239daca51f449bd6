package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/kursadbilgin/qc-engine/internal/domain"
	"github.com/kursadbilgin/qc-engine/internal/lock"
	"github.com/kursadbilgin/qc-engine/internal/observability"
	"github.com/kursadbilgin/qc-engine/internal/repository"
	"go.uber.org/zap"
)

// Sampler closes a collecting batch and splits it into sample and remaining.
type Sampler struct {
	batches   repository.BatchRepository
	responses repository.ResponseRepository
	locker    lock.Locker
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	shuffle   domain.ShuffleFunc
}

func NewSampler(
	batches repository.BatchRepository,
	responses repository.ResponseRepository,
	locker lock.Locker,
	logger *zap.Logger,
) (*Sampler, error) {
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

	return &Sampler{
		batches:   batches,
		responses: responses,
		locker:    locker,
		logger:    logger,
		now:       time.Now,
		shuffle:   rand.Shuffle,
	}, nil
}

func (s *Sampler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// CloseAndSample moves a batch from collecting to qc_in_progress. It resumes a
// batch left in processing by an interrupted run and is a no-op on batches that
// are already sampled or have no responses.
func (s *Sampler) CloseAndSample(ctx context.Context, batchID string) (*domain.BatchRecord, error) {
	release, err := s.locker.Lock(ctx, lock.BatchKey(batchID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock batch %s: %w", batchID, err)
	}
	defer release()

	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}

	logger := observability.WithContextLogger(s.logger, ctx)

	if batch.Status == domain.BatchStatusCollecting {
		if batch.TotalResponses == 0 {
			logger.Info("skipping empty batch", observability.BatchFields(batch.ID)...)
			return batch, nil
		}

		// This CAS is the boundary with the collector: no append lands after it.
		err := s.batches.MarkProcessing(ctx, batch.ID, s.now().UTC())
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("failed to claim batch %s: %w", batch.ID, err)
		}

		batch, err = s.batches.GetByID(ctx, batch.ID)
		if err != nil {
			return nil, err
		}
	}

	if batch.Status != domain.BatchStatusProcessing {
		return batch, nil
	}

	if !batch.IsPartitioned() {
		sample, remaining := domain.Partition(batch.Responses, batch.Config.SamplePercentage, s.shuffle)
		if err := batch.ApplyPartition(sample, remaining); err != nil {
			return nil, err
		}

		err := s.batches.SavePartition(ctx, batch)
		if errors.Is(err, domain.ErrConflict) {
			if batch, err = s.batches.GetByID(ctx, batch.ID); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, fmt.Errorf("failed to save partition for batch %s: %w", batch.ID, err)
		}
	}

	for _, chunk := range chunkIDs(batch.Sample, bulkChunkSize) {
		if _, err := s.responses.MarkPendingReview(ctx, chunk); err != nil {
			return nil, fmt.Errorf("failed to enqueue sample for batch %s: %w", batch.ID, err)
		}
	}

	err = s.batches.TransitionStatus(ctx, batch.ID,
		[]domain.BatchStatus{domain.BatchStatusProcessing},
		domain.BatchStatusQCInProgress,
		s.now().UTC(),
	)
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return nil, fmt.Errorf("failed to start qc for batch %s: %w", batch.ID, err)
	}

	s.metrics.ObserveBatchSampled(batch.SampleSize)
	logger.Info("batch sampled",
		observability.BatchFields(batch.ID,
			zap.Int("totalResponses", batch.TotalResponses),
			zap.Int("sampleSize", batch.SampleSize),
			zap.Int("remainingSize", batch.RemainingSize),
		)...,
	)

	return s.batches.GetByID(ctx, batch.ID)
}
