package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/qc-engine/internal/domain"
	"github.com/kursadbilgin/qc-engine/internal/observability"
	"github.com/kursadbilgin/qc-engine/internal/queue"
	"github.com/kursadbilgin/qc-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultCloseScanInterval = time.Minute
	defaultCloseScanLimit    = 100
	defaultStuckAfter        = 10 * time.Minute
)

// BatchCloser periodically enqueues sample jobs for batches whose day has ended.
// Batches left in processing by a failed sample job are enqueued again once
// they have been claimed for longer than stuckAfter.
type BatchCloser struct {
	batches    repository.BatchRepository
	publisher  queue.Publisher
	logger     *zap.Logger
	location   *time.Location
	interval   time.Duration
	limit      int
	stuckAfter time.Duration
	now        func() time.Time
}

func NewBatchCloser(
	batches repository.BatchRepository,
	publisher queue.Publisher,
	location *time.Location,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*BatchCloser, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if location == nil {
		location = time.UTC
	}
	if interval <= 0 {
		interval = defaultCloseScanInterval
	}
	if limit <= 0 {
		limit = defaultCloseScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchCloser{
		batches:    batches,
		publisher:  publisher,
		logger:     logger,
		location:   location,
		interval:   interval,
		limit:      limit,
		stuckAfter: defaultStuckAfter,
		now:        time.Now,
	}, nil
}

// SetStuckAfter sets how long a batch may stay in processing before the
// closer enqueues it again. Non-positive values keep the default.
func (c *BatchCloser) SetStuckAfter(d time.Duration) {
	if d > 0 {
		c.stuckAfter = d
	}
}

func (c *BatchCloser) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := c.ScanOnce(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error("batch closer initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.ScanOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error("batch closer scan failed", zap.Error(err))
			}
		}
	}
}

// ScanOnce enqueues a sample job for every collecting batch dated before today
// and for every batch stuck in processing, and returns how many were enqueued.
// Duplicate jobs are harmless.
func (c *BatchCloser) ScanOnce(ctx context.Context) (int, error) {
	now := c.now()
	today := domain.BatchDate(now, c.location)
	due, err := c.batches.ListCollectingBefore(ctx, today, c.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch batches due for sampling: %w", err)
	}

	stuck, err := c.batches.ListStuckProcessing(ctx, now.Add(-c.stuckAfter).UTC(), c.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch batches stuck in processing: %w", err)
	}
	for i := range stuck {
		c.logger.Warn("re-enqueueing batch stuck in processing",
			observability.BatchFields(stuck[i].ID, zap.Timep("processingStartedAt", stuck[i].ProcessingStartedAt))...,
		)
	}

	enqueued := c.enqueueSample(ctx, append(due, stuck...))
	if enqueued > 0 {
		c.logger.Info("enqueued batches for sampling",
			zap.Int("count", enqueued),
			zap.Int("stuck", len(stuck)),
			zap.String("before", today),
		)
	}
	return enqueued, nil
}

func (c *BatchCloser) enqueueSample(ctx context.Context, batches []domain.BatchRecord) int {
	enqueued := 0
	queueName := queue.QueueName(queue.ActionSample)
	for i := range batches {
		batch := batches[i]
		msg := queue.BatchJobMessage{
			BatchID: batch.ID,
			Action:  queue.ActionSample,
		}
		if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
			msg.CorrelationID = correlationID
		}

		if err := c.publisher.Publish(ctx, queueName, msg); err != nil {
			c.logger.Error("failed to enqueue sample job",
				observability.BatchFields(batch.ID,
					zap.String("queue", queueName),
					zap.Error(err),
				)...,
			)
			continue
		}
		enqueued++
	}
	return enqueued
}
