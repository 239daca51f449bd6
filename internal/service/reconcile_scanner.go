package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/qc-engine/internal/domain"
	"github.com/kursadbilgin/qc-engine/internal/observability"
	"github.com/kursadbilgin/qc-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultReconcileScanInterval = 30 * time.Second
	defaultReconcileScanLimit    = 100
)

// BatchSettler recomputes a batch and runs its decision when due.
type BatchSettler interface {
	Settle(ctx context.Context, batchID string) (*domain.BatchRecord, error)
}

// ReconcileScanner periodically settles batches under review. It repairs stats
// that a failed post-verdict update left stale.
type ReconcileScanner struct {
	batches  repository.BatchRepository
	settler  BatchSettler
	logger   *zap.Logger
	interval time.Duration
	limit    int
}

func NewReconcileScanner(
	batches repository.BatchRepository,
	settler BatchSettler,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*ReconcileScanner, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if settler == nil {
		return nil, fmt.Errorf("settler is required")
	}
	if interval <= 0 {
		interval = defaultReconcileScanInterval
	}
	if limit <= 0 {
		limit = defaultReconcileScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReconcileScanner{
		batches:  batches,
		settler:  settler,
		logger:   logger,
		interval: interval,
		limit:    limit,
	}, nil
}

func (s *ReconcileScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial scan so stale batches do not wait for the first ticker edge.
	if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("reconcile scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.ScanOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("reconcile scanner scan failed", zap.Error(err))
			}
		}
	}
}

// ScanOnce settles every batch awaiting review and returns how many it visited.
func (s *ReconcileScanner) ScanOnce(ctx context.Context) (int, error) {
	visited := 0
	cursor := ""

	for {
		page, err := s.batches.ListAwaitingReconcile(ctx, cursor, s.limit)
		if err != nil {
			return visited, fmt.Errorf("failed to fetch batches awaiting reconcile: %w", err)
		}

		for i := range page {
			batchID := page[i].ID
			visited++
			if _, err := s.settler.Settle(ctx, batchID); err != nil {
				if ctx.Err() != nil {
					return visited, ctx.Err()
				}
				level := zap.ErrorLevel
				if errors.Is(err, domain.ErrNotFound) {
					level = zap.WarnLevel
				}
				observability.WithContextLogger(s.logger, ctx).Log(level, "failed to settle batch",
					observability.BatchFields(batchID, zap.Error(err))...,
				)
			}
		}

		if len(page) < s.limit {
			return visited, nil
		}
		cursor = page[len(page)-1].ID
	}
}
