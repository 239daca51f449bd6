package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/qc-engine/internal/domain"
	"github.com/kursadbilgin/qc-engine/internal/repository"
)

// BatchService is the operator surface over batches.
type BatchService struct {
	batches   repository.BatchRepository
	responses repository.ResponseRepository
	closer    *BatchCloser
	sampler   BatchSampler
}

func NewBatchService(
	batches repository.BatchRepository,
	responses repository.ResponseRepository,
	closer *BatchCloser,
	sampler BatchSampler,
) (*BatchService, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if responses == nil {
		return nil, fmt.Errorf("response repository is required")
	}
	if closer == nil {
		return nil, fmt.Errorf("batch closer is required")
	}
	if sampler == nil {
		return nil, fmt.Errorf("sampler is required")
	}
	return &BatchService{batches: batches, responses: responses, closer: closer, sampler: sampler}, nil
}

func (s *BatchService) Get(ctx context.Context, id string) (*domain.BatchRecord, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}
	return s.batches.GetByID(ctx, id)
}

// ListResponses returns every response assigned to an existing batch.
func (s *BatchService) ListResponses(ctx context.Context, id string) ([]domain.Response, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.responses.ListByBatch(ctx, id)
}

func (s *BatchService) List(ctx context.Context, params repository.BatchListParams) ([]domain.BatchRecord, int64, error) {
	return s.batches.List(ctx, params)
}

// TriggerBatchProcessing runs one closer scan now and returns the number of batches enqueued.
func (s *BatchService) TriggerBatchProcessing(ctx context.Context) (int, error) {
	return s.closer.ScanOnce(ctx)
}

// SendBatchToQC samples a batch synchronously, ignoring its batch date.
func (s *BatchService) SendBatchToQC(ctx context.Context, id string) (*domain.BatchRecord, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}
	return s.sampler.CloseAndSample(ctx, id)
}
