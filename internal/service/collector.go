package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/qc-engine/internal/domain"
	"github.com/kursadbilgin/qc-engine/internal/observability"
	"github.com/kursadbilgin/qc-engine/internal/repository"
	"go.uber.org/zap"
)

const maxAppendAttempts = 3

// Collector files incoming responses into the open batch for their
// (survey, interviewer, day) key, opening one when needed.
type Collector struct {
	responses repository.ResponseRepository
	batches   repository.BatchRepository
	configs   ConfigResolver
	location  *time.Location
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

func NewCollector(
	responses repository.ResponseRepository,
	batches repository.BatchRepository,
	configs ConfigResolver,
	location *time.Location,
	logger *zap.Logger,
) (*Collector, error) {
	if responses == nil {
		return nil, fmt.Errorf("response repository is required")
	}
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if configs == nil {
		return nil, fmt.Errorf("config resolver is required")
	}
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Collector{
		responses: responses,
		batches:   batches,
		configs:   configs,
		location:  location,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// Append registers the response and adds it to its batch. Replaying the same
// response returns the batch it already belongs to.
func (c *Collector) Append(ctx context.Context, resp *domain.Response) (*domain.BatchRecord, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: response is required", domain.ErrValidation)
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	if resp.CollectedAt.IsZero() {
		resp.CollectedAt = c.now().UTC()
	}
	resp.Status = domain.ResponseStatusCollected

	stored, _, err := c.responses.Upsert(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("failed to store response %s: %w", resp.ID, err)
	}
	if stored.QCBatchID != nil {
		return c.batches.GetByID(ctx, *stored.QCBatchID)
	}

	batchDate := domain.BatchDate(stored.CollectedAt, c.location)
	logger := observability.WithContextLogger(c.logger, ctx)

	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		batch, err := c.openBatch(ctx, stored.SurveyID, stored.InterviewerID, batchDate)
		if err != nil {
			return nil, err
		}

		updated, err := c.batches.AppendResponse(ctx, batch.ID, stored.ID)
		if errors.Is(err, domain.ErrBatchClosed) {
			// The sampler claimed the batch between lookup and append.
			logger.Info("batch closed during append, retrying",
				zap.String("batchId", batch.ID),
				zap.String("responseId", stored.ID),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to append response %s to batch %s: %w", stored.ID, batch.ID, err)
		}

		return updated, nil
	}

	return nil, fmt.Errorf("%w: could not place response %s after %d attempts", domain.ErrConflict, stored.ID, maxAppendAttempts)
}

func (c *Collector) openBatch(ctx context.Context, surveyID, interviewerID, batchDate string) (*domain.BatchRecord, error) {
	batch, err := c.batches.FindOpen(ctx, surveyID, interviewerID, batchDate)
	if err == nil {
		return batch, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to find open batch: %w", err)
	}

	cfg, err := c.configs.Resolve(ctx, surveyID)
	if err != nil {
		return nil, err
	}

	batch = domain.NewBatchRecord(c.newID(), surveyID, interviewerID, batchDate, cfg)
	err = c.batches.Create(ctx, batch)
	if errors.Is(err, domain.ErrConflict) {
		// Another ingest opened the batch first.
		return c.batches.FindOpen(ctx, surveyID, interviewerID, batchDate)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open batch: %w", err)
	}

	observability.WithContextLogger(c.logger, ctx).Info("batch opened",
		observability.BatchFields(batch.ID,
			zap.String("surveyId", surveyID),
			zap.String("interviewerId", interviewerID),
			zap.String("batchDate", batchDate),
		)...,
	)
	return batch, nil
}
