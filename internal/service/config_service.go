package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/qc-engine/internal/domain"
	"github.com/kursadbilgin/qc-engine/internal/repository"
	"go.uber.org/zap"
)

// ConfigService owns per-survey QC policy. Batches snapshot the policy when opened,
// so updates only affect batches created afterwards.
type ConfigService struct {
	configs  repository.SurveyConfigRepository
	defaults domain.BatchConfig
	logger   *zap.Logger
}

var _ ConfigResolver = (*ConfigService)(nil)

func NewConfigService(
	configs repository.SurveyConfigRepository,
	defaults domain.BatchConfig,
	logger *zap.Logger,
) (*ConfigService, error) {
	if configs == nil {
		return nil, fmt.Errorf("survey config repository is required")
	}
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default qc config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ConfigService{
		configs:  configs,
		defaults: defaults.Clone(),
		logger:   logger,
	}, nil
}

func (s *ConfigService) Resolve(ctx context.Context, surveyID string) (domain.BatchConfig, error) {
	cfg, err := s.configs.Get(ctx, surveyID)
	if errors.Is(err, domain.ErrNotFound) {
		return s.defaults.Clone(), nil
	}
	if err != nil {
		return domain.BatchConfig{}, fmt.Errorf("failed to load qc config for survey %s: %w", surveyID, err)
	}
	return cfg.Clone(), nil
}

func (s *ConfigService) Update(ctx context.Context, surveyID string, cfg domain.BatchConfig) (domain.BatchConfig, error) {
	surveyID = strings.TrimSpace(surveyID)
	if surveyID == "" {
		return domain.BatchConfig{}, fmt.Errorf("%w: survey id is required", domain.ErrValidation)
	}
	if err := cfg.Validate(); err != nil {
		return domain.BatchConfig{}, err
	}

	if err := s.configs.Upsert(ctx, surveyID, cfg); err != nil {
		return domain.BatchConfig{}, fmt.Errorf("failed to save qc config for survey %s: %w", surveyID, err)
	}

	s.logger.Info("qc config updated",
		zap.String("surveyId", surveyID),
		zap.Float64("samplePercentage", cfg.SamplePercentage),
		zap.Int("rules", len(cfg.ApprovalRules)),
	)
	return cfg.Clone(), nil
}
