package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/qc-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SurveyConfigRepository interface {
	Get(ctx context.Context, surveyID string) (*domain.BatchConfig, error)
	Upsert(ctx context.Context, surveyID string, cfg domain.BatchConfig) error
}

type GormSurveyConfigRepo struct {
	db *gorm.DB
}

func NewGormSurveyConfigRepo(db *gorm.DB) *GormSurveyConfigRepo {
	return &GormSurveyConfigRepo{db: db}
}

func (r *GormSurveyConfigRepo) Get(ctx context.Context, surveyID string) (*domain.BatchConfig, error) {
	var model SurveyConfigModel
	err := r.db.WithContext(ctx).First(&model, "survey_id = ?", surveyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return surveyConfigModelToDomain(&model), nil
}

func (r *GormSurveyConfigRepo) Upsert(ctx context.Context, surveyID string, cfg domain.BatchConfig) error {
	model := SurveyConfigModel{
		SurveyID:         surveyID,
		SamplePercentage: cfg.SamplePercentage,
		ApprovalRules:    ruleSet(cfg.ApprovalRules),
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "survey_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"sample_percentage", "approval_rules", "updated_at"}),
		}).
		Create(&model).Error
}
