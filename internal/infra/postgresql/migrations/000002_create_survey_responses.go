package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/qc-engine/internal/repository"
	"gorm.io/gorm"
)

func createSurveyResponsesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_survey_responses",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.ResponseModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_survey_responses_review_queue ON survey_responses (survey_id, mode, collected_at, id) WHERE status = 'pending_review'`,
				`CREATE INDEX IF NOT EXISTS idx_survey_responses_reviewer ON survey_responses (reviewer_id, lease_expires_at) WHERE reviewer_id IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_survey_responses_batch ON survey_responses (qc_batch_id) WHERE qc_batch_id IS NOT NULL`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ResponseModel{})
		},
	}
}
