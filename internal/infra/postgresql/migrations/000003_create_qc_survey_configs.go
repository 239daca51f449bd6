package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/qc-engine/internal/repository"
	"gorm.io/gorm"
)

func createSurveyConfigsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_qc_survey_configs",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.SurveyConfigModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.SurveyConfigModel{})
		},
	}
}
