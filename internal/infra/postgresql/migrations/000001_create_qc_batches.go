package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/qc-engine/internal/repository"
	"gorm.io/gorm"
)

func createQCBatchesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_qc_batches",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BatchModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				// At most one open batch per (survey, interviewer, day).
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_qc_batches_open_key ON qc_batches (survey_id, interviewer_id, batch_date) WHERE status = 'collecting'`,
				`CREATE INDEX IF NOT EXISTS idx_qc_batches_status_date ON qc_batches (status, batch_date)`,
				`CREATE INDEX IF NOT EXISTS idx_qc_batches_survey_interviewer ON qc_batches (survey_id, interviewer_id, batch_date DESC)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BatchModel{})
		},
	}
}
