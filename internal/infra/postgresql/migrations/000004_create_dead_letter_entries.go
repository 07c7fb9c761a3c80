package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/doctoral-alerts/internal/repository"
	"gorm.io/gorm"
)

func createDeadLetterEntriesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_dead_letter_entries",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.DeadLetterModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_dead_letters_notification_id ON dead_letter_entries (notification_id)`,
				`CREATE INDEX IF NOT EXISTS idx_dead_letters_added_at ON dead_letter_entries (added_at DESC)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DeadLetterModel{})
		},
	}
}
