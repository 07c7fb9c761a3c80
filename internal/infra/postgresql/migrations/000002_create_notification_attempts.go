package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/doctoral-alerts/internal/repository"
	"gorm.io/gorm"
)

// The attempt log references its notification; a notification is never
// deleted while it has attempts.
func createNotificationAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_notification_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.NotificationAttemptModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`ALTER TABLE notification_attempts DROP CONSTRAINT IF EXISTS fk_notification_attempts_notification`,
				`ALTER TABLE notification_attempts ADD CONSTRAINT fk_notification_attempts_notification FOREIGN KEY (notification_id) REFERENCES notifications (id) ON DELETE RESTRICT`,
				`CREATE INDEX IF NOT EXISTS idx_notification_attempts_lookup ON notification_attempts (notification_id, attempt_number, created_at)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.NotificationAttemptModel{})
		},
	}
}
