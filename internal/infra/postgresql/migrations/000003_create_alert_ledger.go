package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/doctoral-alerts/internal/repository"
	"gorm.io/gorm"
)

func createAlertLedgerTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_alert_ledger",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.AlertLedgerModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.AlertLedgerModel{})
		},
	}
}
