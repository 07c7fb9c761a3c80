package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/doctoral-alerts/internal/repository"
	"gorm.io/gorm"
)

// The projection is owned by the enrollment service; this only guarantees
// the table exists in development databases.
func createEnrollmentProjectionsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000005_create_enrollment_projections",
		Migrate: func(tx *gorm.DB) error {
			if tx.Migrator().HasTable(&repository.EnrollmentProjectionModel{}) {
				return nil
			}
			return tx.AutoMigrate(&repository.EnrollmentProjectionModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return nil
		},
	}
}
