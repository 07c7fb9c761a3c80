package repository

import (
	"context"
	"time"

	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AlertLedger records which (enrollment, alert type) pairs have been emitted.
type AlertLedger interface {
	// Claim atomically records the pair. It returns true only for the caller
	// that inserted it.
	Claim(ctx context.Context, enrollmentID int64, alertType domain.AlertType, at time.Time) (bool, error)
	Exists(ctx context.Context, enrollmentID int64, alertType domain.AlertType) (bool, error)
}

type GormAlertLedger struct {
	db *gorm.DB
}

func NewGormAlertLedger(db *gorm.DB) *GormAlertLedger {
	return &GormAlertLedger{db: db}
}

func (l *GormAlertLedger) Claim(ctx context.Context, enrollmentID int64, alertType domain.AlertType, at time.Time) (bool, error) {
	row := AlertLedgerModel{
		EnrollmentID: enrollmentID,
		AlertType:    alertType,
		CreatedAt:    at,
	}

	result := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return false, classify("claim alert", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (l *GormAlertLedger) Exists(ctx context.Context, enrollmentID int64, alertType domain.AlertType) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Model(&AlertLedgerModel{}).
		Where("enrollment_id = ? AND alert_type = ?", enrollmentID, alertType).
		Count(&count).Error
	if err != nil {
		return false, classify("lookup alert", err)
	}
	return count > 0, nil
}
