package repository

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AttemptRepository is the append-only log of delivery attempts. Rows are
// never updated; a redelivered message that repeats an attempt number adds
// a second row rather than overwriting the first.
type AttemptRepository interface {
	Create(ctx context.Context, a *domain.NotificationAttempt) error
	GetByNotificationID(ctx context.Context, notificationID string) ([]domain.NotificationAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.NotificationAttempt) error {
	if a == nil {
		return fmt.Errorf("%w: attempt is required", domain.ErrValidation)
	}
	if a.NotificationID == "" || a.AttemptNumber < 1 {
		return fmt.Errorf("%w: attempt needs a notification and a positive number", domain.ErrValidation)
	}

	model := attemptModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return classify("create attempt", err)
	}
	a.CreatedAt = model.CreatedAt
	return nil
}

// GetByNotificationID returns the attempts of one notification, oldest first.
func (r *GormAttemptRepo) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.NotificationAttempt, error) {
	var models []NotificationAttemptModel
	err := r.db.WithContext(ctx).
		Where(&NotificationAttemptModel{NotificationID: notificationID}).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Name: "attempt_number"}},
			{Column: clause.Column{Name: "created_at"}},
		}}).
		Find(&models).Error
	if err != nil {
		return nil, classify("list attempts", err)
	}

	attempts := make([]domain.NotificationAttempt, len(models))
	for i := range models {
		attempts[i] = *attemptModelToDomain(&models[i])
	}
	return attempts, nil
}
