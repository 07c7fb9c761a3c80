package repository

import (
	"context"

	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"gorm.io/gorm"
)

// EnrollmentSource yields the enrollment projection in ascending ID order,
// one page at a time.
type EnrollmentSource interface {
	NextPage(ctx context.Context, afterID int64, limit int) ([]domain.Enrollment, error)
}

type GormEnrollmentSource struct {
	db *gorm.DB
}

func NewGormEnrollmentSource(db *gorm.DB) *GormEnrollmentSource {
	return &GormEnrollmentSource{db: db}
}

// NextPage uses keyset pagination so rows inserted mid-cycle never shift pages.
func (s *GormEnrollmentSource) NextPage(ctx context.Context, afterID int64, limit int) ([]domain.Enrollment, error) {
	var models []EnrollmentProjectionModel
	err := s.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, classify("read enrollments", err)
	}

	out := make([]domain.Enrollment, 0, len(models))
	for i := range models {
		out = append(out, enrollmentModelToDomain(&models[i]))
	}
	return out, nil
}

