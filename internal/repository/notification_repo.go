package repository

import (
	"context"
	"time"

	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"gorm.io/gorm"
)

// Outcome is a conditional state change of one notification. It applies only
// while the row still has status From and attempt_count ExpectedAttempts.
type Outcome struct {
	NotificationID   string
	From             domain.Status
	To               domain.Status
	ExpectedAttempts int
	LastError        *string
	NextRetryAt      *time.Time
	SentAt           *time.Time
	DeadLetteredAt   *time.Time
	At               time.Time
}

type ListParams struct {
	Status   *domain.Status
	Channel  *domain.Channel
	Page     int
	PageSize int
}

type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Notification, error)
	List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error)
	RecordOutcome(ctx context.Context, o Outcome) error
	MarkRetrying(ctx context.Context, id string, expectedAttempts int, at time.Time) (bool, error)
	Touch(ctx context.Context, id string, status domain.Status, expectedAttempts int, seenUpdatedAt, at time.Time) (bool, error)
	GetDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error)
	GetStale(ctx context.Context, before time.Time, limit int) ([]domain.Notification, error)
	Ping(ctx context.Context) error
}

type GormNotificationRepo struct {
	db *gorm.DB
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db}
}

func (r *GormNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	return createNotification(r.db.WithContext(ctx), n)
}

func createNotification(db *gorm.DB, n *domain.Notification) error {
	model := notificationModelFromDomain(n)
	if err := db.Create(model).Error; err != nil {
		return classify("create notification", err)
	}
	if n != nil {
		*n = *notificationModelToDomain(model)
	}
	return nil
}

func (r *GormNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var model NotificationModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, classify("get notification", err)
	}
	return notificationModelToDomain(&model), nil
}

func (r *GormNotificationRepo) GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", idempotencyKey).
		First(&model).Error
	if err != nil {
		return nil, classify("get notification by idempotency key", err)
	}
	return notificationModelToDomain(&model), nil
}

func (r *GormNotificationRepo) List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error) {
	query := r.db.WithContext(ctx).Model(&NotificationModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Channel != nil {
		query = query.Where("channel = ?", *params.Channel)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, classify("count notifications", err)
	}

	page, pageSize := normalizePage(params.Page, params.PageSize)

	var models []NotificationModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, classify("list notifications", err)
	}

	return notificationsToDomain(models), total, nil
}

// RecordOutcome applies o and increments attempt_count. It returns
// domain.ErrConflict when another writer changed the row first.
func (r *GormNotificationRepo) RecordOutcome(ctx context.Context, o Outcome) error {
	return recordOutcome(r.db.WithContext(ctx), o)
}

func recordOutcome(db *gorm.DB, o Outcome) error {
	if !domain.CanTransition(o.From, o.To) {
		return domain.ErrInvalidTransition
	}

	updates := map[string]any{
		"status":        o.To,
		"attempt_count": gorm.Expr("attempt_count + 1"),
		"next_retry_at": o.NextRetryAt,
		"updated_at":    o.At,
	}
	if o.LastError != nil {
		updates["last_error"] = *o.LastError
	}
	if o.SentAt != nil {
		updates["sent_at"] = *o.SentAt
	}
	if o.DeadLetteredAt != nil {
		updates["dead_lettered_at"] = *o.DeadLetteredAt
	}

	result := db.
		Model(&NotificationModel{}).
		Where("id = ? AND status = ? AND attempt_count = ?", o.NotificationID, o.From, o.ExpectedAttempts).
		Updates(updates)
	if result.Error != nil {
		return classify("record outcome", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// MarkRetrying moves a retryable FAILED row to RETRYING. False means the row
// was claimed by someone else or is no longer eligible.
func (r *GormNotificationRepo) MarkRetrying(ctx context.Context, id string, expectedAttempts int, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ? AND attempt_count = ? AND dead_lettered_at IS NULL", id, domain.StatusFailed, expectedAttempts).
		Updates(map[string]any{
			"status":     domain.StatusRetrying,
			"updated_at": at,
		})
	if result.Error != nil {
		return false, classify("mark retrying", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Touch bumps updated_at only if the row still carries the status, attempt
// count and updated_at that were read. Of several nodes that saw the same
// stale row, only the first Touch matches.
func (r *GormNotificationRepo) Touch(ctx context.Context, id string, status domain.Status, expectedAttempts int, seenUpdatedAt, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ? AND attempt_count = ? AND updated_at = ?", id, status, expectedAttempts, seenUpdatedAt).
		Update("updated_at", at)
	if result.Error != nil {
		return false, classify("touch notification", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *GormNotificationRepo) GetDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND dead_lettered_at IS NULL AND attempt_count < max_attempts", domain.StatusFailed).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, classify("get due for retry", err)
	}
	return notificationsToDomain(models), nil
}

func (r *GormNotificationRepo) GetStale(ctx context.Context, before time.Time, limit int) ([]domain.Notification, error) {
	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []domain.Status{domain.StatusPending, domain.StatusRetrying}, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, classify("get stale notifications", err)
	}
	return notificationsToDomain(models), nil
}

func (r *GormNotificationRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return classify("ping", sqlDB.PingContext(ctx))
}

func notificationsToDomain(models []NotificationModel) []domain.Notification {
	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}
	return notifications
}

func normalizePage(page, pageSize int) (int, int) {
	page = max(page, 1)
	if pageSize < 1 {
		pageSize = 50
	}
	return page, min(pageSize, 100)
}
