package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeadLetterListParams struct {
	Reason      *domain.FailureReason
	Reprocessed *bool
	Page        int
	PageSize    int
}

// ReplacementFunc builds the notification that replaces a dead-lettered one.
type ReplacementFunc func(entry *domain.DeadLetterEntry) (*domain.Notification, error)

type DeadLetterRepository interface {
	// ArchiveTerminal applies the terminal outcome and inserts entry atomically.
	ArchiveTerminal(ctx context.Context, o Outcome, entry *domain.DeadLetterEntry) error
	GetByID(ctx context.Context, id string) (*domain.DeadLetterEntry, error)
	List(ctx context.Context, params DeadLetterListParams) ([]domain.DeadLetterEntry, int64, error)
	// Reprocess marks the entry reprocessed and stores its replacement in one
	// transaction. An entry is reprocessed at most once.
	Reprocess(ctx context.Context, id string, at time.Time, build ReplacementFunc) (*domain.DeadLetterEntry, *domain.Notification, error)
}

type GormDeadLetterRepo struct {
	db *gorm.DB
}

func NewGormDeadLetterRepo(db *gorm.DB) *GormDeadLetterRepo {
	return &GormDeadLetterRepo{db: db}
}

func (r *GormDeadLetterRepo) ArchiveTerminal(ctx context.Context, o Outcome, entry *domain.DeadLetterEntry) error {
	if o.DeadLetteredAt == nil {
		return fmt.Errorf("%w: terminal outcome without dead_lettered_at", domain.ErrValidation)
	}
	model := deadLetterModelFromDomain(entry)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := recordOutcome(tx, o); err != nil {
			return err
		}
		if err := tx.Create(model).Error; err != nil {
			return classify("insert dead letter", err)
		}
		return nil
	})
}

func (r *GormDeadLetterRepo) GetByID(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	var model DeadLetterModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, classify("get dead letter", err)
	}
	return deadLetterModelToDomain(&model), nil
}

func (r *GormDeadLetterRepo) List(ctx context.Context, params DeadLetterListParams) ([]domain.DeadLetterEntry, int64, error) {
	query := r.db.WithContext(ctx).Model(&DeadLetterModel{})

	if params.Reason != nil {
		query = query.Where("reason = ?", *params.Reason)
	}
	if params.Reprocessed != nil {
		query = query.Where("reprocessed = ?", *params.Reprocessed)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, classify("count dead letters", err)
	}

	page, pageSize := normalizePage(params.Page, params.PageSize)

	var models []DeadLetterModel
	err := query.
		Order("added_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, classify("list dead letters", err)
	}

	entries := make([]domain.DeadLetterEntry, 0, len(models))
	for i := range models {
		entries = append(entries, *deadLetterModelToDomain(&models[i]))
	}
	return entries, total, nil
}

func (r *GormDeadLetterRepo) Reprocess(ctx context.Context, id string, at time.Time, build ReplacementFunc) (*domain.DeadLetterEntry, *domain.Notification, error) {
	var (
		entry       *domain.DeadLetterEntry
		replacement *domain.Notification
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model DeadLetterModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", id).Error
		if err != nil {
			return classify("lock dead letter", err)
		}
		if model.Reprocessed {
			return fmt.Errorf("dead letter %s already reprocessed: %w", id, domain.ErrConflict)
		}

		entry = deadLetterModelToDomain(&model)
		n, err := build(entry)
		if err != nil {
			return err
		}
		if err := createNotification(tx, n); err != nil {
			return err
		}

		result := tx.Model(&DeadLetterModel{}).
			Where("id = ? AND reprocessed = ?", id, false).
			Updates(map[string]any{
				"reprocessed":               true,
				"last_reprocess_attempt_at": at,
				"replacement_id":            n.ID,
			})
		if result.Error != nil {
			return classify("mark dead letter reprocessed", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("dead letter %s already reprocessed: %w", id, domain.ErrConflict)
		}

		replacementID := n.ID
		entry.Reprocessed = true
		entry.LastReprocessAttemptAt = &at
		entry.ReplacementID = &replacementID
		replacement = n
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return entry, replacement, nil
}
