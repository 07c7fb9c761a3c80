package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"github.com/kursadbilgin/doctoral-alerts/internal/observability"
	"github.com/kursadbilgin/doctoral-alerts/internal/queue"
	"github.com/kursadbilgin/doctoral-alerts/internal/repository"
	"go.uber.org/zap"
)

// DeadLetterArchiver owns terminal delivery failures: it archives them and
// lets operators re-submit them.
type DeadLetterArchiver struct {
	deadLetters   repository.DeadLetterRepository
	notifications repository.NotificationRepository
	publisher     queue.Publisher
	maxAttempts   int
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
	newID         func() string
}

func NewDeadLetterArchiver(
	deadLetters repository.DeadLetterRepository,
	notifications repository.NotificationRepository,
	publisher queue.Publisher,
	maxAttempts int,
	logger *zap.Logger,
) (*DeadLetterArchiver, error) {
	if deadLetters == nil {
		return nil, fmt.Errorf("dead letter repository is required")
	}
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeadLetterArchiver{
		deadLetters:   deadLetters,
		notifications: notifications,
		publisher:     publisher,
		maxAttempts:   maxAttempts,
		logger:        logger,
		now:           time.Now,
		newID:         uuid.NewString,
	}, nil
}

func (a *DeadLetterArchiver) SetMetrics(metrics *observability.Metrics) {
	if a == nil {
		return
	}
	a.metrics = metrics
}

// Archive applies the terminal outcome o to n and stores the dead letter
// entry in the same transaction.
func (a *DeadLetterArchiver) Archive(
	ctx context.Context,
	o repository.Outcome,
	n *domain.Notification,
	cause string,
	reason domain.FailureReason,
) (*domain.DeadLetterEntry, error) {
	snapshot := *n
	snapshot.Status = domain.StatusFailed
	snapshot.AttemptCount = o.ExpectedAttempts + 1
	snapshot.LastError = &cause
	snapshot.DeadLetteredAt = o.DeadLetteredAt

	entry := domain.NewDeadLetterEntry(a.newID(), &snapshot, cause, reason, o.At)
	if err := a.deadLetters.ArchiveTerminal(ctx, o, entry); err != nil {
		return nil, fmt.Errorf("failed to archive notification %s: %w", n.ID, err)
	}

	a.metrics.IncDeadLetter(reason.String())
	a.logger.Warn("notification dead-lettered",
		append(observability.NotificationFields(&snapshot),
			zap.String("deadLetterId", entry.ID),
			zap.String("reason", reason.String()),
			zap.String("cause", cause),
		)...,
	)
	return entry, nil
}

func (a *DeadLetterArchiver) Get(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	return a.deadLetters.GetByID(ctx, id)
}

func (a *DeadLetterArchiver) List(ctx context.Context, params repository.DeadLetterListParams) ([]domain.DeadLetterEntry, int64, error) {
	return a.deadLetters.List(ctx, params)
}

// Reprocess re-submits a dead-lettered notification as a fresh PENDING one.
// An entry can be reprocessed once; later calls return domain.ErrConflict.
func (a *DeadLetterArchiver) Reprocess(ctx context.Context, id string) (*domain.Notification, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	at := a.now().UTC()
	entry, replacement, err := a.deadLetters.Reprocess(ctx, id, at, func(entry *domain.DeadLetterEntry) (*domain.Notification, error) {
		priority, err := a.originalPriority(ctx, entry.NotificationID)
		if err != nil {
			return nil, err
		}
		return entry.Replay(a.newID(), a.maxAttempts, priority), nil
	})
	if err != nil {
		return nil, err
	}
	a.metrics.IncReprocessed()

	logger := a.logger.With(
		zap.String("deadLetterId", entry.ID),
		zap.String("replacementId", replacement.ID),
	)
	logger.Info("dead letter reprocessed")

	msg, err := queue.NewNotificationMessage(replacement).Message()
	if err == nil {
		_, err = a.publisher.Publish(ctx, msg)
	}
	if err != nil {
		// The replacement is committed as PENDING; stale recovery republishes it.
		logger.Error("failed to publish reprocessed notification", zap.Error(err))
	}

	return replacement, nil
}

func (a *DeadLetterArchiver) originalPriority(ctx context.Context, notificationID string) (domain.Priority, error) {
	original, err := a.notifications.GetByID(ctx, notificationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.PriorityNormale, nil
		}
		return "", fmt.Errorf("failed to load original notification: %w", err)
	}
	return original.Priority, nil
}
