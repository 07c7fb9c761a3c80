package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"github.com/kursadbilgin/doctoral-alerts/internal/observability"
	"github.com/kursadbilgin/doctoral-alerts/internal/queue"
	"github.com/kursadbilgin/doctoral-alerts/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AlertIntake turns alert events and notification requests into stored
// PENDING notifications and hands them to the dispatcher.
type AlertIntake struct {
	notifications repository.NotificationRepository
	publisher     queue.Publisher
	consumer      queue.Consumer
	partitions    int
	maxAttempts   int
	logger        *zap.Logger
	newID         func() string
}

func NewAlertIntake(
	notifications repository.NotificationRepository,
	publisher queue.Publisher,
	consumer queue.Consumer,
	partitions int,
	maxAttempts int,
	logger *zap.Logger,
) (*AlertIntake, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if partitions < 1 {
		partitions = 1
	}
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AlertIntake{
		notifications: notifications,
		publisher:     publisher,
		consumer:      consumer,
		partitions:    partitions,
		maxAttempts:   maxAttempts,
		logger:        logger,
		newID:         uuid.NewString,
	}, nil
}

// Start consumes every partition of the alerts and notification-requests
// topics until ctx is cancelled.
func (s *AlertIntake) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.consumer == nil {
		return fmt.Errorf("consumer is required")
	}

	handlers := map[string]queue.Handler{
		queue.TopicAlerts:               s.HandleAlert,
		queue.TopicNotificationRequests: s.HandleRequest,
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for topic, handler := range handlers {
		topic, handler := topic, handler
		for partition := 0; partition < s.partitions; partition++ {
			partition := partition
			g.Go(func() error {
				if err := s.consumer.Consume(groupCtx, topic, partition, handler); err != nil {
					s.logger.Error("intake consumer stopped with error",
						zap.String("topic", topic),
						zap.Int("partition", partition),
						zap.Error(err),
					)
					return err
				}
				return nil
			})
		}
	}

	return g.Wait()
}

// HandleAlert stores one e-mail notification per distinct recipient of the event.
func (s *AlertIntake) HandleAlert(ctx context.Context, d queue.Delivery) error {
	var ev domain.AlertEvent
	if err := queue.Decode(d, &ev); err != nil {
		s.logger.Warn("discarding malformed alert event",
			observability.PositionField(d.Position()),
			zap.Error(err),
		)
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrInvalidMessage, err)
	}

	correlationID := fmt.Sprintf("enrollment-%d", ev.EnrollmentID)
	ctx = observability.WithCorrelationID(ctx, correlationID)

	for _, recipient := range ev.Recipients() {
		key := fmt.Sprintf("alert:%d:%s:%s", ev.EnrollmentID, ev.Type, strings.ToLower(recipient))
		n := &domain.Notification{
			ID:             s.newID(),
			CorrelationID:  correlationID,
			IdempotencyKey: &key,
			Type:           ev.Type.NotificationType(),
			Channel:        domain.ChannelEmail,
			Priority:       ev.Priority.NotificationPriority(),
			Recipient:      recipient,
			Subject:        ev.Type.Subject(),
			Body:           ev.Body(),
			Payload:        payload,
			MaxAttempts:    s.maxAttempts,
		}
		if err := s.accept(ctx, n, d.Position()); err != nil {
			return err
		}
	}
	return nil
}

// HandleRequest stores a notification submitted by another service.
func (s *AlertIntake) HandleRequest(ctx context.Context, d queue.Delivery) error {
	var req queue.NotificationRequest
	if err := queue.Decode(d, &req); err != nil {
		s.logger.Warn("discarding malformed notification request",
			observability.PositionField(d.Position()),
			zap.Error(err),
		)
		return err
	}

	n := &domain.Notification{
		ID:             s.newID(),
		CorrelationID:  firstNonEmpty(req.CorrelationID, d.CorrelationID),
		IdempotencyKey: normalizeOptionalString(req.IdempotencyKey),
		Type:           req.Type,
		Channel:        req.Channel,
		Priority:       req.Priority,
		Recipient:      strings.TrimSpace(req.Recipient),
		Subject:        req.Subject,
		Body:           req.Body,
		Payload:        req.Payload,
		MaxAttempts:    s.maxAttempts,
	}
	if n.Priority == "" {
		n.Priority = domain.PriorityNormale
	}
	if n.CorrelationID == "" {
		n.CorrelationID = n.ID
	}
	ctx = observability.WithCorrelationID(ctx, n.CorrelationID)

	return s.accept(ctx, n, d.Position())
}

// accept persists n, or finds the notification an earlier delivery already
// stored, and publishes it while it is still PENDING.
func (s *AlertIntake) accept(ctx context.Context, n *domain.Notification, pos domain.SourcePosition) error {
	n.Status = domain.StatusPending
	n.Source = pos

	if err := s.notifications.Create(ctx, n); err != nil {
		if !errors.Is(err, domain.ErrConflict) || n.IdempotencyKey == nil {
			return fmt.Errorf("failed to store notification: %w", err)
		}
		existing, getErr := s.notifications.GetByIdempotencyKey(ctx, *n.IdempotencyKey)
		if getErr != nil {
			return fmt.Errorf("failed to load existing notification after idempotency conflict: %w", getErr)
		}
		s.logger.Info("idempotency conflict resolved",
			zap.String("existingId", existing.ID),
			zap.String("idempotencyKey", *n.IdempotencyKey),
		)
		n = existing
	}

	if n.Status != domain.StatusPending {
		return nil
	}

	msg, err := queue.NewNotificationMessage(n).Message()
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrInvalidMessage, err)
	}
	if _, err := s.publisher.Publish(ctx, msg); err != nil {
		// The source message is redelivered and resolves to this row.
		return fmt.Errorf("failed to publish notification %s: %w", n.ID, err)
	}

	observability.WithContextLogger(s.logger, ctx).Debug("notification accepted",
		append(observability.NotificationFields(n), observability.PositionField(pos))...,
	)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func normalizeOptionalString(v string) *string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
