package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"github.com/kursadbilgin/doctoral-alerts/internal/observability"
	"github.com/kursadbilgin/doctoral-alerts/internal/provider"
	"github.com/kursadbilgin/doctoral-alerts/internal/queue"
	"github.com/kursadbilgin/doctoral-alerts/internal/ratelimit"
	"github.com/kursadbilgin/doctoral-alerts/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxAttempts      = 3
	defaultSendTimeout      = 10 * time.Second
	defaultRetryBackoffStep = 5 * time.Minute
	maxOutcomeConflicts     = 3
)

type DispatcherConfig struct {
	Partitions       int
	MaxAttempts      int
	SendTimeout      time.Duration
	RetryBackoffStep time.Duration
}

// Outcome is the state a notification reached after one dispatch.
type Outcome struct {
	Status       domain.Status
	AttemptCount int
	NextRetryAt  *time.Time
	Reason       *domain.FailureReason
	DeadLetter   *domain.DeadLetterEntry
	// Discarded is set when another worker recorded this attempt first.
	Discarded bool
}

// Dispatcher delivers notifications from the notifications topic and drives
// their state machine.
type Dispatcher struct {
	notifications repository.NotificationRepository
	attempts      repository.AttemptRepository
	archiver      *DeadLetterArchiver
	consumer      queue.Consumer
	provider      provider.Provider
	rateLimiter   ratelimit.RateLimiter
	cfg           DispatcherConfig
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

func NewDispatcher(
	notifications repository.NotificationRepository,
	attempts repository.AttemptRepository,
	archiver *DeadLetterArchiver,
	consumer queue.Consumer,
	provider provider.Provider,
	rateLimiter ratelimit.RateLimiter,
	cfg DispatcherConfig,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if archiver == nil {
		return nil, fmt.Errorf("dead letter archiver is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if rateLimiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.RetryBackoffStep < 0 {
		cfg.RetryBackoffStep = defaultRetryBackoffStep
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		notifications: notifications,
		attempts:      attempts,
		archiver:      archiver,
		consumer:      consumer,
		provider:      provider,
		rateLimiter:   rateLimiter,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Start runs one consumer per notifications partition until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if d.consumer == nil {
		return fmt.Errorf("consumer is required")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for partition := 0; partition < d.cfg.Partitions; partition++ {
		partition := partition
		g.Go(func() error {
			logger := d.logger.With(
				zap.String("topic", queue.TopicNotifications),
				zap.Int("partition", partition),
			)
			logger.Info("dispatcher consumer started")

			err := d.consumer.Consume(groupCtx, queue.TopicNotifications, partition, d.handleMessage)
			if err != nil {
				logger.Error("dispatcher consumer stopped with error", zap.Error(err))
				return err
			}

			logger.Info("dispatcher consumer stopped")
			return nil
		})
	}

	return g.Wait()
}

func (d *Dispatcher) handleMessage(ctx context.Context, delivery queue.Delivery) error {
	var msg queue.NotificationMessage
	if err := queue.Decode(delivery, &msg); err != nil {
		d.logger.Warn("discarding malformed notification message",
			observability.PositionField(delivery.Position()),
			zap.Error(err),
		)
		return err
	}
	ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)

	notification, err := d.notifications.GetByID(ctx, msg.NotificationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			d.logger.Warn("notification not found, skipping",
				zap.String("notificationId", msg.NotificationID),
			)
			return nil
		}
		return fmt.Errorf("failed to load notification: %w", err)
	}

	// Redelivered or superseded messages for settled notifications are acked.
	if notification.Terminal() || !notification.Status.Dispatchable() {
		d.logger.Debug("notification not dispatchable, skipping",
			observability.NotificationFields(notification)...,
		)
		return nil
	}

	_, err = d.Dispatch(ctx, notification)
	if errors.Is(err, domain.ErrInvalidTransition) {
		return nil
	}
	return err
}

// Dispatch performs one delivery attempt for n and persists its outcome.
// A returned error leaves n dispatchable so the message is redelivered.
func (d *Dispatcher) Dispatch(ctx context.Context, n *domain.Notification) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if n == nil {
		return Outcome{}, fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}
	if !n.Status.Dispatchable() {
		return Outcome{}, fmt.Errorf("%w: cannot dispatch notification in status %s", domain.ErrInvalidTransition, n.Status)
	}

	channelName := strings.ToLower(n.Channel.String())
	d.metrics.IncWorkerInFlight(channelName)
	defer d.metrics.DecWorkerInFlight(channelName)

	if err := d.rateLimiter.Wait(ctx, n.Channel); err != nil {
		return Outcome{}, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	attemptNumber := n.AttemptCount + 1
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	sendStart := d.now()
	providerResp, sendErr := d.provider.Send(sendCtx, *n)
	cancel()
	d.metrics.ObserveNotificationSendDuration(channelName, d.now().Sub(sendStart))

	if sendErr != nil && ctx.Err() != nil {
		return Outcome{}, fmt.Errorf("dispatch interrupted: %w", ctx.Err())
	}

	if err := d.recordAttempt(ctx, n.ID, attemptNumber, providerResp, sendErr); err != nil {
		return Outcome{}, fmt.Errorf("failed to record attempt: %w", err)
	}

	return d.persistOutcome(ctx, n, sendErr)
}

// persistOutcome retries the conditional update after a conflict unless the
// re-read shows this attempt was already accounted for.
func (d *Dispatcher) persistOutcome(ctx context.Context, n *domain.Notification, sendErr error) (Outcome, error) {
	current := n
	for i := 0; i < maxOutcomeConflicts; i++ {
		outcome, err := d.applyOutcome(ctx, current, sendErr)
		if !errors.Is(err, domain.ErrConflict) {
			return outcome, err
		}
		d.metrics.IncOutcomeConflict()

		latest, getErr := d.notifications.GetByID(ctx, current.ID)
		if getErr != nil {
			return Outcome{}, fmt.Errorf("failed to re-read notification after conflict: %w", getErr)
		}
		if latest.AttemptCount > current.AttemptCount || !latest.Status.Dispatchable() {
			d.logger.Info("outcome already recorded by another worker, discarding",
				observability.NotificationFields(latest)...,
			)
			return Outcome{Status: latest.Status, AttemptCount: latest.AttemptCount, Discarded: true}, nil
		}
		current = latest
	}

	return Outcome{}, fmt.Errorf("failed to persist outcome for notification %s: %w", n.ID, domain.ErrConflict)
}

func (d *Dispatcher) applyOutcome(ctx context.Context, n *domain.Notification, sendErr error) (Outcome, error) {
	now := d.now().UTC()
	attempts := n.AttemptCount + 1
	channelName := strings.ToLower(n.Channel.String())
	o := repository.Outcome{
		NotificationID:   n.ID,
		From:             n.Status,
		ExpectedAttempts: n.AttemptCount,
		At:               now,
	}

	if sendErr == nil {
		o.To = domain.StatusSent
		o.SentAt = &now
		if err := d.notifications.RecordOutcome(ctx, o); err != nil {
			return Outcome{}, fmt.Errorf("failed to record sent outcome: %w", err)
		}
		d.metrics.IncNotificationSent(channelName)
		d.logger.Info("notification sent", observability.NotificationFields(n)...)
		return Outcome{Status: domain.StatusSent, AttemptCount: attempts}, nil
	}

	cause := provider.Cause(sendErr)
	o.To = domain.StatusFailed
	o.LastError = &cause

	maxAttempts := n.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.MaxAttempts
	}

	transient := provider.IsTransient(sendErr)
	if transient && attempts < maxAttempts {
		nextRetryAt := now.Add(domain.RetryDelay(d.cfg.RetryBackoffStep, attempts))
		o.NextRetryAt = &nextRetryAt
		if err := d.notifications.RecordOutcome(ctx, o); err != nil {
			return Outcome{}, fmt.Errorf("failed to record retryable failure: %w", err)
		}
		d.metrics.IncNotificationFailed(channelName, "transient")
		d.logger.Info("notification delivery failed, retry scheduled",
			append(observability.NotificationFields(n),
				zap.Int("attempt", attempts),
				zap.Time("nextRetryAt", nextRetryAt),
				zap.String("cause", cause),
			)...,
		)
		return Outcome{Status: domain.StatusFailed, AttemptCount: attempts, NextRetryAt: &nextRetryAt}, nil
	}

	reason := domain.FailurePermanent
	if transient {
		reason = domain.FailureRetryExhausted
	}
	o.DeadLetteredAt = &now

	entry, err := d.archiver.Archive(ctx, o, n, cause, reason)
	if err != nil {
		return Outcome{}, err
	}
	d.metrics.IncNotificationFailed(channelName, reason.String())

	return Outcome{
		Status:       domain.StatusFailed,
		AttemptCount: attempts,
		Reason:       &reason,
		DeadLetter:   entry,
	}, nil
}

func (d *Dispatcher) recordAttempt(
	ctx context.Context,
	notificationID string,
	attemptNumber int,
	providerResp *provider.ProviderResponse,
	sendErr error,
) error {
	var statusCode *int
	var attemptErr *string

	if providerResp != nil && providerResp.StatusCode > 0 {
		value := providerResp.StatusCode
		statusCode = &value
	}

	if sendErr != nil {
		value := provider.Cause(sendErr)
		attemptErr = &value

		var providerErr *provider.ProviderError
		if errors.As(sendErr, &providerErr) && providerErr.StatusCode > 0 && statusCode == nil {
			value := providerErr.StatusCode
			statusCode = &value
		}
	}

	attempt := &domain.NotificationAttempt{
		ID:             uuid.NewString(),
		NotificationID: notificationID,
		AttemptNumber:  attemptNumber,
		StatusCode:     statusCode,
		Error:          attemptErr,
		CreatedAt:      d.now().UTC(),
	}

	return d.attempts.Create(ctx, attempt)
}
