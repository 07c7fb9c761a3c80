package service

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"github.com/kursadbilgin/doctoral-alerts/internal/observability"
	"github.com/kursadbilgin/doctoral-alerts/internal/queue"
	"github.com/kursadbilgin/doctoral-alerts/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRetryScanInterval = 30 * time.Second
	defaultRetryScanLimit    = 100
	defaultRetryConcurrency  = 4
	defaultStaleAfter        = 15 * time.Minute
)

type RetrySchedulerConfig struct {
	Interval    time.Duration
	Limit       int
	Concurrency int
	StaleAfter  time.Duration
}

// RetryScheduler re-enqueues failed notifications whose backoff has elapsed
// and republishes in-flight ones that were never settled.
type RetryScheduler struct {
	notifications repository.NotificationRepository
	publisher     queue.Publisher
	cfg           RetrySchedulerConfig
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

func NewRetryScheduler(
	notifications repository.NotificationRepository,
	publisher queue.Publisher,
	cfg RetrySchedulerConfig,
	logger *zap.Logger,
) (*RetryScheduler, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultRetryScanInterval
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultRetryScanLimit
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultRetryConcurrency
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryScheduler{
		notifications: notifications,
		publisher:     publisher,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (s *RetryScheduler) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *RetryScheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Already-due retries do not wait for the first tick.
	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *RetryScheduler) tick(ctx context.Context) {
	if _, err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retry scan failed", zap.Error(err))
	}
	if _, err := s.recoverStale(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("stale notification recovery failed", zap.Error(err))
	}
}

// scanDue moves each due FAILED notification to RETRYING and publishes it.
// It returns how many were published.
func (s *RetryScheduler) scanDue(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.notifications.GetDueForRetry(ctx, now, s.cfg.Limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch due retries: %w", err)
	}

	var published atomic.Int64
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for i := range due {
		notification := due[i]
		g.Go(func() error {
			claimed, err := s.notifications.MarkRetrying(groupCtx, notification.ID, notification.AttemptCount, now)
			if err != nil {
				s.logger.Error("failed to mark notification retrying",
					zap.String("notificationId", notification.ID),
					zap.Error(err),
				)
				return nil
			}
			if !claimed {
				return nil
			}

			notification.Status = domain.StatusRetrying
			if s.publish(groupCtx, &notification, "retry") {
				published.Add(1)
				s.metrics.IncRetryScheduled(strings.ToLower(notification.Channel.String()))
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(published.Load()), nil
}

// recoverStale republishes PENDING or RETRYING notifications whose message
// was lost. Touch is conditional on the updated_at that was read, so one
// node republishes each stale row.
func (s *RetryScheduler) recoverStale(ctx context.Context) (int, error) {
	now := s.now().UTC()
	stale, err := s.notifications.GetStale(ctx, now.Add(-s.cfg.StaleAfter), s.cfg.Limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch stale notifications: %w", err)
	}

	recovered := 0
	for i := range stale {
		notification := stale[i]
		owned, err := s.notifications.Touch(ctx, notification.ID, notification.Status, notification.AttemptCount, notification.UpdatedAt, now)
		if err != nil {
			s.logger.Error("failed to claim stale notification",
				zap.String("notificationId", notification.ID),
				zap.Error(err),
			)
			continue
		}
		if !owned {
			continue
		}
		if s.publish(ctx, &notification, "stale") {
			recovered++
			s.metrics.IncStaleRecovered(strings.ToLower(notification.Channel.String()))
		}
	}

	return recovered, nil
}

func (s *RetryScheduler) publish(ctx context.Context, n *domain.Notification, kind string) bool {
	msg, err := queue.NewNotificationMessage(n).Message()
	if err == nil {
		_, err = s.publisher.Publish(ctx, msg)
	}
	if err != nil {
		s.logger.Error("failed to enqueue notification",
			zap.String("notificationId", n.ID),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return false
	}
	return true
}
