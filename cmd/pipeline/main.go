package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/doctoral-alerts/internal/config"
	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"github.com/kursadbilgin/doctoral-alerts/internal/handler"
	"github.com/kursadbilgin/doctoral-alerts/internal/infra/postgresql"
	"github.com/kursadbilgin/doctoral-alerts/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/doctoral-alerts/internal/infra/redis"
	"github.com/kursadbilgin/doctoral-alerts/internal/observability"
	"github.com/kursadbilgin/doctoral-alerts/internal/provider"
	"github.com/kursadbilgin/doctoral-alerts/internal/queue"
	"github.com/kursadbilgin/doctoral-alerts/internal/repository"
	"github.com/kursadbilgin/doctoral-alerts/internal/schedule"
	"github.com/kursadbilgin/doctoral-alerts/internal/service"
	"github.com/kursadbilgin/doctoral-alerts/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("pipeline stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("pipeline stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	rateLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec, map[domain.Channel]int{
		domain.ChannelSMS: cfg.RateLimitSMSPerSec,
	})
	if err != nil {
		return fmt.Errorf("rate limiter initialization failed: %w", err)
	}
	sequencer, err := infraredis.NewOffsetSequencer(rdb)
	if err != nil {
		return fmt.Errorf("offset sequencer initialization failed: %w", err)
	}
	lease, err := infraredis.NewLease(rdb)
	if err != nil {
		return fmt.Errorf("cycle lease initialization failed: %w", err)
	}

	bus, err := queue.NewRabbitMQ(cfg.RabbitMQURL, cfg.BusPartitions)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer bus.Close()

	publisher, err := queue.NewRabbitMQPublisher(bus, sequencer)
	if err != nil {
		return fmt.Errorf("publisher initialization failed: %w", err)
	}
	consumer := queue.NewRabbitMQConsumer(bus, logger)

	providers, err := newProviderRouter(cfg)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()

	notificationRepo := repository.NewGormNotificationRepo(db)
	attemptRepo := repository.NewGormAttemptRepo(db)
	deadLetterRepo := repository.NewGormDeadLetterRepo(db)
	ledger := repository.NewGormAlertLedger(db)
	enrollments := repository.NewGormEnrollmentSource(db)

	archiver, err := service.NewDeadLetterArchiver(deadLetterRepo, notificationRepo, publisher, cfg.MaxAttempts, logger.Named("deadletter"))
	if err != nil {
		return err
	}
	archiver.SetMetrics(metrics)

	dispatcher, err := service.NewDispatcher(
		notificationRepo,
		attemptRepo,
		archiver,
		consumer,
		providers,
		rateLimiter,
		service.DispatcherConfig{
			Partitions:       cfg.BusPartitions,
			MaxAttempts:      cfg.MaxAttempts,
			SendTimeout:      cfg.SendTimeout,
			RetryBackoffStep: cfg.RetryBackoffStep,
		},
		logger.Named("dispatcher"),
	)
	if err != nil {
		return err
	}
	dispatcher.SetMetrics(metrics)

	intake, err := service.NewAlertIntake(notificationRepo, publisher, consumer, cfg.BusPartitions, cfg.MaxAttempts, logger.Named("intake"))
	if err != nil {
		return err
	}

	retryScheduler, err := service.NewRetryScheduler(notificationRepo, publisher, service.RetrySchedulerConfig{
		Interval:    cfg.RetryScanInterval,
		Limit:       cfg.RetryScanLimit,
		Concurrency: cfg.RetryConcurrency,
		StaleAfter:  cfg.StaleAfter,
	}, logger.Named("retry"))
	if err != nil {
		return err
	}
	retryScheduler.SetMetrics(metrics)

	evaluator, err := service.NewEvaluator(enrollments, ledger, publisher, service.EvaluatorConfig{
		Thresholds: domain.Thresholds{
			Approaching3Months:       cfg.ThresholdApproaching3Months,
			ThreeYearsMonths:         cfg.Threshold3YearsMonths,
			Approaching6Months:       cfg.ThresholdApproaching6Months,
			SixYearsMonths:           cfg.Threshold6YearsMonths,
			OrdinaryDerogationMonths: cfg.OrdinaryDerogationMonths,
		},
		Location: cfg.Location(),
		PageSize: cfg.EvaluatorPageSize,
	}, logger.Named("evaluator"))
	if err != nil {
		return err
	}
	evaluator.SetMetrics(metrics)
	evaluator.SetLease(lease)

	evaluatorCron, err := schedule.NewRunner("evaluator", cfg.EvaluatorSchedule, cfg.Location(), func(ctx context.Context, now time.Time) error {
		_, err := evaluator.Run(ctx, now)
		return err
	}, logger.Named("cron"))
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger.Named("http")),
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, notificationRepo, rdb)
	handler.RegisterMetricsRoute(app, metrics.Handler())
	if err := handler.RegisterNotificationRoutes(app, notificationRepo, attemptRepo); err != nil {
		return err
	}
	if err := handler.RegisterDeadLetterRoutes(app, archiver); err != nil {
		return err
	}
	if err := handler.RegisterEvaluationRoutes(app, evaluator, time.Now); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("operator api listening", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if cfg.DispatcherEnabled {
		g.Go(func() error { return intake.Start(gctx) })
		g.Go(func() error { return dispatcher.Start(gctx) })
	}
	if cfg.RetryEnabled {
		g.Go(func() error { return retryScheduler.Start(gctx) })
	}
	if cfg.EvaluatorEnabled {
		g.Go(func() error { return evaluatorCron.Start(gctx) })
	}

	logger.Info("pipeline started",
		zap.Bool("evaluator", cfg.EvaluatorEnabled),
		zap.Bool("dispatcher", cfg.DispatcherEnabled),
		zap.Bool("retry", cfg.RetryEnabled),
		zap.Int("partitions", cfg.BusPartitions),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newProviderRouter(cfg *config.Config) (provider.Router, error) {
	email, err := provider.NewEmailProvider(provider.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
	if err != nil {
		return nil, fmt.Errorf("email provider initialization failed: %w", err)
	}

	router := provider.Router{domain.ChannelEmail: email}
	if cfg.WebhookSMSURL != "" {
		sms, err := provider.NewSMSWebhookProvider(cfg.WebhookSMSURL, cfg.SendTimeout)
		if err != nil {
			return nil, fmt.Errorf("sms provider initialization failed: %w", err)
		}
		router[domain.ChannelSMS] = sms
	}
	return router, nil
}
