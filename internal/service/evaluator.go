package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"github.com/kursadbilgin/doctoral-alerts/internal/observability"
	"github.com/kursadbilgin/doctoral-alerts/internal/queue"
	"github.com/kursadbilgin/doctoral-alerts/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultEvaluatorPageSize = 200
	defaultCycleLeaseTTL     = 30 * time.Minute
)

// CycleLease keeps concurrent nodes from scanning the same day at once.
type CycleLease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

type EvaluatorConfig struct {
	Thresholds domain.Thresholds
	Location   *time.Location
	PageSize   int
	LeaseTTL   time.Duration
}

// RunReport summarises one evaluator cycle.
type RunReport struct {
	Date       string `json:"date"`
	Scanned    int    `json:"scanned"`
	Claimed    int    `json:"claimed"`
	Duplicates int    `json:"duplicates"`
	Published  int    `json:"published"`
	Failed     int    `json:"failed"`
	Skipped    bool   `json:"skipped"`
}

// Evaluator scans enrollments, claims each applicable alert in the ledger
// and emits the claimed ones on the alerts topic.
type Evaluator struct {
	source    repository.EnrollmentSource
	ledger    repository.AlertLedger
	publisher queue.Publisher
	lease     CycleLease
	cfg       EvaluatorConfig
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewEvaluator(
	source repository.EnrollmentSource,
	ledger repository.AlertLedger,
	publisher queue.Publisher,
	cfg EvaluatorConfig,
	logger *zap.Logger,
) (*Evaluator, error) {
	if source == nil {
		return nil, fmt.Errorf("enrollment source is required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("alert ledger is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.Thresholds == (domain.Thresholds{}) {
		cfg.Thresholds = domain.DefaultThresholds()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultEvaluatorPageSize
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultCycleLeaseTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Evaluator{
		source:    source,
		ledger:    ledger,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (e *Evaluator) SetMetrics(metrics *observability.Metrics) {
	if e == nil {
		return
	}
	e.metrics = metrics
}

// SetLease enables the per-day cycle lease.
func (e *Evaluator) SetLease(lease CycleLease) {
	if e == nil {
		return
	}
	e.lease = lease
}

// Run evaluates every enrollment against the calendar date of now in the
// configured location. Per-enrollment failures are counted in the report;
// only a storage outage aborts the cycle.
func (e *Evaluator) Run(ctx context.Context, now time.Time) (RunReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	today := now.In(e.cfg.Location)
	report := RunReport{Date: today.Format(time.DateOnly)}
	logger := e.logger.With(zap.String("date", report.Date))
	start := e.now()

	if e.lease != nil {
		release, ok, err := e.lease.Acquire(ctx, "evaluator:"+report.Date, e.cfg.LeaseTTL)
		switch {
		case err != nil:
			logger.Warn("evaluator lease unavailable, running without it", zap.Error(err))
		case !ok:
			report.Skipped = true
			e.metrics.ObserveEvaluatorCycle("skipped", 0)
			logger.Info("evaluator cycle already running on another node")
			return report, nil
		default:
			defer func() {
				if err := release(context.Background()); err != nil {
					logger.Warn("failed to release evaluator lease", zap.Error(err))
				}
			}()
		}
	}

	if err := e.scan(ctx, today, &report); err != nil {
		e.metrics.ObserveEvaluatorCycle("failed", e.now().Sub(start))
		logger.Error("evaluator cycle failed",
			zap.Int("scanned", report.Scanned),
			zap.Int("claimed", report.Claimed),
			zap.Error(err),
		)
		return report, err
	}

	e.metrics.ObserveEvaluatorCycle("completed", e.now().Sub(start))
	logger.Info("evaluator cycle completed",
		zap.Int("scanned", report.Scanned),
		zap.Int("claimed", report.Claimed),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("published", report.Published),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (e *Evaluator) scan(ctx context.Context, today time.Time, report *RunReport) error {
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := e.source.NextPage(ctx, afterID, e.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("failed to read enrollments: %w", err)
		}

		for i := range page {
			report.Scanned++
			if err := e.evaluate(ctx, page[i], today, report); err != nil {
				if errors.Is(err, domain.ErrStorageUnavailable) {
					return err
				}
				report.Failed++
				e.metrics.IncEnrollmentFailure()
				e.logger.Warn("enrollment evaluation failed",
					zap.Int64("enrollmentId", page[i].ID),
					zap.Error(err),
				)
			}
		}

		if len(page) < e.cfg.PageSize {
			return nil
		}
		afterID = page[len(page)-1].ID
	}
}

// evaluate claims and publishes every alert that applies to enr. A claim is
// never rolled back, so a publish failure leaves that alert unsent.
func (e *Evaluator) evaluate(ctx context.Context, enr domain.Enrollment, today time.Time, report *RunReport) error {
	var errs []error
	for _, decision := range domain.ClassifyEnrollment(enr, today, e.cfg.Thresholds) {
		alertType := decision.Type.String()

		msg, err := queue.AlertMessage(decision.Event(today))
		if err != nil {
			errs = append(errs, fmt.Errorf("build %s alert: %w", alertType, err))
			continue
		}

		claimed, err := e.ledger.Claim(ctx, enr.ID, decision.Type, today.UTC())
		if err != nil {
			e.metrics.IncAlert(alertType, "claim_failed")
			if errors.Is(err, domain.ErrStorageUnavailable) {
				return fmt.Errorf("claim %s alert for enrollment %d: %w", alertType, enr.ID, err)
			}
			errs = append(errs, fmt.Errorf("claim %s alert: %w", alertType, err))
			continue
		}
		if !claimed {
			report.Duplicates++
			e.metrics.IncAlert(alertType, "duplicate")
			continue
		}
		report.Claimed++
		e.metrics.IncAlert(alertType, "claimed")

		pos, err := e.publisher.Publish(ctx, msg)
		if err != nil {
			e.metrics.IncAlert(alertType, "publish_failed")
			errs = append(errs, fmt.Errorf("publish %s alert: %w", alertType, err))
			continue
		}
		report.Published++

		e.logger.Info("alert emitted",
			zap.Int64("enrollmentId", enr.ID),
			zap.String("alertType", alertType),
			zap.Int("elapsedMonths", decision.ElapsedMonths),
			observability.PositionField(pos),
		)
	}
	return errors.Join(errs...)
}
