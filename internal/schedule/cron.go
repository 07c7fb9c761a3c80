package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one scheduled run. now is the tick time in the cron location.
type Job func(ctx context.Context, now time.Time) error

// Runner fires a Job on a cron spec. Overlapping ticks are skipped while a
// previous run is still in progress.
type Runner struct {
	name     string
	schedule cron.Schedule
	spec     string
	loc      *time.Location
	job      Job
	logger   *zap.Logger
	now      func() time.Time
}

// parser accepts both 5-field and 6-field (with seconds) specs and descriptors.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func NewRunner(name, spec string, loc *time.Location, job Job, logger *zap.Logger) (*Runner, error) {
	spec = strings.TrimSpace(spec)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	if job == nil {
		return nil, fmt.Errorf("job is required")
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{
		name:     name,
		schedule: schedule,
		spec:     spec,
		loc:      loc,
		job:      job,
		logger:   logger.With(zap.String("job", name)),
		now:      time.Now,
	}, nil
}

// Next returns the first activation strictly after t.
func (r *Runner) Next(t time.Time) time.Time {
	return r.schedule.Next(t.In(r.loc))
}

// Start blocks until ctx is cancelled, then waits for a running job to return.
func (r *Runner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(r.loc),
		cron.WithChain(
			cron.Recover(cronLogger{r.logger}),
			cron.SkipIfStillRunning(cronLogger{r.logger}),
		),
	)
	if _, err := c.AddFunc(r.spec, func() { r.run(ctx) }); err != nil {
		return fmt.Errorf("failed to register %s: %w", r.name, err)
	}

	c.Start()
	r.logger.Info("cron job scheduled",
		zap.String("spec", r.spec),
		zap.String("timezone", r.loc.String()),
		zap.Time("next", r.Next(r.now())),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("cron job stopped")
	return nil
}

func (r *Runner) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := r.now()
	if err := r.job(ctx, start.In(r.loc)); err != nil {
		r.logger.Error("cron job failed", zap.Duration("duration", r.now().Sub(start)), zap.Error(err))
		return
	}
	r.logger.Debug("cron job finished", zap.Duration("duration", r.now().Sub(start)))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
