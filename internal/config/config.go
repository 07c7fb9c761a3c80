package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`

	WebhookSMSURL string `env:"WEBHOOK_SMS_URL"`
	SMTPHost      string `env:"SMTP_HOST,default=localhost"`
	SMTPPort      int    `env:"SMTP_PORT,default=587"`
	SMTPUser      string `env:"SMTP_USER"`
	SMTPPassword  string `env:"SMTP_PASSWORD"`
	SMTPFrom      string `env:"SMTP_FROM,default=scolarite-doctorale@localhost"`

	RateLimitPerSec    int    `env:"RATE_LIMIT_PER_SEC,default=20"`
	RateLimitSMSPerSec int    `env:"RATE_LIMIT_SMS_PER_SEC,default=5"`
	BusPartitions      int    `env:"BUS_PARTITIONS,default=4"`
	APIPort            int    `env:"API_PORT,default=8080"`
	LogLevel           string `env:"LOG_LEVEL,default=info"`
	Timezone           string `env:"TIMEZONE,default=UTC"`

	EvaluatorEnabled  bool   `env:"EVALUATOR_ENABLED,default=true"`
	EvaluatorSchedule string `env:"EVALUATOR_SCHEDULE,default=0 2 * * *"`
	EvaluatorPageSize int    `env:"EVALUATOR_PAGE_SIZE,default=200"`

	DispatcherEnabled bool `env:"DISPATCHER_ENABLED,default=true"`

	RetryEnabled      bool          `env:"RETRY_ENABLED,default=true"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS,default=3"`
	RetryBackoffStep  time.Duration `env:"RETRY_BACKOFF_STEP,default=5m"`
	RetryScanInterval time.Duration `env:"RETRY_SCAN_INTERVAL,default=30s"`
	RetryScanLimit    int           `env:"RETRY_SCAN_LIMIT,default=100"`
	RetryConcurrency  int           `env:"RETRY_CONCURRENCY,default=4"`
	StaleAfter        time.Duration `env:"STALE_AFTER,default=15m"`
	SendTimeout       time.Duration `env:"SEND_TIMEOUT,default=10s"`

	ThresholdApproaching3Months int `env:"THRESHOLD_APPROACHING_3_MONTHS,default=33"`
	Threshold3YearsMonths       int `env:"THRESHOLD_3_YEARS_MONTHS,default=36"`
	ThresholdApproaching6Months int `env:"THRESHOLD_APPROACHING_6_MONTHS,default=69"`
	Threshold6YearsMonths       int `env:"THRESHOLD_6_YEARS_MONTHS,default=72"`
	OrdinaryDerogationMonths    int `env:"ORDINARY_DEROGATION_EXTENSION_MONTHS,default=12"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be >= 1 (got %d)", c.MaxAttempts)
	}
	if c.BusPartitions < 1 {
		return fmt.Errorf("BUS_PARTITIONS must be >= 1 (got %d)", c.BusPartitions)
	}
	if c.RetryBackoffStep < 0 {
		return fmt.Errorf("RETRY_BACKOFF_STEP must not be negative")
	}
	if c.OrdinaryDerogationMonths < 0 {
		return fmt.Errorf("ORDINARY_DEROGATION_EXTENSION_MONTHS must not be negative")
	}

	bounds := []int{
		c.ThresholdApproaching3Months,
		c.Threshold3YearsMonths,
		c.ThresholdApproaching6Months,
		c.Threshold6YearsMonths,
	}
	for i := 1; i < len(bounds); i++ {
		if bounds[i] <= bounds[i-1] {
			return fmt.Errorf("threshold months must be strictly increasing (got %v)", bounds)
		}
	}
	if bounds[0] <= 0 {
		return fmt.Errorf("threshold months must be positive (got %v)", bounds)
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}

	return nil
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
