package observability

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "doctoral-alerts"

type correlationIDKey struct{}

// NewLogger builds the JSON production logger. Every line carries the
// service name; stack traces are left out.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	encoder := zap.NewProductionEncoderConfig()
	encoder.TimeKey = "timestamp"
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(lvl),
		Encoding:          "json",
		EncoderConfig:     encoder,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
		InitialFields:     map[string]interface{}{"service": serviceName},
	}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "" {
		return zapcore.InfoLevel, nil
	}

	lvl, err := zapcore.ParseLevel(name)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

// WithCorrelationID tags ctx so WithContextLogger can tie log lines of one
// enrollment or request together.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id, id != ""
}

func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}
	if id, ok := CorrelationIDFromContext(ctx); ok {
		return logger.With(zap.String("correlationId", id))
	}
	return logger
}

// NotificationFields identifies n in log lines.
func NotificationFields(n *domain.Notification) []zap.Field {
	if n == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("notificationId", n.ID),
		zap.String("type", n.Type.String()),
		zap.String("channel", n.Channel.String()),
		zap.String("status", n.Status.String()),
		zap.Int("attemptCount", n.AttemptCount),
	}
	if n.CorrelationID != "" {
		fields = append(fields, zap.String("correlationId", n.CorrelationID))
	}
	if !n.Source.IsZero() {
		fields = append(fields, PositionField(n.Source))
	}
	return fields
}

// PositionField logs a bus position as topic/partition@offset.
func PositionField(p domain.SourcePosition) zap.Field {
	return zap.String("position", fmt.Sprintf("%s/%d@%d", p.Topic, p.Partition, p.Offset))
}
