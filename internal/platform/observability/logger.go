package observability

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"finitefield.org/order-engine/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// LoggerConfig controls the process logger.
type LoggerConfig struct {
	Level       string
	ServiceName string
	Version     string
}

// NewLogger constructs a zap logger emitting Cloud Logging compatible JSON.
func NewLogger(cfg LoggerConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(cfg.Level)))); err != nil || strings.TrimSpace(cfg.Level) == "" {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}

	encoderCfg := zapcore.EncoderConfig{
		MessageKey: "message",
		TimeKey:    "timestamp",
		LevelKey:   "severity",
		EncodeTime: zapcore.ISO8601TimeEncoder,
		EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(strings.ToUpper(level.String()))
		},
		EncodeDuration: zapcore.MillisDurationEncoder,
		CallerKey:      "caller",
		EncodeCaller:   zapcore.ShortCallerEncoder,
		StacktraceKey:  "stacktrace",
	}

	zcfg := zap.Config{
		Level:             level,
		Encoding:          "json",
		EncoderConfig:     encoderCfg,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	if name := strings.TrimSpace(cfg.ServiceName); name != "" {
		logger = logger.With(zap.String("service", name))
	}
	if version := strings.TrimSpace(cfg.Version); version != "" {
		logger = logger.With(zap.String("version", version))
	}
	return logger, nil
}

// WithLogger injects the logger into the provided context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext retrieves the logger from context, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// EventLogger is the structured logging hook accepted by the order services.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

// NewEventLogger adapts zap to the service logging hook. The request-scoped logger
// on ctx wins over base so access-log fields carry through to service events.
// Events naming a failure or conflict are logged at warn.
func NewEventLogger(base *zap.Logger) EventLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = base
		}
		zfields := make([]zap.Field, 0, len(fields)+1)
		zfields = append(zfields, zap.String("event", event))
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			switch v := fields[key].(type) {
			case error:
				zfields = append(zfields, zap.NamedError(key, v))
			default:
				zfields = append(zfields, zap.Any(key, v))
			}
		}
		if isWarnEvent(event) {
			logger.Warn(event, zfields...)
			return
		}
		logger.Info(event, zfields...)
	}
}

func isWarnEvent(event string) bool {
	event = strings.ToLower(event)
	for _, marker := range []string{"fail", "error", "conflict", "mismatch"} {
		if strings.Contains(event, marker) {
			return true
		}
	}
	return false
}

// WithRequestFields augments the logger with standard request-scoped fields.
func WithRequestFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.With(fields...)
}
