package observability

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/genfity/fulfillment/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// NewLogger builds the JSON logger used by every binary. Unknown levels fall back to info.
func NewLogger(level string) (*zap.Logger, error) {
	atomic := zap.NewAtomicLevel()
	if err := atomic.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil || strings.TrimSpace(level) == "" {
		_ = atomic.UnmarshalText([]byte(defaultLogLevel))
	}

	cfg := zap.Config{
		Level:    atomic,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey: "message",
			TimeKey:    "timestamp",
			LevelKey:   "severity",
			CallerKey:  "caller",
			EncodeTime: zapcore.RFC3339NanoTimeEncoder,
			EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString(strings.ToUpper(level.String()))
			},
			EncodeCaller:  zapcore.ShortCallerEncoder,
			StacktraceKey: "stacktrace",
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// FromContext returns the request logger, defaulting to a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// ServiceLogger adapts zap to the event logger closure accepted by the services package.
// The request logger on ctx wins over base so request ids and trace ids follow service events.
func ServiceLogger(base *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = base
		}

		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		zapFields := make([]zap.Field, 0, len(keys)+2)
		zapFields = append(zapFields, zap.String("event", event))
		if actor := requestctx.ActorID(ctx); actor != "" {
			zapFields = append(zapFields, zap.String("actor_id", actor))
		}
		var failed bool
		for _, k := range keys {
			if err, ok := fields[k].(error); ok {
				zapFields = append(zapFields, zap.NamedError(k, err))
				failed = true
				continue
			}
			zapFields = append(zapFields, zap.Any(k, fields[k]))
		}

		if failed || strings.HasSuffix(event, ".failed") {
			logger.Warn(event, zapFields...)
			return
		}
		logger.Info(event, zapFields...)
	}
}

// AsynqLogger satisfies asynq.Logger on top of zap.
type AsynqLogger struct {
	logger *zap.SugaredLogger
}

// NewAsynqLogger wraps logger for the asynq server and scheduler.
func NewAsynqLogger(logger *zap.Logger) AsynqLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return AsynqLogger{logger: logger.Named("asynq").Sugar()}
}

func (a AsynqLogger) Debug(args ...interface{}) { a.logger.Debug(args...) }
func (a AsynqLogger) Info(args ...interface{})  { a.logger.Info(args...) }
func (a AsynqLogger) Warn(args ...interface{})  { a.logger.Warn(args...) }
func (a AsynqLogger) Error(args ...interface{}) { a.logger.Error(args...) }
func (a AsynqLogger) Fatal(args ...interface{}) { a.logger.Fatal(args...) }
