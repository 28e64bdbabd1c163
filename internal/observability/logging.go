package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/haulflow/internal/config"
	"github.com/pitabwire/haulflow/model"
)

type loggerKey struct{}

// NewLogger builds the JSON logger haulflowd writes to stdout. An unknown
// level falls back to info. Sampling is off so every committed transition
// and registry change reaches the log.
//
// Levels: error for store failures and 5xx, warn for 4xx and failed publishes
// or idempotency writes, info for commits, debug for version-conflict retries.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	zc.Sampling = nil
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	return zc.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback when there is none.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller's identity
// and the active span, so a log line can be joined to its trace.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	var fields []zap.Field
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		fields = append(fields,
			zap.String("tenant_id", rctx.TenantID),
			zap.String("subject_id", rctx.SubjectID),
			zap.String("correlation_id", rctx.CorrelationID),
		)
		if rctx.DeviceID != "" {
			fields = append(fields, zap.String("device_id", rctx.DeviceID))
		}
	}
	if trace.SpanContextFromContext(ctx).IsValid() {
		fields = append(fields,
			zap.String("trace_id", TraceIDFromContext(ctx)),
			zap.String("span_id", SpanIDFromContext(ctx)),
		)
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
