package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/dealflow/internal/config"
	"github.com/pitabwire/dealflow/model"
)

// ServiceName identifies this process in logs and traces.
const ServiceName = "dealflow"

type loggerKey struct{}

// NewLogger builds the process logger. Every entry carries the service name
// and build version so logs from several deployments can share an index.
//
// Levels:
//   - error: opportunity update failures, panics, 5xx responses
//   - warn:  4xx responses, activity log failures, catalog fallbacks
//   - info:  requests, stage transitions, closures, activity retries
//   - debug: cache hits, idempotent replays
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	} else {
		zcfg.EncoderConfig.TimeKey = "ts"
		zcfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	}
	zcfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	zcfg.Sampling = nil

	if lvl, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zcfg.Level = lvl
	}
	zcfg.InitialFields = map[string]any{"service": ServiceName, "version": Version}
	return zcfg.Build()
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

// RequestLogger returns the context logger tagged with the caller's tenant,
// subject and correlation id.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		return logger.With(requestFields(rctx)...)
	}
	return logger
}

// OpportunityLogger narrows RequestLogger to one opportunity.
func OpportunityLogger(ctx context.Context, fallback *zap.Logger, opportunityID string) *zap.Logger {
	return RequestLogger(ctx, fallback).With(zap.String("opportunity_id", opportunityID))
}

func requestFields(rctx *model.RequestContext) []zap.Field {
	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.Timezone != "" {
		fields = append(fields, zap.String("timezone", rctx.Timezone))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return fields
}
