package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/dealflow/internal/config"
	"github.com/pitabwire/dealflow/model"
)

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level       string
		format      string
		wantEnabled zapcore.Level
		wantMuted   zapcore.Level
	}{
		{"info", "json", zapcore.InfoLevel, zapcore.DebugLevel},
		{"debug", "console", zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{"warn", "", zapcore.WarnLevel, zapcore.InfoLevel},
		{"error", "json", zapcore.ErrorLevel, zapcore.WarnLevel},
		{"verbose", "json", zapcore.InfoLevel, zapcore.DebugLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level, LogFormat: tt.format})
			require.NoError(t, err)
			defer func() { _ = logger.Sync() }()

			assert.True(t, logger.Core().Enabled(tt.wantEnabled))
			assert.False(t, logger.Core().Enabled(tt.wantMuted))
		})
	}
}

func TestLoggerFrom(t *testing.T) {
	stored, fallback := zap.NewNop(), zap.NewExample()

	assert.Same(t, fallback, LoggerFrom(context.Background(), fallback))
	assert.Same(t, stored, LoggerFrom(WithLogger(context.Background(), stored), fallback))
}

func TestRequestLogger_tagsCaller(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		TenantID:      "acme",
		SubjectID:     "rep-7",
		Timezone:      "Africa/Nairobi",
		CorrelationID: "corr-19",
		TraceID:       "4bf92f3577b34da6a3ce929d0e0e4736",
	})

	RequestLogger(ctx, zap.New(core)).Info("stage advanced")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, map[string]any{
		"tenant_id":      "acme",
		"subject_id":     "rep-7",
		"timezone":       "Africa/Nairobi",
		"correlation_id": "corr-19",
		"trace_id":       "4bf92f3577b34da6a3ce929d0e0e4736",
	}, logs.All()[0].ContextMap())
}

func TestRequestLogger_omitsEmptyOptionalFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		TenantID:  "acme",
		SubjectID: "rep-7",
	})

	RequestLogger(ctx, zap.New(core)).Info("x")

	fields := logs.All()[0].ContextMap()
	assert.NotContains(t, fields, "timezone")
	assert.NotContains(t, fields, "trace_id")
}

func TestRequestLogger_withoutRequestContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	RequestLogger(context.Background(), zap.New(core)).Warn("catalog fallback")

	require.Equal(t, 1, logs.Len())
	assert.Empty(t, logs.All()[0].ContextMap())
}

func TestOpportunityLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		TenantID:  "acme",
		SubjectID: "rep-7",
	})
	ctx = WithLogger(ctx, zap.New(core).Named("request"))

	OpportunityLogger(ctx, zap.NewNop(), "opp-42").Debug("advance served")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "request", entry.LoggerName)
	assert.Equal(t, "opp-42", entry.ContextMap()["opportunity_id"])
	assert.Equal(t, "acme", entry.ContextMap()["tenant_id"])
}
