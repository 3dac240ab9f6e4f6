package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/dealflow/internal/config"
	"github.com/pitabwire/dealflow/internal/store"
	"github.com/pitabwire/dealflow/model"
)

// setupTestTracer installs an always-sampling provider that records spans
// in memory.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr string
	}{
		{name: "disabled", cfg: config.TracingConfig{Exporter: "zipkin"}},
		{name: "stdout", cfg: config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}},
		{name: "unknown exporter", cfg: config.TracingConfig{Enabled: true, Exporter: "zipkin"}, wantErr: `unsupported exporter: "zipkin"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := otel.GetTracerProvider()
			t.Cleanup(func() { otel.SetTracerProvider(prev) })

			shutdown, err := InitTracing(context.Background(), tt.cfg)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, shutdown(context.Background()))
		})
	}
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "root:TraceIDRatioBased{0.1}"},
		{-1, "root:TraceIDRatioBased{0.1}"},
		{0.25, "root:TraceIDRatioBased{0.25}"},
		{1, "root:AlwaysOnSampler"},
		{4, "root:AlwaysOnSampler"},
	}
	for _, tt := range tests {
		desc := samplerFor(tt.rate).Description()
		assert.Contains(t, desc, "ParentBased{")
		assert.Contains(t, desc, tt.want, "rate %v", tt.rate)
	}
}

func TestEndSpanWithError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, failed := Tracer().Start(context.Background(), "store.Update")
	EndSpanWithError(failed, errors.New("deadlock detected"))
	_, clean := Tracer().Start(context.Background(), "store.Get")
	EndSpanWithError(clean, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "deadlock detected", spans[0].Status.Description)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "exception", spans[0].Events[0].Name)
	assert.Equal(t, codes.Unset, spans[1].Status.Code)
	assert.Empty(t, spans[1].Events)
}

func TestTraceIDFromContext(t *testing.T) {
	setupTestTracer(t)

	assert.Empty(t, TraceIDFromContext(context.Background()))

	ctx, span := Tracer().Start(context.Background(), "advance")
	defer span.End()
	id := TraceIDFromContext(ctx)
	assert.Len(t, id, 32)
	assert.Equal(t, span.SpanContext().TraceID().String(), id)
}

func TestRequestAttributes(t *testing.T) {
	assert.Nil(t, RequestAttributes(nil))

	attrs := RequestAttributes(&model.RequestContext{TenantID: "acme", SubjectID: "rep-7"})
	require.Len(t, attrs, 2)
	assert.Equal(t, AttrTenantID.String("acme"), attrs[0])
	assert.Equal(t, AttrSubjectID.String("rep-7"), attrs[1])
}

func TestTracingMiddleware_namesSpanByRoute(t *testing.T) {
	exporter := setupTestTracer(t)

	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Get("/api/opportunities/{id}/next-step", func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, trace.SpanFromContext(r.Context()).SpanContext().IsValid())
		w.WriteHeader(http.StatusOK)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/opportunities/opp-918/next-step", nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "GET /api/opportunities/{id}/next-step", s.Name)
	assert.Equal(t, trace.SpanKindServer, s.SpanKind)
	attrs := spanAttrMap(s)
	assert.Equal(t, "/api/opportunities/{id}/next-step", attrs["http.route"])
	assert.Equal(t, "/api/opportunities/opp-918/next-step", attrs["url.path"])
	assert.Equal(t, "200", attrs["http.response.status_code"])
}

func TestTracingMiddleware_statusHandling(t *testing.T) {
	tests := []struct {
		status   int
		wantCode codes.Code
	}{
		{http.StatusOK, codes.Unset},
		{http.StatusConflict, codes.Unset},
		{http.StatusBadGateway, codes.Error},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			exporter := setupTestTracer(t)
			h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/advance", nil))

			spans := exporter.GetSpans()
			require.Len(t, spans, 1)
			assert.Equal(t, "POST /advance", spans[0].Name)
			assert.Equal(t, tt.wantCode, spans[0].Status.Code)
		})
	}
}

func TestTracingMiddleware_propagatesTraceContext(t *testing.T) {
	exporter := setupTestTracer(t)
	const inbound = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/api/pipelines/pipe-1/stages", nil)
	req.Header.Set("traceparent", inbound)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext.TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent.SpanID().String())
	assert.Contains(t, w.Header().Get("traceparent"), "4bf92f3577b34da6a3ce929d0e0e4736")
}

func TestTracedStore_spansAroundCalls(t *testing.T) {
	exporter := setupTestTracer(t)

	mem := store.NewMemoryStore()
	mem.PutOpportunity(model.Opportunity{ID: "opp-1", TenantID: "acme", Stage: "Prospecting"})
	ts := NewTracedStore(mem)

	ctx, root := Tracer().Start(context.Background(), "pipeline.Advance")
	_, err := ts.Get(ctx, "acme", "opp-1")
	require.NoError(t, err)
	_, err = ts.Get(ctx, "globex", "opp-1")
	require.Error(t, err)
	root.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)
	found, missing, parent := spans[0], spans[1], spans[2]

	assert.Equal(t, "store.Get", found.Name)
	assert.Equal(t, trace.SpanKindClient, found.SpanKind)
	assert.Equal(t, parent.SpanContext.SpanID(), found.Parent.SpanID())
	assert.NotEqual(t, codes.Error, found.Status.Code)

	attrs := spanAttrMap(missing)
	assert.Equal(t, "not_found", attrs["dealflow.error_kind"])
	assert.Equal(t, "Get", attrs["dealflow.store.operation"])
	assert.Equal(t, "globex", attrs["dealflow.tenant_id"])
	assert.Equal(t, codes.Error, missing.Status.Code)
}

func TestTracedStore_healthProbesAreNotTraced(t *testing.T) {
	exporter := setupTestTracer(t)

	ts := NewTracedStore(store.NewMemoryStore())
	require.NoError(t, ts.Ping(context.Background()))
	require.NoError(t, ts.HealthCheck(context.Background()))
	assert.Empty(t, exporter.GetSpans())
}
