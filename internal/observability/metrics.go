package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/dealflow/internal/pipeline"
	"github.com/pitabwire/dealflow/model"
)

const metricsNamespace = "dealflow"

var (
	latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sizeBuckets    = prometheus.ExponentialBuckets(128, 8, 6)
)

// Values of the result label on advance metrics.
const (
	ResultAdvanced = "advanced"
	ResultClosed   = "closed"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// Metrics holds the service's Prometheus instruments. All names carry the
// dealflow_ prefix.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	StageAdvancesTotal    *prometheus.CounterVec
	ClosuresTotal         *prometheus.CounterVec
	AdvanceDuration       *prometheus.HistogramVec
	CatalogFallbacksTotal prometheus.Counter

	ActivityLogFailuresTotal *prometheus.CounterVec
	ActivityRetriesTotal     prometheus.Counter

	IdempotencyReplaysTotal prometheus.Counter

	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
}

// InitMetrics creates the instruments and registers them on reg. It
// panics if any is already registered there.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	route := []string{"method", "path_pattern"}

	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests served, by route and status.",
		}, append(route, "status")),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Time to serve an HTTP request.",
			Buckets: latencyBuckets,
		}, route),
		HTTPRequestSizeBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "http", Name: "request_size_bytes",
			Help:    "Declared request body size.",
			Buckets: sizeBuckets,
		}, route),
		HTTPResponseSizeBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "http", Name: "response_size_bytes",
			Help:    "Response body bytes written.",
			Buckets: sizeBuckets,
		}, route),

		StageAdvancesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "stage", Name: "advances_total",
			Help: "Next-step submissions by source stage, target stage and result.",
		}, []string{"from", "to", "result"}),
		ClosuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "closures_total",
			Help: "Opportunities closed, by outcome.",
		}, []string{"outcome"}),
		AdvanceDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Name: "advance_duration_seconds",
			Help:    "Time to process a next-step submission, by result.",
			Buckets: latencyBuckets[:len(latencyBuckets)-1],
		}, []string{"result"}),
		CatalogFallbacksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "catalog", Name: "fallbacks_total",
			Help: "Transitions that used the built-in stage probability because the catalog had no row.",
		}),

		ActivityLogFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "activity_log", Name: "failures_total",
			Help: "Sales activity inserts that were dropped, by error kind.",
		}, []string{"kind"}),
		ActivityRetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "activity_log", Name: "retries_total",
			Help: "Activity inserts retried against the scheduled_at column.",
		}),

		IdempotencyReplaysTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "idempotency", Name: "replays_total",
			Help: "Advance requests answered from a stored result.",
		}),

		CapabilityCacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "capability_cache", Name: "hits_total",
			Help: "Capability resolutions served from cache.",
		}),
		CapabilityCacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "capability_cache", Name: "misses_total",
			Help: "Capability resolutions that went to the policy.",
		}),
	}
}

// RecordHTTPRequest observes one served request.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// OnAdvance implements pipeline.Observer.
func (m *Metrics) OnAdvance(_ context.Context, ev pipeline.AdvanceEvent) {
	result := advanceResult(ev)
	m.StageAdvancesTotal.WithLabelValues(string(ev.From), string(ev.To), result).Inc()
	m.AdvanceDuration.WithLabelValues(result).Observe(ev.Duration.Seconds())

	if ev.Err != nil {
		return
	}
	if ev.Closed {
		m.ClosuresTotal.WithLabelValues(ev.To.Status()).Inc()
	}
	if ev.ProbabilitySource == pipeline.SourceDefault {
		m.CatalogFallbacksTotal.Inc()
	}
	if ev.Activity.Retried() {
		m.ActivityRetriesTotal.Inc()
	}
	if ev.Activity.Failure != "" {
		m.ActivityLogFailuresTotal.WithLabelValues(ev.Activity.Failure).Inc()
	}
}

// RecordIdempotentReplay records an advance answered from a stored result.
// Its signature matches idempotency.WithReplayHook.
func (m *Metrics) RecordIdempotentReplay(context.Context) {
	m.IdempotencyReplaysTotal.Inc()
}

// advanceResult maps an advance event onto the result label.
func advanceResult(ev pipeline.AdvanceEvent) string {
	switch {
	case ev.Err == nil && ev.Closed:
		return ResultClosed
	case ev.Err == nil:
		return ResultAdvanced
	case model.HasCode(ev.Err, model.ErrUpdateFailed), !isEnvelope(ev.Err):
		return ResultFailed
	default:
		return ResultRejected
	}
}

func isEnvelope(err error) bool {
	_, ok := model.AsEnvelope(err)
	return ok
}

// MetricsMiddleware records each request under its chi route pattern, so
// opportunity ids never become label values.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), ResponseStatus(ww), time.Since(start),
			int(max(r.ContentLength, 0)), ww.BytesWritten())
	})
}

// HandlerFor serves g in the Prometheus exposition format. A nil g serves
// the default registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ResponseStatus is the status ww sent, or 200 when the handler wrote
// nothing.
func ResponseStatus(ww chimw.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}

// routePattern is the matched chi pattern, or the raw path outside a chi
// router.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*"); p != "" {
			return p
		}
	}
	return r.URL.Path
}
