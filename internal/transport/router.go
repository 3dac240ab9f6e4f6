package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/dealflow/internal/config"
	"github.com/pitabwire/dealflow/internal/observability"
	"github.com/pitabwire/dealflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver

	Opportunities OpportunityReader
	Advancer      KeyedAdvancer

	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Config.Observability.Tracing.Enabled {
		r.Use(observability.TracingMiddleware)
	}
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, metricsPath(deps.Config), observability.HandlerFor(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		if deps.Opportunities != nil {
			r.Get("/api/opportunities/{id}/next-step", handleNextStep(deps.Opportunities))
			r.Get("/api/opportunities/{id}/activities", handleActivities(deps.Opportunities))
			r.Get("/api/pipelines/{pipelineId}/stages", handleStages(deps.Opportunities))
		}
		if deps.Advancer != nil {
			r.Post("/api/opportunities/{id}/advance", handleAdvance(deps.Advancer))
		}
	})

	return r
}

func metricsPath(cfg *config.Config) string {
	if cfg.Observability.Metrics.Path != "" {
		return cfg.Observability.Metrics.Path
	}
	return "/metrics"
}
