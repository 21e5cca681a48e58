package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/renewal/pkg/httputil"
	"github.com/platinummonkey/renewal/pkg/observability"
)

// RouterConfig wires the HTTP surface
type RouterConfig struct {
	Service BillingService
	Logger  *observability.Logger
	Metrics *observability.Metrics
	// Gatherer serves /metrics when set
	Gatherer prometheus.Gatherer
	// Health serves /health, /health/live and /health/ready when set
	Health *observability.HealthChecker
	// Tracing wraps the router in an otelhttp server span
	Tracing bool
	// MaxBodyBytes bounds JSON request bodies; the webhook route has its own limit
	MaxBodyBytes int64
}

// NewRouter builds the service's HTTP handler
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	router := mux.NewRouter()
	router.Use(
		httputil.RequestIDMiddleware(cfg.Logger),
		httputil.LoggingMiddleware,
		observability.HTTPMetricsMiddleware(cfg.Metrics),
		httputil.RecoveryMiddleware,
		httputil.MaxBytesMiddleware(cfg.MaxBodyBytes),
	)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	if cfg.Health != nil {
		observability.RegisterHealthRoutes(router, cfg.Health)
	}
	if cfg.Gatherer != nil {
		router.Handle("/metrics", observability.MetricsHandler(cfg.Gatherer)).Methods(http.MethodGet)
	}
	if cfg.Service != nil {
		NewBillingHandlers(cfg.Service).RegisterRoutes(router)
	}

	if !cfg.Tracing {
		return router
	}
	router.Use(routeSpanName)
	return otelhttp.NewHandler(router, "renewal")
}

// routeSpanName renames the otelhttp server span after the matched route
// template so span names stay low-cardinality
func routeSpanName(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				trace.SpanFromContext(r.Context()).SetName(r.Method + " " + tpl)
			}
		}
		next.ServeHTTP(w, r)
	})
}
