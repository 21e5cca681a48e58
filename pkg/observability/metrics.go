package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
// Every Record* helper is safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Storage metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Billing metrics
	WebhookEventsTotal        *prometheus.CounterVec
	WebhookUnknownStatusTotal *prometheus.CounterVec
	TransitionsTotal          *prometheus.CounterVec
	ChargesTotal              *prometheus.CounterVec
	ChargeDuration            prometheus.Histogram
	SweepDuration             prometheus.Histogram
	SweepItemsTotal           *prometheus.CounterVec
	BulkItemsTotal            *prometheus.CounterVec
	ProviderCallsTotal        *prometheus.CounterVec
	ProviderBreakerState      *prometheus.GaugeVec
	NotificationsTotal        *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renewal_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "renewal_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "renewal_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "path"},
		),

		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renewal_storage_operations_total",
				Help: "Total number of subscription store operations",
			},
			[]string{"operation", "status"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "renewal_storage_operation_duration_seconds",
				Help:    "Subscription store operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renewal_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renewal_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renewal_webhook_events_total",
				Help: "Provider webhook events by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		WebhookUnknownStatusTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renewal_webhook_unknown_status_total",
				Help: "Provider statuses received with no local mapping",
			},
			[]string{"provider_status"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renewal_subscription_transitions_total",
				Help: "Subscription status transitions",
			},
			[]string{"from", "to"},
		),
		ChargesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renewal_charges_total",
				Help: "Renewal charge attempts by result",
			},
			[]string{"result"},
		),
		ChargeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "renewal_charge_duration_seconds",
				Help:    "Renewal charge duration in seconds, provider round trip included",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "renewal_sweep_duration_seconds",
				Help:    "Due-payment sweep duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300},
			},
		),
		SweepItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renewal_sweep_items_total",
				Help: "Subscriptions handled by the due-payment sweep by result",
			},
			[]string{"result"},
		),
		BulkItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renewal_bulk_items_total",
				Help: "Bulk action items by action and result",
			},
			[]string{"action", "result"},
		),
		ProviderCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renewal_provider_calls_total",
				Help: "Payment provider API calls by operation and result",
			},
			[]string{"operation", "result"},
		),
		ProviderBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "renewal_provider_breaker_state",
				Help: "Provider circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renewal_notifications_total",
				Help: "Domain event notifications by transport and result",
			},
			[]string{"transport", "result"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.WebhookEventsTotal,
		m.WebhookUnknownStatusTotal,
		m.TransitionsTotal,
		m.ChargesTotal,
		m.ChargeDuration,
		m.SweepDuration,
		m.SweepItemsTotal,
		m.BulkItemsTotal,
		m.ProviderCallsTotal,
		m.ProviderBreakerState,
		m.NotificationsTotal,
	)

	return m
}

// RecordWebhookEvent counts an inbound provider event
func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordUnknownStatus counts a provider status with no local mapping
func (m *Metrics) RecordUnknownStatus(providerStatus string) {
	if m == nil {
		return
	}
	m.WebhookUnknownStatusTotal.WithLabelValues(providerStatus).Inc()
}

// RecordTransition counts a committed status change
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordCharge counts a charge attempt and its duration
func (m *Metrics) RecordCharge(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ChargesTotal.WithLabelValues(result).Inc()
	m.ChargeDuration.Observe(duration.Seconds())
}

// RecordSweep records a completed due-payment sweep
func (m *Metrics) RecordSweep(duration time.Duration, charged, skipped, failed int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(duration.Seconds())
	m.SweepItemsTotal.WithLabelValues("charged").Add(float64(charged))
	m.SweepItemsTotal.WithLabelValues("skipped").Add(float64(skipped))
	m.SweepItemsTotal.WithLabelValues("failed").Add(float64(failed))
}

// RecordBulkItem counts one item of a bulk action
func (m *Metrics) RecordBulkItem(action, result string) {
	if m == nil {
		return
	}
	m.BulkItemsTotal.WithLabelValues(action, result).Inc()
}

// RecordProviderCall counts a payment provider API call
func (m *Metrics) RecordProviderCall(operation string, err error) {
	if m == nil {
		return
	}
	m.ProviderCallsTotal.WithLabelValues(operation, resultLabel(err)).Inc()
}

// SetBreakerState publishes the provider circuit breaker state
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.ProviderBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordNotification counts a domain event delivery attempt
func (m *Metrics) RecordNotification(transport string, err error) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(transport, resultLabel(err)).Inc()
}

// RecordStorageOperation counts a store operation and its duration
func (m *Metrics) RecordStorageOperation(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.StorageOperationsTotal.WithLabelValues(operation, resultLabel(err)).Inc()
	m.StorageOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordCacheLookup counts a cache hit or miss
func (m *Metrics) RecordCacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cache).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests routed by gorilla/mux are labelled with the route template so
// subscription ids do not explode label cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					path = tpl
				}
			}

			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.bytesWritten))
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
