package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_Registers(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	m.RecordUnknownStatus("on_hold")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WebhookUnknownStatusTotal.WithLabelValues("on_hold")))

	// a second registration on the same registry must panic
	assert.Panics(t, func() { NewMetrics(registry) })
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordWebhookEvent("invoice.paid", "processed")
	m.RecordTransition("active", "past_due")
	m.RecordCharge("success", 120*time.Millisecond)
	m.RecordSweep(time.Second, 3, 1, 2)
	m.RecordBulkItem("cancel", "error")
	m.RecordProviderCall("invoice.pay", errors.New("declined"))
	m.RecordNotification("rabbitmq", nil)
	m.RecordCacheLookup("event_ledger", true)
	m.RecordCacheLookup("event_ledger", false)
	m.SetBreakerState("stripe", 2)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.WebhookEventsTotal.WithLabelValues("invoice.paid", "processed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("active", "past_due")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ChargesTotal.WithLabelValues("success")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.SweepItemsTotal.WithLabelValues("charged")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.SweepItemsTotal.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BulkItemsTotal.WithLabelValues("cancel", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProviderCallsTotal.WithLabelValues("invoice.pay", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("rabbitmq", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("event_ledger")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("event_ledger")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ProviderBreakerState.WithLabelValues("stripe")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordWebhookEvent("x", "y")
		m.RecordUnknownStatus("x")
		m.RecordTransition("a", "b")
		m.RecordCharge("success", time.Second)
		m.RecordSweep(time.Second, 1, 1, 1)
		m.RecordBulkItem("pause", "ok")
		m.RecordProviderCall("op", nil)
		m.RecordNotification("webhook", nil)
		m.RecordStorageOperation("save", time.Now(), nil)
		m.RecordCacheLookup("c", true)
		m.SetBreakerState("stripe", 0)
	})
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/subscriptions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short"))
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/subscriptions/42", nil))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/subscriptions/{id}", "418")))

	rr = httptest.NewRecorder()
	MetricsHandler(registry).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "renewal_http_requests_total"))
}
