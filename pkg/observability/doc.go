// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health probes and graceful shutdown.
//
// # Structured Logging
//
// Logger wraps logrus with JSON output and carries request and actor ids
// through the context:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stderr)
//	ctx = observability.WithRequestID(ctx, reqID)
//	observability.FromContext(ctx).WithField("subscription_id", id).Info("Subscription paused")
//
// # Prometheus Metrics
//
// NewMetrics registers the billing collectors on a registry. Every recorder
// is safe on a nil *Metrics, so components accept metrics as optional.
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordCharge("succeeded", time.Since(start))
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// HTTPMetricsMiddleware labels requests with the mux route template, not the
// raw path, so subscription ids do not explode label cardinality.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient).WithVersion(version)
//	observability.RegisterHealthRoutes(router, checker)
//
// Liveness always succeeds; readiness pings postgres and redis when present.
//
// # OpenTelemetry
//
//	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "renewal",
//	}, logger)
//	defer observability.ShutdownTracing(ctx, tp, logger)
//
// # Shutdown
//
// ShutdownManager drains the HTTP server on SIGINT/SIGTERM and then runs the
// registered hooks concurrently within the shutdown timeout.
package observability
