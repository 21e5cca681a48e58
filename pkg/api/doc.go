// Package api exposes the renewal billing service over HTTP.
//
// # Overview
//
// Two groups of routes are served from one gorilla/mux router:
//
//   - POST /billing/webhook receives provider events. The raw body and the
//     Stripe-Signature header are handed to the billing service unchanged.
//   - /subscriptions and /orders carry admin and self-service actions. The
//     caller is identified by the X-Actor-ID and X-Actor-Role headers, set by
//     the authenticating proxy in front of this service.
//
// # Webhook Responses
//
// The provider retries deliveries that do not return 2xx, so the status code
// decides whether an event is retried:
//
//	processed, ignored, duplicate, unknown_status  200
//	bad signature, malformed payload               400
//	anything else (storage, provider outage)       500
//
// # Errors
//
// Handlers never pick status codes themselves. Every billing error goes
// through httputil.WriteBillingError, which maps its kind to a status and
// hides the detail of internal failures.
//
// # Router
//
//	router := api.NewRouter(api.RouterConfig{
//		Service: svc,
//		Logger:  logger,
//		Metrics: metrics,
//		Health:  observability.NewHealthChecker(db, redisClient),
//	})
//	http.ListenAndServe(":8080", router)
package api
