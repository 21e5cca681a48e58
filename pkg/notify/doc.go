// Package notify delivers billing domain events to the outside world.
//
// # Transports
//
//   - WebhookNotifier: signed HTTP POSTs to registered endpoints, with a
//     delivery log and a background retry worker
//   - BrokerNotifier: publishes to a RabbitMQ topic exchange, routing key
//     billing.<event type>
//   - Multi: fans one event out to several notifiers
//   - Nop: discards events
//
// All transports satisfy billing.Notifier. The billing package calls them in
// the background after the store write committed, so a failed delivery never
// changes subscription state.
//
// # Signatures
//
// Webhook bodies are signed with HMAC-SHA256 over the raw body and sent in
// X-Renewal-Signature as "sha256=<hex>". Receivers check them with Verify:
//
//	sig := r.Header.Get(notify.HeaderSignature)
//	if !notify.Verify(body, sig, secret) {
//		http.Error(w, "bad signature", http.StatusUnauthorized)
//		return
//	}
//
// # Retry Policy
//
// Exponential backoff starting at 1s, doubling, capped at 5m, at most five
// attempts in total.
package notify
