// Package billing manages recurring subscriptions against a payment provider.
//
// # Overview
//
// A Subscription moves through a small lifecycle (pending, trialing, active,
// past_due, unpaid, paused, cancelled). Three components change it:
//
//   - StateMachine validates and applies status transitions. Cancelled is
//     terminal; every change appends one HistoryEntry.
//   - Processor charges renewals, advances the next payment date and, on
//     failure, records a dunning retry schedule. ProcessDue sweeps every due
//     subscription.
//   - Synchronizer applies provider webhook events. Delivery is at-least-once;
//     an EventLedger makes replays harmless.
//
// Service ties them together with subscription creation from orders,
// pause/resume/cancel/delete, payment method management and bulk actions.
//
// # Consistency
//
// Provider first, local write second: an action whose provider call fails
// leaves local state untouched. Writes hold a per-subscription Locker and go
// through Store.Save, which rejects stale versions with ErrConflict; the
// service re-reads and retries a bounded number of times.
//
// # Usage Example
//
//	svc, err := billing.NewService(billing.Config{
//		Store:    store,
//		Ledger:   ledger,
//		Provider: stripeClient,
//		Decoder:  stripeClient,
//		Catalog:  catalog,
//		Notifier: notifier,
//		Settings: settings,
//	}, billing.WithLogger(logger), billing.WithMetrics(metrics))
//
//	sub, err := svc.CreateFromOrder(ctx, billing.CreateRequest{
//		OrderID:    "ord_1001",
//		CustomerID: "cust_42",
//		ProductID:  "coffee-monthly",
//	}, nil)
//
//	outcome, err := svc.HandleWebhook(ctx, payload, r.Header.Get("Stripe-Signature"))
//
// # Errors
//
// Every boundary returns *Error with a Kind (NotFound, Validation,
// InvalidTransition, Provider, Permission, Signature, Configuration,
// Conflict). Use KindOf / IsKind instead of matching strings.
//
// # Related Packages
//
//   - pkg/billing/stripe: Provider and EventDecoder backed by stripe-go
//   - pkg/storage/postgres, pkg/storage/memory: Store implementations
//   - pkg/storage/kv: redis ledger, locker and sweep lease
package billing
