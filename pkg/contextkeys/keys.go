// Package contextkeys holds context keys shared between HTTP middleware and
// handlers that live in different packages.
//
//	ctx = contextkeys.WithActor(ctx, actor)
//	actor, _ := contextkeys.Actor(ctx).(*billing.Actor)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// ActorKey contains the *billing.Actor performing the request.
	// Set by: api.ActorMiddleware
	// Required by: subscription admin and self-service handlers
	ActorKey Key = "actor"

	// WebhookSourceKey contains the remote address an inbound provider
	// webhook came from.
	// Set by: api webhook handler
	// Used by: webhook logging
	WebhookSourceKey Key = "webhook_source"
)

// WithActor adds the acting principal to the context
func WithActor(ctx context.Context, actor interface{}) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// Actor retrieves the acting principal, nil when none was set
func Actor(ctx context.Context) interface{} {
	return ctx.Value(ActorKey)
}

// WithWebhookSource records where an inbound webhook came from
func WithWebhookSource(ctx context.Context, remoteAddr string) context.Context {
	return context.WithValue(ctx, WebhookSourceKey, remoteAddr)
}

// WebhookSource retrieves the inbound webhook origin
func WebhookSource(ctx context.Context) string {
	if s, ok := ctx.Value(WebhookSourceKey).(string); ok {
		return s
	}
	return ""
}
