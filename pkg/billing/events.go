package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/renewal/pkg/async"
)

// EventType names a domain event emitted after a committed change
type EventType string

const (
	EventSubscriptionCreated EventType = "subscription_created"
	EventStatusChanged       EventType = "status_changed"
	EventPaymentSucceeded    EventType = "payment_succeeded"
	EventPaymentFailed       EventType = "payment_failed"
)

// DomainEvent is handed to the Notifier after the store write succeeded
type DomainEvent struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	SubscriptionID int64     `json:"subscription_id"`
	CustomerID     string    `json:"customer_id"`
	OldStatus      Status    `json:"old_status,omitempty"`
	NewStatus      Status    `json:"new_status,omitempty"`
	Invoice        *Invoice  `json:"invoice,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Notifier delivers domain events. Failures never affect billing state.
type Notifier interface {
	Notify(ctx context.Context, event DomainEvent) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, event DomainEvent) error

// Notify calls f
func (f NotifierFunc) Notify(ctx context.Context, event DomainEvent) error {
	return f(ctx, event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, DomainEvent) error { return nil }

const notifyTimeout = 30 * time.Second

func newDomainEvent(typ EventType, sub *Subscription, at time.Time) DomainEvent {
	return DomainEvent{
		ID:             uuid.NewString(),
		Type:           typ,
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		NewStatus:      sub.Status,
		OccurredAt:     at,
	}
}

// emit hands events to the notifier in the background. The request context
// is detached so a finished HTTP request does not cancel delivery.
func (o *options) emit(ctx context.Context, notifier Notifier, events ...DomainEvent) {
	if notifier == nil || len(events) == 0 {
		return
	}
	detached := context.WithoutCancel(ctx)
	for _, ev := range events {
		ev := ev
		if o.syncNotify {
			if err := notifier.Notify(detached, ev); err != nil {
				o.logger.WithError(err).WithField("event_type", ev.Type).Warn("domain event notification failed")
			}
			continue
		}
		async.SafeGo(detached, notifyTimeout, "notify "+string(ev.Type), func(ctx context.Context) error {
			return notifier.Notify(ctx, ev)
		})
	}
}
