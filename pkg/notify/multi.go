package notify

import (
	"context"
	"errors"

	"github.com/platinummonkey/renewal/pkg/billing"
	"github.com/platinummonkey/renewal/pkg/observability"
)

// Multi sends each event to every notifier, even when one of them fails
type Multi []billing.Notifier

// Notify fans event out and joins the failures
func (m Multi) Notify(ctx context.Context, event billing.DomainEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events
type Nop struct{}

// Notify does nothing
func (Nop) Notify(context.Context, billing.DomainEvent) error { return nil }

// Logging records each event at info level and passes it on to next
type Logging struct {
	Next   billing.Notifier
	Logger *observability.Logger
}

// Notify logs event, then delivers it to Next when set
func (l Logging) Notify(ctx context.Context, event billing.DomainEvent) error {
	l.Logger.WithFields(map[string]interface{}{
		"event_id":        event.ID,
		"event_type":      event.Type,
		"subscription_id": event.SubscriptionID,
		"new_status":      event.NewStatus,
	}).Info("domain event")
	if l.Next == nil {
		return nil
	}
	return l.Next.Notify(ctx, event)
}
