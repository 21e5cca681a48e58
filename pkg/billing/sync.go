package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// OutcomeStatus classifies how a webhook event was handled
type OutcomeStatus string

const (
	OutcomeProcessed     OutcomeStatus = "processed"
	OutcomeIgnored       OutcomeStatus = "ignored"
	OutcomeDuplicate     OutcomeStatus = "duplicate"
	OutcomeUnknownStatus OutcomeStatus = "unknown_status"
	OutcomeRejected      OutcomeStatus = "rejected"
)

// reasonPaymentBooked marks an invoice.paid for an invoice the processor
// already collected and booked
const reasonPaymentBooked = "payment already booked"

// Outcome reports what HandleEvent did
type Outcome struct {
	Status         OutcomeStatus `json:"status"`
	EventID        string        `json:"event_id,omitempty"`
	EventType      string        `json:"event_type,omitempty"`
	SubscriptionID int64         `json:"subscription_id,omitempty"`
	From           Status        `json:"from,omitempty"`
	To             Status        `json:"to,omitempty"`
	Reason         string        `json:"reason,omitempty"`
}

// Synchronizer reconciles local subscriptions with provider webhook events.
// Delivery is at-least-once; the event ledger makes replays harmless.
type Synchronizer struct {
	store    Store
	ledger   EventLedger
	decoder  EventDecoder
	locker   Locker
	notifier Notifier
	machine  *StateMachine
	opts     options
}

// NewSynchronizer creates a webhook synchronizer
func NewSynchronizer(cfg Config, opts ...Option) (*Synchronizer, error) {
	const op = "NewSynchronizer"
	cfg.defaults()
	if cfg.Store == nil {
		return nil, Configurationf(op, "subscription store is required")
	}
	if cfg.Ledger == nil {
		return nil, Configurationf(op, "event ledger is required")
	}
	if cfg.Decoder == nil {
		return nil, Configurationf(op, "event decoder is required")
	}
	return &Synchronizer{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		decoder:  cfg.Decoder,
		locker:   cfg.Locker,
		notifier: cfg.Notifier,
		machine:  NewStateMachine(cfg.Store, cfg.Notifier, opts...),
		opts:     buildOptions(opts),
	}, nil
}

// HandleEvent verifies, decodes and applies one webhook payload. Signature
// and payload problems return KindSignature / KindValidation errors without
// touching state; store failures return the error so the provider retries.
func (s *Synchronizer) HandleEvent(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	const op = "Synchronizer.HandleEvent"
	ctx, span := s.opts.tracer.Start(ctx, "billing.HandleEvent")
	defer span.End()

	event, err := s.decoder.VerifyAndDecode(payload, signature)
	if err != nil {
		s.opts.metrics.RecordWebhookEvent("unknown", string(OutcomeRejected))
		s.opts.logger.WithError(err).Warn("rejected webhook payload")
		return Outcome{Status: OutcomeRejected, Reason: MessageOf(err)}, err
	}
	if event.ID == "" {
		s.opts.metrics.RecordWebhookEvent(event.Type, string(OutcomeRejected))
		return Outcome{Status: OutcomeRejected}, Validationf(op, "event has no id")
	}
	span.SetAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", event.Type),
	)

	outcome, err := s.handle(ctx, event)
	outcome.EventID = event.ID
	outcome.EventType = event.Type
	if err != nil {
		span.RecordError(err)
		s.opts.metrics.RecordWebhookEvent(event.Type, "error")
		s.opts.logger.WithError(err).WithField("event_id", event.ID).Error("failed to apply webhook event")
		return outcome, err
	}

	s.opts.metrics.RecordWebhookEvent(event.Type, string(outcome.Status))
	s.opts.logger.WithFields(map[string]interface{}{
		"event_id":        event.ID,
		"event_type":      event.Type,
		"outcome":         outcome.Status,
		"subscription_id": outcome.SubscriptionID,
	}).Debug("webhook event handled")
	return outcome, nil
}

func (s *Synchronizer) handle(ctx context.Context, event *ProviderEvent) (Outcome, error) {
	seen, err := s.ledger.Seen(ctx, event.ID)
	if err != nil {
		return Outcome{}, Internal("ledger.Seen", err)
	}
	if seen {
		return Outcome{Status: OutcomeDuplicate}, nil
	}

	if event.Kind == EventKindUnhandled || event.Kind == "" {
		return Outcome{Status: OutcomeIgnored, Reason: "event type not handled"}, nil
	}
	if event.SubscriptionID == "" {
		return Outcome{Status: OutcomeIgnored, Reason: "event is not tied to a subscription"}, nil
	}

	sub, err := s.store.FindByExternalID(ctx, event.SubscriptionID)
	if IsKind(err, KindNotFound) {
		s.opts.logger.WithFields(map[string]interface{}{
			"event_id":    event.ID,
			"external_id": event.SubscriptionID,
			"event_type":  event.Type,
		}).Info("webhook for unknown subscription ignored")
		return Outcome{Status: OutcomeIgnored, Reason: "unknown subscription"}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	var outcome Outcome
	err = withLock(ctx, s.locker, subscriptionLockKey(sub.ID), func() error {
		// A concurrent delivery of the same event may have finished while we waited
		seen, err := s.ledger.Seen(ctx, event.ID)
		if err != nil {
			return Internal("ledger.Seen", err)
		}
		if seen {
			outcome = Outcome{Status: OutcomeDuplicate, SubscriptionID: sub.ID}
			return nil
		}

		fresh, err := s.store.Get(ctx, sub.ID)
		if err != nil {
			return err
		}

		outcome = Outcome{Status: OutcomeProcessed, SubscriptionID: fresh.ID}
		saved, from, _, err := saveWithRetry(ctx, s.store, fresh, s.reconcile(event, &outcome))
		if errors.Is(err, ErrEventApplied) {
			// Applied earlier but the ledger write was lost
			s.markProcessed(ctx, event.ID)
			outcome = Outcome{Status: OutcomeDuplicate, SubscriptionID: fresh.ID}
			return nil
		}
		if err != nil {
			return err
		}
		outcome.From, outcome.To = from, saved.Status
		if outcome.Status == OutcomeUnknownStatus {
			s.opts.metrics.RecordUnknownStatus(event.Status)
			s.opts.logger.WithFields(map[string]interface{}{
				"event_id":        event.ID,
				"subscription_id": saved.ID,
				"provider_status": event.Status,
			}).Warn("unmapped provider subscription status")
		}

		s.markProcessed(ctx, event.ID)
		s.machine.committed(ctx, saved, from, s.paymentEvents(event, saved, outcome)...)
		return nil
	})
	return outcome, err
}

// markProcessed records the event in the ledger. State is already committed
// and the history entry carries the event id, so a lost write only costs a
// replay that the store rejects with ErrEventApplied.
func (s *Synchronizer) markProcessed(ctx context.Context, eventID string) {
	if err := s.ledger.MarkProcessed(ctx, eventID, s.opts.now()); err != nil {
		s.opts.logger.WithError(err).WithField("event_id", eventID).Error("failed to record processed event")
	}
}

// reconcile builds the mutation for one event. Every event yields exactly one
// history entry; when the status changes that entry is the transition record.
func (s *Synchronizer) reconcile(event *ProviderEvent, outcome *Outcome) mutateFunc {
	return func(w *Subscription) ([]HistoryEntry, error) {
		now := s.opts.now()
		target := w.Status
		action := ActionProviderStatusUpdated
		var note string

		switch event.Kind {
		case EventKindSubscriptionUpdated, EventKindSubscriptionDeleted:
			providerStatus := event.Status
			if event.Kind == EventKindSubscriptionDeleted {
				providerStatus = "canceled"
			}
			mapped, ok := MapProviderStatus(providerStatus)
			if !ok {
				outcome.Status = OutcomeUnknownStatus
				outcome.Reason = fmt.Sprintf("provider status %q has no local mapping", providerStatus)
				w.Meta.Set(MetaProviderStatus, providerStatus)
				entry := newEntry(w, ActionProviderStatusUnmapped, outcome.Reason, nil, now)
				entry.EventID = &event.ID
				return []HistoryEntry{entry}, nil
			}
			w.Meta.Set(MetaProviderStatus, providerStatus)
			target = mapped
			note = fmt.Sprintf("provider reported status %s (%s)", providerStatus, event.Type)
			if event.CollectionPaused && mapped.Schedules() {
				target = StatusPaused
				note = fmt.Sprintf("provider paused collection, status %s (%s)", providerStatus, event.Type)
			}

		case EventKindInvoicePaid:
			switch w.Status {
			case StatusPending, StatusPastDue, StatusUnpaid:
				target = StatusActive
			}
			if event.Invoice != nil && w.Meta[MetaLastInvoiceID] == event.Invoice.ID {
				// The processor collected this invoice and booked the payment
				outcome.Reason = reasonPaymentBooked
				note = fmt.Sprintf("provider confirmed payment of invoice %s", event.Invoice.ID)
				break
			}
			action = ActionPaymentReceived
			paidAt := event.CreatedAt
			if event.Invoice != nil && event.Invoice.PaidAt != nil {
				paidAt = *event.Invoice.PaidAt
			}
			w.LastPaymentDate = timePtr(paidAt)
			w.Meta.clearRetry()
			note = "payment received"
			if event.Invoice != nil {
				note = fmt.Sprintf("payment of %s %s received (invoice %s)",
					event.Invoice.Amount.StringFixed(2), event.Invoice.Currency, event.Invoice.ID)
				w.Meta.Set(MetaLastInvoiceID, event.Invoice.ID)
			}

		case EventKindInvoiceFailed:
			action = ActionPaymentFailed
			reason := "payment failed"
			if event.Invoice != nil && event.Invoice.FailureReason != "" {
				reason = event.Invoice.FailureReason
			}
			w.Meta.Set(MetaLastFailureReason, reason)
			switch w.Status {
			case StatusPending, StatusTrialing, StatusActive:
				target = StatusPastDue
			}
			note = "payment failed: " + reason

		case EventKindTrialWillEnd:
			action = ActionTrialWillEnd
			note = "trial ending soon"
			if event.TrialEnd != nil {
				note = "trial ends " + event.TrialEnd.Format("2006-01-02")
			}
		}

		var entry *HistoryEntry
		if target != w.Status && !w.Status.Terminal() {
			from, next := w.Status, w.NextPaymentDate
			applied, err := s.machine.Apply(w, target, note, nil)
			if err != nil {
				return nil, err
			}
			entry = applied
			switch {
			case target == StatusPaused && next != nil:
				w.Meta.SetTime(MetaPausedNextPaymentDate, *next)
			case from == StatusPaused:
				if saved, ok := w.Meta.Time(MetaPausedNextPaymentDate); ok && w.NextPaymentDate == nil {
					w.NextPaymentDate = timePtr(saved)
				}
				w.Meta.Delete(MetaPausedNextPaymentDate)
			}
		}
		if entry == nil {
			e := newEntry(w, action, note, nil, now)
			entry = &e
		}
		entry.Action = action
		entry.Note = note
		entry.EventID = &event.ID

		// Dates only make sense for statuses that schedule payments
		if event.TrialEnd != nil {
			w.TrialEndDate = cloneTime(event.TrialEnd)
		}
		if w.Status.Schedules() {
			if next := nextFromEvent(event, w.NextPaymentDate); next != nil {
				w.NextPaymentDate = next
			}
		}

		return []HistoryEntry{*entry}, nil
	}
}

// nextFromEvent picks the next payment date an event implies. Subscription
// events carry the authoritative period end; invoice periods only ever move
// the date forward.
func nextFromEvent(event *ProviderEvent, current *time.Time) *time.Time {
	if event.Invoice != nil && event.Invoice.PeriodEnd != nil {
		if current != nil && !event.Invoice.PeriodEnd.After(*current) {
			return nil
		}
		return cloneTime(event.Invoice.PeriodEnd)
	}
	return cloneTime(event.PeriodEnd)
}

func (s *Synchronizer) paymentEvents(event *ProviderEvent, sub *Subscription, outcome Outcome) []DomainEvent {
	if outcome.Reason == reasonPaymentBooked {
		return nil
	}
	var typ EventType
	switch event.Kind {
	case EventKindInvoicePaid:
		typ = EventPaymentSucceeded
	case EventKindInvoiceFailed:
		typ = EventPaymentFailed
	default:
		return nil
	}
	ev := newDomainEvent(typ, sub, s.opts.now())
	ev.Invoice = event.Invoice
	if event.Invoice != nil {
		ev.Reason = event.Invoice.FailureReason
	}
	return []DomainEvent{ev}
}
