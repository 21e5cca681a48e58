package billing

import (
	"context"
	"fmt"
)

// StateMachine validates and applies status transitions. Any status may move
// to any other status except out of cancelled; moving to the current status
// is a no-op.
type StateMachine struct {
	store    Store
	notifier Notifier
	opts     options
}

// NewStateMachine creates a state machine persisting through store
func NewStateMachine(store Store, notifier Notifier, opts ...Option) *StateMachine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &StateMachine{
		store:    store,
		notifier: notifier,
		opts:     buildOptions(opts),
	}
}

// Apply performs the transition in memory and returns its history entry, or
// nil when to equals the current status. Leaving a scheduling status clears
// the next payment date; entering cancelled stamps the end date.
func (m *StateMachine) Apply(sub *Subscription, to Status, note string, actor *Actor) (*HistoryEntry, error) {
	const op = "StateMachine.Apply"
	if !to.Valid() {
		return nil, Validationf(op, "invalid status %q", to)
	}
	if sub.Status == to {
		return nil, nil
	}
	if sub.Status.Terminal() {
		return nil, InvalidTransitionf(op, "subscription %d is cancelled and cannot move to %s", sub.ID, to)
	}

	now := m.opts.now()
	from := sub.Status
	sub.Status = to

	if !to.Schedules() {
		sub.NextPaymentDate = nil
	}
	if to == StatusCancelled && sub.EndDate == nil {
		sub.EndDate = timePtr(now)
	}

	if note == "" {
		note = fmt.Sprintf("status changed from %s to %s", from, to)
	}

	return &HistoryEntry{
		SubscriptionID: sub.ID,
		Action:         ActionStatusChanged,
		StatusFrom:     from,
		StatusTo:       to,
		Note:           note,
		Actor:          actor.label(),
		CreatedAt:      now,
	}, nil
}

// Transition applies the change, saves it with its history entry and emits
// status_changed. It reports whether anything changed.
func (m *StateMachine) Transition(ctx context.Context, sub *Subscription, to Status, note string, actor *Actor) (bool, error) {
	ctx, span := m.opts.tracer.Start(ctx, "billing.Transition")
	defer span.End()

	working := sub.Clone()
	entry, err := m.Apply(working, to, note, actor)
	if err != nil || entry == nil {
		return false, err
	}

	if err := m.store.Save(ctx, working, *entry); err != nil {
		return false, err
	}
	*sub = *working

	m.committed(ctx, sub, entry.StatusFrom)
	return true, nil
}

// committed records metrics, logs and emits status_changed for a saved change
func (m *StateMachine) committed(ctx context.Context, sub *Subscription, from Status, extra ...DomainEvent) {
	events := extra
	if from != sub.Status {
		m.opts.metrics.RecordTransition(string(from), string(sub.Status))
		m.opts.logger.WithFields(map[string]interface{}{
			"subscription_id": sub.ID,
			"from":            from,
			"to":              sub.Status,
		}).Info("subscription status changed")

		ev := newDomainEvent(EventStatusChanged, sub, m.opts.now())
		ev.OldStatus = from
		events = append([]DomainEvent{ev}, events...)
	}
	m.opts.emit(ctx, m.notifier, events...)
}
