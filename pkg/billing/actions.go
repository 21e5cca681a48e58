package billing

import (
	"context"
	"fmt"
	"time"
)

// maxUpcoming bounds UpcomingPayments
const maxUpcoming = 60

// Get returns one subscription
func (s *Service) Get(ctx context.Context, id int64, actor *Actor) (*Subscription, error) {
	const op = "Service.Get"
	sub, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(op, actor, sub, permView, s.settings.Permissions); err != nil {
		return nil, err
	}
	return sub, nil
}

// List returns subscriptions matching filter. Customers only see their own.
func (s *Service) List(ctx context.Context, filter ListFilter, actor *Actor) ([]*Subscription, error) {
	const op = "Service.List"
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, Validationf(op, "invalid status filter %q", filter.Status)
	}
	if actor != nil && actor.Role == RoleCustomer {
		filter.CustomerID = actor.ID
	}
	return s.store.List(ctx, filter)
}

// History returns the audit trail of a subscription, oldest first
func (s *Service) History(ctx context.Context, id int64, actor *Actor) ([]HistoryEntry, error) {
	if _, err := s.Get(ctx, id, actor); err != nil {
		return nil, err
	}
	return s.store.History(ctx, id)
}

// UpcomingPayments returns the next n payment dates, starting with the
// scheduled next payment date. Paused and cancelled subscriptions have none.
func (s *Service) UpcomingPayments(ctx context.Context, id int64, n int, actor *Actor) ([]time.Time, error) {
	const op = "Service.UpcomingPayments"
	if n < 1 || n > maxUpcoming {
		return nil, Validationf(op, "count must be between 1 and %d, got %d", maxUpcoming, n)
	}
	sub, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if sub.NextPaymentDate == nil {
		return []time.Time{}, nil
	}

	rest, err := Schedule(*sub.NextPaymentDate, sub.BillingPeriod, sub.BillingInterval, n-1)
	if err != nil {
		return nil, err
	}
	return append([]time.Time{*sub.NextPaymentDate}, rest...), nil
}

// Pause suspends billing. The provider is told first; the local status only
// changes once it accepted.
func (s *Service) Pause(ctx context.Context, id int64, actor *Actor) (*Subscription, error) {
	const op = "Service.Pause"
	return s.lifecycleAction(ctx, op, id, actor, permPause, func(sub *Subscription) error {
		switch sub.Status {
		case StatusPaused:
			return InvalidTransitionf(op, "subscription %d is already paused", sub.ID)
		case StatusCancelled:
			return InvalidTransitionf(op, "subscription %d is cancelled", sub.ID)
		case StatusPending:
			return InvalidTransitionf(op, "subscription %d has not started", sub.ID)
		}
		if sub.ExternalID == "" {
			return nil
		}
		return s.provider.PauseSubscription(ctx, sub.ExternalID)
	}, func(w *Subscription) ([]HistoryEntry, error) {
		next := w.NextPaymentDate
		entry, err := s.machine.Apply(w, StatusPaused, "subscription paused", actor)
		if err != nil || entry == nil {
			return nil, err
		}
		if next != nil {
			w.Meta.SetTime(MetaPausedNextPaymentDate, *next)
		}
		entry.Action = ActionPaused
		return []HistoryEntry{*entry}, nil
	})
}

// Resume reactivates a paused subscription. A next payment date still in the
// future is kept; otherwise the subscription is due immediately.
func (s *Service) Resume(ctx context.Context, id int64, actor *Actor) (*Subscription, error) {
	const op = "Service.Resume"
	return s.lifecycleAction(ctx, op, id, actor, permResume, func(sub *Subscription) error {
		if sub.Status != StatusPaused {
			return InvalidTransitionf(op, "subscription %d is %s, not paused", sub.ID, sub.Status)
		}
		if sub.ExternalID == "" {
			return nil
		}
		return s.provider.ResumeSubscription(ctx, sub.ExternalID)
	}, func(w *Subscription) ([]HistoryEntry, error) {
		entry, err := s.machine.Apply(w, StatusActive, "subscription resumed", actor)
		if err != nil || entry == nil {
			return nil, err
		}
		now := s.opts.now()
		next := now
		if saved, ok := w.Meta.Time(MetaPausedNextPaymentDate); ok && saved.After(now) {
			next = saved
		}
		w.NextPaymentDate = timePtr(next)
		w.Meta.Delete(MetaPausedNextPaymentDate)
		entry.Action = ActionResumed
		return []HistoryEntry{*entry}, nil
	})
}

// Cancel ends the subscription. Cancelling twice returns ErrAlreadyCancelled
// without contacting the provider.
func (s *Service) Cancel(ctx context.Context, id int64, actor *Actor) (*Subscription, error) {
	const op = "Service.Cancel"
	return s.lifecycleAction(ctx, op, id, actor, permCancel, func(sub *Subscription) error {
		if sub.Status == StatusCancelled {
			return ErrAlreadyCancelled
		}
		if sub.ExternalID == "" {
			return nil
		}
		return s.provider.CancelSubscription(ctx, sub.ExternalID)
	}, func(w *Subscription) ([]HistoryEntry, error) {
		entry, err := s.machine.Apply(w, StatusCancelled, "subscription cancelled", actor)
		if err != nil || entry == nil {
			return nil, err
		}
		w.Meta.Delete(MetaPausedNextPaymentDate, MetaNextRetryAt)
		entry.Action = ActionCancelled
		return []HistoryEntry{*entry}, nil
	})
}

// ChangePaymentMethod makes paymentMethodID the default for renewals
func (s *Service) ChangePaymentMethod(ctx context.Context, id int64, paymentMethodID string, actor *Actor) (*Subscription, error) {
	const op = "Service.ChangePaymentMethod"
	if paymentMethodID == "" {
		return nil, Validationf(op, "payment method id is required")
	}
	return s.lifecycleAction(ctx, op, id, actor, permChangePaymentMethod, func(sub *Subscription) error {
		if sub.Status == StatusCancelled {
			return InvalidTransitionf(op, "subscription %d is cancelled", sub.ID)
		}
		if sub.ExternalID == "" {
			return nil
		}
		_, err := s.provider.UpdateSubscription(ctx, sub.ExternalID, UpdateParams{DefaultPaymentMethod: paymentMethodID})
		return err
	}, func(w *Subscription) ([]HistoryEntry, error) {
		if w.PaymentMethodID == paymentMethodID {
			return nil, nil
		}
		note := fmt.Sprintf("payment method changed to %s", paymentMethodID)
		w.PaymentMethodID = paymentMethodID
		return []HistoryEntry{newEntry(w, ActionPaymentMethodChanged, note, actor, s.opts.now())}, nil
	})
}

// Delete hard-deletes a subscription with its metadata and history. A live
// provider subscription is cancelled first so it stops billing.
func (s *Service) Delete(ctx context.Context, id int64, actor *Actor) error {
	const op = "Service.Delete"
	return withLock(ctx, s.locker, subscriptionLockKey(id), func() error {
		sub, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := authorize(op, actor, sub, permDelete, s.settings.Permissions); err != nil {
			return err
		}
		if sub.Status != StatusCancelled && sub.ExternalID != "" {
			if err := s.provider.CancelSubscription(ctx, sub.ExternalID); err != nil {
				return providerFailure(op, err)
			}
		}
		if err := s.store.Delete(ctx, id); err != nil {
			return err
		}
		s.opts.logger.WithFields(map[string]interface{}{
			"subscription_id": id,
			"actor":           actor.label(),
		}).Warn("subscription deleted")
		return nil
	})
}

// Charge bills the current cycle now. Only administrators and the system may charge.
func (s *Service) Charge(ctx context.Context, id int64, actor *Actor) (*Invoice, error) {
	const op = "Service.Charge"
	sub, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(op, actor, sub, permCharge, s.settings.Permissions); err != nil {
		return nil, err
	}
	return s.processor.Charge(ctx, id, actor)
}

// ListPaymentMethods returns the stored cards of the subscription's customer
func (s *Service) ListPaymentMethods(ctx context.Context, id int64, actor *Actor) ([]PaymentMethod, error) {
	const op = "Service.ListPaymentMethods"
	sub, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if sub.ExternalCustomerID == "" {
		return nil, Validationf(op, "subscription %d has no provider customer", id)
	}

	methods, err := s.provider.ListPaymentMethods(ctx, sub.ExternalCustomerID)
	if err != nil {
		return nil, providerFailure(op, err)
	}
	for i := range methods {
		methods[i].Default = methods[i].ID == sub.PaymentMethodID
	}
	return methods, nil
}

// CreateSetupIntent starts client-side collection of a new payment method
func (s *Service) CreateSetupIntent(ctx context.Context, id int64, actor *Actor) (*SetupIntent, error) {
	const op = "Service.CreateSetupIntent"
	sub, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(op, actor, sub, permChangePaymentMethod, s.settings.Permissions); err != nil {
		return nil, err
	}
	if sub.ExternalCustomerID == "" {
		return nil, Validationf(op, "subscription %d has no provider customer", id)
	}

	intent, err := s.provider.CreateSetupIntent(ctx, sub.ExternalCustomerID)
	if err != nil {
		return nil, providerFailure(op, err)
	}
	return intent, nil
}

// lifecycleAction is the shared shape of pause/resume/cancel/change-method:
// lock, load, authorize, provider side effect, then the local write.
func (s *Service) lifecycleAction(
	ctx context.Context,
	op string,
	id int64,
	actor *Actor,
	perm permission,
	sideEffect func(sub *Subscription) error,
	mutate mutateFunc,
) (*Subscription, error) {
	ctx, span := s.opts.tracer.Start(ctx, "billing."+op)
	defer span.End()

	var out *Subscription
	err := withLock(ctx, s.locker, subscriptionLockKey(id), func() error {
		sub, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := authorize(op, actor, sub, perm, s.settings.Permissions); err != nil {
			return err
		}
		if err := sideEffect(sub); err != nil {
			return providerFailure(op, err)
		}

		saved, err := s.commit(ctx, sub, mutate)
		if err != nil {
			return err
		}
		out = saved
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}
