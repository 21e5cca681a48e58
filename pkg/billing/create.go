package billing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CreateRequest turns a paid order into a subscription
type CreateRequest struct {
	OrderID    string
	CustomerID string
	ProductID  string
	// Email and Name are sent to the provider when a customer is created
	Email           string
	Name            string
	PaymentMethodID string
	// ExternalCustomerID reuses an existing provider customer
	ExternalCustomerID string
	DeliveryAddress    string
	Notes              string
	// StartDate defaults to now
	StartDate time.Time
}

func (r CreateRequest) validate(op string) error {
	var missing []string
	if r.OrderID == "" {
		missing = append(missing, "order id")
	}
	if r.CustomerID == "" {
		missing = append(missing, "customer id")
	}
	if r.ProductID == "" {
		missing = append(missing, "product id")
	}
	if len(missing) > 0 {
		return Validationf(op, "missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// CreateFromOrder creates the local subscription for a subscription order,
// then its provider customer, price and subscription. Calling it again for a
// processed order returns the existing subscription; an order whose provider
// step failed earlier resumes from the stored pending subscription.
func (s *Service) CreateFromOrder(ctx context.Context, req CreateRequest, actor *Actor) (*Subscription, error) {
	const op = "Service.CreateFromOrder"
	if s.catalog == nil {
		return nil, Configurationf(op, "catalog is not configured")
	}
	if err := req.validate(op); err != nil {
		return nil, err
	}
	if actor != nil && actor.Role == RoleCustomer && actor.ID != req.CustomerID {
		return nil, Permissionf(op, "customers may only subscribe themselves")
	}

	ctx, span := s.opts.tracer.Start(ctx, "billing.CreateFromOrder")
	defer span.End()

	var out *Subscription
	err := withLock(ctx, s.locker, orderLockKey(req.OrderID), func() error {
		isSub, err := s.catalog.IsSubscriptionOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if !isSub {
			return Validationf(op, "order %s is not a subscription order", req.OrderID)
		}

		existing, err := s.store.FindByOrderID(ctx, req.OrderID)
		if err != nil && !IsKind(err, KindNotFound) {
			return err
		}

		processed, err := s.catalog.IsProcessed(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if processed && existing != nil {
			out = existing
			return nil
		}

		sub := existing
		if sub == nil {
			sub, err = s.createLocal(ctx, req, actor)
			if err != nil {
				return err
			}
		}

		if sub.ExternalID == "" {
			sub, err = s.linkProvider(ctx, sub, req, actor)
			if err != nil {
				return err
			}
		}

		if err := s.catalog.MarkProcessed(ctx, req.OrderID); err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// createLocal stores the pending subscription with its fee snapshot
func (s *Service) createLocal(ctx context.Context, req CreateRequest, actor *Actor) (*Subscription, error) {
	const op = "Service.CreateFromOrder"
	product, err := s.catalog.ProductConfig(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if product.Interval < 1 {
		product.Interval = 1
	}
	if !product.Period.Valid() {
		return nil, Validationf(op, "product %s has invalid billing period %q", req.ProductID, product.Period)
	}

	quote, err := QuoteFees(product.Price, s.settings.Fees, product.PassFee)
	if err != nil {
		return nil, err
	}

	now := s.opts.now()
	start := req.StartDate
	if start.IsZero() {
		start = now
	}

	sub := &Subscription{
		OrderID:            req.OrderID,
		CustomerID:         req.CustomerID,
		ProductID:          req.ProductID,
		ExternalCustomerID: req.ExternalCustomerID,
		Status:             StatusPending,
		BillingPeriod:      product.Period,
		BillingInterval:    product.Interval,
		StartDate:          start,
		Currency:           strings.ToLower(product.Currency),
		PaymentMethodID:    req.PaymentMethodID,
		DeliveryAddress:    req.DeliveryAddress,
		Notes:              req.Notes,
		Meta:               Meta{},
		CreatedAt:          now,
		ModifiedAt:         now,
	}
	sub.SetAmounts(quote.Amount, quote.Fee)

	// With a trial the first charge is at trial end; otherwise the order
	// paid the first cycle and the next one follows it.
	if product.TrialDays > 0 {
		trialEnd, err := TrialEnd(start, product.TrialDays)
		if err != nil {
			return nil, err
		}
		sub.TrialEndDate = timePtr(trialEnd)
		sub.NextPaymentDate = timePtr(trialEnd)
	} else {
		next, err := NextPaymentDate(start, product.Period, product.Interval)
		if err != nil {
			return nil, err
		}
		sub.NextPaymentDate = timePtr(next)
	}

	if err := sub.Validate(); err != nil {
		return nil, err
	}

	created := newEntry(sub, ActionCreated, fmt.Sprintf("created from order %s", req.OrderID), actor, now)
	created.StatusFrom = ""
	id, err := s.store.Create(ctx, sub, created)
	if err != nil {
		return nil, err
	}
	sub.ID = id

	s.opts.logger.WithFields(map[string]interface{}{
		"subscription_id": id,
		"order_id":        req.OrderID,
		"total":           sub.TotalAmount.StringFixed(2),
	}).Info("subscription created")
	s.opts.emit(ctx, s.notifier, newDomainEvent(EventSubscriptionCreated, sub, now))
	return sub, nil
}

// linkProvider creates the provider side and records its ids. A provider
// failure is recorded in history and returned; the subscription stays pending.
func (s *Service) linkProvider(ctx context.Context, sub *Subscription, req CreateRequest, actor *Actor) (*Subscription, error) {
	const op = "Service.CreateFromOrder"

	product, err := s.catalog.ProductConfig(ctx, sub.ProductID)
	if err != nil {
		return nil, err
	}

	idem := "order:" + sub.OrderID
	customerID := sub.ExternalCustomerID
	if customerID == "" {
		customerID, err = s.provider.CreateCustomer(ctx, CustomerParams{
			CustomerID:     sub.CustomerID,
			Email:          req.Email,
			Name:           req.Name,
			IdempotencyKey: idem + ":customer",
		})
		if err != nil {
			return nil, s.recordProviderFailure(ctx, sub, op, err, actor)
		}
	}

	priceID, err := s.provider.CreatePrice(ctx, PriceParams{
		ProductName:    product.Name,
		Amount:         sub.TotalAmount,
		Currency:       sub.Currency,
		Period:         sub.BillingPeriod,
		Interval:       sub.BillingInterval,
		IdempotencyKey: idem + ":price",
	})
	if err != nil {
		return nil, s.recordProviderFailure(ctx, sub, op, err, actor)
	}

	trialDays := 0
	if sub.TrialEndDate != nil {
		trialDays = product.TrialDays
	}
	remote, err := s.provider.CreateSubscription(ctx, SubscriptionParams{
		CustomerID:      customerID,
		PriceID:         priceID,
		TrialDays:       trialDays,
		PaymentMethodID: sub.PaymentMethodID,
		IdempotencyKey:  idem + ":subscription",
		Metadata: map[string]string{
			"subscription_id": strconv.FormatInt(sub.ID, 10),
			"order_id":        sub.OrderID,
		},
	})
	if err != nil {
		return nil, s.recordProviderFailure(ctx, sub, op, err, actor)
	}

	return s.commit(ctx, sub, func(w *Subscription) ([]HistoryEntry, error) {
		w.ExternalID = remote.ID
		w.ExternalCustomerID = customerID
		w.Meta.Set(MetaProviderPriceID, priceID)
		note := fmt.Sprintf("linked to provider subscription %s", remote.ID)

		var entry *HistoryEntry
		if target, ok := MapProviderStatus(remote.Status); ok {
			w.Meta.Set(MetaProviderStatus, remote.Status)
			applied, err := s.machine.Apply(w, target, note, actor)
			if err != nil {
				return nil, err
			}
			entry = applied
		}
		if remote.TrialEnd != nil {
			w.TrialEndDate = cloneTime(remote.TrialEnd)
		}
		if entry == nil {
			e := newEntry(w, ActionProviderLinked, note, actor, s.opts.now())
			entry = &e
		}
		entry.Action = ActionProviderLinked
		return []HistoryEntry{*entry}, nil
	})
}

func (s *Service) recordProviderFailure(ctx context.Context, sub *Subscription, op string, cause error, actor *Actor) error {
	perr := providerFailure(op, cause)
	_, err := s.commit(ctx, sub, func(w *Subscription) ([]HistoryEntry, error) {
		return []HistoryEntry{newEntry(w, ActionProviderError, MessageOf(perr), actor, s.opts.now())}, nil
	})
	if err != nil {
		s.opts.logger.WithError(err).WithField("subscription_id", sub.ID).Error("failed to record provider error")
	}
	return perr
}
