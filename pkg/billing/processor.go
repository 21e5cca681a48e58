package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Processor charges renewals through the provider and records the outcome
type Processor struct {
	store    Store
	provider Provider
	locker   Locker
	lease    Lease
	notifier Notifier
	settings Settings
	machine  *StateMachine
	opts     options

	running atomic.Bool
}

// NewProcessor creates a payment processor
func NewProcessor(cfg Config, opts ...Option) (*Processor, error) {
	cfg.defaults()
	if err := cfg.require("NewProcessor", true, true); err != nil {
		return nil, err
	}
	return &Processor{
		store:    cfg.Store,
		provider: cfg.Provider,
		locker:   cfg.Locker,
		lease:    cfg.Lease,
		notifier: cfg.Notifier,
		settings: cfg.Settings,
		machine:  NewStateMachine(cfg.Store, cfg.Notifier, opts...),
		opts:     buildOptions(opts),
	}, nil
}

// Charge bills the subscription's current cycle. It requires an active or
// trialing subscription. On success the next payment date advances one cycle;
// on failure the retry schedule is recorded. Status is never changed here;
// that follows from the provider's invoice webhooks.
//
// A subscription linked to a provider subscription is billed by the provider:
// Charge collects the invoice the provider issued for the cycle and never
// creates one of its own. Unlinked subscriptions get a one-off invoice.
func (p *Processor) Charge(ctx context.Context, id int64, actor *Actor) (*Invoice, error) {
	var invoice *Invoice
	err := withLock(ctx, p.locker, subscriptionLockKey(id), func() error {
		sub, err := p.store.Get(ctx, id)
		if err != nil {
			return err
		}
		invoice, err = p.charge(ctx, sub, actor, false)
		return err
	})
	return invoice, err
}

// ChargeIdempotencyKey derives the provider idempotency key for one billing
// cycle. Retries of a failed cycle get their own key; replays of the same
// attempt reuse it, so the provider never bills a cycle twice.
func ChargeIdempotencyKey(id int64, cycle time.Time, attempt int) string {
	key := "charge:" + strconv.FormatInt(id, 10) + ":" + cycle.UTC().Format("2006-01-02")
	if attempt > 0 {
		key += ":retry-" + strconv.Itoa(attempt)
	}
	return key
}

// charge must be called with the subscription lock held. retry additionally
// admits past_due subscriptions being dunned by the sweep.
func (p *Processor) charge(ctx context.Context, sub *Subscription, actor *Actor, retry bool) (*Invoice, error) {
	const op = "Processor.Charge"
	ctx, span := p.opts.tracer.Start(ctx, "billing.Charge", trace.WithAttributes(
		attribute.Int64("subscription.id", sub.ID),
		attribute.String("subscription.status", string(sub.Status)),
	))
	defer span.End()

	if !sub.Status.Chargeable() && !(retry && sub.Status == StatusPastDue) {
		return nil, InvalidTransitionf(op, "cannot charge subscription %d in status %s", sub.ID, sub.Status)
	}
	if sub.NextPaymentDate == nil {
		return nil, Validationf(op, "subscription %d has no next payment date", sub.ID)
	}
	if sub.ExternalCustomerID == "" {
		return nil, Validationf(op, "subscription %d has no provider customer", sub.ID)
	}

	cycle := *sub.NextPaymentDate
	attempt := sub.Meta.Int(MetaRetryAttempts)
	log := p.opts.logger.WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"cycle":           cycle.Format("2006-01-02"),
		"attempt":         attempt + 1,
	})

	start := time.Now()
	invoice, err := p.bill(ctx, sub, cycle, attempt)
	if errors.Is(err, ErrInvoiceNotIssued) {
		log.Info("provider has not issued the cycle's invoice yet")
		return nil, err
	}
	if err != nil {
		perr := providerFailure(op, err)
		span.RecordError(perr)
		p.opts.metrics.RecordCharge("failed", time.Since(start))
		log.WithError(perr).Warn("renewal charge failed")
		p.recordFailure(ctx, sub, perr, actor)
		return nil, perr
	}

	p.opts.metrics.RecordCharge("success", time.Since(start))

	saved, from, entries, err := saveWithRetry(ctx, p.store, sub, func(w *Subscription) ([]HistoryEntry, error) {
		now := p.opts.now()
		w.LastPaymentDate = timePtr(now)

		// A concurrent writer may already have moved the cycle on
		if w.NextPaymentDate != nil && w.NextPaymentDate.Equal(cycle) {
			next, err := NextPaymentDate(cycle, w.BillingPeriod, w.BillingInterval)
			if err != nil {
				return nil, err
			}
			w.NextPaymentDate = &next
		}
		w.Meta.clearRetry()
		w.Meta.Set(MetaLastInvoiceID, invoice.ID)

		amount, currency := w.TotalAmount, w.Currency
		if !invoice.Amount.IsZero() {
			amount, currency = invoice.Amount, invoice.Currency
		}
		note := fmt.Sprintf("renewal payment of %s %s processed (invoice %s)", amount.StringFixed(2), currency, invoice.ID)
		return []HistoryEntry{newEntry(w, ActionPaymentProcessed, note, actor, now)}, nil
	})
	if err != nil {
		// The provider holds the money; a replay with the same key returns
		// this invoice instead of charging again.
		log.WithError(err).WithField("invoice_id", invoice.ID).Error("renewal charged but local update failed")
		return nil, err
	}

	if len(entries) > 0 {
		ev := newDomainEvent(EventPaymentSucceeded, saved, p.opts.now())
		ev.Invoice = invoice
		p.machine.committed(ctx, saved, from, ev)
	}
	log.WithField("invoice_id", invoice.ID).Info("renewal charged")
	return invoice, nil
}

// bill moves the money for one cycle. Exactly one party bills a subscription:
// the provider for linked ones, this service for the rest.
func (p *Processor) bill(ctx context.Context, sub *Subscription, cycle time.Time, attempt int) (*Invoice, error) {
	key := ChargeIdempotencyKey(sub.ID, cycle, attempt)
	if sub.ExternalID != "" {
		invoice, err := p.provider.CollectSubscriptionInvoice(ctx, CollectParams{
			SubscriptionID:    sub.ExternalID,
			Cycle:             cycle,
			PaymentMethodID:   sub.PaymentMethodID,
			IdempotencyKey:    key,
			RecordedInvoiceID: sub.Meta[MetaLastInvoiceID],
		})
		if err == nil && invoice == nil {
			return nil, ErrInvoiceNotIssued
		}
		return invoice, err
	}
	return p.provider.CreateAndPayInvoice(ctx, InvoiceParams{
		CustomerID:      sub.ExternalCustomerID,
		Amount:          sub.TotalAmount,
		Currency:        sub.Currency,
		Description:     fmt.Sprintf("Renewal of subscription %d for %s", sub.ID, cycle.Format("2006-01-02")),
		PaymentMethodID: sub.PaymentMethodID,
		IdempotencyKey:  key,
		Metadata: map[string]string{
			"subscription_id": strconv.FormatInt(sub.ID, 10),
			"order_id":        sub.OrderID,
		},
	})
}

// recordFailure appends payment_failed history and schedules the next retry.
// Storage errors here are logged; the provider error is what the caller sees.
func (p *Processor) recordFailure(ctx context.Context, sub *Subscription, cause error, actor *Actor) {
	saved, _, entries, err := saveWithRetry(ctx, p.store, sub, func(w *Subscription) ([]HistoryEntry, error) {
		now := p.opts.now()
		attempts := w.Meta.Int(MetaRetryAttempts) + 1
		w.Meta.SetInt(MetaRetryAttempts, attempts)
		w.Meta.Set(MetaLastFailureReason, MessageOf(cause))

		note := fmt.Sprintf("renewal payment failed (attempt %d): %s", attempts, MessageOf(cause))
		if p.settings.Retry.MaxAttempts > 0 && attempts < p.settings.Retry.MaxAttempts {
			retryAt := now.Add(p.settings.Retry.Delay)
			w.Meta.SetTime(MetaNextRetryAt, retryAt)
			note += fmt.Sprintf("; retry scheduled for %s", retryAt.Format(time.RFC3339))
		} else {
			w.Meta.Delete(MetaNextRetryAt)
			note += "; no retries left"
		}
		return []HistoryEntry{newEntry(w, ActionPaymentFailed, note, actor, now)}, nil
	})
	if err != nil {
		p.opts.logger.WithError(err).WithField("subscription_id", sub.ID).Error("failed to record charge failure")
		return
	}
	if len(entries) > 0 {
		ev := newDomainEvent(EventPaymentFailed, saved, p.opts.now())
		ev.Reason = MessageOf(cause)
		p.opts.emit(ctx, p.notifier, ev)
	}
}
