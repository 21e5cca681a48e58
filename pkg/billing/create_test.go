package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/renewal/pkg/billing"
	"github.com/platinummonkey/renewal/pkg/storage/memory"
)

func addProduct(f *fixture, id string, trialDays int, passFee *bool) {
	f.catalog.PutProduct(billing.ProductConfig{
		ProductID: id,
		Name:      "Coffee of the month",
		Period:    billing.PeriodMonth,
		Interval:  1,
		TrialDays: trialDays,
		PassFee:   passFee,
		Price:     decimal.RequireFromString("20.00"),
		Currency:  "USD",
	})
}

func TestCreateFromOrder_Trial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.clock.Set(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))
	addProduct(f, "coffee", 14, nil)
	f.catalog.PutOrder(memory.Order{ID: "o-1", Subscription: true})
	f.provider.createSubscriptionFunc = func(ctx context.Context, params billing.SubscriptionParams) (*billing.ProviderSubscription, error) {
		assert.Equal(t, 14, params.TrialDays)
		assert.Equal(t, "order:o-1:subscription", params.IdempotencyKey)
		return &billing.ProviderSubscription{ID: "sub_o-1", CustomerID: params.CustomerID, Status: "trialing"}, nil
	}

	req := billing.CreateRequest{OrderID: "o-1", CustomerID: "cust-1", ProductID: "coffee", Email: "c@example.com"}
	sub, err := f.svc.CreateFromOrder(ctx, req, customer)
	require.NoError(t, err)

	assert.Equal(t, billing.StatusTrialing, sub.Status)
	assert.Equal(t, "sub_o-1", sub.ExternalID)
	assert.Equal(t, "cus_cust-1", sub.ExternalCustomerID)
	assert.Equal(t, "usd", sub.Currency)
	assert.Equal(t, "20.00", sub.SubscriptionAmount.StringFixed(2))
	assert.Equal(t, "0.88", sub.FeeAmount.StringFixed(2))
	assert.Equal(t, "20.88", sub.TotalAmount.StringFixed(2))
	assert.Equal(t, "price_20.88", sub.Meta[billing.MetaProviderPriceID])
	assert.Equal(t, "2024-03-29", sub.TrialEndDate.Format("2006-01-02"))
	assert.Equal(t, "2024-03-29", sub.NextPaymentDate.Format("2006-01-02"))

	history := f.history(t, sub.ID)
	require.Len(t, history, 2)
	assert.Equal(t, billing.ActionCreated, history[0].Action)
	assert.Equal(t, billing.Status(""), history[0].StatusFrom)
	assert.Equal(t, billing.StatusPending, history[0].StatusTo)
	assert.Equal(t, billing.ActionProviderLinked, history[1].Action)
	assert.Equal(t, billing.StatusTrialing, history[1].StatusTo)

	assert.Equal(t, []billing.EventType{billing.EventSubscriptionCreated, billing.EventStatusChanged}, f.events.types())

	processed, err := f.catalog.IsProcessed(ctx, "o-1")
	require.NoError(t, err)
	assert.True(t, processed)

	// The first renewal is charged when the trial ends
	f.clock.Set(time.Date(2024, 3, 29, 0, 0, 0, 0, time.UTC))
	result, err := f.svc.Processor().ProcessDue(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Charged)
	assert.Equal(t, "2024-04-29", f.get(t, sub.ID).NextPaymentDate.Format("2006-01-02"))
}

func TestCreateFromOrder_TrialRenewalBilledOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.clock.Set(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))
	addProduct(f, "coffee", 14, nil)
	f.catalog.PutOrder(memory.Order{ID: "o-1", Subscription: true})
	f.provider.createSubscriptionFunc = func(ctx context.Context, params billing.SubscriptionParams) (*billing.ProviderSubscription, error) {
		return &billing.ProviderSubscription{ID: "sub_o-1", CustomerID: params.CustomerID, Status: "trialing"}, nil
	}

	req := billing.CreateRequest{OrderID: "o-1", CustomerID: "cust-1", ProductID: "coffee", Email: "c@example.com"}
	sub, err := f.svc.CreateFromOrder(ctx, req, customer)
	require.NoError(t, err)
	require.Equal(t, "sub_o-1", sub.ExternalID)

	// Stripe issues the first invoice when the trial ends; the sweep collects it
	f.clock.Set(time.Date(2024, 3, 29, 1, 0, 0, 0, time.UTC))
	result, err := f.svc.Processor().ProcessDue(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Charged)
	assert.Zero(t, f.provider.count("CreateAndPayInvoice"))

	collected := f.get(t, sub.ID).Meta[billing.MetaLastInvoiceID]
	require.NotEmpty(t, collected)

	periodEnd := time.Date(2024, 4, 29, 0, 0, 0, 0, time.UTC)
	outcome := f.deliver(t, billing.ProviderEvent{
		ID: "evt_paid", Type: "invoice.paid", Kind: billing.EventKindInvoicePaid,
		SubscriptionID: sub.ExternalID,
		Invoice: &billing.Invoice{
			ID: collected, Status: billing.InvoiceStatusPaid, Amount: decimal.RequireFromString("20.88"),
			Currency: "usd", PeriodEnd: &periodEnd,
		},
	})
	assert.Equal(t, billing.OutcomeProcessed, outcome.Status)

	got := f.get(t, sub.ID)
	assert.Equal(t, "2024-04-29", got.NextPaymentDate.Format("2006-01-02"))

	history := f.history(t, sub.ID)
	assert.Equal(t, 1, countActions(history, billing.ActionPaymentProcessed, billing.ActionPaymentReceived))
	assert.Equal(t, billing.ActionProviderStatusUpdated, history[len(history)-1].Action)
	assert.Contains(t, history[len(history)-1].Note, "confirmed payment of invoice "+collected)

	succeeded := 0
	for _, typ := range f.events.types() {
		if typ == billing.EventPaymentSucceeded {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestCreateFromOrder_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	addProduct(f, "coffee", 0, nil)
	f.catalog.PutOrder(memory.Order{ID: "o-1", Subscription: true})
	req := billing.CreateRequest{OrderID: "o-1", CustomerID: "cust-1", ProductID: "coffee", StartDate: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)}

	first, err := f.svc.CreateFromOrder(ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, first.Status)
	assert.Equal(t, "2024-02-29", first.NextPaymentDate.Format("2006-01-02"))

	second, err := f.svc.CreateFromOrder(ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.provider.count("CreateSubscription"))

	all, err := f.store.List(ctx, billing.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCreateFromOrder_ResumesAfterProviderFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	addProduct(f, "coffee", 0, nil)
	f.catalog.PutOrder(memory.Order{ID: "o-1", Subscription: true})
	f.provider.createSubscriptionFunc = func(ctx context.Context, params billing.SubscriptionParams) (*billing.ProviderSubscription, error) {
		return nil, errors.New("stripe unavailable")
	}
	req := billing.CreateRequest{OrderID: "o-1", CustomerID: "cust-1", ProductID: "coffee"}

	_, err := f.svc.CreateFromOrder(ctx, req, nil)
	assert.True(t, billing.IsKind(err, billing.KindProvider))

	pending, err := f.store.FindByOrderID(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPending, pending.Status)
	assert.Empty(t, pending.ExternalID)
	history := f.history(t, pending.ID)
	require.Len(t, history, 2)
	assert.Equal(t, billing.ActionProviderError, history[1].Action)

	processed, err := f.catalog.IsProcessed(ctx, "o-1")
	require.NoError(t, err)
	assert.False(t, processed)

	f.provider.createSubscriptionFunc = nil
	linked, err := f.svc.CreateFromOrder(ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, linked.ID)
	assert.Equal(t, billing.StatusActive, linked.Status)
	assert.Equal(t, "sub_o-1", linked.ExternalID)
}

func TestCreateFromOrder_Rejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	addProduct(f, "coffee", 0, nil)
	f.catalog.PutOrder(memory.Order{ID: "o-plain", Subscription: false})
	f.catalog.PutOrder(memory.Order{ID: "o-1", Subscription: true})

	_, err := f.svc.CreateFromOrder(ctx, billing.CreateRequest{OrderID: "o-plain", CustomerID: "cust-1", ProductID: "coffee"}, nil)
	assert.True(t, billing.IsKind(err, billing.KindValidation))

	_, err = f.svc.CreateFromOrder(ctx, billing.CreateRequest{OrderID: "o-1"}, nil)
	assert.True(t, billing.IsKind(err, billing.KindValidation))

	_, err = f.svc.CreateFromOrder(ctx, billing.CreateRequest{OrderID: "o-1", CustomerID: "cust-2", ProductID: "coffee"}, customer)
	assert.True(t, billing.IsKind(err, billing.KindPermission))

	_, err = f.svc.CreateFromOrder(ctx, billing.CreateRequest{OrderID: "o-missing", CustomerID: "cust-1", ProductID: "coffee"}, nil)
	assert.True(t, billing.IsKind(err, billing.KindNotFound))

	all, err := f.store.List(ctx, billing.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreateFromOrder_ProductFeeOverride(t *testing.T) {
	f := newFixture(t)
	noFee := false
	addProduct(f, "gift", 0, &noFee)
	f.catalog.PutOrder(memory.Order{ID: "o-1", Subscription: true})

	sub, err := f.svc.CreateFromOrder(context.Background(), billing.CreateRequest{OrderID: "o-1", CustomerID: "cust-1", ProductID: "gift"}, nil)
	require.NoError(t, err)
	assert.True(t, sub.FeeAmount.IsZero())
	assert.Equal(t, "20.00", sub.TotalAmount.StringFixed(2))
}
