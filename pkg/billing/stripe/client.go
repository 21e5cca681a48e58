// Package stripe implements the billing provider boundary on top of
// stripe-go. Calls go through a circuit breaker and are counted per operation.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	stripe "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/renewal/pkg/billing"
	"github.com/platinummonkey/renewal/pkg/observability"
)

const breakerName = "stripe"

// BreakerConfig tunes the circuit breaker around Stripe calls
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// Config configures the Stripe client
type Config struct {
	SecretKey string
	// APIURL overrides the API endpoint, e.g. for stripe-mock
	APIURL     string
	HTTPClient *http.Client
	// MaxNetworkRetries overrides the SDK's retry count when set
	MaxNetworkRetries *int64
	Breaker           BreakerConfig
}

// Client implements billing.Provider
type Client struct {
	api     *client.API
	breaker *gobreaker.CircuitBreaker[any]
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// NewClient creates a Stripe provider. A missing secret key is a configuration error.
func NewClient(cfg Config, logger *observability.Logger, metrics *observability.Metrics) (*Client, error) {
	if cfg.SecretKey == "" {
		return nil, billing.Configurationf("stripe.NewClient", "stripe secret key is not configured")
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	var backends *stripe.Backends
	if cfg.APIURL != "" || cfg.HTTPClient != nil || cfg.MaxNetworkRetries != nil {
		bc := &stripe.BackendConfig{
			HTTPClient:        cfg.HTTPClient,
			MaxNetworkRetries: cfg.MaxNetworkRetries,
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
		}
		if cfg.APIURL != "" {
			bc.URL = stripe.String(cfg.APIURL)
		}
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, bc)
		backends = &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, backends)

	c := &Client{
		api:     api,
		logger:  logger.WithField("component", "stripe"),
		metrics: metrics,
		tracer:  otel.Tracer("github.com/platinummonkey/renewal/pkg/billing/stripe"),
	}
	c.breaker = gobreaker.NewCircuitBreaker[any](c.breakerSettings(cfg.Breaker))
	metrics.SetBreakerState(breakerName, int(gobreaker.StateClosed))
	return c, nil
}

func (c *Client) breakerSettings(cfg BreakerConfig) gobreaker.Settings {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	return gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
			c.metrics.SetBreakerState(name, int(to))
		},
		IsSuccessful: func(err error) bool {
			return !countsAsFailure(err)
		},
	}
}

// call runs fn through the breaker with a span and a metric
func call[T any](ctx context.Context, c *Client, op string, fn func() (T, error)) (T, error) {
	_, span := c.tracer.Start(ctx, "stripe."+op, trace.WithAttributes(attribute.String("provider.operation", op)))
	defer span.End()

	res, err := c.breaker.Execute(func() (any, error) {
		return fn()
	})
	c.metrics.RecordProviderCall(op, err)
	if err != nil {
		span.RecordError(err)
		var zero T
		return zero, translateError("stripe."+op, err)
	}
	return res.(T), nil
}

func setIdempotency(p *stripe.Params, key, suffix string) {
	if key != "" {
		p.SetIdempotencyKey(key + suffix)
	}
}

// CreateCustomer creates a Stripe customer and returns its id
func (c *Client) CreateCustomer(ctx context.Context, params billing.CustomerParams) (string, error) {
	p := &stripe.CustomerParams{}
	if params.Email != "" {
		p.Email = stripe.String(params.Email)
	}
	if params.Name != "" {
		p.Name = stripe.String(params.Name)
	}
	p.Context = ctx
	p.AddMetadata("customer_id", params.CustomerID)
	setIdempotency(&p.Params, params.IdempotencyKey, "")

	cust, err := call(ctx, c, "create_customer", func() (*stripe.Customer, error) {
		return c.api.Customers.New(p)
	})
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}

// CreatePrice creates a recurring price with an inline product
func (c *Client) CreatePrice(ctx context.Context, params billing.PriceParams) (string, error) {
	p := &stripe.PriceParams{
		Currency:   stripe.String(strings.ToLower(params.Currency)),
		UnitAmount: stripe.Int64(toMinorUnits(params.Amount, params.Currency)),
		Recurring: &stripe.PriceRecurringParams{
			Interval:      stripe.String(string(params.Period)),
			IntervalCount: stripe.Int64(int64(params.Interval)),
		},
		ProductData: &stripe.PriceProductDataParams{
			Name: stripe.String(params.ProductName),
		},
	}
	p.Context = ctx
	setIdempotency(&p.Params, params.IdempotencyKey, "")

	price, err := call(ctx, c, "create_price", func() (*stripe.Price, error) {
		return c.api.Prices.New(p)
	})
	if err != nil {
		return "", err
	}
	return price.ID, nil
}

// CreateSubscription creates a subscription whose first payment is confirmed
// asynchronously; the outcome arrives through webhooks.
func (c *Client) CreateSubscription(ctx context.Context, params billing.SubscriptionParams) (*billing.ProviderSubscription, error) {
	p := &stripe.SubscriptionParams{
		Customer:        stripe.String(params.CustomerID),
		Items:           []*stripe.SubscriptionItemsParams{{Price: stripe.String(params.PriceID)}},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	if params.TrialDays > 0 {
		p.TrialPeriodDays = stripe.Int64(int64(params.TrialDays))
	}
	if params.PaymentMethodID != "" {
		p.DefaultPaymentMethod = stripe.String(params.PaymentMethodID)
	}
	for k, v := range params.Metadata {
		p.AddMetadata(k, v)
	}
	p.AddExpand("latest_invoice.payment_intent")
	p.Context = ctx
	setIdempotency(&p.Params, params.IdempotencyKey, "")

	sub, err := call(ctx, c, "create_subscription", func() (*stripe.Subscription, error) {
		return c.api.Subscriptions.New(p)
	})
	if err != nil {
		return nil, err
	}
	return toProviderSubscription(sub), nil
}

// UpdateSubscription changes the default payment method
func (c *Client) UpdateSubscription(ctx context.Context, externalID string, params billing.UpdateParams) (*billing.ProviderSubscription, error) {
	p := &stripe.SubscriptionParams{}
	if params.DefaultPaymentMethod != "" {
		p.DefaultPaymentMethod = stripe.String(params.DefaultPaymentMethod)
	}
	p.Context = ctx

	sub, err := call(ctx, c, "update_subscription", func() (*stripe.Subscription, error) {
		return c.api.Subscriptions.Update(externalID, p)
	})
	if err != nil {
		return nil, err
	}
	return toProviderSubscription(sub), nil
}

// CancelSubscription cancels immediately. A subscription Stripe no longer
// knows is treated as already cancelled.
func (c *Client) CancelSubscription(ctx context.Context, externalID string) error {
	p := &stripe.SubscriptionCancelParams{}
	p.Context = ctx

	_, err := call(ctx, c, "cancel_subscription", func() (*stripe.Subscription, error) {
		return c.api.Subscriptions.Cancel(externalID, p)
	})
	if err != nil && isResourceMissing(err) {
		c.logger.WithField("external_id", externalID).Warn("cancel of unknown stripe subscription treated as done")
		return nil
	}
	return err
}

// PauseSubscription pauses collection; invoices created while paused are voided
func (c *Client) PauseSubscription(ctx context.Context, externalID string) error {
	p := &stripe.SubscriptionParams{
		PauseCollection: &stripe.SubscriptionPauseCollectionParams{
			Behavior: stripe.String(string(stripe.SubscriptionPauseCollectionBehaviorVoid)),
		},
	}
	p.Context = ctx

	_, err := call(ctx, c, "pause_subscription", func() (*stripe.Subscription, error) {
		return c.api.Subscriptions.Update(externalID, p)
	})
	return err
}

// ResumeSubscription clears pause_collection
func (c *Client) ResumeSubscription(ctx context.Context, externalID string) error {
	p := &stripe.SubscriptionParams{}
	p.AddExtra("pause_collection", "")
	p.Context = ctx

	_, err := call(ctx, c, "resume_subscription", func() (*stripe.Subscription, error) {
		return c.api.Subscriptions.Update(externalID, p)
	})
	return err
}

// CreateAndPayInvoice bills a one-off renewal invoice: draft, line item,
// finalize, pay. Each step carries its own idempotency key derived from the
// caller's, so a replayed charge returns the original invoice. Only used for
// subscriptions without a Stripe subscription; its webhooks are ignored.
func (c *Client) CreateAndPayInvoice(ctx context.Context, params billing.InvoiceParams) (*billing.Invoice, error) {
	ip := &stripe.InvoiceParams{
		Customer:                    stripe.String(params.CustomerID),
		AutoAdvance:                 stripe.Bool(false),
		CollectionMethod:            stripe.String(string(stripe.InvoiceCollectionMethodChargeAutomatically)),
		PendingInvoiceItemsBehavior: stripe.String("exclude"),
		Description:                 stripe.String(params.Description),
	}
	if params.PaymentMethodID != "" {
		ip.DefaultPaymentMethod = stripe.String(params.PaymentMethodID)
	}
	for k, v := range params.Metadata {
		ip.AddMetadata(k, v)
	}
	if params.SubscriptionID != "" {
		ip.AddMetadata("provider_subscription_id", params.SubscriptionID)
	}
	ip.Context = ctx
	setIdempotency(&ip.Params, params.IdempotencyKey, ":invoice")

	inv, err := call(ctx, c, "create_invoice", func() (*stripe.Invoice, error) {
		return c.api.Invoices.New(ip)
	})
	if err != nil {
		return nil, err
	}

	item := &stripe.InvoiceItemParams{
		Customer:    stripe.String(params.CustomerID),
		Invoice:     stripe.String(inv.ID),
		Amount:      stripe.Int64(toMinorUnits(params.Amount, params.Currency)),
		Currency:    stripe.String(strings.ToLower(params.Currency)),
		Description: stripe.String(params.Description),
	}
	item.Context = ctx
	setIdempotency(&item.Params, params.IdempotencyKey, ":item")
	if _, err := call(ctx, c, "create_invoice_item", func() (*stripe.InvoiceItem, error) {
		return c.api.InvoiceItems.New(item)
	}); err != nil {
		return nil, err
	}

	fp := &stripe.InvoiceFinalizeInvoiceParams{AutoAdvance: stripe.Bool(false)}
	fp.Context = ctx
	setIdempotency(&fp.Params, params.IdempotencyKey, ":finalize")
	if _, err := call(ctx, c, "finalize_invoice", func() (*stripe.Invoice, error) {
		return c.api.Invoices.FinalizeInvoice(inv.ID, fp)
	}); err != nil {
		return nil, err
	}

	pp := &stripe.InvoicePayParams{}
	if params.PaymentMethodID != "" {
		pp.PaymentMethod = stripe.String(params.PaymentMethodID)
	}
	pp.Context = ctx
	setIdempotency(&pp.Params, params.IdempotencyKey, ":pay")
	paid, err := call(ctx, c, "pay_invoice", func() (*stripe.Invoice, error) {
		return c.api.Invoices.Pay(inv.ID, pp)
	})
	if err != nil {
		c.voidInvoice(ctx, inv.ID)
		return nil, err
	}
	return toInvoice(paid), nil
}

// cycleSlack separates the invoice for a cycle from the previous one, whose
// period ends at about the cycle date
const cycleSlack = 12 * time.Hour

// CollectSubscriptionInvoice pays the invoice Stripe issued for the cycle
// starting at params.Cycle. Drafts are finalized first and an invoice Stripe
// already collected is returned as is. A nil invoice means Stripe has not
// issued it yet.
func (c *Client) CollectSubscriptionInvoice(ctx context.Context, params billing.CollectParams) (*billing.Invoice, error) {
	lp := &stripe.InvoiceListParams{Subscription: stripe.String(params.SubscriptionID)}
	lp.Limit = stripe.Int64(5)
	lp.Context = ctx

	inv, err := call(ctx, c, "list_invoices", func() (*stripe.Invoice, error) {
		it := c.api.Invoices.List(lp)
		for it.Next() {
			candidate := it.Invoice()
			// Newest first: anything from here on was billed for an earlier cycle
			if candidate.ID == params.RecordedInvoiceID || !coversCycle(candidate, params.Cycle) {
				break
			}
			if candidate.Status == stripe.InvoiceStatusVoid || candidate.Status == stripe.InvoiceStatusUncollectible {
				continue
			}
			return candidate, nil
		}
		return nil, it.Err()
	})
	if err != nil || inv == nil {
		return nil, err
	}

	id := inv.ID
	if inv.Status == stripe.InvoiceStatusDraft {
		fp := &stripe.InvoiceFinalizeInvoiceParams{}
		fp.Context = ctx
		setIdempotency(&fp.Params, params.IdempotencyKey, ":collect-finalize")
		inv, err = call(ctx, c, "finalize_invoice", func() (*stripe.Invoice, error) {
			return c.api.Invoices.FinalizeInvoice(id, fp)
		})
		if err != nil {
			return nil, err
		}
	}
	if inv.Status == stripe.InvoiceStatusPaid {
		return toInvoice(inv), nil
	}

	pp := &stripe.InvoicePayParams{}
	if params.PaymentMethodID != "" {
		pp.PaymentMethod = stripe.String(params.PaymentMethodID)
	}
	pp.Context = ctx
	setIdempotency(&pp.Params, params.IdempotencyKey, ":collect-pay")
	paid, err := call(ctx, c, "pay_invoice", func() (*stripe.Invoice, error) {
		return c.api.Invoices.Pay(id, pp)
	})
	if err != nil {
		// Stripe's own collection attempt may have won the race
		if current := c.getInvoice(ctx, id); current != nil && current.Status == stripe.InvoiceStatusPaid {
			return toInvoice(current), nil
		}
		return nil, err
	}
	return toInvoice(paid), nil
}

func (c *Client) getInvoice(ctx context.Context, invoiceID string) *stripe.Invoice {
	p := &stripe.InvoiceParams{}
	p.Context = ctx
	inv, err := call(ctx, c, "get_invoice", func() (*stripe.Invoice, error) {
		return c.api.Invoices.Get(invoiceID, p)
	})
	if err != nil {
		c.logger.WithError(err).WithField("invoice_id", invoiceID).Warn("failed to reload invoice")
		return nil
	}
	return inv
}

// coversCycle reports whether a subscription invoice bills the period that
// starts at cycle
func coversCycle(inv *stripe.Invoice, cycle time.Time) bool {
	if inv.Lines == nil {
		return false
	}
	for _, line := range inv.Lines.Data {
		if line.Period != nil && time.Unix(line.Period.End, 0).After(cycle.Add(cycleSlack)) {
			return true
		}
	}
	return false
}

// voidInvoice keeps a declined renewal from lingering as an open invoice
// that Stripe would try to collect on its own.
func (c *Client) voidInvoice(ctx context.Context, invoiceID string) {
	p := &stripe.InvoiceVoidInvoiceParams{}
	p.Context = context.WithoutCancel(ctx)
	if _, err := call(ctx, c, "void_invoice", func() (*stripe.Invoice, error) {
		return c.api.Invoices.VoidInvoice(invoiceID, p)
	}); err != nil {
		c.logger.WithError(err).WithField("invoice_id", invoiceID).Warn("failed to void unpaid renewal invoice")
	}
}

// ListPaymentMethods returns the customer's cards
func (c *Client) ListPaymentMethods(ctx context.Context, customerID string) ([]billing.PaymentMethod, error) {
	p := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	p.Context = ctx

	return call(ctx, c, "list_payment_methods", func() ([]billing.PaymentMethod, error) {
		methods := []billing.PaymentMethod{}
		it := c.api.PaymentMethods.List(p)
		for it.Next() {
			methods = append(methods, toPaymentMethod(it.PaymentMethod()))
		}
		return methods, it.Err()
	})
}

// CreateSetupIntent prepares off-session collection of a new card
func (c *Client) CreateSetupIntent(ctx context.Context, customerID string) (*billing.SetupIntent, error) {
	p := &stripe.SetupIntentParams{
		Customer:           stripe.String(customerID),
		Usage:              stripe.String(string(stripe.SetupIntentUsageOffSession)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	p.Context = ctx

	intent, err := call(ctx, c, "create_setup_intent", func() (*stripe.SetupIntent, error) {
		return c.api.SetupIntents.New(p)
	})
	if err != nil {
		return nil, err
	}
	return &billing.SetupIntent{ID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

func toProviderSubscription(s *stripe.Subscription) *billing.ProviderSubscription {
	out := &billing.ProviderSubscription{
		ID:                 s.ID,
		Status:             string(s.Status),
		CurrentPeriodStart: unixTime(s.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(s.CurrentPeriodEnd),
		TrialEnd:           unixTime(s.TrialEnd),
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.LatestInvoice != nil && s.LatestInvoice.PaymentIntent != nil {
		out.ClientSecret = s.LatestInvoice.PaymentIntent.ClientSecret
	}
	return out
}

func toInvoice(inv *stripe.Invoice) *billing.Invoice {
	out := &billing.Invoice{
		ID:           inv.ID,
		Status:       billing.InvoiceStatus(inv.Status),
		Currency:     string(inv.Currency),
		AttemptCount: int(inv.AttemptCount),
		NextAttempt:  unixTime(inv.NextPaymentAttempt),
		HostedURL:    inv.HostedInvoiceURL,
	}
	amount := inv.AmountDue
	if inv.Status == stripe.InvoiceStatusPaid {
		amount = inv.AmountPaid
	}
	out.Amount = fromMinorUnits(amount, out.Currency)
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	if inv.StatusTransitions != nil {
		out.PaidAt = unixTime(inv.StatusTransitions.PaidAt)
	}
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line.Period != nil {
				out.PeriodEnd = unixTime(line.Period.End)
			}
		}
	}
	return out
}

func toPaymentMethod(pm *stripe.PaymentMethod) billing.PaymentMethod {
	out := billing.PaymentMethod{ID: pm.ID, Type: string(pm.Type)}
	if pm.Card != nil {
		out.Brand = string(pm.Card.Brand)
		out.Last4 = pm.Card.Last4
		out.ExpMonth = pm.Card.ExpMonth
		out.ExpYear = pm.Card.ExpYear
	}
	return out
}

func unixTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// Stripe amounts are integers in the currency's minor unit
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

func minorExponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return 0
	}
	return 2
}

func toMinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(minorExponent(currency)).Round(0).IntPart()
}

func fromMinorUnits(n int64, currency string) decimal.Decimal {
	return decimal.New(n, -minorExponent(currency))
}
