package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CustomerParams creates a customer at the provider
type CustomerParams struct {
	CustomerID     string
	Email          string
	Name           string
	IdempotencyKey string
}

// PriceParams creates a recurring price at the provider
type PriceParams struct {
	ProductName    string
	Amount         decimal.Decimal
	Currency       string
	Period         Period
	Interval       int
	IdempotencyKey string
}

// SubscriptionParams creates a provider subscription. Payment confirmation is
// deferred: the provider reports the outcome through webhooks.
type SubscriptionParams struct {
	CustomerID      string
	PriceID         string
	TrialDays       int
	PaymentMethodID string
	IdempotencyKey  string
	Metadata        map[string]string
}

// UpdateParams changes a provider subscription
type UpdateParams struct {
	DefaultPaymentMethod string
}

// InvoiceParams creates and immediately pays a one-off renewal invoice for a
// subscription the provider does not bill itself
type InvoiceParams struct {
	CustomerID      string
	SubscriptionID  string
	Amount          decimal.Decimal
	Currency        string
	Description     string
	PaymentMethodID string
	IdempotencyKey  string
	Metadata        map[string]string
}

// CollectParams collects the invoice the provider issued for a linked
// subscription's billing cycle
type CollectParams struct {
	SubscriptionID  string
	Cycle           time.Time
	PaymentMethodID string
	IdempotencyKey  string
	// RecordedInvoiceID is the last invoice already booked locally; it never
	// counts as this cycle's invoice
	RecordedInvoiceID string
}

// ProviderSubscription is the provider's view of a subscription
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	TrialEnd           *time.Time
	ClientSecret       string
}

// Provider is the narrow payment provider boundary. Implementations translate
// SDK errors into *Error values (KindProvider or KindConfiguration).
type Provider interface {
	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)
	CreatePrice(ctx context.Context, params PriceParams) (string, error)
	CreateSubscription(ctx context.Context, params SubscriptionParams) (*ProviderSubscription, error)
	UpdateSubscription(ctx context.Context, externalID string, params UpdateParams) (*ProviderSubscription, error)
	CancelSubscription(ctx context.Context, externalID string) error
	PauseSubscription(ctx context.Context, externalID string) error
	ResumeSubscription(ctx context.Context, externalID string) error
	CreateAndPayInvoice(ctx context.Context, params InvoiceParams) (*Invoice, error)
	// CollectSubscriptionInvoice pays the cycle's invoice of a provider-billed
	// subscription. It returns a nil invoice when none has been issued yet.
	CollectSubscriptionInvoice(ctx context.Context, params CollectParams) (*Invoice, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)
	CreateSetupIntent(ctx context.Context, customerID string) (*SetupIntent, error)
}

// EventKind is the provider-agnostic classification of an inbound event
type EventKind string

const (
	EventKindSubscriptionUpdated EventKind = "subscription_updated"
	EventKindSubscriptionDeleted EventKind = "subscription_deleted"
	EventKindInvoicePaid         EventKind = "invoice_paid"
	EventKindInvoiceFailed       EventKind = "invoice_failed"
	EventKindTrialWillEnd        EventKind = "trial_will_end"
	EventKindUnhandled           EventKind = "unhandled"
)

// ProviderEvent is a verified, decoded webhook event
type ProviderEvent struct {
	ID        string
	Type      string
	Kind      EventKind
	CreatedAt time.Time

	SubscriptionID string
	CustomerID     string
	// Status is in the provider's vocabulary; see MapProviderStatus
	Status string
	// CollectionPaused is set while the provider holds payment collection;
	// the provider status stays active meanwhile
	CollectionPaused bool

	PeriodStart *time.Time
	PeriodEnd   *time.Time
	TrialEnd    *time.Time
	CanceledAt  *time.Time

	Invoice *Invoice
}

// EventDecoder verifies a webhook signature and decodes the payload
type EventDecoder interface {
	VerifyAndDecode(payload []byte, signature string) (*ProviderEvent, error)
}
