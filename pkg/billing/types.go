package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle status of a subscription
type Status string

const (
	StatusPending   Status = "pending"
	StatusTrialing  Status = "trialing"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusUnpaid    Status = "unpaid"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every valid status in lifecycle order
var Statuses = []Status{
	StatusPending,
	StatusTrialing,
	StatusActive,
	StatusPastDue,
	StatusUnpaid,
	StatusPaused,
	StatusCancelled,
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are allowed
func (s Status) Terminal() bool {
	return s == StatusCancelled
}

// Schedules reports whether a subscription in this status carries a next payment date
func (s Status) Schedules() bool {
	switch s {
	case StatusPending, StatusTrialing, StatusActive, StatusPastDue, StatusUnpaid:
		return true
	}
	return false
}

// Chargeable reports whether a renewal charge may be attempted
func (s Status) Chargeable() bool {
	return s == StatusActive || s == StatusTrialing
}

// Period is the unit of a billing cycle
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

// Valid reports whether p is a supported billing period
func (p Period) Valid() bool {
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear:
		return true
	}
	return false
}

// ParsePeriod parses a period name, accepting plural forms ("months")
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s"))
	if !p.Valid() {
		return "", Validationf("ParsePeriod", "invalid billing period %q", s)
	}
	return p, nil
}

// Subscription is the aggregate root: a customer's recurring agreement to pay
// for a product.
type Subscription struct {
	ID                 int64           `json:"id"`
	OrderID            string          `json:"order_id"`
	CustomerID         string          `json:"customer_id"`
	ProductID          string          `json:"product_id"`
	ExternalID         string          `json:"external_id,omitempty"`
	ExternalCustomerID string          `json:"external_customer_id,omitempty"`
	Status             Status          `json:"status"`
	BillingPeriod      Period          `json:"billing_period"`
	BillingInterval    int             `json:"billing_interval"`
	StartDate          time.Time       `json:"start_date"`
	NextPaymentDate    *time.Time      `json:"next_payment_date,omitempty"`
	LastPaymentDate    *time.Time      `json:"last_payment_date,omitempty"`
	EndDate            *time.Time      `json:"end_date,omitempty"`
	TrialEndDate       *time.Time      `json:"trial_end_date,omitempty"`
	SubscriptionAmount decimal.Decimal `json:"subscription_amount"`
	FeeAmount          decimal.Decimal `json:"fee_amount"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	Currency           string          `json:"currency"`
	PaymentMethodID    string          `json:"payment_method_id,omitempty"`
	DeliveryAddress    string          `json:"delivery_address,omitempty"`
	Notes              string          `json:"notes,omitempty"`
	Meta               Meta            `json:"meta,omitempty"`
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	ModifiedAt         time.Time       `json:"modified_at"`
}

// SetAmounts sets the base and fee amounts and derives the total
func (s *Subscription) SetAmounts(amount, fee decimal.Decimal) {
	s.SubscriptionAmount = amount
	s.FeeAmount = fee
	s.TotalAmount = Total(amount, fee)
}

// Validate checks the aggregate invariants
func (s *Subscription) Validate() error {
	const op = "Subscription.Validate"
	if !s.Status.Valid() {
		return Validationf(op, "invalid status %q", s.Status)
	}
	if !s.BillingPeriod.Valid() {
		return Validationf(op, "invalid billing period %q", s.BillingPeriod)
	}
	if s.BillingInterval < 1 {
		return Validationf(op, "billing interval must be at least 1, got %d", s.BillingInterval)
	}
	if s.SubscriptionAmount.IsNegative() || s.FeeAmount.IsNegative() {
		return Validationf(op, "amounts must not be negative")
	}
	if !s.TotalAmount.Equal(s.SubscriptionAmount.Add(s.FeeAmount)) {
		return Validationf(op, "total %s does not equal amount %s plus fee %s",
			s.TotalAmount, s.SubscriptionAmount, s.FeeAmount)
	}
	if s.NextPaymentDate != nil && !s.Status.Schedules() {
		return Validationf(op, "status %s must not carry a next payment date", s.Status)
	}
	return nil
}

// Clone returns a deep copy
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.NextPaymentDate = cloneTime(s.NextPaymentDate)
	c.LastPaymentDate = cloneTime(s.LastPaymentDate)
	c.EndDate = cloneTime(s.EndDate)
	c.TrialEndDate = cloneTime(s.TrialEndDate)
	c.Meta = s.Meta.Clone()
	return &c
}

func (s *Subscription) String() string {
	return fmt.Sprintf("subscription %d (%s)", s.ID, s.Status)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// History actions
const (
	ActionCreated                = "created"
	ActionStatusChanged          = "status_changed"
	ActionPaused                 = "paused"
	ActionResumed                = "resumed"
	ActionCancelled              = "cancelled"
	ActionPaymentProcessed       = "payment_processed"
	ActionPaymentFailed          = "payment_failed"
	ActionPaymentReceived        = "payment_received"
	ActionProviderStatusUpdated  = "status_updated"
	ActionProviderStatusUnmapped = "provider_status_unmapped"
	ActionTrialWillEnd           = "trial_will_end"
	ActionPaymentMethodChanged   = "payment_method_changed"
	ActionProviderLinked         = "provider_linked"
	ActionProviderError          = "provider_error"
)

// HistoryEntry is an append-only audit record of one change to a subscription
type HistoryEntry struct {
	ID             int64     `json:"id,omitempty"`
	SubscriptionID int64     `json:"subscription_id"`
	Action         string    `json:"action"`
	StatusFrom     Status    `json:"status_from"`
	StatusTo       Status    `json:"status_to"`
	Note           string    `json:"note,omitempty"`
	Actor          *string   `json:"actor,omitempty"`
	EventID        *string   `json:"event_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// newEntry records an action that leaves the status unchanged
func newEntry(sub *Subscription, action, note string, actor *Actor, at time.Time) HistoryEntry {
	return HistoryEntry{
		SubscriptionID: sub.ID,
		Action:         action,
		StatusFrom:     sub.Status,
		StatusTo:       sub.Status,
		Note:           note,
		Actor:          actor.label(),
		CreatedAt:      at,
	}
}

// InvoiceStatus represents the provider-side state of an invoice
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusOpen          InvoiceStatus = "open"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusVoid          InvoiceStatus = "void"
	InvoiceStatusUncollectible InvoiceStatus = "uncollectible"
)

// Invoice is the provider's record of one charge
type Invoice struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	CustomerID     string          `json:"customer_id,omitempty"`
	Status         InvoiceStatus   `json:"status"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	AttemptCount   int             `json:"attempt_count,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	PeriodEnd      *time.Time      `json:"period_end,omitempty"`
	NextAttempt    *time.Time      `json:"next_attempt,omitempty"`
	HostedURL      string          `json:"hosted_url,omitempty"`
}

// PaymentMethod is a stored customer payment instrument at the provider
type PaymentMethod struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Brand    string `json:"brand,omitempty"`
	Last4    string `json:"last4,omitempty"`
	ExpMonth int64  `json:"exp_month,omitempty"`
	ExpYear  int64  `json:"exp_year,omitempty"`
	Default  bool   `json:"default"`
}

// SetupIntent lets a customer attach a new payment method client-side
type SetupIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

// ListFilter narrows Store.List
type ListFilter struct {
	Status     Status
	CustomerID string
	ProductID  string
	Limit      int
	Offset     int
}
