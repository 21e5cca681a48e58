package stripe

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/platinummonkey/renewal/pkg/billing"
)

// eventKinds maps Stripe event types onto provider-agnostic kinds
var eventKinds = map[string]billing.EventKind{
	"customer.subscription.created":        billing.EventKindSubscriptionUpdated,
	"customer.subscription.updated":        billing.EventKindSubscriptionUpdated,
	"customer.subscription.paused":         billing.EventKindSubscriptionUpdated,
	"customer.subscription.resumed":        billing.EventKindSubscriptionUpdated,
	"customer.subscription.deleted":        billing.EventKindSubscriptionDeleted,
	"customer.subscription.trial_will_end": billing.EventKindTrialWillEnd,
	"invoice.paid":                         billing.EventKindInvoicePaid,
	"invoice.payment_succeeded":            billing.EventKindInvoicePaid,
	"invoice.payment_failed":               billing.EventKindInvoiceFailed,
}

// Decoder verifies Stripe-Signature headers and decodes events
type Decoder struct {
	secret    string
	tolerance time.Duration
}

// NewDecoder creates a decoder for the endpoint's signing secret
func NewDecoder(secret string, tolerance time.Duration) (*Decoder, error) {
	if secret == "" {
		return nil, billing.Configurationf("stripe.NewDecoder", "stripe webhook secret is not configured")
	}
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Decoder{secret: secret, tolerance: tolerance}, nil
}

// wire formats of the event objects we read. Expandable references arrive
// as plain ids in webhooks but are decoded defensively.
type wireSubscription struct {
	ID                 string          `json:"id"`
	Customer           json.RawMessage `json:"customer"`
	Status             string          `json:"status"`
	CurrentPeriodStart int64           `json:"current_period_start"`
	CurrentPeriodEnd   int64           `json:"current_period_end"`
	TrialEnd           int64           `json:"trial_end"`
	CanceledAt         int64           `json:"canceled_at"`
	PauseCollection    *struct {
		Behavior string `json:"behavior"`
	} `json:"pause_collection"`
}

type wireInvoice struct {
	ID                 string          `json:"id"`
	Customer           json.RawMessage `json:"customer"`
	Subscription       json.RawMessage `json:"subscription"`
	Status             string          `json:"status"`
	AmountDue          int64           `json:"amount_due"`
	AmountPaid         int64           `json:"amount_paid"`
	Currency           string          `json:"currency"`
	AttemptCount       int             `json:"attempt_count"`
	NextPaymentAttempt int64           `json:"next_payment_attempt"`
	HostedInvoiceURL   string          `json:"hosted_invoice_url"`
	StatusTransitions  struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
	PaymentIntent         json.RawMessage `json:"payment_intent"`
	LastFinalizationError *struct {
		Message string `json:"message"`
	} `json:"last_finalization_error"`
}

type wirePaymentIntent struct {
	LastPaymentError *struct {
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"last_payment_error"`
}

// VerifyAndDecode checks the signature and returns the event in billing terms.
// Event types we do not act on decode with EventKindUnhandled.
func (d *Decoder) VerifyAndDecode(payload []byte, signature string) (*billing.ProviderEvent, error) {
	const op = "stripe.VerifyAndDecode"
	event, err := webhook.ConstructEventWithOptions(payload, signature, d.secret, webhook.ConstructEventOptions{
		Tolerance:                d.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) || errors.Is(err, webhook.ErrTooOld) {
			return nil, billing.SignatureError(op, err)
		}
		return nil, billing.Validationf(op, "malformed webhook payload: %v", err)
	}

	out := &billing.ProviderEvent{
		ID:        event.ID,
		Type:      string(event.Type),
		Kind:      billing.EventKindUnhandled,
		CreatedAt: time.Unix(event.Created, 0).UTC(),
	}
	kind, ok := eventKinds[out.Type]
	if !ok {
		return out, nil
	}
	out.Kind = kind
	if event.Data == nil {
		return nil, billing.Validationf(op, "event %s has no data", event.ID)
	}

	switch kind {
	case billing.EventKindInvoicePaid, billing.EventKindInvoiceFailed:
		var inv wireInvoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, billing.Validationf(op, "decode invoice of event %s: %v", event.ID, err)
		}
		out.SubscriptionID = refID(inv.Subscription)
		out.CustomerID = refID(inv.Customer)
		out.Invoice = inv.toInvoice()
		if len(inv.Lines.Data) > 0 {
			out.PeriodStart = unixTime(inv.Lines.Data[0].Period.Start)
		}
		out.PeriodEnd = out.Invoice.PeriodEnd

	default:
		var sub wireSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, billing.Validationf(op, "decode subscription of event %s: %v", event.ID, err)
		}
		out.SubscriptionID = sub.ID
		out.CustomerID = refID(sub.Customer)
		out.Status = sub.Status
		out.PeriodStart = unixTime(sub.CurrentPeriodStart)
		out.PeriodEnd = unixTime(sub.CurrentPeriodEnd)
		out.TrialEnd = unixTime(sub.TrialEnd)
		out.CanceledAt = unixTime(sub.CanceledAt)
		out.CollectionPaused = sub.PauseCollection != nil
	}
	return out, nil
}

func (w wireInvoice) toInvoice() *billing.Invoice {
	inv := &billing.Invoice{
		ID:             w.ID,
		SubscriptionID: refID(w.Subscription),
		CustomerID:     refID(w.Customer),
		Status:         billing.InvoiceStatus(w.Status),
		Currency:       w.Currency,
		AttemptCount:   w.AttemptCount,
		PaidAt:         unixTime(w.StatusTransitions.PaidAt),
		NextAttempt:    unixTime(w.NextPaymentAttempt),
		HostedURL:      w.HostedInvoiceURL,
	}
	amount := w.AmountDue
	if inv.Status == billing.InvoiceStatusPaid {
		amount = w.AmountPaid
	}
	inv.Amount = fromMinorUnits(amount, w.Currency)

	// The subscription line carries the billed period; take the latest end
	for _, line := range w.Lines.Data {
		if end := unixTime(line.Period.End); end != nil && (inv.PeriodEnd == nil || end.After(*inv.PeriodEnd)) {
			inv.PeriodEnd = end
		}
	}

	var pi wirePaymentIntent
	if len(w.PaymentIntent) > 0 && w.PaymentIntent[0] == '{' && json.Unmarshal(w.PaymentIntent, &pi) == nil && pi.LastPaymentError != nil {
		inv.FailureReason = pi.LastPaymentError.Message
		if inv.FailureReason == "" {
			inv.FailureReason = pi.LastPaymentError.DeclineCode
		}
	}
	if inv.FailureReason == "" && w.LastFinalizationError != nil {
		inv.FailureReason = w.LastFinalizationError.Message
	}
	return inv
}

// refID reads an expandable reference: a bare id string or an object with an id
func refID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if json.Unmarshal(raw, &id) == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.ID
	}
	return ""
}
