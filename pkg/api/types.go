package api

import (
	"time"

	"github.com/platinummonkey/renewal/pkg/billing"
)

const (
	defaultListLimit     = 50
	maxListLimit         = 500
	defaultUpcomingCount = 5
	maxUpcomingCount     = 24
	maxWebhookBytes      = 256 << 10
)

// BulkRequest applies one action to many subscriptions
type BulkRequest struct {
	Action string  `json:"action" validate:"required,oneof=pause resume cancel delete"`
	IDs    []int64 `json:"ids" validate:"required,min=1,max=1000,dive,gt=0"`
}

// ChangePaymentMethodRequest switches the card a subscription is charged to
type ChangePaymentMethodRequest struct {
	PaymentMethodID string `json:"payment_method_id" validate:"required,max=255"`
}

// CreateSubscriptionRequest creates the subscription for a paid order
type CreateSubscriptionRequest struct {
	CustomerID         string     `json:"customer_id" validate:"required,max=255"`
	ProductID          string     `json:"product_id" validate:"required,max=255"`
	Email              string     `json:"email,omitempty" validate:"omitempty,email"`
	Name               string     `json:"name,omitempty" validate:"max=255"`
	PaymentMethodID    string     `json:"payment_method_id,omitempty" validate:"max=255"`
	ExternalCustomerID string     `json:"external_customer_id,omitempty" validate:"max=255"`
	DeliveryAddress    string     `json:"delivery_address,omitempty" validate:"max=2000"`
	Notes              string     `json:"notes,omitempty" validate:"max=2000"`
	StartDate          *time.Time `json:"start_date,omitempty"`
}

func (req CreateSubscriptionRequest) toBilling(orderID string) billing.CreateRequest {
	out := billing.CreateRequest{
		OrderID:            orderID,
		CustomerID:         req.CustomerID,
		ProductID:          req.ProductID,
		Email:              req.Email,
		Name:               req.Name,
		PaymentMethodID:    req.PaymentMethodID,
		ExternalCustomerID: req.ExternalCustomerID,
		DeliveryAddress:    req.DeliveryAddress,
		Notes:              req.Notes,
	}
	if req.StartDate != nil {
		out.StartDate = req.StartDate.UTC()
	}
	return out
}

// ListResponse wraps a page of subscriptions
type ListResponse struct {
	Subscriptions []*billing.Subscription `json:"subscriptions"`
	Limit         int                     `json:"limit"`
	Offset        int                     `json:"offset"`
}

// HistoryResponse wraps a subscription's audit trail
type HistoryResponse struct {
	SubscriptionID int64                  `json:"subscription_id"`
	History        []billing.HistoryEntry `json:"history"`
}

// UpcomingResponse lists the next renewal dates
type UpcomingResponse struct {
	SubscriptionID int64       `json:"subscription_id"`
	Dates          []time.Time `json:"dates"`
}

// PaymentMethodsResponse lists the customer's stored payment methods
type PaymentMethodsResponse struct {
	SubscriptionID int64                   `json:"subscription_id"`
	PaymentMethods []billing.PaymentMethod `json:"payment_methods"`
}
