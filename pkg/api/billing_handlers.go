package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/renewal/pkg/billing"
	"github.com/platinummonkey/renewal/pkg/contextkeys"
	"github.com/platinummonkey/renewal/pkg/httputil"
	"github.com/platinummonkey/renewal/pkg/observability"
)

// BillingHandlers handles webhook and subscription HTTP requests
type BillingHandlers struct {
	service BillingService
}

// NewBillingHandlers creates a new BillingHandlers
func NewBillingHandlers(service BillingService) *BillingHandlers {
	return &BillingHandlers{service: service}
}

// RegisterRoutes registers billing routes. The webhook route is registered
// first and outside the actor check.
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/billing/webhook", h.HandleWebhook).Methods(http.MethodPost)

	actions := router.NewRoute().Subrouter()
	actions.Use(ActorMiddleware)

	// Subscriptions
	actions.HandleFunc("/subscriptions", h.ListSubscriptions).Methods(http.MethodGet)
	actions.HandleFunc("/subscriptions/bulk", h.Bulk).Methods(http.MethodPost)
	actions.HandleFunc("/subscriptions/{id:[0-9]+}", h.GetSubscription).Methods(http.MethodGet)
	actions.HandleFunc("/subscriptions/{id:[0-9]+}", h.DeleteSubscription).Methods(http.MethodDelete)
	actions.HandleFunc("/subscriptions/{id:[0-9]+}/history", h.History).Methods(http.MethodGet)
	actions.HandleFunc("/subscriptions/{id:[0-9]+}/upcoming", h.UpcomingPayments).Methods(http.MethodGet)
	actions.HandleFunc("/subscriptions/{id:[0-9]+}/pause", h.Pause).Methods(http.MethodPost)
	actions.HandleFunc("/subscriptions/{id:[0-9]+}/resume", h.Resume).Methods(http.MethodPost)
	actions.HandleFunc("/subscriptions/{id:[0-9]+}/cancel", h.Cancel).Methods(http.MethodPost)
	actions.HandleFunc("/subscriptions/{id:[0-9]+}/charge", h.Charge).Methods(http.MethodPost)

	// Payment methods
	actions.HandleFunc("/subscriptions/{id:[0-9]+}/payment-methods", h.ListPaymentMethods).Methods(http.MethodGet)
	actions.HandleFunc("/subscriptions/{id:[0-9]+}/payment-method", h.ChangePaymentMethod).Methods(http.MethodPut)
	actions.HandleFunc("/subscriptions/{id:[0-9]+}/setup-intent", h.CreateSetupIntent).Methods(http.MethodPost)

	// Orders
	actions.HandleFunc("/orders/{order_id}/subscription", h.CreateFromOrder).Methods(http.MethodPost)
}

// HandleWebhook reconciles one provider event. Only a bad signature or a
// malformed payload is answered with 400; every other failure is a 500 so
// the provider redelivers.
func (h *BillingHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := contextkeys.WithWebhookSource(r.Context(), r.RemoteAddr)
	logger := observability.FromContext(ctx).WithField("source", contextkeys.WebhookSource(ctx))

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, "webhook payload too large")
			return
		}
		httputil.WriteBadRequest(w, "failed to read webhook payload")
		return
	}

	outcome, err := h.service.HandleWebhook(ctx, payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		switch billing.KindOf(err) {
		case billing.KindSignature, billing.KindValidation:
			logger.WithError(err).Warn("rejected webhook")
			httputil.WriteBillingError(w, err)
		default:
			logger.WithError(err).Error("webhook processing failed")
			httputil.WriteErrorMessage(w, http.StatusInternalServerError, "webhook processing failed")
		}
		return
	}

	logger.WithFields(map[string]interface{}{
		"event_id":   outcome.EventID,
		"event_type": outcome.EventType,
		"outcome":    outcome.Status,
	}).Debug("webhook handled")
	httputil.WriteSuccess(w, outcome)
}

// ListSubscriptions lists subscriptions filtered by status, customer and product
func (h *BillingHandlers) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	limit, err := httputil.ParseQueryInt(r, "limit", defaultListLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		httputil.WriteBadRequest(w, "offset must be a non-negative integer")
		return
	}

	filter := billing.ListFilter{
		Status:     billing.Status(httputil.ParseQueryString(r, "status", "")),
		CustomerID: httputil.ParseQueryString(r, "customer_id", ""),
		ProductID:  httputil.ParseQueryString(r, "product_id", ""),
		Limit:      limit,
		Offset:     offset,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		httputil.WriteBadRequest(w, "unknown status: "+string(filter.Status))
		return
	}

	subs, err := h.service.List(r.Context(), filter, actor)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	if subs == nil {
		subs = []*billing.Subscription{}
	}
	httputil.WriteSuccess(w, ListResponse{Subscriptions: subs, Limit: limit, Offset: offset})
}

// GetSubscription returns one subscription
func (h *BillingHandlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := subscriptionRequest(w, r)
	if !ok {
		return
	}
	sub, err := h.service.Get(r.Context(), id, actor)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// History returns a subscription's audit trail, oldest first
func (h *BillingHandlers) History(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := subscriptionRequest(w, r)
	if !ok {
		return
	}
	entries, err := h.service.History(r.Context(), id, actor)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	if entries == nil {
		entries = []billing.HistoryEntry{}
	}
	httputil.WriteSuccess(w, HistoryResponse{SubscriptionID: id, History: entries})
}

// UpcomingPayments returns the next ?count renewal dates
func (h *BillingHandlers) UpcomingPayments(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := subscriptionRequest(w, r)
	if !ok {
		return
	}
	count, err := httputil.ParseQueryInt(r, "count", defaultUpcomingCount)
	if err != nil || count < 1 || count > maxUpcomingCount {
		httputil.WriteBadRequest(w, "count must be between 1 and 24")
		return
	}
	dates, err := h.service.UpcomingPayments(r.Context(), id, count, actor)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, UpcomingResponse{SubscriptionID: id, Dates: dates})
}

// Pause suspends renewals
func (h *BillingHandlers) Pause(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Pause)
}

// Resume reactivates a paused subscription
func (h *BillingHandlers) Resume(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Resume)
}

// Cancel ends a subscription. Cancelling twice is a 409.
func (h *BillingHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Cancel)
}

type lifecycleFunc func(ctx context.Context, id int64, actor *billing.Actor) (*billing.Subscription, error)

func (h *BillingHandlers) lifecycle(w http.ResponseWriter, r *http.Request, action lifecycleFunc) {
	id, actor, ok := subscriptionRequest(w, r)
	if !ok {
		return
	}
	sub, err := action(r.Context(), id, actor)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// DeleteSubscription removes a subscription and its history
func (h *BillingHandlers) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := subscriptionRequest(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id, actor); err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Charge bills the subscription now, outside the renewal schedule
func (h *BillingHandlers) Charge(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := subscriptionRequest(w, r)
	if !ok {
		return
	}
	invoice, err := h.service.Charge(r.Context(), id, actor)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, invoice)
}

// Bulk applies one action to many subscriptions. Per-item failures are in
// the body; the response is 200 unless the request itself is invalid.
func (h *BillingHandlers) Bulk(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req BulkRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	result, err := h.service.Bulk(r.Context(), billing.BulkAction(req.Action), req.IDs, actor)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// ListPaymentMethods lists the payment methods of the subscription's customer
func (h *BillingHandlers) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := subscriptionRequest(w, r)
	if !ok {
		return
	}
	methods, err := h.service.ListPaymentMethods(r.Context(), id, actor)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	if methods == nil {
		methods = []billing.PaymentMethod{}
	}
	httputil.WriteSuccess(w, PaymentMethodsResponse{SubscriptionID: id, PaymentMethods: methods})
}

// ChangePaymentMethod switches the payment method future renewals use
func (h *BillingHandlers) ChangePaymentMethod(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := subscriptionRequest(w, r)
	if !ok {
		return
	}
	var req ChangePaymentMethodRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	sub, err := h.service.ChangePaymentMethod(r.Context(), id, req.PaymentMethodID, actor)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// CreateSetupIntent starts client-side collection of a new payment method
func (h *BillingHandlers) CreateSetupIntent(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := subscriptionRequest(w, r)
	if !ok {
		return
	}
	intent, err := h.service.CreateSetupIntent(r.Context(), id, actor)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	httputil.WriteCreated(w, intent)
}

// CreateFromOrder creates the subscription for a paid subscription order.
// Repeating the call for a processed order returns the same subscription.
func (h *BillingHandlers) CreateFromOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	orderID := mux.Vars(r)["order_id"]
	var req CreateSubscriptionRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	sub, err := h.service.CreateFromOrder(r.Context(), req.toBilling(orderID), actor)
	if err != nil {
		httputil.WriteBillingError(w, err)
		return
	}
	httputil.WriteCreated(w, sub)
}

func requireActor(w http.ResponseWriter, r *http.Request) (*billing.Actor, bool) {
	actor := actorFrom(r)
	if actor == nil {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "missing actor")
		return nil, false
	}
	return actor, true
}

func subscriptionRequest(w http.ResponseWriter, r *http.Request) (int64, *billing.Actor, bool) {
	actor, ok := requireActor(w, r)
	if !ok {
		return 0, nil, false
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return 0, nil, false
	}
	return id, actor, true
}
