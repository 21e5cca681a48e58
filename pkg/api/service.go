package api

import (
	"context"
	"time"

	"github.com/platinummonkey/renewal/pkg/billing"
)

// BillingService is the part of *billing.Service the HTTP layer calls
type BillingService interface {
	Get(ctx context.Context, id int64, actor *billing.Actor) (*billing.Subscription, error)
	List(ctx context.Context, filter billing.ListFilter, actor *billing.Actor) ([]*billing.Subscription, error)
	History(ctx context.Context, id int64, actor *billing.Actor) ([]billing.HistoryEntry, error)
	UpcomingPayments(ctx context.Context, id int64, n int, actor *billing.Actor) ([]time.Time, error)

	Pause(ctx context.Context, id int64, actor *billing.Actor) (*billing.Subscription, error)
	Resume(ctx context.Context, id int64, actor *billing.Actor) (*billing.Subscription, error)
	Cancel(ctx context.Context, id int64, actor *billing.Actor) (*billing.Subscription, error)
	Delete(ctx context.Context, id int64, actor *billing.Actor) error
	Charge(ctx context.Context, id int64, actor *billing.Actor) (*billing.Invoice, error)
	Bulk(ctx context.Context, action billing.BulkAction, ids []int64, actor *billing.Actor) (*billing.BulkResult, error)

	ChangePaymentMethod(ctx context.Context, id int64, paymentMethodID string, actor *billing.Actor) (*billing.Subscription, error)
	ListPaymentMethods(ctx context.Context, id int64, actor *billing.Actor) ([]billing.PaymentMethod, error)
	CreateSetupIntent(ctx context.Context, id int64, actor *billing.Actor) (*billing.SetupIntent, error)

	CreateFromOrder(ctx context.Context, req billing.CreateRequest, actor *billing.Actor) (*billing.Subscription, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (billing.Outcome, error)
}

var _ BillingService = (*billing.Service)(nil)
