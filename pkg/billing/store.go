package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists subscriptions together with their metadata and history.
//
// Save is optimistic: it succeeds only when sub.Version matches the stored
// version, writes the row, metadata and the given history entries in one
// transaction, and increments sub.Version. A stale write returns ErrConflict.
// An entry whose EventID is already in the history returns ErrEventApplied
// and writes nothing.
// Lookups of missing rows return a KindNotFound error.
type Store interface {
	Create(ctx context.Context, sub *Subscription, entries ...HistoryEntry) (int64, error)
	Get(ctx context.Context, id int64) (*Subscription, error)
	FindByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	FindByOrderID(ctx context.Context, orderID string) (*Subscription, error)
	List(ctx context.Context, filter ListFilter) ([]*Subscription, error)
	// ListDue returns active, trialing and past_due subscriptions whose next
	// payment date is at or before before, oldest first. Provider-billed
	// subscriptions are included; the processor collects their invoices.
	ListDue(ctx context.Context, before time.Time, limit int) ([]*Subscription, error)
	Save(ctx context.Context, sub *Subscription, entries ...HistoryEntry) error
	History(ctx context.Context, id int64) ([]HistoryEntry, error)
	// Delete removes the subscription, its metadata and its history.
	Delete(ctx context.Context, id int64) error
}

// EventLedger records provider event ids that were fully applied
type EventLedger interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string, at time.Time) error
	// Prune forgets events processed before olderThan and returns how many
	// were removed. TTL-based ledgers may return 0.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// ProductConfig is the subscription setup of a catalog product
type ProductConfig struct {
	ProductID string
	Name      string
	Period    Period
	Interval  int
	TrialDays int
	// PassFee overrides the global fee pass-through flag when set
	PassFee  *bool
	Price    decimal.Decimal
	Currency string
}

// Catalog is the host commerce system: products and orders
type Catalog interface {
	ProductConfig(ctx context.Context, productID string) (*ProductConfig, error)
	IsSubscriptionOrder(ctx context.Context, orderID string) (bool, error)
	IsProcessed(ctx context.Context, orderID string) (bool, error)
	MarkProcessed(ctx context.Context, orderID string) error
}
