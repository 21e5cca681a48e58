package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/platinummonkey/renewal/pkg/billing"
)

// Catalog reads products and orders of the host shop
type Catalog struct {
	db  DB
	now func() time.Time
}

// NewCatalog creates a catalog
func NewCatalog(db DB) *Catalog {
	return &Catalog{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// ProductConfig returns the subscription setup of a product
func (c *Catalog) ProductConfig(ctx context.Context, productID string) (*billing.ProductConfig, error) {
	const op = "postgres.ProductConfig"
	var (
		p       billing.ProductConfig
		period  string
		passFee sql.NullBool
	)
	err := c.db.Replica().QueryRowContext(ctx, `
		SELECT id, name, billing_period, billing_interval, trial_days, pass_fee, price, currency
		FROM products WHERE id = $1`, productID,
	).Scan(&p.ProductID, &p.Name, &period, &p.Interval, &p.TrialDays, &passFee, &p.Price, &p.Currency)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.NotFoundf(op, "product %s not found", productID)
	}
	if err != nil {
		return nil, billing.Internal(op, err)
	}
	p.Period = billing.Period(period)
	if passFee.Valid {
		v := passFee.Bool
		p.PassFee = &v
	}
	return &p, nil
}

// IsSubscriptionOrder reports whether the order bought a subscription product
func (c *Catalog) IsSubscriptionOrder(ctx context.Context, orderID string) (bool, error) {
	var isSub bool
	if err := c.orderColumn(ctx, "postgres.IsSubscriptionOrder", orderID,
		`SELECT is_subscription FROM orders WHERE id = $1`, &isSub); err != nil {
		return false, err
	}
	return isSub, nil
}

// IsProcessed reports whether the order already produced a subscription
func (c *Catalog) IsProcessed(ctx context.Context, orderID string) (bool, error) {
	var processed bool
	if err := c.orderColumn(ctx, "postgres.IsProcessed", orderID,
		`SELECT processed_at IS NOT NULL FROM orders WHERE id = $1`, &processed); err != nil {
		return false, err
	}
	return processed, nil
}

// orderColumn reads from the primary: the order flags guard subscription creation
func (c *Catalog) orderColumn(ctx context.Context, op, orderID, query string, dest interface{}) error {
	err := c.db.Primary().QueryRowContext(ctx, query, orderID).Scan(dest)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.NotFoundf(op, "order %s not found", orderID)
	}
	if err != nil {
		return billing.Internal(op, err)
	}
	return nil
}

// MarkProcessed flags the order as done. Marking twice keeps the first time.
func (c *Catalog) MarkProcessed(ctx context.Context, orderID string) error {
	const op = "postgres.MarkProcessed"
	res, err := c.db.Primary().ExecContext(ctx,
		`UPDATE orders SET processed_at = COALESCE(processed_at, $1) WHERE id = $2`, c.now(), orderID)
	if err != nil {
		return billing.Internal(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return billing.Internal(op, err)
	}
	if n == 0 {
		return billing.NotFoundf(op, "order %s not found", orderID)
	}
	return nil
}
