package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/renewal/pkg/billing"
)

func TestCatalog(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.Exec(`
		INSERT INTO products (id, name, billing_period, billing_interval, trial_days, pass_fee, price, currency)
		VALUES ('coffee', 'Coffee Club', 'month', 1, 14, NULL, '20.00', 'usd'),
		       ('tea', 'Tea Box', 'week', 2, 0, 0, '9.50', 'eur');
		INSERT INTO orders (id, customer_id, product_id, is_subscription)
		VALUES ('order-1', 'cust-1', 'coffee', 1),
		       ('order-2', 'cust-1', NULL, 0);
	`)
	require.NoError(t, err)

	catalog := NewCatalog(Single{DB: db})
	ctx := context.Background()

	coffee, err := catalog.ProductConfig(ctx, "coffee")
	require.NoError(t, err)
	assert.Equal(t, "Coffee Club", coffee.Name)
	assert.Equal(t, billing.PeriodMonth, coffee.Period)
	assert.Equal(t, 1, coffee.Interval)
	assert.Equal(t, 14, coffee.TrialDays)
	assert.Nil(t, coffee.PassFee, "NULL defers to the global setting")
	assert.Equal(t, "20.00", coffee.Price.StringFixed(2))

	tea, err := catalog.ProductConfig(ctx, "tea")
	require.NoError(t, err)
	require.NotNil(t, tea.PassFee)
	assert.False(t, *tea.PassFee)
	assert.Equal(t, 2, tea.Interval)

	_, err = catalog.ProductConfig(ctx, "cake")
	assert.True(t, billing.IsKind(err, billing.KindNotFound))

	isSub, err := catalog.IsSubscriptionOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, isSub)
	isSub, err = catalog.IsSubscriptionOrder(ctx, "order-2")
	require.NoError(t, err)
	assert.False(t, isSub)

	processed, err := catalog.IsProcessed(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, catalog.MarkProcessed(ctx, "order-1"))
	require.NoError(t, catalog.MarkProcessed(ctx, "order-1"))
	processed, err = catalog.IsProcessed(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, processed)

	_, err = catalog.IsProcessed(ctx, "order-404")
	assert.True(t, billing.IsKind(err, billing.KindNotFound))
	assert.True(t, billing.IsKind(catalog.MarkProcessed(ctx, "order-404"), billing.KindNotFound))
}
