package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/renewal/pkg/billing"
)

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadCatalogFile(t *testing.T) {
	ctx := context.Background()
	path := writeCatalog(t, `
products:
  - id: coffee-club
    name: Coffee Club
    period: months
    interval: 1
    trial_days: 14
    pass_fee: true
    price: "29.99"
    currency: USD
  - id: annual-box
    period: year
    interval: 1
    price: "199"
orders:
  - id: "1001"
    subscription: true
  - id: "1002"
    subscription: true
    processed: true
  - id: "1003"
`)

	c, err := LoadCatalogFile(path)
	require.NoError(t, err)

	p, err := c.ProductConfig(ctx, "coffee-club")
	require.NoError(t, err)
	assert.Equal(t, billing.PeriodMonth, p.Period)
	assert.Equal(t, 14, p.TrialDays)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("29.99")))
	assert.Equal(t, "USD", p.Currency)
	require.NotNil(t, p.PassFee)
	assert.True(t, *p.PassFee)

	annual, err := c.ProductConfig(ctx, "annual-box")
	require.NoError(t, err)
	assert.Equal(t, "usd", annual.Currency)
	assert.Nil(t, annual.PassFee)

	ok, err := c.IsSubscriptionOrder(ctx, "1001")
	require.NoError(t, err)
	assert.True(t, ok)

	done, err := c.IsProcessed(ctx, "1002")
	require.NoError(t, err)
	assert.True(t, done)

	ok, err = c.IsSubscriptionOrder(ctx, "1003")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.ProductConfig(ctx, "missing")
	assert.True(t, billing.IsKind(err, billing.KindNotFound))
}

func TestLoadCatalogFile_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown key", body: "products:\n  - id: a\n    colour: red\n", want: "field colour not found"},
		{name: "bad period", body: "products:\n  - id: a\n    period: fortnight\n    interval: 1\n    price: \"1\"\n", want: "invalid billing period"},
		{name: "zero interval", body: "products:\n  - id: a\n    period: day\n    price: \"1\"\n", want: "interval must be at least 1"},
		{name: "bad price", body: "products:\n  - id: a\n    period: day\n    interval: 1\n    price: free\n", want: `invalid price "free"`},
		{name: "negative price", body: "products:\n  - id: a\n    period: day\n    interval: 1\n    price: \"-1\"\n", want: "price cannot be negative"},
		{name: "order without id", body: "orders:\n  - subscription: true\n", want: "orders[0]: id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCatalogFile(writeCatalog(t, tt.body))
			assert.ErrorContains(t, err, tt.want)
		})
	}

	_, err := LoadCatalogFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to open catalog file")
}

func TestLoadCatalogFile_Empty(t *testing.T) {
	c, err := LoadCatalogFile(writeCatalog(t, ""))
	require.NoError(t, err)
	_, err = c.ProductConfig(context.Background(), "any")
	assert.Error(t, err)
}

func TestCatalog_MarkProcessed(t *testing.T) {
	ctx := context.Background()
	c := NewCatalog()
	c.PutOrder(Order{ID: "7", Subscription: true})

	require.NoError(t, c.MarkProcessed(ctx, "7"))
	done, err := c.IsProcessed(ctx, "7")
	require.NoError(t, err)
	assert.True(t, done)

	err = c.MarkProcessed(ctx, "8")
	assert.True(t, billing.IsKind(err, billing.KindNotFound))
}
