//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/renewal/pkg/billing"
	"github.com/platinummonkey/renewal/pkg/observability"
)

// setupPostgres starts a PostgreSQL container and applies the migrations
func setupPostgres(t *testing.T) *ConnectionManager {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("renewal_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cm, err := NewConnectionManager(ConnectionConfig{PrimaryURL: connStr, MaxConns: 5}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cm.Close() })

	require.NoError(t, RunMigrations(ctx, cm.Primary(), nil))
	require.NoError(t, RunMigrations(ctx, cm.Primary(), nil), "migrations are idempotent")
	return cm
}

func TestIntegration_Store(t *testing.T) {
	cm := setupPostgres(t)
	ctx := context.Background()
	store := NewStore(cm, observability.NewMetrics(prometheus.NewRegistry()))

	sub := newSubscription("order-1", billing.StatusActive, ptr(utc(2024, time.April, 15)))
	sub.Meta.Set(billing.MetaProviderPriceID, "price_1")
	id, err := store.Create(ctx, sub, billing.HistoryEntry{Action: billing.ActionCreated, StatusTo: billing.StatusActive})
	require.NoError(t, err)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.TotalAmount.Equal(sub.TotalAmount))
	assert.Equal(t, int64(1), got.Version)
	price, ok := got.Meta.Get(billing.MetaProviderPriceID)
	assert.True(t, ok)
	assert.Equal(t, "price_1", price)

	byOrder, err := store.FindByOrderID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, id, byOrder.ID)

	stale, err := store.Get(ctx, id)
	require.NoError(t, err)
	got.Status = billing.StatusPaused
	got.NextPaymentDate = nil
	require.NoError(t, store.Save(ctx, got, billing.HistoryEntry{
		Action:     billing.ActionPaused,
		StatusFrom: billing.StatusActive,
		StatusTo:   billing.StatusPaused,
	}))
	stale.Notes = "lost update"
	assert.ErrorIs(t, store.Save(ctx, stale), billing.ErrConflict)

	eventID := "evt_1"
	synced := billing.HistoryEntry{
		Action:     billing.ActionProviderStatusUpdated,
		StatusFrom: billing.StatusPaused,
		StatusTo:   billing.StatusPaused,
		EventID:    &eventID,
	}
	require.NoError(t, store.Save(ctx, got, synced))
	got.Notes = "replayed"
	assert.ErrorIs(t, store.Save(ctx, got, synced), billing.ErrEventApplied)

	due, err := store.ListDue(ctx, utc(2024, time.May, 1), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "paused subscriptions are not due")

	history, err := store.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, billing.ActionPaused, history[1].Action)
	assert.Equal(t, "evt_1", *history[2].EventID)

	require.NoError(t, store.Delete(ctx, id))
	_, err = store.Get(ctx, id)
	assert.True(t, billing.IsKind(err, billing.KindNotFound))
	history, err = store.History(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestIntegration_LedgerAndCatalog(t *testing.T) {
	cm := setupPostgres(t)
	ctx := context.Background()

	ledger := NewLedger(cm.Primary(), nil)
	require.NoError(t, ledger.MarkProcessed(ctx, "evt_old", utc(2024, time.January, 1)))
	require.NoError(t, ledger.MarkProcessed(ctx, "evt_new", utc(2024, time.June, 1)))
	require.NoError(t, ledger.MarkProcessed(ctx, "evt_new", utc(2024, time.June, 2)), "marking twice is harmless")

	seen, err := ledger.Seen(ctx, "evt_old")
	require.NoError(t, err)
	assert.True(t, seen)

	n, err := ledger.Prune(ctx, utc(2024, time.March, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	seen, err = ledger.Seen(ctx, "evt_old")
	require.NoError(t, err)
	assert.False(t, seen)

	_, err = cm.Primary().ExecContext(ctx, `
		INSERT INTO products (id, name, billing_period, billing_interval, trial_days, pass_fee, price, currency)
		VALUES ('coffee', 'Coffee Club', 'month', 1, 14, NULL, 20.00, 'usd');
		INSERT INTO orders (id, customer_id, product_id, is_subscription)
		VALUES ('order-1', 'cust-1', 'coffee', TRUE);
	`)
	require.NoError(t, err)

	catalog := NewCatalog(cm)
	product, err := catalog.ProductConfig(ctx, "coffee")
	require.NoError(t, err)
	assert.Equal(t, "20.00", product.Price.StringFixed(2))

	processed, err := catalog.IsProcessed(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, processed)
	require.NoError(t, catalog.MarkProcessed(ctx, "order-1"))
	processed, err = catalog.IsProcessed(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, processed)
}
