package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/renewal/pkg/billing"
	"github.com/platinummonkey/renewal/pkg/observability"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, *observability.Metrics) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewStore(Single{DB: db}, metrics), mock, metrics
}

func TestStore_SaveRollsBackOnHistoryFailure(t *testing.T) {
	store, mock, metrics := newMockStore(t)

	sub := newSubscription("order-1", billing.StatusActive, ptr(utc(2024, time.April, 15)))
	sub.ID = 7
	sub.Version = 3

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE subscriptions SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO subscription_history").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.Save(context.Background(), sub, billing.HistoryEntry{Action: "payment_processed"})
	require.Error(t, err)
	assert.True(t, billing.IsKind(err, billing.KindInternal))
	assert.Equal(t, int64(3), sub.Version, "version only moves on commit")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues("save", "error")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveCommitFailure(t *testing.T) {
	store, mock, _ := newMockStore(t)

	sub := newSubscription("order-1", billing.StatusActive, ptr(utc(2024, time.April, 15)))
	sub.ID = 7
	sub.Version = 1

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE subscriptions SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	err := store.Save(context.Background(), sub)
	assert.True(t, billing.IsKind(err, billing.KindInternal))
	assert.Equal(t, int64(1), sub.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveConflict(t *testing.T) {
	store, mock, _ := newMockStore(t)

	sub := newSubscription("order-1", billing.StatusActive, ptr(utc(2024, time.April, 15)))
	sub.ID = 7
	sub.Version = 2

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE subscriptions SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM subscriptions WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectRollback()

	err := store.Save(context.Background(), sub)
	assert.True(t, errors.Is(err, billing.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_QueryFailures(t *testing.T) {
	store, mock, metrics := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT .* FROM subscriptions WHERE id").WillReturnError(errors.New("timeout"))
	_, err := store.Get(ctx, 1)
	assert.True(t, billing.IsKind(err, billing.KindInternal))

	mock.ExpectQuery("SELECT .* FROM subscriptions").WillReturnError(errors.New("timeout"))
	_, err = store.ListDue(ctx, utc(2024, time.April, 1), 10)
	assert.True(t, billing.IsKind(err, billing.KindInternal))

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))
	err = store.Delete(ctx, 1)
	assert.True(t, billing.IsKind(err, billing.KindInternal))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues("get", "error")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_Failures(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ledger := NewLedger(db, nil)
	ctx := context.Background()

	mock.ExpectQuery("SELECT 1 FROM processed_events").WithArgs("evt_1").WillReturnError(errors.New("timeout"))
	seen, err := ledger.Seen(ctx, "evt_1")
	assert.False(t, seen)
	assert.True(t, billing.IsKind(err, billing.KindInternal))

	mock.ExpectExec("INSERT INTO processed_events").WillReturnError(errors.New("read only"))
	assert.True(t, billing.IsKind(ledger.MarkProcessed(ctx, "evt_1", time.Now()), billing.KindInternal))

	mock.ExpectExec("DELETE FROM processed_events").WillReturnResult(sqlmock.NewErrorResult(errors.New("no count")))
	n, err := ledger.Prune(ctx, time.Now())
	assert.Zero(t, n)
	assert.True(t, billing.IsKind(err, billing.KindInternal))

	assert.NoError(t, mock.ExpectationsWereMet())
}
