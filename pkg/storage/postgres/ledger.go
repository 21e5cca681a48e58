package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/platinummonkey/renewal/pkg/billing"
	"github.com/platinummonkey/renewal/pkg/observability"
)

// Ledger is a billing.EventLedger over the processed_events table
type Ledger struct {
	db      *sql.DB
	metrics *observability.Metrics
}

// NewLedger creates a ledger on the primary pool
func NewLedger(db *sql.DB, metrics *observability.Metrics) *Ledger {
	return &Ledger{db: db, metrics: metrics}
}

// Seen reports whether eventID was marked processed
func (l *Ledger) Seen(ctx context.Context, eventID string) (seen bool, err error) {
	defer observe(l.metrics, "ledger_seen", time.Now(), &err)

	var one int
	err = l.db.QueryRowContext(ctx, `SELECT 1 FROM processed_events WHERE event_id = $1`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, billing.Internal("postgres.Ledger.Seen", err)
	}
	return true, nil
}

// MarkProcessed records eventID; a second mark keeps the first time
func (l *Ledger) MarkProcessed(ctx context.Context, eventID string, at time.Time) (err error) {
	defer observe(l.metrics, "ledger_mark", time.Now(), &err)

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, processed_at) VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`, eventID, at.UTC())
	if err != nil {
		return billing.Internal("postgres.Ledger.MarkProcessed", err)
	}
	return nil
}

// Prune deletes events processed before olderThan
func (l *Ledger) Prune(ctx context.Context, olderThan time.Time) (n int64, err error) {
	defer observe(l.metrics, "ledger_prune", time.Now(), &err)

	res, err := l.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, billing.Internal("postgres.Ledger.Prune", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return 0, billing.Internal("postgres.Ledger.Prune", err)
	}
	return n, nil
}
