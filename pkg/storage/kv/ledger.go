package kv

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/renewal/pkg/billing"
	"github.com/platinummonkey/renewal/pkg/observability"
)

// DefaultEventTTL is how long a processed event id is remembered
const DefaultEventTTL = 7 * 24 * time.Hour

// Ledger is a billing.EventLedger in redis. Entries expire on their own, so
// Prune has nothing to do.
type Ledger struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	metrics *observability.Metrics
}

// NewLedger creates a ledger; ttl <= 0 uses DefaultEventTTL
func NewLedger(client *redis.Client, ttl time.Duration, metrics *observability.Metrics) *Ledger {
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	return &Ledger{client: client, prefix: "renewal:event:", ttl: ttl, metrics: metrics}
}

// Seen reports whether eventID was marked processed
func (l *Ledger) Seen(ctx context.Context, eventID string) (bool, error) {
	start := time.Now()
	n, err := l.client.Exists(ctx, l.prefix+eventID).Result()
	l.metrics.RecordStorageOperation("redis_ledger_seen", start, err)
	if err != nil {
		return false, billing.Internal("kv.Ledger.Seen", err)
	}
	return n > 0, nil
}

// MarkProcessed records eventID. A second mark keeps the first time.
func (l *Ledger) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	start := time.Now()
	_, err := l.client.SetNX(ctx, l.prefix+eventID, at.UTC().Format(time.RFC3339), l.ttl).Result()
	l.metrics.RecordStorageOperation("redis_ledger_mark", start, err)
	if err != nil {
		return billing.Internal("kv.Ledger.MarkProcessed", err)
	}
	return nil
}

// Prune is a no-op; keys expire after the ledger ttl
func (l *Ledger) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}
