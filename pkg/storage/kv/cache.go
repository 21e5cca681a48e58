package kv

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/renewal/pkg/billing"
	"github.com/platinummonkey/renewal/pkg/observability"
)

// CachedLedger answers repeated Seen checks from an in-process LRU. Only
// positive answers are cached: an event once processed stays processed until
// pruned.
type CachedLedger struct {
	next    billing.EventLedger
	cache   *lru.LRU[string, struct{}]
	metrics *observability.Metrics
}

// NewCachedLedger fronts next with an LRU of size entries kept for ttl
func NewCachedLedger(next billing.EventLedger, size int, ttl time.Duration, metrics *observability.Metrics) *CachedLedger {
	if size < 10 {
		size = 10
	}
	return &CachedLedger{
		next:    next,
		cache:   lru.NewLRU[string, struct{}](size, nil, ttl),
		metrics: metrics,
	}
}

// Seen checks the cache, then the wrapped ledger
func (c *CachedLedger) Seen(ctx context.Context, eventID string) (bool, error) {
	if _, ok := c.cache.Get(eventID); ok {
		c.metrics.RecordCacheLookup("event_ledger", true)
		return true, nil
	}
	c.metrics.RecordCacheLookup("event_ledger", false)

	seen, err := c.next.Seen(ctx, eventID)
	if err != nil {
		return false, err
	}
	if seen {
		c.cache.Add(eventID, struct{}{})
	}
	return seen, nil
}

// MarkProcessed writes through to the wrapped ledger
func (c *CachedLedger) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	if err := c.next.MarkProcessed(ctx, eventID, at); err != nil {
		return err
	}
	c.cache.Add(eventID, struct{}{})
	return nil
}

// Prune prunes the wrapped ledger and drops the cache
func (c *CachedLedger) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := c.next.Prune(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	c.cache.Purge()
	return n, nil
}
