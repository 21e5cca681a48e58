package kv

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/renewal/pkg/billing"
	"github.com/platinummonkey/renewal/pkg/observability"
)

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a billing.Lease on redis SET NX
type Lease struct {
	client *redis.Client
	prefix string
	logger *observability.Logger
}

// NewLease creates a lease
func NewLease(client *redis.Client, logger *observability.Logger) *Lease {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Lease{client: client, prefix: "renewal:lease:", logger: logger}
}

// Acquire takes the named lease for ttl. ok is false while another holder has it.
func (l *Lease) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := l.prefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, billing.Internal("kv.Lease.Acquire", err)
	}
	if !ok {
		return nil, false, nil
	}
	return l.releaser(key, token), true, nil
}

func (l *Lease) releaser(key, token string) func() {
	return func() {
		// the caller's context may already be gone
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.logger.WithError(err).WithField("key", key).Warn("failed to release lease")
		}
	}
}

// Locker is a billing.Locker shared by every instance. It polls for the key
// until the context ends.
type Locker struct {
	lease *Lease
	ttl   time.Duration
	retry time.Duration
}

// NewLocker creates a locker whose locks expire after ttl if never released
func NewLocker(client *redis.Client, ttl time.Duration, logger *observability.Logger) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	lease := NewLease(client, logger)
	lease.prefix = "renewal:lock:"
	return &Locker{lease: lease, ttl: ttl, retry: 25 * time.Millisecond}
}

// Lock blocks until key is held or ctx is done
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		release, ok, err := l.lease.Acquire(ctx, key, l.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, billing.Internal("kv.Locker.Lock", ctx.Err())
		case <-ticker.C:
		}
	}
}
