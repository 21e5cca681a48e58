package billing

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

// Locker serializes read-modify-write cycles on one key across goroutines
// (and, for distributed implementations, across processes).
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Lease is a best-effort distributed mutex for singleton jobs such as the
// due-payment sweep. ok is false when another holder owns the lease.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// KeyedMutex is an in-process Locker with one mutex per key. Idle keys are
// dropped so the map does not grow with the subscription count.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free or ctx is done
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(key, l)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func subscriptionLockKey(id int64) string {
	return "subscription:" + strconv.FormatInt(id, 10)
}

func orderLockKey(orderID string) string {
	return "order:" + orderID
}

// maxSaveAttempts bounds re-reads after an optimistic version conflict
const maxSaveAttempts = 3

// mutateFunc changes sub in memory and returns the history entries to append.
// Returning no entries means nothing changed and nothing is written.
type mutateFunc func(sub *Subscription) ([]HistoryEntry, error)

// saveWithRetry applies mutate and saves. On ErrConflict the subscription is
// reloaded and mutate applied again to the fresh copy. It returns the saved
// subscription, the status it had before the final mutation, and the entries
// written.
func saveWithRetry(ctx context.Context, store Store, sub *Subscription, mutate mutateFunc) (*Subscription, Status, []HistoryEntry, error) {
	var lastErr error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		if attempt > 0 {
			fresh, err := store.Get(ctx, sub.ID)
			if err != nil {
				return nil, "", nil, err
			}
			sub = fresh
		}

		from := sub.Status
		working := sub.Clone()
		entries, err := mutate(working)
		if err != nil {
			return nil, from, nil, err
		}
		if len(entries) == 0 {
			return sub, from, nil, nil
		}

		err = store.Save(ctx, working, entries...)
		if err == nil {
			return working, from, entries, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, from, nil, err
		}
		lastErr = err
	}
	return nil, "", nil, lastErr
}

// withLock runs fn while holding key
func withLock(ctx context.Context, locker Locker, key string, fn func() error) error {
	unlock, err := locker.Lock(ctx, key)
	if err != nil {
		return Internal("lock "+key, err)
	}
	defer unlock()
	return fn()
}
