package memory

import (
	"context"
	"sync"
	"time"
)

// Ledger is an in-memory billing.EventLedger
type Ledger struct {
	mu     sync.Mutex
	events map[string]time.Time
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{events: make(map[string]time.Time)}
}

// Seen reports whether eventID was marked processed
func (l *Ledger) Seen(ctx context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.events[eventID]
	return ok, nil
}

// MarkProcessed records eventID. Marking twice keeps the first time.
func (l *Ledger) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.events[eventID]; !ok {
		l.events[eventID] = at
	}
	return nil
}

// Prune forgets events processed before olderThan
func (l *Ledger) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for id, at := range l.events {
		if at.Before(olderThan) {
			delete(l.events, id)
			n++
		}
	}
	return n, nil
}
