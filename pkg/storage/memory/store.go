// Package memory provides in-process implementations of the billing store,
// event ledger and catalog. They back tests and single-node development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/renewal/pkg/billing"
)

// Store is a concurrency-safe in-memory billing.Store
type Store struct {
	mu      sync.RWMutex
	nextID  int64
	subs    map[int64]*billing.Subscription
	history map[int64][]billing.HistoryEntry
	nextHID int64
	now     func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		subs:    make(map[int64]*billing.Subscription),
		history: make(map[int64][]billing.HistoryEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts sub, assigning its ID and initial version
func (s *Store) Create(ctx context.Context, sub *billing.Subscription, entries ...billing.HistoryEntry) (int64, error) {
	if err := sub.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.subs {
		if sub.OrderID != "" && existing.OrderID == sub.OrderID {
			return 0, billing.Validationf("memory.Create", "order %s already has subscription %d", sub.OrderID, existing.ID)
		}
	}

	s.nextID++
	now := s.now()
	sub.ID = s.nextID
	sub.Version = 1
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.ModifiedAt = now

	s.subs[sub.ID] = sub.Clone()
	s.appendHistory(sub.ID, entries)
	return sub.ID, nil
}

// Get returns a copy of the subscription
func (s *Store) Get(ctx context.Context, id int64) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, billing.NotFoundf("memory.Get", "subscription %d not found", id)
	}
	return sub.Clone(), nil
}

// FindByExternalID looks a subscription up by provider id
func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*billing.Subscription, error) {
	return s.findOne("memory.FindByExternalID", func(sub *billing.Subscription) bool {
		return externalID != "" && sub.ExternalID == externalID
	}, "external id "+externalID)
}

// FindByOrderID looks a subscription up by originating order
func (s *Store) FindByOrderID(ctx context.Context, orderID string) (*billing.Subscription, error) {
	return s.findOne("memory.FindByOrderID", func(sub *billing.Subscription) bool {
		return orderID != "" && sub.OrderID == orderID
	}, "order "+orderID)
}

func (s *Store) findOne(op string, match func(*billing.Subscription) bool, what string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		if match(sub) {
			return sub.Clone(), nil
		}
	}
	return nil, billing.NotFoundf(op, "no subscription for %s", what)
}

// List returns matching subscriptions ordered by id
func (s *Store) List(ctx context.Context, filter billing.ListFilter) ([]*billing.Subscription, error) {
	s.mu.RLock()
	var out []*billing.Subscription
	for _, sub := range s.subs {
		if filter.Status != "" && sub.Status != filter.Status {
			continue
		}
		if filter.CustomerID != "" && sub.CustomerID != filter.CustomerID {
			continue
		}
		if filter.ProductID != "" && sub.ProductID != filter.ProductID {
			continue
		}
		out = append(out, sub.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, filter.Offset, filter.Limit), nil
}

// ListDue returns chargeable subscriptions due at or before before
func (s *Store) ListDue(ctx context.Context, before time.Time, limit int) ([]*billing.Subscription, error) {
	s.mu.RLock()
	var out []*billing.Subscription
	for _, sub := range s.subs {
		switch sub.Status {
		case billing.StatusActive, billing.StatusTrialing, billing.StatusPastDue:
		default:
			continue
		}
		if sub.NextPaymentDate == nil || sub.NextPaymentDate.After(before) {
			continue
		}
		out = append(out, sub.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].NextPaymentDate.Equal(*out[j].NextPaymentDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextPaymentDate.Before(*out[j].NextPaymentDate)
	})
	return page(out, 0, limit), nil
}

// Save replaces the stored subscription when versions match. An entry
// carrying an event id already in the history fails with
// billing.ErrEventApplied and nothing is written.
func (s *Store) Save(ctx context.Context, sub *billing.Subscription, entries ...billing.HistoryEntry) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.subs[sub.ID]
	if !ok {
		return billing.NotFoundf("memory.Save", "subscription %d not found", sub.ID)
	}
	if current.Version != sub.Version {
		return billing.ErrConflict
	}
	if s.eventRecorded(sub.ID, entries) {
		return billing.ErrEventApplied
	}

	sub.Version++
	sub.ModifiedAt = s.now()
	s.subs[sub.ID] = sub.Clone()
	s.appendHistory(sub.ID, entries)
	return nil
}

// History returns the entries of a subscription, oldest first
func (s *Store) History(ctx context.Context, id int64) ([]billing.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.subs[id]; !ok {
		return nil, billing.NotFoundf("memory.History", "subscription %d not found", id)
	}
	out := make([]billing.HistoryEntry, len(s.history[id]))
	copy(out, s.history[id])
	return out, nil
}

// Delete removes a subscription and its history
func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[id]; !ok {
		return billing.NotFoundf("memory.Delete", "subscription %d not found", id)
	}
	delete(s.subs, id)
	delete(s.history, id)
	return nil
}

// caller holds s.mu
func (s *Store) eventRecorded(id int64, entries []billing.HistoryEntry) bool {
	for _, e := range entries {
		if e.EventID == nil {
			continue
		}
		for _, h := range s.history[id] {
			if h.EventID != nil && *h.EventID == *e.EventID {
				return true
			}
		}
	}
	return false
}

// caller holds s.mu
func (s *Store) appendHistory(id int64, entries []billing.HistoryEntry) {
	for _, e := range entries {
		s.nextHID++
		e.ID = s.nextHID
		e.SubscriptionID = id
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		s.history[id] = append(s.history[id], e)
	}
}

func page(subs []*billing.Subscription, offset, limit int) []*billing.Subscription {
	if offset > 0 {
		if offset >= len(subs) {
			return []*billing.Subscription{}
		}
		subs = subs[offset:]
	}
	if limit > 0 && len(subs) > limit {
		subs = subs[:limit]
	}
	if subs == nil {
		return []*billing.Subscription{}
	}
	return subs
}
