package notify

import (
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/renewal/pkg/billing"
)

// DeliveryStatus is the state of one event sent to one endpoint
type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusSuccess  DeliveryStatus = "success"
	DeliveryStatusFailed   DeliveryStatus = "failed"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
)

// Delivery records the attempts to send one event to one endpoint. The
// payload is kept so retries send the original body. The log stores copies;
// change a delivery by adding it again.
type Delivery struct {
	ID           string            `json:"id"`
	EndpointID   string            `json:"endpoint_id"`
	EventID      string            `json:"event_id"`
	EventType    billing.EventType `json:"event_type"`
	URL          string            `json:"url"`
	Status       DeliveryStatus    `json:"status"`
	StatusCode   int               `json:"status_code,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Attempts     int               `json:"attempts"`
	NextRetryAt  *time.Time        `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Duration     time.Duration     `json:"duration,omitempty"`
	Payload      []byte            `json:"-"`
}

// DeliveryLog keeps the most recent deliveries in memory
type DeliveryLog struct {
	mu         sync.RWMutex
	deliveries map[string]*Delivery
	max        int
}

// NewDeliveryLog creates a log holding up to max deliveries
func NewDeliveryLog(max int) *DeliveryLog {
	if max <= 0 {
		max = 1000
	}
	return &DeliveryLog{deliveries: make(map[string]*Delivery), max: max}
}

// Add stores a copy of d, evicting the oldest tenth when full
func (l *DeliveryLog) Add(d Delivery) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.deliveries[d.ID]; !ok && len(l.deliveries) >= l.max {
		l.evictOldest()
	}
	l.deliveries[d.ID] = &d
}

// Get returns a copy of the delivery with id
func (l *DeliveryLog) Get(id string) (Delivery, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.deliveries[id]
	if !ok {
		return Delivery{}, false
	}
	return *d, true
}

// ByEndpoint returns copies of an endpoint's deliveries, newest first
func (l *DeliveryLog) ByEndpoint(endpointID string, limit int) []Delivery {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Delivery
	for _, d := range l.deliveries {
		if d.EndpointID == endpointID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// DueRetries returns copies of deliveries waiting for a retry at or before now
func (l *DeliveryLog) DueRetries(now time.Time) []Delivery {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Delivery
	for _, d := range l.deliveries {
		if d.Status == DeliveryStatusRetrying && d.NextRetryAt != nil && !d.NextRetryAt.After(now) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (l *DeliveryLog) evictOldest() {
	all := make([]*Delivery, 0, len(l.deliveries))
	for _, d := range l.deliveries {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	n := len(all) / 10
	if n == 0 {
		n = 1
	}
	for _, d := range all[:n] {
		delete(l.deliveries, d.ID)
	}
}

// Stats summarizes an endpoint's deliveries
func (l *DeliveryLog) Stats(endpointID string) DeliveryStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := DeliveryStats{EndpointID: endpointID}
	var total time.Duration
	for _, d := range l.deliveries {
		if d.EndpointID != endpointID {
			continue
		}
		stats.Total++
		switch d.Status {
		case DeliveryStatusSuccess:
			stats.Successful++
			total += d.Duration
		case DeliveryStatusFailed:
			stats.Failed++
		case DeliveryStatusRetrying:
			stats.Retrying++
		}
	}
	if stats.Successful > 0 {
		stats.AverageDuration = total / time.Duration(stats.Successful)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total)
	}
	return stats
}

// DeliveryStats summarizes deliveries to one endpoint
type DeliveryStats struct {
	EndpointID      string        `json:"endpoint_id"`
	Total           int           `json:"total"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	Retrying        int           `json:"retrying"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
}
