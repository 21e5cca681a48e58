package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/renewal/pkg/billing"
	"github.com/platinummonkey/renewal/pkg/observability"
)

// Request headers set on every webhook delivery
const (
	HeaderEvent     = "X-Renewal-Event"
	HeaderEventID   = "X-Renewal-Event-ID"
	HeaderDelivery  = "X-Renewal-Delivery"
	HeaderTimestamp = "X-Renewal-Timestamp"
	HeaderSignature = "X-Renewal-Signature"
)

// Endpoint is a registered webhook receiver
type Endpoint struct {
	ID          string              `json:"id"`
	URL         string              `json:"url"`
	Events      []billing.EventType `json:"events"`
	Secret      string              `json:"-"`
	Description string              `json:"description,omitempty"`
	Active      bool                `json:"active"`
	CreatedAt   time.Time           `json:"created_at"`
}

func (e *Endpoint) wants(t billing.EventType) bool {
	for _, want := range e.Events {
		if want == t {
			return true
		}
	}
	return false
}

// WebhookConfig configures a WebhookNotifier
type WebhookConfig struct {
	Timeout       time.Duration
	Retry         RetryConfig
	MaxDeliveries int
	HTTPClient    *http.Client
}

// WebhookNotifier posts signed domain events to registered endpoints
type WebhookNotifier struct {
	mu         sync.RWMutex
	endpoints  map[string]*Endpoint
	client     *http.Client
	deliveries *DeliveryLog
	policy     *RetryPolicy
	logger     *observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewWebhookNotifier creates a notifier with no endpoints
func NewWebhookNotifier(cfg WebhookConfig, logger *observability.Logger, metrics *observability.Metrics) *WebhookNotifier {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &WebhookNotifier{
		endpoints:  make(map[string]*Endpoint),
		client:     client,
		deliveries: NewDeliveryLog(cfg.MaxDeliveries),
		policy:     NewRetryPolicy(cfg.Retry),
		logger:     logger.WithField("component", "webhook_notifier"),
		metrics:    metrics,
		now:        time.Now,
	}
}

// Register validates and adds an endpoint, returning it with its id
func (n *WebhookNotifier) Register(ep Endpoint) (Endpoint, error) {
	u, err := url.Parse(ep.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Endpoint{}, fmt.Errorf("webhook URL must be an absolute http(s) URL: %q", ep.URL)
	}
	if len(ep.Events) == 0 {
		return Endpoint{}, fmt.Errorf("at least one event type is required")
	}

	ep.ID = uuid.NewString()
	ep.Active = true
	ep.CreatedAt = n.now()
	ep.Events = append([]billing.EventType(nil), ep.Events...)

	n.mu.Lock()
	stored := ep
	n.endpoints[ep.ID] = &stored
	n.mu.Unlock()
	return ep, nil
}

// Unregister removes an endpoint
func (n *WebhookNotifier) Unregister(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[id]; !ok {
		return fmt.Errorf("webhook %s not found", id)
	}
	delete(n.endpoints, id)
	return nil
}

// SetActive pauses or resumes deliveries to an endpoint
func (n *WebhookNotifier) SetActive(id string, active bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[id]
	if !ok {
		return fmt.Errorf("webhook %s not found", id)
	}
	ep.Active = active
	return nil
}

// Endpoints returns copies of the registered endpoints, oldest first
func (n *WebhookNotifier) Endpoints() []Endpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Endpoint, 0, len(n.endpoints))
	for _, ep := range n.endpoints {
		out = append(out, *ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (n *WebhookNotifier) endpoint(id string) (Endpoint, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ep, ok := n.endpoints[id]
	if !ok {
		return Endpoint{}, false
	}
	return *ep, true
}

// Deliveries exposes the delivery log
func (n *WebhookNotifier) Deliveries() *DeliveryLog {
	return n.deliveries
}

// Notify sends event to every active endpoint subscribed to its type. Failed
// deliveries are left for the retry worker; the returned error joins the
// first-attempt failures.
func (n *WebhookNotifier) Notify(ctx context.Context, event billing.DomainEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var errs []error
	for _, ep := range n.Endpoints() {
		if !ep.Active || !ep.wants(event.Type) {
			continue
		}
		d := Delivery{
			ID:         uuid.NewString(),
			EndpointID: ep.ID,
			EventID:    event.ID,
			EventType:  event.Type,
			URL:        ep.URL,
			Status:     DeliveryStatusPending,
			CreatedAt:  n.now(),
			Payload:    payload,
		}
		if err := n.attempt(ctx, ep, &d); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", ep.ID, err))
		}
		n.deliveries.Add(d)
	}
	return errors.Join(errs...)
}

// RetryDue re-sends deliveries whose retry time has come and returns how many
// were attempted
func (n *WebhookNotifier) RetryDue(ctx context.Context) int {
	attempted := 0
	for _, d := range n.deliveries.DueRetries(n.now()) {
		d := d
		ep, ok := n.endpoint(d.EndpointID)
		if !ok || !ep.Active {
			d.Status = DeliveryStatusFailed
			d.ErrorMessage = "webhook removed or inactive"
			d.NextRetryAt = nil
			completed := n.now()
			d.CompletedAt = &completed
			n.deliveries.Add(d)
			continue
		}
		attempted++
		if err := n.attempt(ctx, ep, &d); err != nil {
			n.logger.WithError(err).WithFields(map[string]interface{}{
				"delivery_id": d.ID,
				"attempts":    d.Attempts,
				"status":      d.Status,
			}).Warn("webhook retry failed")
		}
		n.deliveries.Add(d)
	}
	return attempted
}

func (n *WebhookNotifier) attempt(ctx context.Context, ep Endpoint, d *Delivery) error {
	d.Attempts++
	start := time.Now()
	err := n.send(ctx, ep, d)
	d.Duration = time.Since(start)
	n.metrics.RecordNotification("webhook", err)

	if err == nil {
		d.Status = DeliveryStatusSuccess
		d.ErrorMessage = ""
		d.NextRetryAt = nil
		completed := n.now()
		d.CompletedAt = &completed
		return nil
	}

	d.ErrorMessage = err.Error()
	if n.policy.ShouldRetry(d.Attempts) {
		d.Status = DeliveryStatusRetrying
		next := n.now().Add(n.policy.NextRetryDelay(d.Attempts))
		d.NextRetryAt = &next
	} else {
		d.Status = DeliveryStatusFailed
		d.NextRetryAt = nil
		completed := n.now()
		d.CompletedAt = &completed
	}
	return err
}

func (n *WebhookNotifier) send(ctx context.Context, ep Endpoint, d *Delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "renewal-webhooks/1")
	req.Header.Set(HeaderEvent, string(d.EventType))
	req.Header.Set(HeaderEventID, d.EventID)
	req.Header.Set(HeaderDelivery, d.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(n.now().Unix(), 10))
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(d.Payload, ep.Secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	d.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
