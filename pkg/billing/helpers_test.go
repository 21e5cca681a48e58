package billing_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/renewal/pkg/billing"
	"github.com/platinummonkey/renewal/pkg/observability"
	"github.com/platinummonkey/renewal/pkg/storage/memory"
)

const testSignature = "t=1,v1=valid"

var (
	admin    = &billing.Actor{ID: "root", Role: billing.RoleAdmin}
	customer = &billing.Actor{ID: "cust-1", Role: billing.RoleCustomer}
)

// testClock is a settable time source
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockProvider records calls; nil funcs succeed with canned values
type mockProvider struct {
	mu    sync.Mutex
	calls map[string]int

	invoices    []billing.InvoiceParams
	collections []billing.CollectParams

	createSubscriptionFunc func(ctx context.Context, params billing.SubscriptionParams) (*billing.ProviderSubscription, error)
	createAndPayFunc       func(ctx context.Context, params billing.InvoiceParams) (*billing.Invoice, error)
	collectFunc            func(ctx context.Context, params billing.CollectParams) (*billing.Invoice, error)
	cancelFunc             func(ctx context.Context, externalID string) error
	pauseFunc              func(ctx context.Context, externalID string) error
}

func newMockProvider() *mockProvider {
	return &mockProvider{calls: make(map[string]int)}
}

func (m *mockProvider) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[name]++
}

func (m *mockProvider) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *mockProvider) lastInvoice() billing.InvoiceParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invoices[len(m.invoices)-1]
}

func (m *mockProvider) CreateCustomer(ctx context.Context, params billing.CustomerParams) (string, error) {
	m.record("CreateCustomer")
	return "cus_" + params.CustomerID, nil
}

func (m *mockProvider) CreatePrice(ctx context.Context, params billing.PriceParams) (string, error) {
	m.record("CreatePrice")
	return "price_" + params.Amount.StringFixed(2), nil
}

func (m *mockProvider) CreateSubscription(ctx context.Context, params billing.SubscriptionParams) (*billing.ProviderSubscription, error) {
	m.record("CreateSubscription")
	if m.createSubscriptionFunc != nil {
		return m.createSubscriptionFunc(ctx, params)
	}
	return &billing.ProviderSubscription{ID: "sub_" + params.Metadata["order_id"], CustomerID: params.CustomerID, Status: "active"}, nil
}

func (m *mockProvider) UpdateSubscription(ctx context.Context, externalID string, params billing.UpdateParams) (*billing.ProviderSubscription, error) {
	m.record("UpdateSubscription")
	return &billing.ProviderSubscription{ID: externalID, Status: "active"}, nil
}

func (m *mockProvider) CancelSubscription(ctx context.Context, externalID string) error {
	m.record("CancelSubscription")
	if m.cancelFunc != nil {
		return m.cancelFunc(ctx, externalID)
	}
	return nil
}

func (m *mockProvider) PauseSubscription(ctx context.Context, externalID string) error {
	m.record("PauseSubscription")
	if m.pauseFunc != nil {
		return m.pauseFunc(ctx, externalID)
	}
	return nil
}

func (m *mockProvider) ResumeSubscription(ctx context.Context, externalID string) error {
	m.record("ResumeSubscription")
	return nil
}

func (m *mockProvider) CreateAndPayInvoice(ctx context.Context, params billing.InvoiceParams) (*billing.Invoice, error) {
	m.record("CreateAndPayInvoice")
	m.mu.Lock()
	m.invoices = append(m.invoices, params)
	n := len(m.invoices)
	m.mu.Unlock()
	if m.createAndPayFunc != nil {
		return m.createAndPayFunc(ctx, params)
	}
	return &billing.Invoice{
		ID:       fmt.Sprintf("in_%d", n),
		Status:   billing.InvoiceStatusPaid,
		Amount:   params.Amount,
		Currency: params.Currency,
	}, nil
}

// CollectSubscriptionInvoice pays a provider-issued invoice per call by default
func (m *mockProvider) CollectSubscriptionInvoice(ctx context.Context, params billing.CollectParams) (*billing.Invoice, error) {
	m.record("CollectSubscriptionInvoice")
	m.mu.Lock()
	m.collections = append(m.collections, params)
	n := len(m.collections)
	m.mu.Unlock()
	if m.collectFunc != nil {
		return m.collectFunc(ctx, params)
	}
	return &billing.Invoice{
		ID:             fmt.Sprintf("in_%s_%d", params.SubscriptionID, n),
		SubscriptionID: params.SubscriptionID,
		Status:         billing.InvoiceStatusPaid,
		Amount:         decimal.RequireFromString("20.88"),
		Currency:       "usd",
	}, nil
}

func (m *mockProvider) lastCollection() billing.CollectParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collections[len(m.collections)-1]
}

func (m *mockProvider) ListPaymentMethods(ctx context.Context, customerID string) ([]billing.PaymentMethod, error) {
	m.record("ListPaymentMethods")
	return []billing.PaymentMethod{
		{ID: "pm_1", Type: "card", Brand: "visa", Last4: "4242"},
		{ID: "pm_2", Type: "card", Brand: "mastercard", Last4: "4444"},
	}, nil
}

func (m *mockProvider) CreateSetupIntent(ctx context.Context, customerID string) (*billing.SetupIntent, error) {
	m.record("CreateSetupIntent")
	return &billing.SetupIntent{ID: "seti_1", ClientSecret: "seti_1_secret"}, nil
}

// jsonDecoder treats the payload as a JSON ProviderEvent
type jsonDecoder struct{}

func (jsonDecoder) VerifyAndDecode(payload []byte, signature string) (*billing.ProviderEvent, error) {
	if signature != testSignature {
		return nil, billing.SignatureError("jsonDecoder", fmt.Errorf("bad signature %q", signature))
	}
	var ev billing.ProviderEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, billing.Validationf("jsonDecoder", "malformed payload: %v", err)
	}
	return &ev, nil
}

func encodeEvent(t *testing.T, ev billing.ProviderEvent) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return b
}

// eventRecorder collects emitted domain events
type eventRecorder struct {
	mu     sync.Mutex
	events []billing.DomainEvent
}

func (r *eventRecorder) Notify(ctx context.Context, ev billing.DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) types() []billing.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]billing.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	store    *memory.Store
	ledger   *memory.Ledger
	catalog  *memory.Catalog
	provider *mockProvider
	clock    *testClock
	events   *eventRecorder
	metrics  *observability.Metrics
	svc      *billing.Service
}

func newFixture(t *testing.T, configure ...func(*billing.Config)) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.NewStore(),
		ledger:   memory.NewLedger(),
		catalog:  memory.NewCatalog(),
		provider: newMockProvider(),
		clock:    &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		events:   &eventRecorder{},
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
	}

	settings := billing.DefaultSettings()
	settings.Fees.PassToCustomer = true
	settings.Permissions.CustomerCanPause = true
	cfg := billing.Config{
		Store:    f.store,
		Ledger:   f.ledger,
		Provider: f.provider,
		Decoder:  jsonDecoder{},
		Catalog:  f.catalog,
		Notifier: f.events,
		Settings: settings,
	}
	for _, c := range configure {
		c(&cfg)
	}

	svc, err := billing.NewService(cfg,
		billing.WithClock(f.clock.Now),
		billing.WithMetrics(f.metrics),
		billing.WithSynchronousNotify(),
	)
	require.NoError(t, err)
	f.svc = svc
	return f
}

var seedSeq int64

// seed stores a monthly subscription linked to a provider subscription,
// without history
func (f *fixture) seed(t *testing.T, status billing.Status, next *time.Time) *billing.Subscription {
	t.Helper()
	sub := f.seedLocal(t, status, next)
	sub.ExternalID = fmt.Sprintf("sub_ext_%d", sub.ID)
	require.NoError(t, f.store.Save(context.Background(), sub))
	return sub
}

// seedLocal stores a subscription this service bills with one-off invoices
func (f *fixture) seedLocal(t *testing.T, status billing.Status, next *time.Time) *billing.Subscription {
	t.Helper()
	sub := &billing.Subscription{
		OrderID:            fmt.Sprintf("order-%d", atomic.AddInt64(&seedSeq, 1)),
		CustomerID:         "cust-1",
		ProductID:          "coffee",
		Status:             status,
		BillingPeriod:      billing.PeriodMonth,
		BillingInterval:    1,
		StartDate:          f.clock.Now().AddDate(0, -1, 0),
		NextPaymentDate:    next,
		Currency:           "usd",
		ExternalCustomerID: "cus_1",
		PaymentMethodID:    "pm_1",
		Meta:               billing.Meta{},
	}
	sub.SetAmounts(decimal.RequireFromString("20.00"), decimal.RequireFromString("0.88"))
	_, err := f.store.Create(context.Background(), sub)
	require.NoError(t, err)
	return sub
}

func (f *fixture) get(t *testing.T, id int64) *billing.Subscription {
	t.Helper()
	sub, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func (f *fixture) history(t *testing.T, id int64) []billing.HistoryEntry {
	t.Helper()
	h, err := f.store.History(context.Background(), id)
	require.NoError(t, err)
	return h
}

// deliver runs one webhook event through the service
func (f *fixture) deliver(t *testing.T, ev billing.ProviderEvent) billing.Outcome {
	t.Helper()
	outcome, err := f.svc.HandleWebhook(context.Background(), encodeEvent(t, ev), testSignature)
	require.NoError(t, err)
	return outcome
}

// countActions tallies history entries by action
func countActions(history []billing.HistoryEntry, actions ...string) int {
	n := 0
	for _, h := range history {
		for _, a := range actions {
			if h.Action == a {
				n++
			}
		}
	}
	return n
}

func at(t time.Time) *time.Time {
	return &t
}
