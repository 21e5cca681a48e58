package billing

import (
	"context"
	"errors"
)

// Config wires the collaborators shared by the billing components
type Config struct {
	Store    Store
	Ledger   EventLedger
	Locker   Locker
	Lease    Lease
	Provider Provider
	Decoder  EventDecoder
	Catalog  Catalog
	Notifier Notifier
	Settings Settings
}

func (c *Config) defaults() {
	if c.Locker == nil {
		c.Locker = NewKeyedMutex()
	}
	if c.Notifier == nil {
		c.Notifier = nopNotifier{}
	}
}

func (c Config) require(op string, store, provider bool) error {
	if store && c.Store == nil {
		return Configurationf(op, "subscription store is required")
	}
	if provider && c.Provider == nil {
		return Configurationf(op, "payment provider is required")
	}
	return c.Settings.Validate()
}

// Service is the entry point for subscription creation, lifecycle actions,
// charges and webhook reconciliation.
type Service struct {
	store    Store
	catalog  Catalog
	provider Provider
	locker   Locker
	notifier Notifier
	settings Settings

	machine   *StateMachine
	processor *Processor
	sync      *Synchronizer
	opts      options
}

// NewService validates cfg and builds every billing component around it
func NewService(cfg Config, opts ...Option) (*Service, error) {
	const op = "NewService"
	cfg.defaults()
	if err := cfg.require(op, true, true); err != nil {
		return nil, err
	}

	processor, err := NewProcessor(cfg, opts...)
	if err != nil {
		return nil, err
	}

	var synchronizer *Synchronizer
	if cfg.Decoder != nil && cfg.Ledger != nil {
		synchronizer, err = NewSynchronizer(cfg, opts...)
		if err != nil {
			return nil, err
		}
	}

	return &Service{
		store:     cfg.Store,
		catalog:   cfg.Catalog,
		provider:  cfg.Provider,
		locker:    cfg.Locker,
		notifier:  cfg.Notifier,
		settings:  cfg.Settings,
		machine:   NewStateMachine(cfg.Store, cfg.Notifier, opts...),
		processor: processor,
		sync:      synchronizer,
		opts:      buildOptions(opts),
	}, nil
}

// StateMachine returns the service's state machine
func (s *Service) StateMachine() *StateMachine {
	return s.machine
}

// Processor returns the payment processor
func (s *Service) Processor() *Processor {
	return s.processor
}

// Synchronizer returns the webhook synchronizer, nil when no decoder or
// ledger was configured.
func (s *Service) Synchronizer() *Synchronizer {
	return s.sync
}

// HandleWebhook reconciles one provider event
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	if s.sync == nil {
		return Outcome{Status: OutcomeRejected}, Configurationf("Service.HandleWebhook", "webhook handling is not configured")
	}
	return s.sync.HandleEvent(ctx, payload, signature)
}

// commit saves a mutation with conflict retries, then logs, counts and emits
// status_changed plus any extra events.
func (s *Service) commit(ctx context.Context, sub *Subscription, mutate mutateFunc, extra ...EventType) (*Subscription, error) {
	saved, from, entries, err := saveWithRetry(ctx, s.store, sub, mutate)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return saved, nil
	}

	events := make([]DomainEvent, 0, len(extra))
	for _, typ := range extra {
		events = append(events, newDomainEvent(typ, saved, s.opts.now()))
	}
	s.machine.committed(ctx, saved, from, events...)
	return saved, nil
}

// providerFailure normalizes an error returned by the Provider boundary
func providerFailure(op string, err error) error {
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	return ProviderError(op, "", "payment provider request failed", err)
}
