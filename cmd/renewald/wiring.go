package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/renewal/pkg/billing"
	"github.com/platinummonkey/renewal/pkg/billing/stripe"
	"github.com/platinummonkey/renewal/pkg/config"
	"github.com/platinummonkey/renewal/pkg/notify"
	"github.com/platinummonkey/renewal/pkg/observability"
	"github.com/platinummonkey/renewal/pkg/storage/kv"
	"github.com/platinummonkey/renewal/pkg/storage/memory"
	"github.com/platinummonkey/renewal/pkg/storage/postgres"
)

// allEvents matches every domain event in an endpoint's event list
const allEvents = "*"

var knownEvents = []billing.EventType{
	billing.EventSubscriptionCreated,
	billing.EventStatusChanged,
	billing.EventPaymentSucceeded,
	billing.EventPaymentFailed,
}

type closer struct {
	name string
	fn   func() error
}

// components is the wired service graph shared by the commands
type components struct {
	cfg      *config.Config
	logger   *observability.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	db       *postgres.ConnectionManager
	redis    *redis.Client
	ledger   billing.EventLedger
	webhooks *notify.WebhookNotifier
	service  *billing.Service

	closers []closer
}

func (c *components) onClose(name string, fn func() error) {
	c.closers = append(c.closers, closer{name: name, fn: fn})
}

// Close releases resources in reverse acquisition order
func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.closers[i].name, err))
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// primaryDB is nil for the memory store
func (c *components) primaryDB() *sql.DB {
	if c.db == nil {
		return nil
	}
	return c.db.Primary()
}

// build wires storage, provider, notifiers and the billing service. On error
// everything opened so far is closed.
func build(ctx context.Context, cfg *config.Config, logger *observability.Logger, opts ...billing.Option) (_ *components, err error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &components{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  observability.NewMetrics(registry),
	}
	defer func() {
		if err != nil {
			if cerr := c.Close(); cerr != nil {
				logger.WithError(cerr).Warn("cleanup after failed startup")
			}
		}
	}()

	settings, err := cfg.BillingSettings()
	if err != nil {
		return nil, err
	}

	bc := billing.Config{Settings: settings}
	if err := c.wireStorage(ctx, &bc); err != nil {
		return nil, err
	}
	if err := c.wireProvider(&bc); err != nil {
		return nil, err
	}
	if err := c.wireNotifier(&bc); err != nil {
		return nil, err
	}

	opts = append([]billing.Option{billing.WithLogger(logger), billing.WithMetrics(c.metrics)}, opts...)
	c.service, err = billing.NewService(bc, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *components) wireStorage(ctx context.Context, bc *billing.Config) error {
	sc := c.cfg.Storage
	switch sc.Type {
	case "postgres":
		db, err := openPostgres(sc, c.logger)
		if err != nil {
			return err
		}
		c.db = db
		c.onClose("postgres", db.Close)
		if sc.AutoMigrate {
			if err := postgres.RunMigrations(ctx, db.Primary(), c.logger); err != nil {
				return err
			}
		}
		bc.Store = postgres.NewStore(db, c.metrics)
		bc.Catalog = postgres.NewCatalog(db)
		c.ledger = postgres.NewLedger(db.Primary(), c.metrics)
	default:
		bc.Store = memory.NewStore()
		catalog := memory.NewCatalog()
		if sc.CatalogFile != "" {
			var err error
			if catalog, err = memory.LoadCatalogFile(sc.CatalogFile); err != nil {
				return err
			}
		}
		bc.Catalog = catalog
		c.ledger = memory.NewLedger()
		c.logger.Warn("Using in-memory storage; subscriptions are lost on restart")
	}

	if sc.RedisURL != "" {
		client, err := kv.NewClient(ctx, kv.Options{
			URL:        sc.RedisURL,
			Password:   sc.RedisPassword,
			DB:         sc.RedisDB,
			MaxRetries: sc.RedisMaxRetries,
			PoolSize:   sc.RedisPoolSize,
		})
		if err != nil {
			return err
		}
		c.redis = client
		c.onClose("redis", client.Close)
		c.ledger = kv.NewLedger(client, sc.EventRetention, c.metrics)
		bc.Lease = kv.NewLease(client, c.logger)
		bc.Locker = kv.NewLocker(client, sc.LockTTL, c.logger)
	}

	if sc.EventCacheSize > 0 {
		c.ledger = kv.NewCachedLedger(c.ledger, sc.EventCacheSize, sc.EventCacheTTL, c.metrics)
	}
	bc.Ledger = c.ledger
	return nil
}

func openPostgres(sc config.StorageConfig, logger *observability.Logger) (*postgres.ConnectionManager, error) {
	return postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  sc.PostgresURL,
		ReplicaURLs: postgres.ParseReplicaURLs(sc.PostgresReplicaURLs),
		MaxConns:    sc.PostgresMaxConns,
		MinConns:    sc.PostgresMinConns,
		Timeout:     sc.PostgresTimeout,
	}, logger)
}

func (c *components) wireProvider(bc *billing.Config) error {
	sc := c.cfg.Stripe
	client, err := stripe.NewClient(stripe.Config{
		SecretKey: sc.SecretKey,
		APIURL:    sc.APIURL,
		Breaker: stripe.BreakerConfig{
			FailureThreshold: sc.BreakerFailures,
			Timeout:          sc.BreakerTimeout,
			Interval:         sc.BreakerInterval,
		},
	}, c.logger, c.metrics)
	if err != nil {
		return err
	}
	bc.Provider = client

	if sc.WebhookSecret == "" {
		c.logger.Warn("Stripe webhook secret not set; provider webhooks will be rejected")
		return nil
	}
	decoder, err := stripe.NewDecoder(sc.WebhookSecret, sc.WebhookTolerance)
	if err != nil {
		return err
	}
	bc.Decoder = decoder
	return nil
}

func (c *components) wireNotifier(bc *billing.Config) error {
	nc := c.cfg.Notify
	var targets notify.Multi

	if len(nc.Webhooks) > 0 {
		c.webhooks = notify.NewWebhookNotifier(notify.WebhookConfig{
			Timeout: nc.WebhookTimeout,
			Retry:   nc.Retry,
		}, c.logger, c.metrics)
		for _, wc := range nc.Webhooks {
			events, err := parseEventTypes(wc.Events)
			if err != nil {
				return fmt.Errorf("webhook %s: %w", wc.URL, err)
			}
			ep, err := c.webhooks.Register(notify.Endpoint{
				URL:         wc.URL,
				Secret:      wc.Secret,
				Events:      events,
				Description: wc.Description,
			})
			if err != nil {
				return err
			}
			c.logger.WithFields(map[string]interface{}{
				"endpoint_id": ep.ID,
				"url":         ep.URL,
			}).Info("Registered webhook endpoint")
		}
		targets = append(targets, c.webhooks)
	}

	if nc.AMQPURL != "" {
		publisher, err := notify.NewAMQPPublisher(nc.AMQPURL, nc.AMQPExchange, c.logger)
		if err != nil {
			return err
		}
		broker := notify.NewBrokerNotifier(publisher, c.metrics)
		c.onClose("amqp", broker.Close)
		targets = append(targets, broker)
	}

	var n billing.Notifier = notify.Nop{}
	switch len(targets) {
	case 0:
	case 1:
		n = targets[0]
	default:
		n = targets
	}
	if nc.LogEvents {
		n = notify.Logging{Next: n, Logger: c.logger}
	}
	bc.Notifier = n
	return nil
}

// parseEventTypes resolves configured event names; "*" selects all of them
func parseEventTypes(names []string) ([]billing.EventType, error) {
	if len(names) == 0 {
		return append([]billing.EventType(nil), knownEvents...), nil
	}
	seen := make(map[billing.EventType]bool, len(names))
	var out []billing.EventType
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == allEvents {
			return append([]billing.EventType(nil), knownEvents...), nil
		}
		et := billing.EventType(name)
		if !isKnownEvent(et) {
			return nil, fmt.Errorf("unknown event type %q", name)
		}
		if !seen[et] {
			seen[et] = true
			out = append(out, et)
		}
	}
	return out, nil
}

func isKnownEvent(et billing.EventType) bool {
	for _, k := range knownEvents {
		if k == et {
			return true
		}
	}
	return false
}
