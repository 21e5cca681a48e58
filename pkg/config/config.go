package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/renewal/pkg/billing"
	"github.com/platinummonkey/renewal/pkg/notify"
	"github.com/platinummonkey/renewal/pkg/observability"
)

// FileEnv names the optional YAML file applied before environment overrides
const FileEnv = "RENEWAL_CONFIG_FILE"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Stripe        StripeConfig        `yaml:"stripe"`
	Billing       BillingConfig       `yaml:"billing"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Notify        NotifyConfig        `yaml:"notify"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// StorageConfig selects the subscription store and the shared redis
type StorageConfig struct {
	// Type is memory or postgres
	Type string `yaml:"type"`

	PostgresURL         string        `yaml:"postgres_url"`
	PostgresReplicaURLs string        `yaml:"postgres_replica_urls"`
	PostgresMaxConns    int           `yaml:"postgres_max_conns"`
	PostgresMinConns    int           `yaml:"postgres_min_conns"`
	PostgresTimeout     time.Duration `yaml:"postgres_timeout"`
	AutoMigrate         bool          `yaml:"auto_migrate"`

	// CatalogFile seeds the memory catalog with products and orders
	CatalogFile string `yaml:"catalog_file"`

	// RedisURL enables the redis event ledger, sweep lease and locker
	RedisURL        string `yaml:"redis_url"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	RedisMaxRetries int    `yaml:"redis_max_retries"`
	RedisPoolSize   int    `yaml:"redis_pool_size"`

	// EventCacheSize fronts the event ledger with an LRU; 0 disables it
	EventCacheSize int           `yaml:"event_cache_size"`
	EventCacheTTL  time.Duration `yaml:"event_cache_ttl"`
	// EventRetention is how long processed webhook event ids are remembered
	EventRetention time.Duration `yaml:"event_retention"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
}

// StripeConfig holds provider credentials and breaker tuning
type StripeConfig struct {
	SecretKey        string        `yaml:"secret_key"`
	WebhookSecret    string        `yaml:"webhook_secret"`
	WebhookTolerance time.Duration `yaml:"webhook_tolerance"`
	APIURL           string        `yaml:"api_url"`
	BreakerFailures  uint32        `yaml:"breaker_failures"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
	BreakerInterval  time.Duration `yaml:"breaker_interval"`
}

// BillingConfig mirrors billing.Settings in a file- and env-friendly form
type BillingConfig struct {
	TestMode                       bool          `yaml:"test_mode"`
	FeePercentage                  string        `yaml:"fee_percentage"`
	FeeFixed                       string        `yaml:"fee_fixed"`
	PassFeeToCustomer              bool          `yaml:"pass_fee_to_customer"`
	CustomerCanPause               bool          `yaml:"customer_can_pause"`
	CustomerCanCancel              bool          `yaml:"customer_can_cancel"`
	CustomerCanChangePaymentMethod bool          `yaml:"customer_can_change_payment_method"`
	RetryMaxAttempts               int           `yaml:"retry_max_attempts"`
	RetryDelay                     time.Duration `yaml:"retry_delay"`
	SweepBatchSize                 int           `yaml:"sweep_batch_size"`
	Concurrency                    int           `yaml:"concurrency"`
	SweepLeaseTTL                  time.Duration `yaml:"sweep_lease_ttl"`
}

// SchedulerConfig holds the cron specs of the background jobs
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
	// DueSweep charges subscriptions whose next payment date has passed
	DueSweep string `yaml:"due_sweep"`
	// LedgerPrune forgets processed webhook events past retention
	LedgerPrune string `yaml:"ledger_prune"`
	// Timezone the cron specs are evaluated in
	Timezone string `yaml:"timezone"`
}

// WebhookEndpointConfig is one outbound webhook subscriber
type WebhookEndpointConfig struct {
	URL         string   `yaml:"url"`
	Secret      string   `yaml:"secret"`
	Events      []string `yaml:"events"`
	Description string   `yaml:"description"`
}

// NotifyConfig configures domain event transports
type NotifyConfig struct {
	Webhooks       []WebhookEndpointConfig `yaml:"webhooks"`
	WebhookTimeout time.Duration           `yaml:"webhook_timeout"`
	Retry          notify.RetryConfig      `yaml:"retry"`
	RetryInterval  time.Duration           `yaml:"retry_interval"`
	AMQPURL        string                  `yaml:"amqp_url"`
	AMQPExchange   string                  `yaml:"amqp_exchange"`
	// LogEvents writes every domain event to the log
	LogEvents bool `yaml:"log_events"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"`
	OTelSamplingRate   float64 `yaml:"otel_sampling_rate"`
}

// Level parses LogLevel
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(o.LogLevel)
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	settings := billing.DefaultSettings()
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Storage: StorageConfig{
			Type:             "memory",
			PostgresMaxConns: 20,
			PostgresMinConns: 2,
			PostgresTimeout:  5 * time.Second,
			RedisMaxRetries:  3,
			RedisPoolSize:    10,
			EventCacheSize:   10000,
			EventCacheTTL:    time.Hour,
			EventRetention:   7 * 24 * time.Hour,
			LockTTL:          30 * time.Second,
		},
		Stripe: StripeConfig{
			WebhookTolerance: 5 * time.Minute,
			BreakerFailures:  5,
			BreakerTimeout:   30 * time.Second,
		},
		Billing: BillingConfig{
			TestMode:         settings.TestMode,
			FeePercentage:    settings.Fees.Percentage.String(),
			FeeFixed:         settings.Fees.Fixed.StringFixed(2),
			RetryMaxAttempts: settings.Retry.MaxAttempts,
			RetryDelay:       settings.Retry.Delay,
			SweepBatchSize:   settings.SweepBatchSize,
			Concurrency:      settings.Concurrency,
			SweepLeaseTTL:    settings.SweepLeaseTTL,
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			DueSweep:    "*/15 * * * *",
			LedgerPrune: "@daily",
			Timezone:    "UTC",
		},
		Notify: NotifyConfig{
			WebhookTimeout: 10 * time.Second,
			Retry:          notify.DefaultRetryConfig(),
			RetryInterval:  30 * time.Second,
			AMQPExchange:   notify.DefaultExchange,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "renewal",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSamplingRate:   1.0,
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file
// named by RENEWAL_CONFIG_FILE, then environment variables, and validates it.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	loadServerConfig(&cfg.Server)
	loadStorageConfig(&cfg.Storage)
	loadStripeConfig(&cfg.Stripe)
	loadBillingConfig(&cfg.Billing)
	loadSchedulerConfig(&cfg.Scheduler)
	loadNotifyConfig(&cfg.Notify)
	loadObservabilityConfig(&cfg.Observability)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile overlays a YAML document; unknown keys are rejected
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func loadServerConfig(cfg *ServerConfig) {
	cfg.Host = getEnv("RENEWAL_HOST", cfg.Host)
	cfg.Port = getEnv("RENEWAL_PORT", cfg.Port)
	cfg.ReadTimeout = getEnvDuration("RENEWAL_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = getEnvDuration("RENEWAL_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = getEnvDuration("RENEWAL_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.ShutdownTimeout = getEnvDuration("RENEWAL_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.MaxBodyBytes = getEnvInt64("RENEWAL_MAX_BODY_BYTES", cfg.MaxBodyBytes)
}

func loadStorageConfig(cfg *StorageConfig) {
	cfg.Type = getEnv("RENEWAL_STORAGE_TYPE", cfg.Type)

	cfg.PostgresURL = getEnv("RENEWAL_POSTGRES_URL", cfg.PostgresURL)
	cfg.PostgresReplicaURLs = getEnv("RENEWAL_POSTGRES_REPLICA_URLS", cfg.PostgresReplicaURLs)
	cfg.PostgresMaxConns = getEnvInt("RENEWAL_POSTGRES_MAX_CONNS", cfg.PostgresMaxConns)
	cfg.PostgresMinConns = getEnvInt("RENEWAL_POSTGRES_MIN_CONNS", cfg.PostgresMinConns)
	cfg.PostgresTimeout = getEnvDuration("RENEWAL_POSTGRES_TIMEOUT", cfg.PostgresTimeout)
	cfg.AutoMigrate = getEnvBool("RENEWAL_AUTO_MIGRATE", cfg.AutoMigrate)
	cfg.CatalogFile = getEnv("RENEWAL_CATALOG_FILE", cfg.CatalogFile)

	cfg.RedisURL = getEnv("RENEWAL_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("RENEWAL_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("RENEWAL_REDIS_DB", cfg.RedisDB)
	cfg.RedisMaxRetries = getEnvInt("RENEWAL_REDIS_MAX_RETRIES", cfg.RedisMaxRetries)
	cfg.RedisPoolSize = getEnvInt("RENEWAL_REDIS_POOL_SIZE", cfg.RedisPoolSize)

	cfg.EventCacheSize = getEnvInt("RENEWAL_EVENT_CACHE_SIZE", cfg.EventCacheSize)
	cfg.EventCacheTTL = getEnvDuration("RENEWAL_EVENT_CACHE_TTL", cfg.EventCacheTTL)
	cfg.EventRetention = getEnvDuration("RENEWAL_EVENT_RETENTION", cfg.EventRetention)
	cfg.LockTTL = getEnvDuration("RENEWAL_LOCK_TTL", cfg.LockTTL)
}

func loadStripeConfig(cfg *StripeConfig) {
	cfg.SecretKey = getEnv("RENEWAL_STRIPE_SECRET_KEY", cfg.SecretKey)
	cfg.WebhookSecret = getEnv("RENEWAL_STRIPE_WEBHOOK_SECRET", cfg.WebhookSecret)
	cfg.WebhookTolerance = getEnvDuration("RENEWAL_STRIPE_WEBHOOK_TOLERANCE", cfg.WebhookTolerance)
	cfg.APIURL = getEnv("RENEWAL_STRIPE_API_URL", cfg.APIURL)
	cfg.BreakerFailures = uint32(getEnvInt("RENEWAL_STRIPE_BREAKER_FAILURES", int(cfg.BreakerFailures)))
	cfg.BreakerTimeout = getEnvDuration("RENEWAL_STRIPE_BREAKER_TIMEOUT", cfg.BreakerTimeout)
	cfg.BreakerInterval = getEnvDuration("RENEWAL_STRIPE_BREAKER_INTERVAL", cfg.BreakerInterval)
}

func loadBillingConfig(cfg *BillingConfig) {
	cfg.TestMode = getEnvBool("RENEWAL_TEST_MODE", cfg.TestMode)
	cfg.FeePercentage = getEnv("RENEWAL_FEE_PERCENTAGE", cfg.FeePercentage)
	cfg.FeeFixed = getEnv("RENEWAL_FEE_FIXED", cfg.FeeFixed)
	cfg.PassFeeToCustomer = getEnvBool("RENEWAL_PASS_FEE_TO_CUSTOMER", cfg.PassFeeToCustomer)
	cfg.CustomerCanPause = getEnvBool("RENEWAL_CUSTOMER_CAN_PAUSE", cfg.CustomerCanPause)
	cfg.CustomerCanCancel = getEnvBool("RENEWAL_CUSTOMER_CAN_CANCEL", cfg.CustomerCanCancel)
	cfg.CustomerCanChangePaymentMethod = getEnvBool("RENEWAL_CUSTOMER_CAN_CHANGE_PAYMENT_METHOD", cfg.CustomerCanChangePaymentMethod)
	cfg.RetryMaxAttempts = getEnvInt("RENEWAL_RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts)
	cfg.RetryDelay = getEnvDuration("RENEWAL_RETRY_DELAY", cfg.RetryDelay)
	cfg.SweepBatchSize = getEnvInt("RENEWAL_SWEEP_BATCH_SIZE", cfg.SweepBatchSize)
	cfg.Concurrency = getEnvInt("RENEWAL_CONCURRENCY", cfg.Concurrency)
	cfg.SweepLeaseTTL = getEnvDuration("RENEWAL_SWEEP_LEASE_TTL", cfg.SweepLeaseTTL)
}

func loadSchedulerConfig(cfg *SchedulerConfig) {
	cfg.Enabled = getEnvBool("RENEWAL_SCHEDULER_ENABLED", cfg.Enabled)
	cfg.DueSweep = getEnv("RENEWAL_SCHEDULE_DUE_SWEEP", cfg.DueSweep)
	cfg.LedgerPrune = getEnv("RENEWAL_SCHEDULE_LEDGER_PRUNE", cfg.LedgerPrune)
	cfg.Timezone = getEnv("RENEWAL_SCHEDULE_TIMEZONE", cfg.Timezone)
}

func loadNotifyConfig(cfg *NotifyConfig) {
	// a single endpoint can be given through the environment
	if u := getEnv("RENEWAL_NOTIFY_WEBHOOK_URL", ""); u != "" {
		cfg.Webhooks = append(cfg.Webhooks, WebhookEndpointConfig{
			URL:    u,
			Secret: getEnv("RENEWAL_NOTIFY_WEBHOOK_SECRET", ""),
			Events: splitList(getEnv("RENEWAL_NOTIFY_WEBHOOK_EVENTS", "*")),
		})
	}
	cfg.WebhookTimeout = getEnvDuration("RENEWAL_NOTIFY_WEBHOOK_TIMEOUT", cfg.WebhookTimeout)
	cfg.Retry.MaxAttempts = getEnvInt("RENEWAL_NOTIFY_RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	cfg.RetryInterval = getEnvDuration("RENEWAL_NOTIFY_RETRY_INTERVAL", cfg.RetryInterval)
	cfg.AMQPURL = getEnv("RENEWAL_AMQP_URL", cfg.AMQPURL)
	cfg.AMQPExchange = getEnv("RENEWAL_AMQP_EXCHANGE", cfg.AMQPExchange)
	cfg.LogEvents = getEnvBool("RENEWAL_NOTIFY_LOG_EVENTS", cfg.LogEvents)
}

func loadObservabilityConfig(cfg *ObservabilityConfig) {
	cfg.LogLevel = getEnv("RENEWAL_LOG_LEVEL", cfg.LogLevel)
	cfg.MetricsEnabled = getEnvBool("RENEWAL_METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.OTelEnabled = getEnvBool("RENEWAL_OTEL_ENABLED", cfg.OTelEnabled)
	cfg.OTelEndpoint = getEnv("RENEWAL_OTEL_ENDPOINT", cfg.OTelEndpoint)
	cfg.OTelServiceName = getEnv("RENEWAL_OTEL_SERVICE_NAME", cfg.OTelServiceName)
	cfg.OTelServiceVersion = getEnv("RENEWAL_OTEL_SERVICE_VERSION", cfg.OTelServiceVersion)
	cfg.OTelInsecure = getEnvBool("RENEWAL_OTEL_INSECURE", cfg.OTelInsecure)
	cfg.OTelSamplingRate = getEnvFloat("RENEWAL_OTEL_SAMPLING_RATE", cfg.OTelSamplingRate)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}

	if c.Stripe.SecretKey != "" && c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required when a secret key is set")
	}

	if _, err := c.BillingSettings(); err != nil {
		return err
	}

	if c.Scheduler.Enabled {
		if _, err := c.Scheduler.Location(); err != nil {
			return err
		}
		for name, spec := range map[string]string{"due_sweep": c.Scheduler.DueSweep, "ledger_prune": c.Scheduler.LedgerPrune} {
			if spec == "" {
				continue
			}
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
			}
		}
	}

	for i, ep := range c.Notify.Webhooks {
		u, err := url.Parse(ep.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("notify webhook %d: invalid URL %q", i, ep.URL)
		}
		if ep.Secret == "" {
			return fmt.Errorf("notify webhook %d: secret is required", i)
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// BillingSettings converts the billing section into the settings value
// object billing components are built with
func (c *Config) BillingSettings() (billing.Settings, error) {
	b := c.Billing
	pct, err := decimal.NewFromString(b.FeePercentage)
	if err != nil {
		return billing.Settings{}, fmt.Errorf("invalid fee percentage %q: %w", b.FeePercentage, err)
	}
	fixed, err := decimal.NewFromString(b.FeeFixed)
	if err != nil {
		return billing.Settings{}, fmt.Errorf("invalid fixed fee %q: %w", b.FeeFixed, err)
	}

	settings := billing.Settings{
		TestMode: b.TestMode,
		Fees: billing.FeeSettings{
			Percentage:     pct,
			Fixed:          fixed,
			PassToCustomer: b.PassFeeToCustomer,
		},
		Permissions: billing.Permissions{
			CustomerCanPause:               b.CustomerCanPause,
			CustomerCanCancel:              b.CustomerCanCancel,
			CustomerCanChangePaymentMethod: b.CustomerCanChangePaymentMethod,
		},
		Retry: billing.RetrySettings{
			MaxAttempts: b.RetryMaxAttempts,
			Delay:       b.RetryDelay,
		},
		SweepBatchSize: b.SweepBatchSize,
		Concurrency:    b.Concurrency,
		SweepLeaseTTL:  b.SweepLeaseTTL,
	}
	if err := settings.Validate(); err != nil {
		return billing.Settings{}, err
	}
	return settings, nil
}

// Location resolves Timezone, defaulting to UTC
func (s SchedulerConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// splitList splits a comma-separated value, dropping blanks
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
