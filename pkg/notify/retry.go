package notify

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/platinummonkey/renewal/pkg/observability"
)

// RetryConfig configures webhook redelivery
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// RetryPolicy is exponential backoff with a cap
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy fills unset fields from DefaultRetryConfig
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	def := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	return &RetryPolicy{config: config}
}

// ShouldRetry reports whether another attempt is allowed after attempts tries
func (p *RetryPolicy) ShouldRetry(attempts int) bool {
	return attempts < p.config.MaxAttempts
}

// NextRetryDelay is initial * multiplier^(attempts-1), capped at MaxDelay
func (p *RetryPolicy) NextRetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.config.InitialDelay
	}
	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}

// RetryWorker periodically redelivers failed webhooks
type RetryWorker struct {
	notifier *WebhookNotifier
	interval time.Duration
	logger   *observability.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRetryWorker creates a worker checking every interval (30s when unset)
func NewRetryWorker(notifier *WebhookNotifier, interval time.Duration) *RetryWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RetryWorker{
		notifier: notifier,
		interval: interval,
		logger:   notifier.logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the worker until ctx ends or Stop is called
func (w *RetryWorker) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		defer observability.RecoverPanic(w.logger, "webhook retry worker")

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				if n := w.notifier.RetryDue(ctx); n > 0 {
					w.logger.WithField("attempted", n).Info("retried webhook deliveries")
				}
			}
		}
	}()
}

// Stop ends a started worker and waits for an in-flight pass to finish
func (w *RetryWorker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stop) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
