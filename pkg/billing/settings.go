package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// FeeSettings configures the processing fee optionally passed to customers
type FeeSettings struct {
	Percentage     decimal.Decimal
	Fixed          decimal.Decimal
	PassToCustomer bool
}

// Permissions gates what customers may do to their own subscriptions
type Permissions struct {
	CustomerCanPause               bool
	CustomerCanCancel              bool
	CustomerCanChangePaymentMethod bool
}

// RetrySettings drives dunning retries of failed renewal charges
type RetrySettings struct {
	MaxAttempts int
	Delay       time.Duration
}

// Settings is the read-only configuration injected into billing components
type Settings struct {
	TestMode    bool
	Fees        FeeSettings
	Permissions Permissions
	Retry       RetrySettings
	// SweepBatchSize caps how many due subscriptions one sweep loads
	SweepBatchSize int
	// Concurrency bounds parallel items in sweeps and bulk actions
	Concurrency int
	// SweepLeaseTTL bounds how long a distributed sweep lease is held
	SweepLeaseTTL time.Duration
}

// DefaultSettings returns conservative defaults
func DefaultSettings() Settings {
	return Settings{
		TestMode: true,
		Fees: FeeSettings{
			Percentage: decimal.RequireFromString("2.9"),
			Fixed:      decimal.RequireFromString("0.30"),
		},
		Retry: RetrySettings{
			MaxAttempts: 3,
			Delay:       24 * time.Hour,
		},
		SweepBatchSize: 500,
		Concurrency:    4,
		SweepLeaseTTL:  10 * time.Minute,
	}
}

// Validate rejects settings the service cannot run with
func (s Settings) Validate() error {
	const op = "Settings.Validate"
	if s.Fees.Percentage.IsNegative() || s.Fees.Fixed.IsNegative() {
		return Configurationf(op, "fee percentage and fixed fee must not be negative")
	}
	if s.Fees.Percentage.GreaterThan(hundred) {
		return Configurationf(op, "fee percentage %s exceeds 100", s.Fees.Percentage)
	}
	if s.Retry.MaxAttempts < 0 {
		return Configurationf(op, "retry max attempts must not be negative")
	}
	if s.Retry.MaxAttempts > 0 && s.Retry.Delay <= 0 {
		return Configurationf(op, "retry delay must be positive when retries are enabled")
	}
	if s.SweepBatchSize < 1 {
		return Configurationf(op, "sweep batch size must be at least 1")
	}
	if s.Concurrency < 1 {
		return Configurationf(op, "concurrency must be at least 1")
	}
	return nil
}
