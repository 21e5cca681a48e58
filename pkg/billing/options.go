package billing

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/renewal/pkg/observability"
)

const tracerName = "github.com/platinummonkey/renewal/pkg/billing"

// Option configures billing components
type Option func(*options)

type options struct {
	logger  *observability.Logger
	metrics *observability.Metrics
	clock   func() time.Time
	tracer  trace.Tracer
	// syncNotify delivers domain events inline; tests use it for determinism
	syncNotify bool
}

// WithLogger sets the component logger
func WithLogger(logger *observability.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus metrics sink
func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithClock overrides the time source
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithSynchronousNotify delivers domain events before the call returns
func WithSynchronousNotify() Option {
	return func(o *options) {
		o.syncNotify = true
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger: observability.NewNopLogger(),
		clock:  func() time.Time { return time.Now().UTC() },
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o *options) now() time.Time {
	return o.clock()
}
