package catalog

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/xenking/catalog-service/internal/domain/catalog"

// DefaultPresignTTL is how long presigned image URLs stay valid.
const DefaultPresignTTL = 60 * time.Minute

type options struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	presignTTL     time.Duration
}

// Option configures a Service or an ImageUpdateConsumer.
type Option func(*options)

// WithTracerProvider sets the tracer provider. Defaults to a no-op provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets the meter provider. Defaults to a no-op provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// WithPresignTTL sets the validity of presigned image URLs.
func WithPresignTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.presignTTL = ttl
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  metricnoop.NewMeterProvider(),
		presignTTL:     DefaultPresignTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newCounter(m metric.Meter, name, description string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		return metricnoop.Int64Counter{}
	}
	return c
}
