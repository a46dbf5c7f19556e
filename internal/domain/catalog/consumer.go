package catalog

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/catalog-service/internal/domain/product"
)

// ConsumerState is the processing state of an ImageUpdateConsumer.
type ConsumerState int32

const (
	// StateIdle means the consumer is waiting for the next event.
	StateIdle ConsumerState = iota
	// StateApplying means an event is being applied to the store.
	StateApplying
)

func (s ConsumerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateApplying:
		return "applying"
	default:
		return "unknown"
	}
}

// Outcome describes what Handle did with an event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeDropped   Outcome = "dropped"
)

// ImageUpdateConsumer applies ImageUploadedEvent values to product records.
// It only ever writes the image attribute. Events for unknown products are
// dropped; store errors are returned so the transport keeps the event
// unacknowledged and redelivers it.
type ImageUpdateConsumer struct {
	products product.Repository
	tracer   trace.Tracer
	handled  metric.Int64Counter

	mu    sync.Mutex // one event in flight
	state atomic.Int32
}

// NewImageUpdateConsumer creates a consumer writing to products.
func NewImageUpdateConsumer(products product.Repository, opts ...Option) *ImageUpdateConsumer {
	o := buildOptions(opts)
	return &ImageUpdateConsumer{
		products: products,
		tracer:   o.tracerProvider.Tracer(instrumentationName),
		handled: newCounter(o.meterProvider.Meter(instrumentationName),
			"catalog.image_events.handled", "Image uploaded events handled by outcome"),
	}
}

// State returns the current state.
func (c *ImageUpdateConsumer) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

// Handle applies a single event. Replaying an event is harmless: the final
// image equals the event's image name.
func (c *ImageUpdateConsumer) Handle(ctx context.Context, ev product.ImageUploadedEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Store(int32(StateApplying))
	defer c.state.Store(int32(StateIdle))

	ctx, span := c.tracer.Start(ctx, "catalog.ImageUpdateConsumer.Handle",
		trace.WithAttributes(attribute.String("product.code", ev.ProductCode)),
	)
	defer span.End()

	outcome, err := c.apply(ctx, ev)
	if err != nil {
		recordError(span, err)
		return err
	}
	c.handled.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	return nil
}

func (c *ImageUpdateConsumer) apply(ctx context.Context, ev product.ImageUploadedEvent) (Outcome, error) {
	lg := zctx.From(ctx).With(
		zap.String("code", ev.ProductCode),
		zap.String("image", ev.ImageName),
	)

	if ev.ProductCode == "" || ev.ImageName == "" {
		lg.Warn("dropping malformed image event")
		return OutcomeDropped, nil
	}

	found, err := c.products.FindByCode(ctx, ev.ProductCode)
	if err != nil {
		return "", errors.Wrap(err, "find product")
	}
	p, ok := found.Get()
	if !ok {
		lg.Warn("dropping image event for unknown product")
		return OutcomeDropped, nil
	}
	if p.HasImage() && *p.Image == ev.ImageName {
		lg.Debug("image already applied")
		return OutcomeUnchanged, nil
	}

	if err := c.products.UpdateImage(ctx, ev.ProductCode, ev.ImageName); err != nil {
		return "", errors.Wrap(err, "update image")
	}
	lg.Info("Product image updated from event")
	return OutcomeApplied, nil
}
