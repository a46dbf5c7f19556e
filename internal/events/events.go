package events

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/catalog-service/internal/domain/catalog"
	"github.com/xenking/catalog-service/internal/domain/product"
)

// Transport delivers keyed payloads. Payloads with equal keys must be
// delivered to subscribers in publish order.
type Transport interface {
	Publish(ctx context.Context, key string, payload []byte) error
}

// MessageHandler processes a single payload. A nil return acknowledges it.
type MessageHandler func(ctx context.Context, payload []byte) error

// EventHandler applies decoded events.
type EventHandler interface {
	Handle(ctx context.Context, ev product.ImageUploadedEvent) error
}

var _ catalog.EventPublisher = (*Publisher)(nil)

// Publisher encodes events and hands them to a Transport keyed by product code.
type Publisher struct {
	transport Transport
}

// NewPublisher creates a Publisher.
func NewPublisher(t Transport) *Publisher {
	return &Publisher{transport: t}
}

// PublishImageUploaded implements catalog.EventPublisher.
func (p *Publisher) PublishImageUploaded(ctx context.Context, ev product.ImageUploadedEvent) error {
	if err := p.transport.Publish(ctx, ev.Key(), Encode(ev)); err != nil {
		return errors.Wrap(err, "publish image uploaded")
	}
	return nil
}

// Dispatch adapts h to a MessageHandler. Payloads that cannot be decoded are
// logged and acknowledged since redelivery cannot fix them.
func Dispatch(h EventHandler) MessageHandler {
	return func(ctx context.Context, payload []byte) error {
		ev, err := Decode(payload)
		if err != nil {
			zctx.From(ctx).Warn("dropping undecodable event", zap.Error(err))
			return nil
		}
		return h.Handle(ctx, ev)
	}
}

// Partition maps key onto one of n partitions.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// RetryPolicy bounds redelivery of a failing message.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when a transport is configured without one.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     5,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

// NewBackOff returns a fresh exponential backoff for the policy.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Attempts returns MaxAttempts, defaulting to DefaultRetryPolicy.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultRetryPolicy.MaxAttempts
	}
	return p.MaxAttempts
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
