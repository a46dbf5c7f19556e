// Package memory is an in-process event transport for tests and local runs.
// Delivery is at-least-once within the process lifetime only.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/catalog-service/internal/events"
)

// ErrClosed is returned by Publish after CloseIntake.
var ErrClosed = errors.New("broker intake closed")

// Message is a published payload.
type Message struct {
	Seq     uint64
	Key     string
	Payload []byte
}

// Broker buffers published messages and feeds them to a single subscriber
// one at a time, in publish order.
type Broker struct {
	retry events.RetryPolicy

	mu      sync.Mutex
	backlog []Message
	dead    []Message
	notify  chan struct{}
	closed  atomic.Bool
	seq     atomic.Uint64

	published atomic.Uint64
	processed atomic.Uint64
}

var _ events.Transport = (*Broker)(nil)

// New creates a Broker.
func New(retry events.RetryPolicy) *Broker {
	return &Broker{
		retry:  retry,
		notify: make(chan struct{}, 1),
	}
}

// Publish appends a message and wakes the subscriber.
func (b *Broker) Publish(_ context.Context, key string, payload []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	msg := Message{Seq: b.seq.Add(1), Key: key, Payload: append([]byte(nil), payload...)}

	b.mu.Lock()
	b.backlog = append(b.backlog, msg)
	b.mu.Unlock()
	b.published.Add(1)

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Run delivers messages to h until ctx is done. A failing message is retried
// with backoff before the next one is taken, so order is kept; after the
// policy's attempts it is moved to the dead letters.
func (b *Broker) Run(ctx context.Context, h events.MessageHandler) error {
	for {
		msg, ok := b.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-b.notify:
				continue
			}
		}
		if err := b.deliver(ctx, h, msg); err != nil {
			return nil // context done; msg stays at the head
		}
	}
}

func (b *Broker) next() (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.backlog) == 0 {
		return Message{}, false
	}
	return b.backlog[0], true
}

func (b *Broker) pop(dead bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dead {
		b.dead = append(b.dead, b.backlog[0])
	}
	b.backlog = b.backlog[1:]
}

func (b *Broker) deliver(ctx context.Context, h events.MessageHandler, msg Message) error {
	lg := zctx.From(ctx).With(zap.String("key", msg.Key), zap.Uint64("seq", msg.Seq))
	bo := b.retry.NewBackOff()
	for attempt := 1; ; attempt++ {
		err := h(ctx, msg.Payload)
		if err == nil {
			b.pop(false)
			b.processed.Add(1)
			return nil
		}
		if attempt >= b.retry.Attempts() {
			lg.Error("moving message to dead letters", zap.Int("attempts", attempt), zap.Error(err))
			b.pop(true)
			return nil
		}
		lg.Warn("message handler failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		if err := events.Sleep(ctx, bo.NextBackOff()); err != nil {
			return err
		}
	}
}

// CloseIntake rejects further publishes.
func (b *Broker) CloseIntake() { b.closed.Store(true) }

// Backlog returns the number of undelivered messages.
func (b *Broker) Backlog() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.backlog)
}

// DeadLetters returns messages that exhausted their attempts.
func (b *Broker) DeadLetters() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.dead...)
}

// Stats returns published and processed counters.
func (b *Broker) Stats() (published, processed uint64) {
	return b.published.Load(), b.processed.Load()
}
