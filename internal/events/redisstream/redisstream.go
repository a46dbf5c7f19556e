// Package redisstream is a durable event transport on Redis Streams.
//
// Messages are partitioned by key into streams named {topic}.{n}. Each
// consumer instance owns a static set of partitions and reads them through a
// consumer group, so all messages of one key are handled by one instance in
// stream order. A message is acknowledged only after its handler succeeds.
package redisstream

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/xenking/catalog-service/internal/events"
)

const (
	fieldKey     = "key"
	fieldPayload = "payload"
	fieldError   = "error"
	fieldSource  = "source"
)

// StreamName returns the stream of partition n.
func StreamName(topic string, n int) string {
	return topic + "." + strconv.Itoa(n)
}

// DeadLetterStream returns the stream receiving exhausted messages.
func DeadLetterStream(topic string) string {
	return topic + ".dlq"
}

// Publisher appends messages to partition streams.
type Publisher struct {
	rdb        redis.Cmdable
	topic      string
	partitions int
	maxLen     int64
}

var _ events.Transport = (*Publisher)(nil)

// NewPublisher creates a Publisher. maxLen caps each stream approximately;
// zero disables trimming.
func NewPublisher(rdb redis.Cmdable, topic string, partitions int, maxLen int64) *Publisher {
	return &Publisher{
		rdb:        rdb,
		topic:      topic,
		partitions: max(partitions, 1),
		maxLen:     maxLen,
	}
}

// Publish implements events.Transport.
func (p *Publisher) Publish(ctx context.Context, key string, payload []byte) error {
	stream := StreamName(p.topic, events.Partition(key, p.partitions))
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			fieldKey:     key,
			fieldPayload: string(payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
		return errors.Wrapf(err, "xadd %s", stream)
	}
	return nil
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Topic      string
	Group      string
	Name       string
	Partitions []int // owned partitions
	Block      time.Duration
	Retry      events.RetryPolicy
}

// Consumer reads owned partitions through a consumer group with a single
// message in flight.
type Consumer struct {
	rdb     redis.Cmdable
	cfg     ConsumerConfig
	streams []string

	attempts map[string]int
}

// NewConsumer creates a Consumer.
func NewConsumer(rdb redis.Cmdable, cfg ConsumerConfig) *Consumer {
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if len(cfg.Partitions) == 0 {
		cfg.Partitions = []int{0}
	}
	streams := make([]string, len(cfg.Partitions))
	for i, n := range cfg.Partitions {
		streams[i] = StreamName(cfg.Topic, n)
	}
	return &Consumer{
		rdb:      rdb,
		cfg:      cfg,
		streams:  streams,
		attempts: make(map[string]int),
	}
}

// Setup creates the consumer group on every owned stream.
func (c *Consumer) Setup(ctx context.Context) error {
	for _, s := range c.streams {
		err := c.rdb.XGroupCreateMkStream(ctx, s, c.cfg.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return errors.Wrapf(err, "create group on %s", s)
		}
	}
	return nil
}

// Run consumes until ctx is done. Pending messages of this consumer are
// drained first, so a message that failed or was interrupted is retried
// before newer messages of the same partition.
func (c *Consumer) Run(ctx context.Context, h events.MessageHandler) error {
	if err := c.Setup(ctx); err != nil {
		return err
	}
	lg := zctx.From(ctx).With(zap.String("consumer", c.cfg.Name), zap.Strings("streams", c.streams))
	lg.Info("Consuming")

	bo := c.cfg.Retry.NewBackOff()
	pending := true
	for {
		if ctx.Err() != nil {
			return nil
		}

		id := ">"
		if pending {
			id = "0"
		}
		res, err := c.read(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			lg.Warn("xreadgroup failed", zap.Error(err))
			if err := events.Sleep(ctx, bo.NextBackOff()); err != nil {
				return nil
			}
			continue
		}

		if pending && empty(res) {
			pending = false
			continue
		}

		failed, err := c.process(ctx, res, h)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			lg.Warn("ack failed", zap.Error(err))
		}
		if failed || err != nil {
			pending = true
			if err := events.Sleep(ctx, bo.NextBackOff()); err != nil {
				return nil
			}
			continue
		}
		bo.Reset()
	}
}

func (c *Consumer) read(ctx context.Context, id string) ([]redis.XStream, error) {
	streams := make([]string, 0, 2*len(c.streams))
	streams = append(streams, c.streams...)
	for range c.streams {
		streams = append(streams, id)
	}
	args := &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		Streams:  streams,
		Count:    1,
	}
	if id == ">" {
		args.Block = c.cfg.Block
	} else {
		args.Block = -1 // history reads never block
	}
	res, err := c.rdb.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

// process handles the batch in order and stops at the first failure so the
// remaining messages are re-read from the pending list.
func (c *Consumer) process(ctx context.Context, res []redis.XStream, h events.MessageHandler) (failed bool, _ error) {
	for _, s := range res {
		for _, msg := range s.Messages {
			lg := zctx.From(ctx).With(zap.String("stream", s.Stream), zap.String("id", msg.ID))

			ref := s.Stream + "/" + msg.ID
			payload, _ := msg.Values[fieldPayload].(string)
			herr := h(ctx, []byte(payload))
			if herr == nil {
				delete(c.attempts, ref)
				if err := c.ack(ctx, s.Stream, msg.ID); err != nil {
					return false, err
				}
				continue
			}

			c.attempts[ref]++
			attempt := c.attempts[ref]
			if attempt < c.cfg.Retry.Attempts() {
				lg.Warn("message handler failed, will retry", zap.Int("attempt", attempt), zap.Error(herr))
				return true, nil
			}

			lg.Error("moving message to dead letter stream", zap.Int("attempts", attempt), zap.Error(herr))
			if err := c.deadLetter(ctx, s.Stream, msg, herr); err != nil {
				return false, err
			}
			delete(c.attempts, ref)
			if err := c.ack(ctx, s.Stream, msg.ID); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

func (c *Consumer) ack(ctx context.Context, stream, id string) error {
	if err := c.rdb.XAck(ctx, stream, c.cfg.Group, id).Err(); err != nil {
		return errors.Wrapf(err, "xack %s %s", stream, id)
	}
	return nil
}

func (c *Consumer) deadLetter(ctx context.Context, stream string, msg redis.XMessage, cause error) error {
	values := map[string]interface{}{
		fieldSource: stream + "/" + msg.ID,
		fieldError:  cause.Error(),
	}
	for k, v := range msg.Values {
		values[k] = v
	}
	dlq := DeadLetterStream(c.cfg.Topic)
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: dlq, Values: values}).Err(); err != nil {
		return errors.Wrapf(err, "xadd %s", dlq)
	}
	return nil
}

func empty(res []redis.XStream) bool {
	for _, s := range res {
		if len(s.Messages) > 0 {
			return false
		}
	}
	return true
}

// AssignPartitions returns the partitions owned by instance idx of count
// instances sharing total partitions.
func AssignPartitions(total, idx, count int) []int {
	if count <= 0 || idx < 0 || idx >= count {
		return nil
	}
	var out []int
	for p := idx; p < total; p += count {
		out = append(out, p)
	}
	return out
}
