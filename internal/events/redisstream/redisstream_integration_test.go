//go:build integration

package redisstream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/catalog-service/internal/events"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())
	return rdb
}

func TestRedisStream_EndToEnd(t *testing.T) {
	rdb := startRedis(t)
	const topic = "it-images"

	pub := NewPublisher(rdb, topic, 2, 0)
	for i := range 10 {
		require.NoError(t, pub.Publish(context.Background(), "P1", []byte(fmt.Sprint(i))))
	}
	require.NoError(t, pub.Publish(context.Background(), "P2", []byte("p2")))

	var (
		mu       sync.Mutex
		got      []string
		failOnce = true
	)
	h := func(_ context.Context, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if string(payload) == "3" && failOnce {
			failOnce = false
			return errors.New("transient")
		}
		got = append(got, string(payload))
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewConsumer(rdb, ConsumerConfig{
		Topic:      topic,
		Group:      "catalog",
		Name:       "it-1",
		Partitions: []int{0, 1},
		Block:      100 * time.Millisecond,
		Retry:      events.RetryPolicy{MaxAttempts: 3, InitialInterval: 10 * time.Millisecond},
	})
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, h) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 11
	}, 10*time.Second, 20*time.Millisecond)

	mu.Lock()
	var p1 []string
	for _, v := range got {
		if v != "p2" {
			p1 = append(p1, v)
		}
	}
	mu.Unlock()
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}, p1, "per-key order survives a retry")

	cancel()
	require.NoError(t, <-done)

	for _, n := range []int{0, 1} {
		pending, err := rdb.XPending(context.Background(), StreamName(topic, n), "catalog").Result()
		require.NoError(t, err)
		assert.Zero(t, pending.Count)
	}
}

func TestRedisStream_DeadLetter(t *testing.T) {
	rdb := startRedis(t)
	const topic = "it-dlq"

	pub := NewPublisher(rdb, topic, 1, 0)
	require.NoError(t, pub.Publish(context.Background(), "P1", []byte("poison")))
	require.NoError(t, pub.Publish(context.Background(), "P1", []byte("ok")))

	var (
		mu  sync.Mutex
		oks int
	)
	h := func(_ context.Context, payload []byte) error {
		if string(payload) == "poison" {
			return errors.New("always")
		}
		mu.Lock()
		oks++
		mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewConsumer(rdb, ConsumerConfig{
		Topic: topic, Group: "catalog", Name: "it-1",
		Block: 100 * time.Millisecond,
		Retry: events.RetryPolicy{MaxAttempts: 2, InitialInterval: 5 * time.Millisecond},
	})
	go func() { _ = c.Run(ctx, h) }()

	require.Eventually(t, func() bool {
		n, err := rdb.XLen(context.Background(), DeadLetterStream(topic)).Result()
		return err == nil && n == 1
	}, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return oks == 1
	}, 5*time.Second, 20*time.Millisecond)

	msgs, err := rdb.XRange(context.Background(), DeadLetterStream(topic), "-", "+").Result()
	require.NoError(t, err)
	assert.Equal(t, "poison", msgs[0].Values[fieldPayload])
	assert.Equal(t, "always", msgs[0].Values[fieldError])
}
