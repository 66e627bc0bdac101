package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimasrn/followup-gateway/internal/model"
	"github.com/nimasrn/followup-gateway/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(name string) QueueConfig {
	return QueueConfig{
		Name:              name,
		ConsumerGroup:     "test-group",
		ConsumerName:      "test-consumer",
		MaxRetries:        3,
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      50 * time.Millisecond,
		BatchSize:         10,
		EnableDLQ:         true,
	}
}

func TestAckStream_PublishAndConsume(t *testing.T) {
	_, adapter := redis.NewTestAdapter(t)

	stream, err := NewAckStream(adapter, testConfig("test:acks"))
	require.NoError(t, err)
	defer stream.Stop(time.Second)

	ev := &model.AckEvent{
		ExternalMessageID: "ext-1",
		Kind:              model.AckDelivered,
		Code:              2,
		DedupeKey:         "ext-1:2",
		ReceivedAt:        time.Now().UTC(),
	}
	_, err = stream.PublishAck(context.Background(), ev)
	require.NoError(t, err)

	received := make(chan *model.AckEvent, 1)
	require.NoError(t, stream.Consume(func(ctx context.Context, got *model.AckEvent, attempts int) error {
		assert.Equal(t, 1, attempts)
		received <- got
		return nil
	}))

	select {
	case got := <-received:
		assert.Equal(t, "ext-1", got.ExternalMessageID)
		assert.Equal(t, model.AckDelivered, got.Kind)
		assert.Equal(t, "ext-1:2", got.DedupeKey)
	case <-time.After(2 * time.Second):
		t.Fatal("ack not received")
	}

	assert.Eventually(t, func() bool {
		stats, err := stream.Stats(context.Background())
		return err == nil && stats.PendingMessages == 0
	}, 2*time.Second, 50*time.Millisecond)
}

func TestQueue_FailedMessagesAreRedeliveredThenDeadLettered(t *testing.T) {
	_, adapter := redis.NewTestAdapter(t)

	cfg := testConfig("test:retry")
	cfg.MaxRetries = 2
	cfg.VisibilityTimeout = 100 * time.Millisecond

	q, err := NewQueue(adapter, cfg)
	require.NoError(t, err)
	defer q.Stop(time.Second)

	_, err = q.Publish(context.Background(), []byte(`{"x":1}`), map[string]string{"source": "test"})
	require.NoError(t, err)

	var calls atomic.Int32
	var lastAttempt atomic.Int32
	require.NoError(t, q.Consume(func(ctx context.Context, msg *Message) error {
		calls.Add(1)
		lastAttempt.Store(int32(msg.Attempts))
		assert.Equal(t, "test", msg.Metadata["source"])
		return errors.New("not yet")
	}))

	assert.Eventually(t, func() bool {
		stats, err := q.GetStats(context.Background())
		return err == nil && stats.DeadLetters == 1 && stats.PendingMessages == 0
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(2), lastAttempt.Load())
}

func TestQueue_RedeliveryEventuallySucceeds(t *testing.T) {
	_, adapter := redis.NewTestAdapter(t)

	cfg := testConfig("test:recover")
	cfg.VisibilityTimeout = 100 * time.Millisecond

	q, err := NewQueue(adapter, cfg)
	require.NoError(t, err)
	defer q.Stop(time.Second)

	_, err = q.PublishJSON(context.Background(), map[string]string{"k": "v"}, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, q.Consume(func(ctx context.Context, msg *Message) error {
		if calls.Add(1) == 1 {
			return errors.New("first attempt fails")
		}
		return nil
	}))

	assert.Eventually(t, func() bool {
		stats, err := q.GetStats(context.Background())
		return err == nil && calls.Load() == 2 && stats.PendingMessages == 0 && stats.DeadLetters == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestNewQueue(t *testing.T) {
	_, adapter := redis.NewTestAdapter(t)

	_, err := NewQueue(adapter, QueueConfig{})
	assert.Error(t, err)

	first, err := NewQueue(adapter, testConfig("test:twice"))
	require.NoError(t, err)
	defer first.Stop(time.Second)

	second, err := NewQueue(adapter, testConfig("test:twice"))
	require.NoError(t, err, "existing consumer group is reused")
	defer second.Stop(time.Second)
}

func TestQueue_Stop(t *testing.T) {
	_, adapter := redis.NewTestAdapter(t)

	q, err := NewQueue(adapter, testConfig("test:stop"))
	require.NoError(t, err)

	require.NoError(t, q.Consume(func(ctx context.Context, msg *Message) error { return nil }))
	assert.Error(t, q.Consume(func(ctx context.Context, msg *Message) error { return nil }))

	assert.NoError(t, q.Stop(2*time.Second))
	assert.NoError(t, q.Stop(time.Second))
}
