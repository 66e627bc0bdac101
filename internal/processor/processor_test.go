package processor

import (
	"context"
	"testing"
	"time"

	"github.com/nimasrn/followup-gateway/internal/model"
	"github.com/nimasrn/followup-gateway/internal/queue"
	"github.com/nimasrn/followup-gateway/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, f *fixture, acks *queue.AckStream, adapter redis.RedisAdapter) *ProcessorService {
	t.Helper()
	correlator := NewCorrelator(f.deliveries, NewIdempotencyService(adapter, DefaultIdempotencyConfig()))
	svc := NewProcessorService(ServiceConfig{
		Workers:        10,
		BatchSize:      10,
		PollInterval:   10 * time.Millisecond,
		ClaimLease:     time.Minute,
		AckMaxAttempts: 5,
	}, f.deliveries, f.dispatcher, correlator, acks)
	svc.AddHealthCheck("redis", adapter)
	return svc
}

func TestProcessorService_DispatchesAndCorrelates(t *testing.T) {
	f := newFixture(t)
	_, adapter := redis.NewTestAdapter(t)
	acks, err := queue.NewAckStream(adapter, queue.QueueConfig{
		Name:              "acks",
		ConsumerGroup:     "correlators",
		ConsumerName:      "c1",
		MaxRetries:        5,
		VisibilityTimeout: 50 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		BatchSize:         10,
		EnableDLQ:         true,
	})
	require.NoError(t, err)

	svc := newTestService(t, f, acks, adapter)

	rec := f.pending(t, nil, nil)

	// the ack is queued before the dispatch has stored its external id, the
	// stream redelivers it until the record is found

	_, err = acks.PublishAck(context.Background(), &model.AckEvent{
		ExternalMessageID: "ext-1",
		Kind:              model.AckDelivered,
		Code:              2,
		DedupeKey:         "ext-1:2",
		ReceivedAt:        time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, svc.Start())
	defer svc.Stop()

	assert.Eventually(t, func() bool {
		got, err := f.deliveries.Get(context.Background(), rec.ID)
		return err == nil && got.State == model.StateDelivered
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(1), f.sender.calls.Load())
	assert.Equal(t, int64(1), svc.Metrics().Outcome(OutcomeSent))
	assert.True(t, svc.performHealthCheck())
}

func TestProcessorService_PollOnceRespectsBuffer(t *testing.T) {
	f := newFixture(t)
	_, adapter := redis.NewTestAdapter(t)
	svc := newTestService(t, f, nil, adapter)

	for i := 0; i < 15; i++ {
		f.pending(t, nil, nil)
	}

	// workers are not started, so the buffer fills up
	assert.Equal(t, 10, svc.PollOnce(context.Background()))
	assert.Equal(t, 0, svc.PollOnce(context.Background()))
	svc.Stop()
}

func TestProcessorService_UnknownAckDiscardedAtLastAttempt(t *testing.T) {
	f := newFixture(t)
	_, adapter := redis.NewTestAdapter(t)
	svc := newTestService(t, f, nil, adapter)

	ev := &model.AckEvent{ExternalMessageID: "ext-nope", Kind: model.AckRead, Code: 3}
	assert.ErrorIs(t, svc.ackHandler(context.Background(), ev, 1), ErrUnknownMessage)
	assert.NoError(t, svc.ackHandler(context.Background(), ev, 5))
}
