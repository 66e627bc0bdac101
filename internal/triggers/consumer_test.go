package triggers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nimasrn/followup-gateway/internal/model"
	"github.com/nimasrn/followup-gateway/internal/processor"
	"github.com/nimasrn/followup-gateway/internal/services"
	"github.com/nimasrn/followup-gateway/pkg/redis"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScheduler struct {
	mu    sync.Mutex
	calls []Event
	err   error
}

func (f *fakeScheduler) ScheduleForTrigger(_ context.Context, trigger model.TriggerEvent, recipient string, vars map[string]string) ([]*model.DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Event{Trigger: trigger, Recipient: recipient, Variables: vars})
	if f.err != nil {
		return nil, f.err
	}
	return []*model.DeliveryRecord{{ID: 1}}, nil
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type settlement struct {
	tag     uint64
	kind    string
	requeue bool
}

type recordingAcknowledger struct {
	settled []settlement
}

func (a *recordingAcknowledger) Ack(tag uint64, _ bool) error {
	a.settled = append(a.settled, settlement{tag: tag, kind: "ack"})
	return nil
}

func (a *recordingAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.settled = append(a.settled, settlement{tag: tag, kind: "nack", requeue: requeue})
	return nil
}

func (a *recordingAcknowledger) Reject(tag uint64, requeue bool) error {
	a.settled = append(a.settled, settlement{tag: tag, kind: "reject", requeue: requeue})
	return nil
}

func delivery(ack amqp.Acknowledger, tag uint64, body string, redelivered bool) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		Body:         []byte(body),
		Redelivered:  redelivered,
	}
}

const completedEvent = `{"event_id":"evt-1","trigger":"service_completed","recipient":"+4915112345678","variables":{"customer_name":"Ana"}}`

func TestConsumer_AcksScheduledEvent(t *testing.T) {
	scheduler := &fakeScheduler{}
	c := NewConsumer(Config{}, scheduler, nil)
	ack := &recordingAcknowledger{}

	c.handle(delivery(ack, 1, completedEvent, false))

	require.Len(t, scheduler.calls, 1)
	assert.Equal(t, model.TriggerServiceCompleted, scheduler.calls[0].Trigger)
	assert.Equal(t, "Ana", scheduler.calls[0].Variables["customer_name"])
	assert.Equal(t, []settlement{{tag: 1, kind: "ack"}}, ack.settled)
}

func TestConsumer_Settlement(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		err         error
		redelivered bool
		want        settlement
	}{
		{"malformed body", `{"trigger":`, nil, false, settlement{tag: 2, kind: "reject"}},
		{"invalid event", completedEvent, services.ErrInvalidRequest, false, settlement{tag: 2, kind: "reject"}},
		{"store failure first time", completedEvent, errors.New("db down"), false, settlement{tag: 2, kind: "nack", requeue: true}},
		{"store failure on redelivery", completedEvent, errors.New("db down"), true, settlement{tag: 2, kind: "reject"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConsumer(Config{}, &fakeScheduler{err: tt.err}, nil)
			ack := &recordingAcknowledger{}

			c.handle(delivery(ack, 2, tt.body, tt.redelivered))

			assert.Equal(t, []settlement{tt.want}, ack.settled)
		})
	}
}

func TestConsumer_DeduplicatesByEventID(t *testing.T) {
	_, adapter := redis.NewTestAdapter(t)
	dedup := processor.NewIdempotencyService(adapter, processor.IdempotencyConfig{
		LockTTL:            time.Second,
		ProcessedTTL:       time.Hour,
		LockKeyPrefix:      "trigger:lock:",
		ProcessedKeyPrefix: "trigger:processed:",
	})
	scheduler := &fakeScheduler{}
	c := NewConsumer(Config{}, scheduler, dedup)
	ack := &recordingAcknowledger{}

	c.handle(delivery(ack, 1, completedEvent, false))
	c.handle(delivery(ack, 2, completedEvent, true))

	assert.Equal(t, 1, scheduler.count())
	assert.Equal(t, []settlement{{tag: 1, kind: "ack"}, {tag: 2, kind: "ack"}}, ack.settled)

	t.Run("failed schedule leaves the event retryable", func(t *testing.T) {
		failing := &fakeScheduler{err: errors.New("db down")}
		c := NewConsumer(Config{}, failing, dedup)
		ack := &recordingAcknowledger{}
		body := `{"event_id":"evt-2","trigger":"vehicle_ready","recipient":"+4915112345678"}`

		c.handle(delivery(ack, 3, body, false))
		failing.err = nil
		c.handle(delivery(ack, 4, body, true))

		assert.Equal(t, 2, failing.count())
		assert.Equal(t, []settlement{{tag: 3, kind: "nack", requeue: true}, {tag: 4, kind: "ack"}}, ack.settled)
	})
}
