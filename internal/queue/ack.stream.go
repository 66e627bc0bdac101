package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nimasrn/followup-gateway/internal/model"
	"github.com/nimasrn/followup-gateway/pkg/logger"
	"github.com/nimasrn/followup-gateway/pkg/redis"
)

// AckHandler receives decoded acknowledgments. Returning an error leaves the
// entry pending for redelivery.
type AckHandler func(ctx context.Context, ev *model.AckEvent, attempts int) error

// AckStream buffers gateway acknowledgments between webhook ingress and the
// correlator.
type AckStream struct {
	q *Queue
}

func NewAckStream(adapter redis.RedisAdapter, config QueueConfig) (*AckStream, error) {
	q, err := NewQueue(adapter, config)
	if err != nil {
		return nil, err
	}
	return &AckStream{q: q}, nil
}

func (s *AckStream) PublishAck(ctx context.Context, ev *model.AckEvent) (string, error) {
	return s.q.PublishJSON(ctx, ev, map[string]string{
		"external_id": ev.ExternalMessageID,
		"kind":        string(ev.Kind),
	})
}

func (s *AckStream) Consume(handler AckHandler) error {
	return s.q.Consume(func(ctx context.Context, msg *Message) error {
		var ev model.AckEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Error("dropping undecodable ack", "message_id", msg.ID, "error", err)
			return nil
		}
		return handler(ctx, &ev, msg.Attempts)
	})
}

func (s *AckStream) Stats(ctx context.Context) (*QueueStats, error) {
	return s.q.GetStats(ctx)
}

func (s *AckStream) Stop(timeout time.Duration) error {
	return s.q.Stop(timeout)
}
