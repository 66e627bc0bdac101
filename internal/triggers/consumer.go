// Package triggers feeds business events from RabbitMQ into the scheduler.
package triggers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/followup-gateway/internal/model"
	"github.com/nimasrn/followup-gateway/internal/processor"
	"github.com/nimasrn/followup-gateway/internal/services"
	"github.com/nimasrn/followup-gateway/pkg/logger"
	"github.com/streadway/amqp"
)

// Event is the message body published on the trigger queue.
type Event struct {
	EventID   string             `json:"event_id,omitempty"`
	Trigger   model.TriggerEvent `json:"trigger"`
	Recipient string             `json:"recipient"`
	Variables map[string]string  `json:"variables,omitempty"`
}

type Scheduler interface {
	ScheduleForTrigger(ctx context.Context, trigger model.TriggerEvent, recipient string, vars map[string]string) ([]*model.DeliveryRecord, error)
}

type Config struct {
	URL           string
	Queue         string
	ConsumerTag   string
	Prefetch      int
	HandleTimeout time.Duration
}

type action int

const (
	actionAck action = iota
	actionRequeue
	actionDrop
)

type Consumer struct {
	config    Config
	scheduler Scheduler
	dedup     *processor.IdempotencyService

	conn *amqp.Connection
	ch   *amqp.Channel
	wg   sync.WaitGroup
	once sync.Once
	done chan struct{}
}

// NewConsumer builds a consumer. dedup may be nil, in which case events
// carrying the same event_id are scheduled again on redelivery.
func NewConsumer(config Config, scheduler Scheduler, dedup *processor.IdempotencyService) *Consumer {
	if config.Queue == "" {
		config.Queue = "followup.triggers"
	}
	if config.ConsumerTag == "" {
		config.ConsumerTag = "followup-triggers-" + uuid.NewString()
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 10
	}
	if config.HandleTimeout <= 0 {
		config.HandleTimeout = 10 * time.Second
	}
	return &Consumer{
		config:    config,
		scheduler: scheduler,
		dedup:     dedup,
		done:      make(chan struct{}),
	}
}

// Start connects, declares the durable queue and consumes it with manual
// acknowledgments in the background.
func (c *Consumer) Start() error {
	conn, err := amqp.Dial(c.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := ch.Qos(c.config.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to set qos: %w", err)
	}
	if _, err := declareQueue(ch, c.config.Queue); err != nil {
		_ = conn.Close()
		return err
	}

	deliveries, err := ch.Consume(
		c.config.Queue,
		c.config.ConsumerTag,
		false, // autoAck
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.conn, c.ch = conn, ch
	c.wg.Add(1)
	go c.loop(deliveries)

	logger.Info("trigger consumer started", "queue", c.config.Queue, "prefetch", c.config.Prefetch)
	return nil
}

// Done is closed when the delivery channel ends, either by Stop or because
// the broker connection was lost.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) loop(deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	defer close(c.done)

	for d := range deliveries {
		c.handle(d)
	}
	logger.Warn("trigger delivery channel closed", "queue", c.config.Queue)
}

func (c *Consumer) handle(d amqp.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.HandleTimeout)
	defer cancel()

	var err error
	switch c.process(ctx, d.Body, d.Redelivered) {
	case actionAck:
		err = d.Ack(false)
	case actionRequeue:
		err = d.Nack(false, true)
	case actionDrop:
		err = d.Reject(false)
	}
	if err != nil {
		logger.Error("failed to settle trigger delivery", "delivery_tag", d.DeliveryTag, "error", err)
	}
}

// process decides what happens to one delivery. Unreadable or invalid events
// are dropped (dead-lettered when the queue has a DLX). A failed schedule is
// requeued once and dropped on the second failure.
func (c *Consumer) process(ctx context.Context, body []byte, redelivered bool) action {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		logger.Warn("invalid trigger event", "error", err)
		return actionDrop
	}

	var pc *processor.ProcessingContext
	if c.dedup != nil && ev.EventID != "" {
		var err error
		pc, err = c.dedup.AcquireProcessingLock(ctx, ev.EventID)
		if errors.Is(err, processor.ErrAlreadyProcessed) {
			logger.Debug("duplicate trigger event skipped", "event_id", ev.EventID)
			return actionAck
		}
		if err != nil {
			logger.Warn("trigger event is locked by another consumer", "event_id", ev.EventID, "error", err)
			return actionRequeue
		}
		defer func() { _ = c.dedup.ReleaseLock(context.WithoutCancel(ctx), pc) }()
	}

	recs, err := c.scheduler.ScheduleForTrigger(ctx, ev.Trigger, ev.Recipient, ev.Variables)
	if err != nil {
		if errors.Is(err, services.ErrInvalidRequest) {
			logger.Warn("trigger event rejected", "event_id", ev.EventID, "trigger", ev.Trigger, "error", err)
			return actionDrop
		}
		logger.Error("failed to schedule trigger event",
			"event_id", ev.EventID, "trigger", ev.Trigger, "redelivered", redelivered, "error", err)
		if redelivered {
			return actionDrop
		}
		return actionRequeue
	}

	if pc != nil {
		if err := c.dedup.MarkSuccess(ctx, pc); err != nil {
			logger.Warn("failed to mark trigger event processed", "event_id", ev.EventID, "error", err)
		}
	}

	logger.Info("trigger event consumed", "event_id", ev.EventID, "trigger", ev.Trigger, "scheduled", len(recs))
	return actionAck
}

func (c *Consumer) Stop() error {
	var err error
	c.once.Do(func() {
		if c.ch != nil {
			if e := c.ch.Cancel(c.config.ConsumerTag, false); e != nil {
				err = e
			}
		}
		c.wg.Wait()
		if c.conn != nil {
			if e := c.conn.Close(); e != nil && err == nil {
				err = e
			}
		}
	})
	return err
}

func declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return q, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return q, nil
}
