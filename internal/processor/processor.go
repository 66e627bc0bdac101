package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/followup-gateway/internal/model"
	"github.com/nimasrn/followup-gateway/internal/queue"
	"github.com/nimasrn/followup-gateway/pkg/logger"
	"github.com/nimasrn/followup-gateway/pkg/worker"
)

const HealthInterval = time.Second * 30
const MetricsInterval = time.Second * 30
const ShutdownTimeout = time.Minute

type ServiceConfig struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	ClaimLease   time.Duration
	// AckMaxAttempts is the ack stream's redelivery limit. An ack for an
	// unknown message is retried until then, in case it overtook the
	// dispatch that stores its external id.
	AckMaxAttempts int
}

// Pinger is anything the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProcessorService runs the dispatch loop and the ack consumer.
type ProcessorService struct {
	config     ServiceConfig
	owner      string
	store      DeliveryStore
	dispatcher *Dispatcher
	correlator *Correlator
	acks       *queue.AckStream
	pingers    map[string]Pinger
	metrics    *ServiceMetrics
	worker     *worker.WorkerManager[*model.DeliveryRecord]
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   sync.Once
}

func NewProcessorService(cfg ServiceConfig, store DeliveryStore, dispatcher *Dispatcher, correlator *Correlator, acks *queue.AckStream) *ProcessorService {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 2 * time.Minute
	}

	host, _ := os.Hostname()
	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessorService{
		config:     cfg,
		owner:      fmt.Sprintf("%s-%s", host, uuid.NewString()),
		store:      store,
		dispatcher: dispatcher,
		correlator: correlator,
		acks:       acks,
		pingers:    make(map[string]Pinger),
		metrics:    NewServiceMetrics(),
		worker:     worker.NewWorkerManager[*model.DeliveryRecord](cfg.BatchSize, cfg.Workers),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// AddHealthCheck registers a dependency probed by the periodic health check.
func (s *ProcessorService) AddHealthCheck(name string, p Pinger) {
	s.pingers[name] = p
}

func (s *ProcessorService) Metrics() *ServiceMetrics {
	return s.metrics
}

func (s *ProcessorService) Start() error {
	logger.Info("starting processor service", "owner", s.owner, "workers", s.config.Workers)

	s.worker.SetWorker(s.workerHandler)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(); err != nil && !errors.Is(err, worker.ErrWorkersTerminated) {
			logger.Error("worker manager stopped", "error", err)
		}
	}()

	if s.acks != nil {
		if err := s.acks.Consume(s.ackHandler); err != nil {
			s.cancel()
			s.worker.Exit()
			return fmt.Errorf("failed to start ack consumer: %w", err)
		}
	}

	s.wg.Add(3)
	go s.pollLoop()
	go s.metricsReporter()
	go s.healthChecker()

	logger.Info("processor service started", "batch_size", s.config.BatchSize, "poll_interval", s.config.PollInterval)
	return nil
}

func (s *ProcessorService) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.PollOnce(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

// PollOnce claims the records that are due and hands them to the workers.
// It claims no more than the pool can take, so leases are not spent waiting
// in the buffer.
func (s *ProcessorService) PollOnce(ctx context.Context) int {
	free := s.config.BatchSize - int(s.worker.GetUnreadCount())
	if free <= 0 {
		return 0
	}

	records, err := s.store.ClaimDue(ctx, s.owner, time.Now().UTC(), s.config.ClaimLease, free)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("failed to claim due deliveries", "error", err)
		}
		return 0
	}

	for i, rec := range records {
		if err := s.worker.Enqueue(ctx, rec); err != nil {
			// unhandled claims expire with their lease
			logger.Warn("failed to enqueue claimed deliveries", "count", len(records)-i, "error", err)
			return i
		}
	}
	if len(records) > 0 {
		logger.Debug("claimed due deliveries", "count", len(records))
	}
	return len(records)
}

func (s *ProcessorService) workerHandler(workerIndex int, rec *model.DeliveryRecord) {
	start := time.Now()
	// not tied to s.ctx, a send in flight at shutdown runs to its timeout
	outcome, err := s.dispatcher.Dispatch(context.Background(), rec)
	s.metrics.RecordOutcome(outcome, time.Since(start))
	if err != nil {
		logger.Error("dispatch error", "worker", workerIndex, "delivery_id", rec.ID, "error", err)
	}
}

func (s *ProcessorService) ackHandler(ctx context.Context, ev *model.AckEvent, attempts int) error {
	err := s.correlator.HandleAck(ctx, *ev)
	if errors.Is(err, ErrUnknownMessage) && attempts >= s.config.AckMaxAttempts {
		logger.Warn("discarding ack for unknown message",
			"external_id", ev.ExternalMessageID, "kind", ev.Kind, "attempts", attempts)
		s.metrics.RecordAck(err)
		return nil
	}
	if err != nil {
		logger.Debug("ack not applied, will be redelivered",
			"external_id", ev.ExternalMessageID, "attempts", attempts, "error", err)
		s.metrics.RecordAck(err)
		return err
	}
	s.metrics.RecordAck(nil)
	return nil
}

func (s *ProcessorService) metricsReporter() {
	defer s.wg.Done()

	ticker := time.NewTicker(MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportMetrics()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) reportMetrics() {
	stats := s.metrics.GetStats()
	fields := make([]any, 0, len(stats)*2)
	for k, v := range stats {
		fields = append(fields, k, v)
	}
	logger.Info("processor metrics", fields...)

	if s.acks == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if qStats, err := s.acks.Stats(ctx); err == nil {
		logger.Info("ack stream stats",
			"total", qStats.TotalMessages, "pending", qStats.PendingMessages, "dead_letters", qStats.DeadLetters)
	}
}

func (s *ProcessorService) healthChecker() {
	defer s.wg.Done()

	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthCheck()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) performHealthCheck() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	healthy := true
	for name, p := range s.pingers {
		if err := p.Ping(ctx); err != nil {
			logger.Error("health check failed", "dependency", name, "error", err)
			healthy = false
		}
	}

	if s.acks != nil {
		if stats, err := s.acks.Stats(ctx); err == nil && stats.PendingMessages > 10_000 {
			logger.Warn("ack stream has high lag", "pending_messages", stats.PendingMessages)
		}
	}

	if healthy {
		logger.Debug("health check ok")
	}
	return healthy
}

// Stop stops claiming, lets running dispatches finish and stops the ack
// consumer. Records claimed but not yet started are picked up again after
// their lease expires.
func (s *ProcessorService) Stop() {
	s.stopOnce.Do(func() {
		logger.Info("shutting down processor service")
		s.cancel()

		if s.acks != nil {
			if err := s.acks.Stop(ShutdownTimeout); err != nil {
				logger.Error("error stopping ack consumer", "error", err)
			}
		}

		s.worker.Exit()
		s.wg.Wait()

		s.reportMetrics()
		logger.Info("processor service stopped")
	})
}
