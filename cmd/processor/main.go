package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimasrn/followup-gateway/internal/config"
	gateway "github.com/nimasrn/followup-gateway/internal/gateways"
	"github.com/nimasrn/followup-gateway/internal/processor"
	"github.com/nimasrn/followup-gateway/internal/queue"
	"github.com/nimasrn/followup-gateway/internal/repository"
	"github.com/nimasrn/followup-gateway/internal/session"
	"github.com/nimasrn/followup-gateway/pkg/logger"
	"github.com/nimasrn/followup-gateway/pkg/pg"
	"github.com/nimasrn/followup-gateway/pkg/prom"
	"github.com/nimasrn/followup-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	defer logger.Sync()

	err := config.Load(config.ArgEnvPath(os.Args))
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()
	logger.Info("starting processor", "version", version, "commit", commit, "date", date)

	db, err := pg.CreateReadWrite(cfg.PostgresRead(), cfg.PostgresWrite(), cfg.AppEnv == "dev")
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}
	defer db.Close()

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, cfg.RedisOptions("processor"))
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}
	defer redisAdap.Close()

	providers := []gateway.ProviderConfig{{Name: "primary", URL: cfg.GatewayPrimaryUrl, Priority: 0}}
	if cfg.GatewaySecondaryUrl != "" {
		providers = append(providers, gateway.ProviderConfig{Name: "secondary", URL: cfg.GatewaySecondaryUrl, Priority: 1})
	}
	client, err := gateway.NewClient(&gateway.Config{
		Providers:               providers,
		Timeout:                 cfg.DispatchSendTimeout,
		ApiKey:                  cfg.GatewayApiKey,
		RateLimit:               cfg.GatewayRateLimit,
		RateBurst:               cfg.GatewayRateBurst,
		MaxConns:                1000,
		ReadBufferSize:          1024 * 4,
		WriteBufferSize:         1024 * 4,
		HealthCheckInterval:     30 * time.Second,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   60 * time.Second,
	})
	if err != nil {
		logger.Error("failed to create gateway client", "error", err)
		return
	}
	defer client.Close()

	acks, err := queue.NewAckStream(redisAdap, queue.QueueConfig{
		Name:              cfg.AckStreamName,
		ConsumerGroup:     cfg.AckStreamConsumerGroup,
		ConsumerName:      cfg.AckStreamConsumerName,
		MaxRetries:        cfg.AckStreamMaxRetries,
		VisibilityTimeout: cfg.AckStreamVisibilityTimeout,
		PollInterval:      cfg.AckStreamPollInterval,
		BatchSize:         cfg.AckStreamBatchSize,
		MaxLen:            cfg.AckStreamMaxLen,
		EnableDLQ:         cfg.AckStreamEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating ack stream", "error", err)
		return
	}

	deliveryRepo := repository.NewDeliveryRepository(db)
	templateRepo := repository.NewTemplateRepository(db)
	tracker := session.NewTracker(redisAdap, cfg.SessionStatusTTL)

	idempotencyConfig := processor.DefaultIdempotencyConfig()
	idempotencyConfig.ProcessedTTL = cfg.AckDedupeTTL
	idempotencyService := processor.NewIdempotencyService(redisAdap, idempotencyConfig)

	policy := processor.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}
	dispatcher := processor.NewDispatcher(deliveryRepo, templateRepo, client, tracker, policy, cfg.DispatchSendTimeout, cfg.DispatchClaimLease)
	correlator := processor.NewCorrelator(deliveryRepo, idempotencyService)

	service := processor.NewProcessorService(processor.ServiceConfig{
		Workers:        cfg.DispatchWorkers,
		BatchSize:      cfg.DispatchBatchSize,
		PollInterval:   cfg.DispatchPollInterval,
		ClaimLease:     cfg.DispatchClaimLease,
		AckMaxAttempts: cfg.AckStreamMaxRetries,
	}, deliveryRepo, dispatcher, correlator, acks)
	service.AddHealthCheck("postgres", db)
	service.AddHealthCheck("redis", redisAdap)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	err = prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace)
	if err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	metricsAddr, metricsURI := cfg.AppDebugMetricsAddr, cfg.AppDebugMetricsURI
	if metricsAddr == "" {
		metricsAddr = ":9100"
	}
	if metricsURI == "" {
		metricsURI = "/metrics"
	}
	go prom.ListenAndServer(metricsAddr, metricsURI)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	if err := service.Start(); err != nil {
		logger.Error("failed to start processor", "error", err)
		return
	}

	<-c
	service.Stop()
}
