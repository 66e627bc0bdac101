package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimasrn/followup-gateway/internal/config"
	"github.com/nimasrn/followup-gateway/internal/handlers"
	"github.com/nimasrn/followup-gateway/internal/queue"
	"github.com/nimasrn/followup-gateway/internal/repository"
	"github.com/nimasrn/followup-gateway/internal/services"
	"github.com/nimasrn/followup-gateway/internal/session"
	xhttp "github.com/nimasrn/followup-gateway/pkg/http"
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
	logger.Info("starting api", "version", version, "commit", commit, "date", date)

	// transport (tcp for now)
	opts := xhttp.DefaultServerOption
	if cfg.HttpServerReadTimeout > 0 {
		opts.ReadTimeout = time.Duration(cfg.HttpServerReadTimeout) * time.Second
	}
	if cfg.HttpServerWriteTimeout > 0 {
		opts.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeout) * time.Second
	}
	if cfg.HttpServerReadBufferSize > 0 {
		opts.ReadBufferSize = cfg.HttpServerReadBufferSize
	}
	if cfg.HttpServerWriteBufferSize > 0 {
		opts.WriteBufferSize = cfg.HttpServerWriteBufferSize
	}
	s := xhttp.NewServer(opts)
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestIDMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 5))

	db, err := pg.CreateReadWrite(cfg.PostgresRead(), cfg.PostgresWrite(), cfg.AppEnv == "dev")
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}
	defer db.Close()

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, cfg.RedisOptions("api"))
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}
	defer redisAdap.Close()

	acks, err := queue.NewAckStream(redisAdap, queue.QueueConfig{
		Name:          cfg.AckStreamName,
		ConsumerGroup: cfg.AckStreamConsumerGroup,
		MaxLen:        cfg.AckStreamMaxLen,
	})
	if err != nil {
		logger.Error("failed creating ack stream", "error", err)
		return
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}
	if cfg.AppDebugMetricsAddr != "" {
		go prom.ListenAndServer(cfg.AppDebugMetricsAddr, cfg.AppDebugMetricsURI)
	}

	deliveryRepo := repository.NewDeliveryRepository(db)
	templateRepo := repository.NewTemplateRepository(db)

	// services
	followupService := services.NewFollowupService(deliveryRepo, templateRepo)
	healthService := services.NewHealthService(2 * time.Second)
	healthService.Register("postgres", db)
	healthService.Register("redis", redisAdap)
	tracker := session.NewTracker(redisAdap, cfg.SessionStatusTTL)

	// v1 handlers
	followupHandler := handlers.NewFollowupHandler(followupService)
	healthHandler := handlers.NewHealthHandler(healthService)
	webhookHandler := handlers.NewWebhookHandler(acks, tracker, cfg.WebhookSecret)
	if cfg.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SECRET is empty, gateway callbacks are not authenticated")
	}

	g := s.Router.Group("/api/v1")
	handlers.RegisterFollowupRoutes(g, followupHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)
	handlers.RegisterWebhookRoutes(s.Router.Group("/webhooks"), webhookHandler)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		var err = s.ListenAndServe(cfg.HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
			c <- syscall.SIGTERM
		}
	}()

	<-c
	s.Shutdown()
}
