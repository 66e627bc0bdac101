package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimasrn/followup-gateway/internal/config"
	"github.com/nimasrn/followup-gateway/internal/processor"
	"github.com/nimasrn/followup-gateway/internal/repository"
	"github.com/nimasrn/followup-gateway/internal/services"
	"github.com/nimasrn/followup-gateway/internal/triggers"
	"github.com/nimasrn/followup-gateway/pkg/logger"
	"github.com/nimasrn/followup-gateway/pkg/pg"
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
	logger.Info("starting trigger consumer", "version", version, "commit", commit, "date", date)

	if cfg.AmqpUrl == "" {
		logger.Error("AMQP_URL is required")
		return
	}

	db, err := pg.CreateReadWrite(cfg.PostgresRead(), cfg.PostgresWrite(), cfg.AppEnv == "dev")
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}
	defer db.Close()

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, cfg.RedisOptions("triggers"))
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}
	defer redisAdap.Close()

	followupService := services.NewFollowupService(
		repository.NewDeliveryRepository(db),
		repository.NewTemplateRepository(db),
	)
	dedup := processor.NewIdempotencyService(redisAdap, processor.IdempotencyConfig{
		LockTTL:            30 * time.Second,
		ProcessedTTL:       cfg.AckDedupeTTL,
		LockKeyPrefix:      "trigger:lock:",
		ProcessedKeyPrefix: "trigger:processed:",
	})

	consumer := triggers.NewConsumer(triggers.Config{
		URL:   cfg.AmqpUrl,
		Queue: cfg.TriggerQueue,
	}, followupService, dedup)
	if err := consumer.Start(); err != nil {
		logger.Error("failed to start trigger consumer", "error", err)
		return
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case <-c:
	case <-consumer.Done():
		logger.Error("trigger consumer stopped unexpectedly")
	}
	if err := consumer.Stop(); err != nil {
		logger.Warn("error stopping trigger consumer", "error", err)
	}
}
