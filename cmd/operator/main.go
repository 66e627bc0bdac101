// Command operator runs a mock chat gateway for local runs and e2e tests.
// It accepts sends and reports delivery progress to the follow-up gateway's
// webhook.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8081")
	opts := Options{
		DeliveryRate:  getEnvFloat("DELIVERY_RATE", 0.95),
		ReadRate:      getEnvFloat("READ_RATE", 0.5),
		MinDelay:      getEnvDuration("MIN_DELAY", 500*time.Millisecond),
		MaxDelay:      getEnvDuration("MAX_DELAY", 3*time.Second),
		WebhookURL:    getEnv("WEBHOOK_URL", "http://localhost:8080/webhooks/gateway"),
		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
		ApiKey:        getEnv("GATEWAY_API_KEY", ""),
	}

	log.Info().
		Str("port", port).
		Float64("delivery_rate", opts.DeliveryRate).
		Float64("read_rate", opts.ReadRate).
		Dur("min_delay", opts.MinDelay).
		Dur("max_delay", opts.MaxDelay).
		Str("webhook_url", opts.WebhookURL).
		Msg("Starting mock chat gateway")

	gateway := NewMockGateway(opts)
	router := SetupRouter(NewHandler(gateway))

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	go gateway.AnnounceReady()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}
	gateway.Wait()

	log.Info().Msg("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
