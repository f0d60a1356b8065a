// Classify-Relay Dispatcher
//
// Submits pending classification tasks to the remote batch API and
// advances them to in_flight, retrying or failing per the remote
// response.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Egor-Alpy/ktru-classify-relay/internal/common/health"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/common/lifecycle"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/config"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/dispatcher"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/remotebatch"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if os.Getenv("CLASSIFY_RELAY_DEV") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	log.Info().
		Str("version", version).
		Str("build_time", buildTime).
		Str("component", "dispatcher").
		Msg("Starting Classify-Relay Dispatcher")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx := context.Background()
	healthChecker := health.NewChecker()

	rdb, err := store.NewClient(cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse store URL")
	}

	st := store.New(rdb, store.TTLSchedule{
		Pending:   cfg.Task.PendingTTL,
		Completed: cfg.Task.CompletedTTL,
		Failed:    cfg.Task.FailedTTL,
	})
	if err := st.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping store")
	}
	log.Info().Msg("Connected to store")

	healthChecker.AddReadinessCheck(health.RedisCheck(func() error {
		return st.Ping(ctx)
	}))

	remoteClient := remotebatch.NewHTTPClient(
		getEnv("REMOTE_API_BASE_URL", "https://api.anthropic.com"),
		cfg.Remote.APIKey,
		cfg.Remote.RequestTimeout,
	)

	dispatcherConfig := dispatcher.DefaultConfig()
	dispatcherConfig.PollInterval = cfg.Task.PollInterval
	dispatcherConfig.MaxAttempts = cfg.Task.MaxAttempts
	dispatcherConfig.MaxConcurrentSubmits = cfg.Task.MaxConcurrentSubmits
	dispatcherConfig.Model = cfg.Remote.Model
	dispatcherConfig.MaxTokens = cfg.Remote.MaxTokens

	d := dispatcher.New(st, remoteClient, dispatcherConfig)
	d.Start()

	log.Info().
		Dur("pollInterval", dispatcherConfig.PollInterval).
		Int("maxAttempts", dispatcherConfig.MaxAttempts).
		Int("maxConcurrentSubmits", dispatcherConfig.MaxConcurrentSubmits).
		Msg("Dispatcher started")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	lm := lifecycle.NewManager()
	lm.RegisterHTTPShutdown("http", server.Shutdown)
	lm.RegisterWorkerShutdown("dispatcher", func(context.Context) error {
		d.Stop()
		return nil
	})
	lm.RegisterDatabaseShutdown("store", func(context.Context) error {
		return rdb.Close()
	})

	if err := lm.Run(); err != nil {
		log.Error().Err(err).Msg("graceful shutdown did not complete cleanly")
	}

	log.Info().Msg("Classify-Relay Dispatcher stopped")
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
