// Classify-Relay Outbox Relay
//
// Drains the outbox with exponential backoff, HMAC-signs payloads, and
// delivers them to each task's callback URL over HTTP.
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
	"github.com/Egor-Alpy/ktru-classify-relay/internal/common/leader"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/common/lifecycle"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/config"
	"github.com/Egor-Alpy/ktru-classify-relay/internal/relay"
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
		Str("component", "relay").
		Msg("Starting Classify-Relay Outbox Relay")

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

	relayConfig := relay.DefaultConfig()
	relayConfig.PollInterval = cfg.Task.PollInterval
	relayConfig.MaxConcurrentSends = cfg.Task.MaxConcurrentDeliveries
	relayConfig.RequestTimeout = cfg.Remote.RequestTimeout

	rl := relay.New(st, relayConfig)

	lm := lifecycle.NewManager()

	// Leader election is off by default — the design is correct for a
	// single relay instance (§1 non-goals). Set LEADER_ELECTION_ENABLED
	// to run more than one and have only the elected instance drain the
	// outbox.
	var elector *leader.Elector
	if cfg.Leader.Enabled {
		electorConfig := leader.DefaultConfig(cfg.Leader.LockName)
		electorConfig.TTL = cfg.Leader.TTL
		electorConfig.RefreshInterval = cfg.Leader.RefreshInterval
		elector = leader.NewElector(rdb, electorConfig)
		elector.OnBecomeLeader(rl.Start)
		elector.OnLoseLeadership(rl.Stop)
		elector.Start()
		lm.RegisterLeaderShutdown("leader-election", func(context.Context) error {
			elector.Stop()
			return nil
		})
		log.Info().Str("lock_name", cfg.Leader.LockName).Msg("relay leader election enabled")
	} else {
		rl.Start()
	}

	log.Info().
		Dur("pollInterval", relayConfig.PollInterval).
		Int("maxConcurrentSends", relayConfig.MaxConcurrentSends).
		Bool("leaderElection", cfg.Leader.Enabled).
		Msg("Relay started")

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

	lm.RegisterHTTPShutdown("http", server.Shutdown)
	lm.RegisterWorkerShutdown("relay", func(context.Context) error {
		rl.Stop()
		return nil
	})
	lm.RegisterDatabaseShutdown("store", func(context.Context) error {
		return rdb.Close()
	})

	if err := lm.Run(); err != nil {
		log.Error().Err(err).Msg("graceful shutdown did not complete cleanly")
	}

	log.Info().Msg("Classify-Relay Outbox Relay stopped")
}
