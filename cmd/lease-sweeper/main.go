package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-turn-scheduling/internal/bootstrap"
	"github.com/hackgods/clinic-turn-scheduling/internal/config"
	"github.com/hackgods/clinic-turn-scheduling/internal/db"
	"github.com/hackgods/clinic-turn-scheduling/internal/lease"
	"github.com/hackgods/clinic-turn-scheduling/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("dev", "info")
		boot.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.Env, cfg.LogLevel).With().Str("component", "lease_sweeper").Logger()
	log.Info().
		Str("env", cfg.Env).
		Str("schedule", cfg.SweepSchedule).
		Str("lease_backend", cfg.LeaseBackend).
		Msg("lease-sweeper starting up")

	if cfg.LeaseBackend == config.LeaseBackendMemory {
		log.Fatal().Msg("memory leases live inside the api-server; nothing to sweep from here")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()

	store, rdb, err := bootstrap.LeaseStore(rootCtx, cfg, pgPool)
	if err != nil {
		log.Fatal().Err(err).Msg("lease store error")
	}
	if rdb != nil {
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn().Err(err).Msg("error closing redis")
			}
		}()
	}

	leases := lease.NewManager(store, lease.WithLogger(log), lease.WithoutTimers())

	// Run once at startup
	runOnce(rootCtx, leases, log)

	c := cron.New()
	if _, err := c.AddFunc(cfg.SweepSchedule, func() { runOnce(rootCtx, leases, log) }); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.SweepSchedule).Msg("invalid sweep schedule")
	}
	c.Start()

	<-rootCtx.Done()
	log.Info().Msg("shutdown signal received, stopping lease sweeper")

	// Wait for a sweep in progress to finish.
	<-c.Stop().Done()
}

func runOnce(ctx context.Context, leases *lease.Manager, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := leases.Sweep(runCtx)
	if err != nil {
		log.Error().Err(err).Msg("sweep run error")
		return
	}
	log.Info().Int64("removed", n).Dur("took", time.Since(start)).Msg("sweep run complete")
}
