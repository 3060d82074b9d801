package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-turn-scheduling/internal/api"
	"github.com/hackgods/clinic-turn-scheduling/internal/appointment"
	"github.com/hackgods/clinic-turn-scheduling/internal/bootstrap"
	"github.com/hackgods/clinic-turn-scheduling/internal/config"
	"github.com/hackgods/clinic-turn-scheduling/internal/db"
	"github.com/hackgods/clinic-turn-scheduling/internal/events"
	"github.com/hackgods/clinic-turn-scheduling/internal/feed"
	"github.com/hackgods/clinic-turn-scheduling/internal/lease"
	"github.com/hackgods/clinic-turn-scheduling/internal/logging"
	"github.com/hackgods/clinic-turn-scheduling/internal/queue"
	"github.com/hackgods/clinic-turn-scheduling/internal/slot"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("dev", "info")
		boot.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.Env, cfg.LogLevel)
	log.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("lease_backend", cfg.LeaseBackend).
		Dur("lease_ttl", cfg.LeaseTTL).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	if cfg.AutoMigrate {
		if err := db.EnsureSchema(rootCtx, pgPool, cfg.FeedChannel); err != nil {
			log.Fatal().Err(err).Msg("schema migration failed")
		}
		log.Info().Msg("schema applied")
	}

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
		log.Info().Msg("connected to Redis")
	}

	leases := lease.NewManager(store, lease.WithLogger(log), lease.WithTTL(cfg.LeaseTTL))
	defer leases.Close()

	publishers := events.Fanout{events.NewPgPublisher(pgPool)}
	if cfg.KafkaEnabled() {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() {
			if err := kp.Close(); err != nil {
				log.Warn().Err(err).Msg("error closing kafka writer")
			}
		}()
		publishers = append(publishers, kp)
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("kafka events enabled")
	}

	appts := appointment.NewService(
		appointment.NewPgRepository(pgPool),
		leases,
		slot.NewPgSource(pgPool),
		publishers,
		cfg,
		log,
	)
	queueSvc := queue.NewService(queue.NewPgRepository(pgPool), publishers, cfg.Location(), log)

	hub := feed.NewHub(log)
	relay := feed.NewRelay(pgPool, cfg.FeedChannel, hub, log)

	checks := []api.Check{{Name: "postgres", Critical: true, Ping: pgPool.Ping}}
	if rdb != nil {
		checks = append(checks, api.Check{
			Name:     "redis",
			Critical: true,
			Ping:     func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}

	router := api.NewRouter(api.RouterConfig{
		Appointments: appts,
		Leases:       leases,
		Queue:        queueSvc,
		Assignments:  queue.NewPgAssignments(pgPool),
		Hub:          hub,
		Health:       api.NewHealthHandler(cfg.Env, version, checks...),
		Location:     cfg.Location(),
		Logger:       log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		leases.Run(gctx, cfg.SweepInterval)
		return nil
	})

	g.Go(func() error {
		return relay.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down api-server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("api-server stopped with error")
	}
}
