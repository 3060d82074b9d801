// Package bootstrap wires infrastructure chosen by configuration.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-turn-scheduling/internal/config"
	"github.com/hackgods/clinic-turn-scheduling/internal/lease"
	redisclient "github.com/hackgods/clinic-turn-scheduling/internal/redis"
)

// LeaseStore opens the store named by cfg.LeaseBackend. The returned Redis
// client is non-nil only for the redis backend and must be closed by the
// caller.
func LeaseStore(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (lease.Store, *redis.Client, error) {
	switch cfg.LeaseBackend {
	case config.LeaseBackendPostgres, "":
		if pool == nil {
			return nil, nil, fmt.Errorf("postgres lease backend needs a pool")
		}
		return lease.NewPgStore(pool), nil, nil

	case config.LeaseBackendRedis:
		rdb, err := redisclient.NewClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		return redisclient.NewLeaseStore(rdb), rdb, nil

	case config.LeaseBackendMemory:
		return lease.NewMemoryStore(), nil, nil
	}

	return nil, nil, fmt.Errorf("unknown lease backend %q", cfg.LeaseBackend)
}
