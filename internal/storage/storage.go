// Package storage opens the configured quota backend.
package storage

import (
	"context"
	"fmt"

	"forecast-quota/internal/config"
	"forecast-quota/internal/quota"
	"forecast-quota/internal/storage/memory"
	"forecast-quota/internal/storage/postgres"
	"forecast-quota/internal/storage/redis"
	"forecast-quota/internal/storage/sqlite"
)

// Backend holds the quota row and the Quota Log.
type Backend interface {
	quota.StateStore
	quota.EventSink
	quota.EventPruner
	quota.EventReader
	Close() error
}

// Open connects to the backend named by cfg.Driver. SQL backends are
// migrated before they are returned.
func Open(ctx context.Context, cfg config.Store) (Backend, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s := postgres.New(pool)
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil

	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.SQLitePath)

	case config.DriverRedis:
		client, err := redis.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return redis.New(client, redis.WithKeyPrefix(cfg.RedisKeyPrefix)), nil

	case config.DriverMemory:
		return memory.New(), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
