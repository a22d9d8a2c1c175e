// Package database wires the portal's stores: Redis for the round ledger,
// plus the optional PostgreSQL and InfluxDB sinks.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/poolportal/internal/config"
	"github.com/bardlex/poolportal/internal/database/influx"
	"github.com/bardlex/poolportal/internal/database/postgres"
	"github.com/bardlex/poolportal/internal/database/redis"
	"github.com/bardlex/poolportal/internal/ledger"
	"github.com/bardlex/poolportal/pkg/errors"
	"github.com/bardlex/poolportal/pkg/log"
)

// Manager owns every store connection of a process
type Manager struct {
	Redis    *redis.Client
	Postgres *postgres.Client // nil when POSTGRES_URL is unset
	Influx   *influx.Client   // nil when INFLUX_URL is unset

	Blocks *postgres.BlockRepository

	logger *log.Logger
}

// NewManager connects to Redis and to whichever optional sinks are
// configured. Redis failures are fatal; an unreachable sink is logged and
// left disabled.
func NewManager(ctx context.Context, cfg *config.Portal, logger *log.Logger) (*Manager, error) {
	logger = logger.WithComponent("database")

	redisClient, err := redis.NewClient(ctx, &redis.Config{
		URL:      cfg.RedisURL,
		PoolSize: cfg.RedisPoolSize,
		Timeout:  cfg.RedisTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis database").
			WithContext("url", cfg.RedisURL)
	}

	m := &Manager{Redis: redisClient, logger: logger}

	if cfg.PostgresURL != "" {
		pg, err := postgres.NewClient(ctx, &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 5,
			MaxIdleConns: 2,
			MaxLifetime:  30 * time.Minute,
		})
		if err != nil {
			logger.WithError(err).Warn("PostgreSQL unavailable, found blocks will not be persisted")
		} else {
			m.Postgres = pg
			m.Blocks = postgres.NewBlockRepository(pg.DB())
		}
	}

	if cfg.InfluxURL != "" {
		ix, err := influx.NewClient(ctx, &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("InfluxDB unavailable, share series will not be written")
		} else {
			m.Influx = ix
		}
	}

	return m, nil
}

// Ledger creates the round ledger of coin on the Redis connection
func (m *Manager) Ledger(coin string, logger *log.Logger) *ledger.Ledger {
	return ledger.New(coin, m.Redis, logger)
}

// Observers returns a share observer for every enabled sink
func (m *Manager) Observers() []ledger.Observer {
	var out []ledger.Observer
	if m.Blocks != nil {
		out = append(out, postgres.NewBlockRecorder(m.Blocks, m.logger))
	}
	if m.Influx != nil {
		out = append(out, m.Influx)
	}
	return out
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if err := m.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks every open connection
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}
