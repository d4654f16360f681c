package store

import (
	"context"
	"fmt"
	"time"

	"github.com/derril-tech/researchflow/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	applicationName   = "researchflow"
	healthCheckPeriod = 30 * time.Second
	pingAttempts      = 5
	pingBackoff       = 500 * time.Millisecond
)

// Connect opens a pgx pool and waits for the database to answer. Postgres
// started alongside the service may need a few seconds, so the first ping is
// retried with a doubling backoff.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolCfg.MinConns = int32(min(cfg.MaxIdleConns, int(poolCfg.MaxConns)))
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.HealthCheckPeriod = healthCheckPeriod
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	backoff := pingBackoff
	for attempt := 1; ; attempt++ {
		err = pool.Ping(ctx)
		if err == nil {
			return pool, nil
		}
		if attempt == pingAttempts {
			break
		}
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, fmt.Errorf("ping database: %w", ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	pool.Close()
	return nil, fmt.Errorf("ping database after %d attempts: %w", pingAttempts, err)
}
