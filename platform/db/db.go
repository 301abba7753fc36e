// Package db provides database connection infrastructure.
// This is part of the platform layer and contains no business logic.
package db

import (
	"context"
	"time"

	"business_search_backend/platform/config"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const verifyTimeout = 2 * time.Second

// NewPool creates the datastore connection pool. Connections are created
// lazily up to MaxConns; with the verified recycle method every connection
// is pinged before it is handed out and dropped when the probe fails.
func NewPool(ctx context.Context, cfg config.PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.GetDatabaseURL())
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = cfg.GetPoolMaxConns()
	poolConfig.MinConns = cfg.GetPoolMinConns()
	poolConfig.MaxConnLifetime = cfg.GetPoolMaxConnLifetime()
	poolConfig.MaxConnIdleTime = cfg.GetPoolMaxConnIdleTime()
	poolConfig.HealthCheckPeriod = cfg.GetPoolHealthCheckPeriod()

	if cfg.GetPoolRecycleMethod() == config.RecycleVerified {
		poolConfig.BeforeAcquire = verifyConn
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

func verifyConn(ctx context.Context, conn *pgx.Conn) bool {
	pingCtx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()
	return conn.Ping(pingCtx) == nil
}
