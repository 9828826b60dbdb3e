package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"wheel-screener/internal/config"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS evaluation_runs (
    run_id           TEXT PRIMARY KEY,
    started_at       TIMESTAMPTZ NOT NULL,
    universe_size    INTEGER NOT NULL,
    eligible         INTEGER NOT NULL,
    hold             INTEGER NOT NULL,
    blocked          INTEGER NOT NULL,
    unknown          INTEGER NOT NULL,
    best_symbol      TEXT,
    best_score       NUMERIC,
    budget_exhausted BOOLEAN NOT NULL DEFAULT FALSE,
    exhausted_reason TEXT,
    requests_used    BIGINT NOT NULL DEFAULT 0,
    wall_time_ms     BIGINT NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS evaluation_results (
    id         BIGSERIAL PRIMARY KEY,
    run_id     TEXT NOT NULL REFERENCES evaluation_runs(run_id) ON DELETE CASCADE,
    symbol     TEXT NOT NULL,
    verdict    TEXT NOT NULL,
    reason     TEXT NOT NULL,
    score      NUMERIC,
    band       TEXT,
    tier       TEXT,
    stage      TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (run_id, symbol)
);

CREATE INDEX IF NOT EXISTS idx_evaluation_results_symbol
    ON evaluation_results (symbol, created_at DESC);
`

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// EnsureSchema creates the ledger tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, schemaSQL); execErr != nil {
		return fmt.Errorf("ensure ledger schema: %w", execErr)
	}
	return nil
}
