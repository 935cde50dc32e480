package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	return pool, nil
}

// Schema is the manifest ledger. Batch ids are unique so a manifest delivered
// twice (by the daemon and by the queue worker) is stored once.
const Schema = `
CREATE TABLE IF NOT EXISTS batch_manifests (
	batch_id TEXT PRIMARY KEY,
	window_start TIMESTAMPTZ NOT NULL,
	sealed_at TIMESTAMPTZ NOT NULL,
	file_count INTEGER NOT NULL,
	total_bytes BIGINT NOT NULL,
	files JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batch_manifests_sealed_at ON batch_manifests(sealed_at);`

// EnsureSchema creates the ledger table if needed.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
