package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDB creates a new PostgreSQL connection pool.
func NewDB(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// One connection is held permanently by the LISTEN loop.
	config.MaxConns = 12
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// RunMigrations executes the schema migration.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS entitlements (
			user_id         TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			doc             JSONB NOT NULL,
			updated_at      BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entitlements_subscription_id ON entitlements(subscription_id);
		CREATE INDEX IF NOT EXISTS idx_entitlements_status_updated ON entitlements(status, updated_at);

		CREATE TABLE IF NOT EXISTS billing_customers (
			customer_id TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_billing_customers_user_id ON billing_customers(user_id);

		CREATE TABLE IF NOT EXISTS webhook_deliveries (
			event_id    TEXT PRIMARY KEY,
			event_type  TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			attempts    INT NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_created ON webhook_deliveries(created_at);

		CREATE TABLE IF NOT EXISTS system_cache (
			key        TEXT PRIMARY KEY,
			data       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	_, err := pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
