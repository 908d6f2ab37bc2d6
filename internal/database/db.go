package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"autotrader/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	poolConfig.MaxConnLifetime = time.Hour
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	l := logger.With().Str("component", "database").Logger()
	l.Info().Str("database", cfg.Name).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: l}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations creates the engine tables. Every statement is idempotent.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations...")

	for i, stmt := range migrations {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	db.logger.Info().Int("statements", len(migrations)).Msg("Database migrations completed")
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conditional_orders (
		id UUID PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		status VARCHAR(20) NOT NULL,
		data JSONB NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conditional_orders_user_status ON conditional_orders(user_id, status)`,

	`CREATE TABLE IF NOT EXISTS trading_rules (
		id UUID PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		enabled BOOLEAN NOT NULL,
		status VARCHAR(20) NOT NULL,
		data JSONB NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trading_rules_user ON trading_rules(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_trading_rules_active ON trading_rules(enabled, status)`,

	`CREATE TABLE IF NOT EXISTS bots (
		id UUID PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		bot_type VARCHAR(20) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		status VARCHAR(20) NOT NULL,
		data JSONB NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bots_user ON bots(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_bots_status ON bots(status)`,

	`CREATE TABLE IF NOT EXISTS auto_trading_states (
		user_id VARCHAR(64) PRIMARY KEY,
		enabled BOOLEAN NOT NULL,
		data JSONB NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS trade_executions (
		id UUID PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		side VARCHAR(4) NOT NULL,
		quantity DECIMAL(28, 12) NOT NULL,
		price DECIMAL(28, 12) NOT NULL,
		strategy VARCHAR(50) NOT NULL DEFAULT '',
		outcome VARCHAR(10) NOT NULL,
		pnl DECIMAL(28, 12) NOT NULL DEFAULT 0,
		source VARCHAR(20) NOT NULL,
		source_id VARCHAR(64) NOT NULL DEFAULT '',
		order_id BIGINT NOT NULL DEFAULT 0,
		regime VARCHAR(20) NOT NULL DEFAULT '',
		executed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_executions_user_time ON trade_executions(user_id, executed_at DESC)`,

	`CREATE TABLE IF NOT EXISTS positions (
		user_id VARCHAR(64) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		quantity DECIMAL(28, 12) NOT NULL,
		avg_entry_price DECIMAL(28, 12) NOT NULL,
		strategy VARCHAR(50) NOT NULL DEFAULT '',
		regime VARCHAR(20) NOT NULL DEFAULT '',
		source VARCHAR(20) NOT NULL DEFAULT '',
		opened_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, symbol)
	)`,

	`CREATE TABLE IF NOT EXISTS managed_orders (
		id UUID PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		status VARCHAR(20) NOT NULL,
		data JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_managed_orders_open ON managed_orders(user_id) WHERE status = 'open'`,
}
