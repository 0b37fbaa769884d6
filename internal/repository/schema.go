package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// schema - таблицы сервиса. Все операторы идемпотентны.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id SERIAL PRIMARY KEY,
		exchange_order_id VARCHAR(64) NOT NULL DEFAULT '',
		client_order_id VARCHAR(64) NOT NULL,
		symbol VARCHAR(32) NOT NULL,
		category VARCHAR(16) NOT NULL,
		side VARCHAR(8) NOT NULL,
		position_side VARCHAR(8) NOT NULL DEFAULT '',
		order_type VARCHAR(16) NOT NULL,
		quantity NUMERIC(36, 18) NOT NULL,
		price NUMERIC(36, 18) NOT NULL DEFAULT 0,
		filled_qty NUMERIC(36, 18) NOT NULL DEFAULT 0,
		avg_fill_price NUMERIC(36, 18) NOT NULL DEFAULT 0,
		fee NUMERIC(36, 18) NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL,
		reduce_only BOOLEAN NOT NULL DEFAULT FALSE,
		take_profit NUMERIC(36, 18),
		stop_loss NUMERIC(36, 18),
		session_id VARCHAR(64) NOT NULL DEFAULT '',
		strategy VARCHAR(64) NOT NULL DEFAULT '',
		realized_pnl NUMERIC(36, 18),
		error_message TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_client_order_id ON orders (client_order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_exchange_order_id ON orders (exchange_order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_symbol_created ON orders (symbol, created_at)`,

	`CREATE TABLE IF NOT EXISTS signals (
		id SERIAL PRIMARY KEY,
		session_id VARCHAR(64) NOT NULL DEFAULT '',
		strategy VARCHAR(64) NOT NULL DEFAULT '',
		symbol VARCHAR(32) NOT NULL,
		category VARCHAR(16) NOT NULL,
		action VARCHAR(16) NOT NULL,
		quantity NUMERIC(36, 18) NOT NULL,
		price NUMERIC(36, 18) NOT NULL DEFAULT 0,
		approved BOOLEAN NOT NULL,
		reject_reason TEXT NOT NULL DEFAULT '',
		order_id INTEGER REFERENCES orders(id) ON DELETE SET NULL,
		metadata JSONB,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_created ON signals (created_at)`,

	`CREATE TABLE IF NOT EXISTS notifications (
		id SERIAL PRIMARY KEY,
		timestamp TIMESTAMP NOT NULL DEFAULT NOW(),
		type VARCHAR(32) NOT NULL,
		severity VARCHAR(10) NOT NULL,
		source VARCHAR(32) NOT NULL DEFAULT '',
		symbol VARCHAR(32) NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		meta JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_timestamp ON notifications (timestamp)`,
}

// Migrate создает таблицы и индексы, если их нет
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
