// Package postgres provides the production Store Port adapter backed by
// PostgreSQL via github.com/lib/pq, and the five-table schema of spec §6.
package postgres

import (
	"context"
	"fmt"

	// Registers the "postgres" database/sql driver.
	_ "github.com/lib/pq"

	"github.com/bracketrun/equityfleet/internal/store"
	"github.com/bracketrun/equityfleet/internal/store/sqlstore"
)

// Schema creates the five logical tables of spec §6. UNIQUE(symbol) on
// stock_locks is the correctness-critical constraint the Lock Service's
// conditional insert depends on.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id        TEXT PRIMARY KEY,
	broker_order_id TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL UNIQUE,
	worker_id       TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	order_type      TEXT NOT NULL,
	qty             BIGINT NOT NULL,
	price           NUMERIC(20,4),
	status          TEXT NOT NULL,
	filled_qty      BIGINT NOT NULL DEFAULT 0,
	avg_fill_price  NUMERIC(20,4) NOT NULL DEFAULT 0,
	reject_reason   TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS fills (
	fill_id        TEXT PRIMARY KEY,
	broker_fill_id TEXT NOT NULL UNIQUE,
	order_id       TEXT NOT NULL REFERENCES orders(order_id),
	symbol         TEXT NOT NULL,
	side           TEXT NOT NULL,
	qty            BIGINT NOT NULL,
	price          NUMERIC(20,4) NOT NULL,
	fill_time      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS stock_locks (
	id           TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	worker_id    TEXT NOT NULL,
	acquired_at  TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL,
	heartbeat_at TIMESTAMPTZ NOT NULL,
	status       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (symbol)
);

CREATE TABLE IF NOT EXISTS worker_processes (
	worker_id          TEXT PRIMARY KEY,
	status             TEXT NOT NULL,
	current_symbol     TEXT NOT NULL DEFAULT '',
	started_at         TIMESTAMPTZ NOT NULL,
	last_heartbeat_at  TIMESTAMPTZ NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_summaries (
	worker_id      TEXT NOT NULL,
	summary_date   DATE NOT NULL,
	total_trades   INTEGER NOT NULL,
	winning_trades INTEGER NOT NULL,
	losing_trades  INTEGER NOT NULL,
	gross_profit   NUMERIC(20,4) NOT NULL,
	gross_loss     NUMERIC(20,4) NOT NULL,
	net_pnl        NUMERIC(20,4) NOT NULL,
	unrealized_pnl NUMERIC(20,4) NOT NULL,
	max_drawdown   NUMERIC(20,4) NOT NULL,
	win_rate       DOUBLE PRECISION NOT NULL,
	profit_factor  DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (worker_id, summary_date)
);
`

// Open connects to Postgres at dsn, applies Schema (idempotently), and
// returns a ready-to-use store.Store.
func Open(ctx context.Context, dsn string) (store.Store, error) {
	db, err := sqlstore.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if _, err := db.Exec(ctx, Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: applying schema: %w", err)
	}
	return db, nil
}
