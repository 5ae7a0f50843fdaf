// Package sqlstore implements the Store Port on top of database/sql,
// normalizing the dialect-specific positional placeholder marker so every
// caller writes queries with plain "?" regardless of the underlying driver.
// The Postgres adapter (internal/store/postgres) is a thin wrapper around
// this package configured with the "postgres" driver name; unit tests open
// it against modernc.org/sqlite instead of a live database.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/bracketrun/equityfleet/internal/store"
)

// DB implements store.Store over a database/sql connection pool.
type DB struct {
	sql        *sql.DB
	driverName string
}

// Open opens a connection pool for driverName/dsn and verifies connectivity.
func Open(driverName, dsn string) (*DB, error) {
	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driverName, err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", driverName, err)
	}
	return &DB{sql: conn, driverName: driverName}, nil
}

// Wrap adapts an already-open *sql.DB (e.g. one a test constructs directly
// against an in-memory sqlite file).
func Wrap(conn *sql.DB, driverName string) *DB {
	return &DB{sql: conn, driverName: driverName}
}

func (d *DB) rewrite(query string) string {
	return rewritePlaceholders(query, d.driverName)
}

// rewritePlaceholders rewrites sequential "?" markers to "$1, $2, ..." for
// drivers that require numbered placeholders (lib/pq). Other drivers
// (sqlite) accept "?" natively and pass through unchanged.
func rewritePlaceholders(query, driverName string) string {
	if driverName != "postgres" && driverName != "pq" {
		return query
	}
	var b strings.Builder
	n := 0
	inString := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			inString = !inString
			b.WriteByte(c)
			continue
		}
		if c == '?' && !inString {
			n++
			b.WriteByte('$')
			b.WriteString(fmt.Sprintf("%d", n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Exec implements store.Execer.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := d.sql.ExecContext(ctx, d.rewrite(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// QueryOne implements store.Querier.
func (d *DB) QueryOne(ctx context.Context, query string, args ...any) store.Row {
	return noRowsRow{d.sql.QueryRowContext(ctx, d.rewrite(query), args...)}
}

// QueryAll implements store.Querier.
func (d *DB) QueryAll(ctx context.Context, query string, args ...any) (store.Rows, error) {
	rows, err := d.sql.QueryContext(ctx, d.rewrite(query), args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// InsertIfAbsent executes query (expected to be an "INSERT ... ON CONFLICT
// (...) DO NOTHING" statement) and reports whether a row was inserted.
func (d *DB) InsertIfAbsent(ctx context.Context, query string, args ...any) (bool, error) {
	n, err := d.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Begin starts a transaction.
func (d *DB) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx, driverName: d.driverName}, nil
}

// Close closes the underlying pool.
func (d *DB) Close() error { return d.sql.Close() }

type sqlTx struct {
	tx         *sql.Tx
	driverName string
}

func (t *sqlTx) rewrite(query string) string { return rewritePlaceholders(query, t.driverName) }

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, t.rewrite(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *sqlTx) QueryOne(ctx context.Context, query string, args ...any) store.Row {
	return noRowsRow{t.tx.QueryRowContext(ctx, t.rewrite(query), args...)}
}

func (t *sqlTx) QueryAll(ctx context.Context, query string, args ...any) (store.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, t.rewrite(query), args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *sqlTx) InsertIfAbsent(ctx context.Context, query string, args ...any) (bool, error) {
	n, err := t.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

// noRowsRow adapts *sql.Row so Scan reports store.ErrNoRows instead of
// database/sql's own sentinel, keeping that detail out of every caller.
type noRowsRow struct {
	row *sql.Row
}

func (r noRowsRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if err == sql.ErrNoRows {
		return store.ErrNoRows
	}
	return err
}
