// Package store is the SQL persistence layer: the idempotency ledger, the
// provisioning records table and the local account table. SQLite (modernc)
// is the default; PostgreSQL (pgx) serves multi-instance deployments where
// the ledger must be shared.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	sqliteFile = "provisioner.db"
)

// Options selects and locates the database.
type Options struct {
	Driver string
	// DSN is required for postgres. For sqlite it overrides Dir.
	DSN string
	// Dir holds the SQLite database file.
	Dir string
}

// DB wraps the shared connection pool.
type DB struct {
	db     *sql.DB
	driver string
}

// Open opens the database and ensures the schema exists.
func Open(ctx context.Context, opts Options) (*DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch opts.Driver {
	case "", DriverSQLite:
		db, err = openSQLite(opts)
		opts.Driver = DriverSQLite
	case DriverPostgres:
		if opts.DSN == "" {
			return nil, fmt.Errorf("postgres store requires a DSN")
		}
		db, err = sql.Open("pgx", opts.DSN)
		if err == nil {
			db.SetMaxOpenConns(10)
			db.SetMaxIdleConns(5)
		}
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	d := &DB{db: db, driver: opts.Driver}
	if err := d.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func openSQLite(opts Options) (*sql.DB, error) {
	dsn := opts.DSN
	if dsn == "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		dsn = filepath.Join(opts.Dir, sqliteFile) + "?" + url.Values{
			"_pragma": []string{
				"busy_timeout(30000)",
				"journal_mode(WAL)",
				"synchronous(NORMAL)",
			},
		}.Encode()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

// Migrate creates missing tables and indexes.
func (d *DB) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS webhook_events (
			event_id      TEXT PRIMARY KEY,
			event_type    TEXT NOT NULL DEFAULT '',
			first_seen_at BIGINT NOT NULL,
			reserved_at   BIGINT,
			attempts      INTEGER NOT NULL DEFAULT 0,
			checkpoint    TEXT,
			outcome       TEXT,
			completed_at  BIGINT,
			last_error    TEXT NOT NULL DEFAULT ''
		)`,
		`DROP INDEX IF EXISTS idx_webhook_events_pending`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_unsettled ON webhook_events(reserved_at) WHERE outcome IS NULL`,
		`CREATE TABLE IF NOT EXISTS provisioning_records (
			id              TEXT PRIMARY KEY,
			event_id        TEXT NOT NULL UNIQUE,
			email           TEXT NOT NULL,
			subscription_id TEXT NOT NULL DEFAULT '',
			customer_id     TEXT NOT NULL DEFAULT '',
			session_id      TEXT NOT NULL DEFAULT '',
			account_id      TEXT,
			status          TEXT NOT NULL,
			failure_reason  TEXT NOT NULL DEFAULT '',
			created_at      BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_provisioning_records_email ON provisioning_records(email)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE,
			created_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init store schema: %w", err)
		}
	}
	return nil
}

// Driver returns the driver name in use.
func (d *DB) Driver() string {
	return d.driver
}

// Ping checks database connectivity (used for readiness probes).
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.rebind(query), args...)
}

func (d *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.rebind(query), args...)
}

// rebind rewrites ? placeholders to $n for postgres.
func (d *DB) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}
