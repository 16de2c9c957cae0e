// Package postgres implements repository.Store on PostgreSQL via pgx.
//
// The schema is versioned with goose; migrations are embedded in the binary
// and applied on Open.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/sakif/credential-service/internal/apperror"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DefaultConnectTimeout applies when the DSN does not set connect_timeout.
const DefaultConnectTimeout = 5 * time.Second

// Querier is the subset of *pgxpool.Pool the store uses. pgxmock pools
// satisfy it too.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// DB is a Postgres-backed user store.
type DB struct {
	pool Querier
}

// New wraps an already-connected pool. Migrations are not run.
func New(pool Querier) *DB {
	return &DB{pool: pool}
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Open parses dsn, connects, verifies the connection, and applies pending
// migrations.
//
// A DSN that cannot be parsed is a configuration error and is never retried.
// Failing to reach the server is StoreUnavailable.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, apperror.Configuration("invalid postgres connection string", err)
	}
	if cfg.ConnConfig.ConnectTimeout == 0 {
		cfg.ConnConfig.ConnectTimeout = DefaultConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, apperror.Configuration("invalid postgres pool configuration", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify("ping", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, classify("migrate", err)
	}

	logger.Info("postgres store ready",
		"host", cfg.ConnConfig.Host,
		"database", cfg.ConnConfig.Database,
	)
	return New(pool), nil
}

// runMigrations applies the embedded goose migrations through a
// database/sql handle that borrows connections from pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := gooseUpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close releases every pooled connection.
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

// classify maps connection failures and timeouts to StoreUnavailable.
// A unique violation that slipped past ON CONFLICT is still a duplicate.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || pgconn.Timeout(err) {
		return apperror.StoreUnavailable("postgres "+op, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return apperror.StoreUnavailable("postgres "+op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return apperror.DuplicateEmail()
		case "57P01", "57P03", "53300": // admin_shutdown, cannot_connect_now, too_many_connections
			return apperror.StoreUnavailable("postgres "+op, err)
		}
	}

	return fmt.Errorf("postgres: %s: %w", op, err)
}
