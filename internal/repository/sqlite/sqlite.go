// Package sqlite implements repository.Store using SQLite as the storage backend.
//
// WHY SQLITE?
// SQLite is an embedded database — it lives inside your Go binary as a single file.
// No separate database server to install, configure, or manage. It is the
// default backend for local development and for the end-to-end tests
// (":memory:" gives each test a fresh database).
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// mattn/go-sqlite3 uses CGo (calls C code from Go), which means you need a C compiler
// installed and cross-compilation becomes painful. modernc.org/sqlite is a pure Go
// translation of the SQLite C code — no C compiler needed, works everywhere Go works.
//
// DATABASE/SQL OVERVIEW:
// Go's standard library provides "database/sql" — a generic interface for SQL databases.
// It works with any database through "drivers" (SQLite, Postgres, MySQL, etc.).
// Key types:
//   - sql.DB      — a connection pool (NOT a single connection!)
//   - sql.Row     — a single result row
//   - sql.Result  — what an Exec reports back (RowsAffected, LastInsertId)
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	// The named import gives us *sqlite.Error for classifying failures.
	// Importing the package also runs its init(), which registers the driver
	// with database/sql under the name "sqlite".
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/credential-service/internal/apperror"
)

// MemoryPath selects a private in-memory database.
const MemoryPath = ":memory:"

// DB wraps a sql.DB connection pool and implements repository.Store.
//
// WHY WRAP sql.DB IN A STRUCT?
// 1. We can attach methods to it (FindByEmail, InsertIfAbsent, etc.)
// 2. It implements the repository.Store interface from repository.go
// 3. We control the lifecycle (New creates it, Close destroys it)
type DB struct {
	conn *sql.DB
}

// New opens a SQLite database, verifies it, and runs migrations.
//
// dbPath examples:
//   - "data/auth.db"  → file-based database (persistent; parent dir is created)
//   - ":memory:"      → in-memory database (great for tests, lost on close)
//
// CONNECTION POOL:
// sql.Open() does NOT actually open a connection — it just creates a pool manager.
// The first real connection happens when you run your first query.
// We call PingContext() to force an immediate connection and verify it works.
func New(ctx context.Context, dbPath string) (*DB, error) {
	dsn, err := dataSourceName(dbPath)
	if err != nil {
		return nil, err
	}

	// "sqlite" is the driver name registered by the modernc import above.
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every connection to ":memory:" is its OWN empty database. Pinning the
	// pool to one connection keeps all queries on the same one.
	if dbPath == MemoryPath {
		conn.SetMaxOpenConns(1)
	}

	// Ping verifies the connection actually works.
	// Without this, a bad path or permissions issue would only surface
	// on the first query — which is much harder to debug.
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, apperror.StoreUnavailable("sqlite ping", err)
	}

	db := &DB{conn: conn}

	// Run database migrations to create/update tables
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// dataSourceName builds the DSN for dbPath.
//
// PRAGMA STATEMENTS:
// SQLite has special "PRAGMA" commands that configure its behaviour, and most
// of them are per-connection. Passing them as _pragma parameters makes the
// driver apply them to EVERY connection in the pool, not just the first.
//
//   - journal_mode(WAL): concurrent reads WHILE a write is happening.
//   - busy_timeout(5000): wait up to 5s for a write lock instead of failing
//     immediately with SQLITE_BUSY.
//   - foreign_keys(1): OFF by default for backwards compatibility.
func dataSourceName(dbPath string) (string, error) {
	if dbPath == MemoryPath {
		return MemoryPath, nil
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("sqlite: creating directory %s: %w", dir, err)
		}
	}

	return "file:" + dbPath +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)", nil
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close closes the database connection pool.
//
// ALWAYS DEFER CLOSE:
// Wherever you call New(), immediately defer Close():
//
//	db, err := sqlite.New(ctx, "data/auth.db")
//	if err != nil { ... }
//	defer db.Close()
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the schema.
//
// CREATE TABLE IF NOT EXISTS is idempotent, so running it on every start is
// safe. The postgres backend uses goose for versioned migrations; SQLite is a
// dev/test backend and a single idempotent statement is enough.
//
// email_key holds lower(trim(email)). Its UNIQUE constraint is what makes
// "insert if absent" atomic: two concurrent registrations for one address
// cannot both succeed, whatever order they run in.
func (db *DB) migrate(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL,
			email_key     TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			full_name     TEXT NOT NULL,
			created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}
	return nil
}

// classify maps lock contention and cancelled/timed-out calls to
// StoreUnavailable. Everything else is wrapped as an internal error.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperror.StoreUnavailable("sqlite "+op, err)
	}

	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		// Extended result codes keep the primary code in the low byte.
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR:
			return apperror.StoreUnavailable("sqlite "+op, err)
		}
	}

	return fmt.Errorf("sqlite: %s: %w", op, err)
}
