// Package store provides the SQLite-backed persistent store and migration
// utilities. All pipeline state (runs, steps, stories, active sessions)
// lives in a single database file under the state directory.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // Register pure-Go sqlite driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

func init() {
	// modernc's driver name is not known to sqlx; register its bindvar style.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Config holds store configuration.
type Config struct {
	// Path is the database file location. The parent directory is created
	// on open if missing.
	Path string

	// BusyTimeout bounds how long a writer waits for the file lock.
	BusyTimeout time.Duration
}

// DefaultConfig returns the store defaults for a given state directory.
func DefaultConfig(stateDir string) Config {
	return Config{
		Path:        filepath.Join(stateDir, "antfarm.db"),
		BusyTimeout: 5 * time.Second,
	}
}

// Client wraps the sqlx handle and exposes typed read accessors. Mutations
// that must be consistent across rows go through WithTx.
type Client struct {
	Queries
	db *sqlx.DB
}

// DB returns the underlying sqlx handle for health checks and tests.
func (c *Client) DB() *sqlx.DB {
	return c.db
}

// Close closes the database file.
func (c *Client) Close() error {
	return c.db.Close()
}

// Open opens (creating if necessary) the database file, applies pragmas,
// and runs the fixed migration sequence idempotently.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serialises writers; a single connection avoids SQLITE_BUSY
	// churn between the daemon goroutines and keeps transactions cheap.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{Queries: Queries{q: db}, db: db}, nil
}

// dsn builds the modernc sqlite DSN with WAL and foreign keys enabled.
// Times are stored in the sqlite text format so they compare lexically;
// all writers use UTC.
func dsn(cfg Config) string {
	v := url.Values{}
	v.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	v.Add("_pragma", "journal_mode(WAL)")
	v.Add("_pragma", "foreign_keys(1)")
	v.Add("_pragma", "synchronous(NORMAL)")
	v.Set("_time_format", "sqlite")
	return "file:" + cfg.Path + "?" + v.Encode()
}

// runMigrations applies the embedded forward-only migration sequence.
// Migrations are additive (new columns carry defaults) so re-running
// against an up-to-date database is a no-op.
func runMigrations(db *sqlx.DB) error {
	if ok, err := hasEmbeddedMigrations(); err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	} else if !ok {
		return fmt.Errorf("no embedded migration files found — binary may be built incorrectly")
	}

	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "antfarm", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the database
	// driver, which closes the shared *sql.DB underneath the sqlx handle.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}
	return false, nil
}
