// Package memory is the durable record of everything the runtime learns:
// task results, inter-worker interactions, TTL-scoped context, user
// preferences, and learning patterns, all in a single SQLite database.
package memory

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/jfelden/adjutant/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the SQLite connection behind the memory store.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens (creating if needed) the database at path, applies pragmas,
// backs up the existing file, and runs pending migrations.
func NewDB(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		backupExisting(path)
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Migrations and WAL writes go through a single connection; SQLite
	// serializes writers anyway and this avoids table-lock churn.
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	log.Info(log.CatDB, "Database opened", "path", path)
	return &DB{conn: conn, path: path}, nil
}

// backupExisting copies the current database file to <path>.bak before any
// migration can touch it. Best effort; a failed backup only logs.
func backupExisting(path string) {
	src, err := os.Open(path)
	if err != nil {
		return // First run, nothing to back up
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".bak", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		log.Warn(log.CatDB, "Could not create pre-migration backup", "error", err)
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		log.Warn(log.CatDB, "Pre-migration backup failed", "error", err)
	}
}

func runMigrations(conn *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migration source: %w", err)
	}

	driver, err := newMigrateDriver(conn)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Conn exposes the underlying connection for the repositories.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Checkpoint flushes the WAL into the main database file.
func (d *DB) Checkpoint() error {
	if _, err := d.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// Close checkpoints and closes the connection.
func (d *DB) Close() error {
	if err := d.Checkpoint(); err != nil {
		log.Warn(log.CatDB, "Checkpoint on close failed", "error", err)
	}
	return d.conn.Close()
}
