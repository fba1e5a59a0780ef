// Package store provides durable storage for characters, conversations and
// messages. It is the source of truth for every record; the cache only ever
// holds copies of what lives here.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations
var migrationsFS embed.FS

// Config selects the database backend.
type Config struct {
	// Dialect is one of DialectSQLite (default), DialectPostgres, DialectMySQL.
	Dialect Dialect
	// DSN is the driver-specific data source name. For SQLite it is a file path.
	DSN string
	// MaxOpenConns bounds the connection pool. SQLite always uses 1.
	MaxOpenConns int
	// MaxIdleTime closes idle pooled connections after this long.
	MaxIdleTime time.Duration
}

// ErrConfig marks a Config that can never open, however often it is retried.
var ErrConfig = errors.New("invalid store configuration")

// Store wraps the database connection pool. It is safe for concurrent use.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
}

// New opens the database, applies pragmas for SQLite, and runs migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	d := cfg.Dialect
	if d == "" {
		d = DialectSQLite
	}
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	dsn, err := d.normalizeDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	db, err := sqlx.Open(d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if d == DialectSQLite {
		// SQLite is single-writer. One shared connection lets database/sql
		// serialise callers instead of having them fight for write locks.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 10
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen)
		idle := cfg.MaxIdleTime
		if idle <= 0 {
			idle = 30 * time.Second
		}
		db.SetConnMaxIdleTime(idle)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", d, err)
	}

	if d == DialectSQLite {
		pragmas := []string{
			"PRAGMA foreign_keys = ON",
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA busy_timeout = 5000",
		}
		for _, pragma := range pragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to set pragma: %w", err)
			}
		}
	}

	s := &Store{db: db, dialect: d}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect reports the backend in use.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// runMigrations applies every migration of the active dialect whose version is
// newer than the highest recorded one.
func (s *Store) runMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL,
			description VARCHAR(255) NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	if err := s.db.GetContext(ctx, &currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations"); err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	dir, err := fs.Sub(migrationsFS, "migrations/"+string(s.dialect))
	if err != nil {
		return fmt.Errorf("failed to open migrations for %s: %w", s.dialect, err)
	}
	migrations, err := loadMigrations(dir)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", m.version, err)
		}
		_, err = tx.ExecContext(ctx,
			s.db.Rebind("INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)"),
			m.version, now(), m.description,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}

		slog.Info("applied migration", "dialect", s.dialect, "version", fmt.Sprintf("%04d", m.version), "description", m.description)
	}
	return nil
}

type migration struct {
	version     int
	description string
	sql         string
}

// loadMigrations reads NNNN_description.sql files, sorted by version.
// Duplicate versions are rejected.
func loadMigrations(dir fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(dir, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	seen := make(map[int]string, len(entries))
	var out []migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("duplicate migration version %04d: %q and %q", version, prev, name)
		}
		seen[version] = name

		content, err := fs.ReadFile(dir, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		out = append(out, migration{
			version:     version,
			description: strings.TrimSuffix(parts[1], ".sql"),
			sql:         string(content),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// now returns the current time in UTC truncated to microseconds, the finest
// precision every supported backend round-trips exactly.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Normalize applies the same UTC/microsecond normalisation as the store to a
// caller-supplied timestamp.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
