package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Dialect names a supported SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know about.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// ParseDialect maps a configuration string to a Dialect. "postgresql" and
// "sqlite3" are accepted as aliases.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q (want sqlite, postgres or mysql)", s)
	}
}

func (d Dialect) validate() error {
	_, err := ParseDialect(string(d))
	return err
}

func (d Dialect) driverName() string {
	return string(d)
}

// normalizeDSN fills in driver options the store relies on. MySQL needs
// parseTime for DATETIME scanning, UTC so timestamps compare equal to what was
// written, and multiStatements so migration files can hold several statements.
func (d Dialect) normalizeDSN(dsn string) (string, error) {
	switch d {
	case DialectSQLite:
		if dsn == "" {
			return "./talkbuddy.db", nil
		}
		return dsn, nil
	case DialectMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("invalid mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		cfg.MultiStatements = true
		return cfg.FormatDSN(), nil
	default:
		if dsn == "" {
			return "", fmt.Errorf("%s requires DATABASE_URL", d)
		}
		return dsn, nil
	}
}

// insertIgnore renders an insert that silently skips rows violating a unique
// constraint. Atomic at the database level on every backend.
func (d Dialect) insertIgnore(table string, columns ...string) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	cols := strings.Join(columns, ", ")
	if d == DialectMySQL {
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, cols, marks)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING", table, cols, marks)
}

// upsert renders an insert that overwrites updateColumns when the row keyed by
// conflictColumns already exists.
func (d Dialect) upsert(table string, conflictColumns, updateColumns []string, columns ...string) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	cols := strings.Join(columns, ", ")
	sets := make([]string, 0, len(updateColumns))
	for _, c := range updateColumns {
		if d == DialectMySQL {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
		} else {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	if d == DialectMySQL {
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
			table, cols, marks, strings.Join(sets, ", "))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, cols, marks, strings.Join(conflictColumns, ", "), strings.Join(sets, ", "))
}

// returningIDs reports whether generated keys must be read with RETURNING
// (lib/pq does not implement LastInsertId).
func (d Dialect) returningIDs() bool {
	return d == DialectPostgres
}
