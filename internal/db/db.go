package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"execstore/internal/errors"
)

// Dialect selects driver and SQL flavour.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// DefaultQueryTimeout bounds every statement issued through Pools.
const DefaultQueryTimeout = 30 * time.Second

func ParseDialect(s string) (Dialect, error) {
	switch Dialect(strings.ToLower(s)) {
	case "", SQLite:
		return SQLite, nil
	case Postgres, "postgresql":
		return Postgres, nil
	case MySQL:
		return MySQL, nil
	}
	return "", errors.Newf(errors.ErrInvalidArgument, "unknown database dialect %q", s)
}

// Driver returns the database/sql driver name.
func (d Dialect) Driver() string {
	return string(d)
}

// Rebind rewrites ? placeholders to $n for postgres. Queries here never
// carry literal question marks.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SupportsForUpdate reports whether SELECT ... FOR UPDATE is accepted.
// SQLite serializes writers on the database lock instead.
func (d Dialect) SupportsForUpdate() bool {
	return d != SQLite
}

// UpsertSQL builds the native insert-or-update statement, with ? placeholders
// for insertCols in order. key must be a subset of insertCols carrying a
// unique constraint.
func (d Dialect) UpsertSQL(table string, insertCols, updateCols, key []string) string {
	marks := strings.TrimSuffix(strings.Repeat("?,", len(insertCols)), ",")
	stmt := fmt.Sprintf("INSERT INTO %s(%s) VALUES (%s)", table, strings.Join(insertCols, ","), marks)
	sets := make([]string, 0, len(updateCols))
	switch d {
	case MySQL:
		for _, c := range updateCols {
			sets = append(sets, fmt.Sprintf("%s=VALUES(%s)", c, c))
		}
		if len(sets) == 0 {
			sets = append(sets, fmt.Sprintf("%s=%s", key[0], key[0]))
		}
		return stmt + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ",")
	default:
		for _, c := range updateCols {
			sets = append(sets, fmt.Sprintf("%s=excluded.%s", c, c))
		}
		if len(sets) == 0 {
			return stmt + fmt.Sprintf(" ON CONFLICT(%s) DO NOTHING", strings.Join(key, ","))
		}
		return stmt + fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s", strings.Join(key, ","), strings.Join(sets, ","))
	}
}

// Config describes one connection pool.
type Config struct {
	Dialect      Dialect
	DSN          string
	MaxOpenConns int
}

// Open opens a pool for cfg. For SQLite the DSN may be a plain file path;
// its directory is created and WAL plus a busy timeout are enabled.
func Open(cfg Config) (*sql.DB, error) {
	dsn := cfg.DSN
	if cfg.Dialect == SQLite {
		var err error
		if dsn, err = sqliteDSN(dsn); err != nil {
			return nil, err
		}
	}
	conn, err := sql.Open(cfg.Dialect.Driver(), dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s pool", cfg.Dialect)
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	return conn, nil
}

func sqliteDSN(dsn string) (string, error) {
	if dsn == "" {
		dsn = filepath.Join(".execstore", "execstore.db")
	}
	if strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, "?") {
		return dsn, nil
	}
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dsn), nil
}

// Pools holds the always-consistent default pool and an optional read
// replica pool. Read is nil when no replica is configured.
type Pools struct {
	Default      *sql.DB
	Read         *sql.DB
	Dialect      Dialect
	QueryTimeout time.Duration
}

// HasReadPool reports whether a distinct replica pool is configured.
func (p Pools) HasReadPool() bool {
	return p.Read != nil && p.Read != p.Default
}

// Reader returns the read pool when configured, else the default pool.
func (p Pools) Reader() *sql.DB {
	if p.Read != nil {
		return p.Read
	}
	return p.Default
}

// WithTimeout derives the per-query context.
func (p Pools) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := p.QueryTimeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// Close closes both pools.
func (p Pools) Close() error {
	var err error
	if p.Read != nil && p.Read != p.Default {
		err = p.Read.Close()
	}
	if p.Default != nil {
		if cerr := p.Default.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}
