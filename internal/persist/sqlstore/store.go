// Package sqlstore implements persist.Port on a single kv_records table in
// PostgreSQL (pgx) or SQLite (modernc).
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"qazna.org/adminauth/internal/migrate"
	"qazna.org/adminauth/internal/persist"
)

// Dialect selects the SQL flavour.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

const (
	pgErrUndefinedTable  = "42P01"
	pgErrUniqueViolation = "23505"
)

// ErrSchemaMissing is returned when kv_records has not been migrated.
var ErrSchemaMissing = errors.New("sqlstore: schema missing, run migrations")

//go:embed migrations
var migrationsFS embed.FS

// Migrations returns the embedded migration files for d.
func Migrations(d Dialect) fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations/"+string(d))
	if err != nil {
		panic(err)
	}
	return sub
}

// ParseDialect accepts postgres, pg, pgx, sqlite and sqlite3.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("sqlstore: unknown dialect %q", s)
}

// BindVar renders the n-th (1-based) placeholder.
func (d Dialect) BindVar(n int) string {
	if d == SQLite {
		return "?"
	}
	return "$" + strconv.Itoa(n)
}

func (d Dialect) driverName() string {
	if d == SQLite {
		return "sqlite"
	}
	return "pgx"
}

// Store is a persist.Port backed by database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect

	getSQL    string
	putSQL    string
	deleteSQL string
	scanSQL   string
}

var _ persist.Port = (*Store)(nil)

// Open connects to dsn with the driver of d.
func Open(d Dialect, dsn string) (*Store, error) {
	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, err
	}
	if d == SQLite {
		// one writer; avoids SQLITE_BUSY under concurrent puts
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(15 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	return New(db, d), nil
}

// New wraps an existing handle.
func New(db *sql.DB, d Dialect) *Store {
	b := d.BindVar
	order := "order by record_key"
	if d == Postgres {
		order = `order by record_key collate "C"`
	}
	return &Store{
		db:      db,
		dialect: d,
		getSQL:  fmt.Sprintf(`select value from kv_records where collection = %s and record_key = %s`, b(1), b(2)),
		putSQL: fmt.Sprintf(`insert into kv_records(collection, record_key, value, updated_at) values (%s, %s, %s, %s)
			on conflict (collection, record_key) do update set value = excluded.value, updated_at = excluded.updated_at`,
			b(1), b(2), b(3), b(4)),
		deleteSQL: fmt.Sprintf(`delete from kv_records where collection = %s and record_key = %s`, b(1), b(2)),
		scanSQL:   fmt.Sprintf(`select record_key, value from kv_records where collection = %s %s`, b(1), order),
	}
}

// Migrate applies the embedded schema.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := migrate.NewManager(s.db, Migrations(s.dialect), migrate.WithBindVar(s.dialect.BindVar)).Up(ctx)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Get(ctx context.Context, collection, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, s.getSQL, collection, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persist.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get", collection, err)
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, collection, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, s.putSQL, collection, key, string(value), time.Now().UTC()); err != nil {
		return s.wrap("put", collection, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if _, err := s.db.ExecContext(ctx, s.deleteSQL, collection, key); err != nil {
		return s.wrap("delete", collection, err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, collection string, match persist.Predicate) ([]persist.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.scanSQL, collection)
	if err != nil {
		return nil, s.wrap("scan", collection, err)
	}
	defer rows.Close()
	var out []persist.Record
	for rows.Next() {
		var rec persist.Record
		if err := rows.Scan(&rec.Key, &rec.Value); err != nil {
			return nil, s.wrap("scan", collection, err)
		}
		if match != nil && !match(rec.Key, rec.Value) {
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("scan", collection, err)
	}
	return out, nil
}

func (s *Store) wrap(op, collection string, err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUndefinedTable:
			return fmt.Errorf("sqlstore: %s %s: %w", op, collection, ErrSchemaMissing)
		case pgErrUniqueViolation:
			return fmt.Errorf("sqlstore: %s %s: conflict on %s: %w", op, collection, pgErr.ConstraintName, err)
		}
	}
	if s.dialect == SQLite && strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("sqlstore: %s %s: %w", op, collection, ErrSchemaMissing)
	}
	return fmt.Errorf("sqlstore: %s %s: %w", op, collection, err)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
