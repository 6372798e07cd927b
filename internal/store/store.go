// Package store persists synchronized DORA data in SQLite or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	// DriverSQLite selects modernc.org/sqlite.
	DriverSQLite = "sqlite"
	// DriverPostgres selects the pgx stdlib driver.
	DriverPostgres = "pgx"
)

// maxBatch bounds the number of rows or bound identifiers per statement.
const maxBatch = 500

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// ErrNotFound is returned by admin updates against unknown rows.
var ErrNotFound = errors.New("not found")

// Store is a database handle. Its embedded Queries run outside a transaction;
// use InTx for writes that must commit together.
type Store struct {
	*Queries
	db     *sqlx.DB
	driver string
}

// Queries holds the data access methods. The same methods run against the
// pool or a transaction.
type Queries struct {
	ext     sqlx.ExtContext
	builder sq.StatementBuilderType
}

// Open connects to the database, applies pending migrations and returns the store.
func Open(driver, dsn string) (*Store, error) {
	builder, err := builderFor(driver)
	if err != nil {
		return nil, err
	}
	dsn = withPragmas(driver, dsn)

	if err := Migrate(driver, dsn); err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite only supports a single writer, so we limit to one connection
		// to prevent "database is locked" errors between scheduled jobs.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{
		Queries: &Queries{ext: db, builder: builder},
		db:      db,
		driver:  driver,
	}, nil
}

func builderFor(driver string) (sq.StatementBuilderType, error) {
	switch driver {
	case DriverSQLite:
		return sq.StatementBuilder.PlaceholderFormat(sq.Question), nil
	case DriverPostgres:
		return sq.StatementBuilder.PlaceholderFormat(sq.Dollar), nil
	default:
		return sq.StatementBuilderType{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

var sqlitePragmas = []struct{ name, value string }{
	{"busy_timeout", "5000"},
	{"foreign_keys", "1"},
}

// withPragmas appends a busy timeout and foreign key enforcement to SQLite
// DSNs, keeping any pragma the DSN already sets.
func withPragmas(driver, dsn string) string {
	if driver != DriverSQLite {
		return dsn
	}
	for _, p := range sqlitePragmas {
		if strings.Contains(dsn, p.name) {
			continue
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=" + p.name + "(" + p.value + ")"
	}
	return dsn
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Driver returns the driver name the store was opened with.
func (s *Store) Driver() string {
	return s.driver
}

// InTx runs fn inside a transaction and commits if fn returns nil.
// fn must only use the Queries it is given.
func (s *Store) InTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Queries{ext: tx, builder: s.builder}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (q *Queries) exec(ctx context.Context, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return q.ext.ExecContext(ctx, query, args...)
}

func (q *Queries) selectInto(ctx context.Context, dest interface{}, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	return sqlx.SelectContext(ctx, q.ext, dest, query, args...)
}

func (q *Queries) getInto(ctx context.Context, dest interface{}, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	return sqlx.GetContext(ctx, q.ext, dest, query, args...)
}

// existing returns the subset of ids present in table.column, using one query
// per maxBatch identifiers.
func existing[K comparable](ctx context.Context, q *Queries, table, column string, ids []K) (map[K]bool, error) {
	found := make(map[K]bool, len(ids))
	for _, chunk := range chunks(ids, maxBatch) {
		var rows []K
		err := q.selectInto(ctx, &rows, q.builder.Select(column).From(table).Where(sq.Eq{column: chunk}))
		if err != nil {
			return nil, fmt.Errorf("failed to query existing %s: %w", table, err)
		}
		for _, id := range rows {
			found[id] = true
		}
	}
	return found, nil
}

func (q *Queries) count(ctx context.Context, table string) (int, error) {
	var n int
	if err := q.getInto(ctx, &n, q.builder.Select("COUNT(*)").From(table)); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
