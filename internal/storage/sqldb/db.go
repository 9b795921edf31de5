// Package sqldb implements the storage interfaces over database/sql with two
// interchangeable backends: embedded SQLite (modernc.org/sqlite) for
// development and Postgres (jackc/pgx stdlib driver) for production. The SQL
// is written once with ? placeholders; rebind rewrites them to $N for
// Postgres. Timestamps are stored as milliseconds since epoch in both
// dialects; monetary values keep at least 6 decimal digits.
package sqldb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	gateway "github.com/eugener/mithril/internal"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// Dialect selects the SQL backend.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Store implements storage.Store for both dialects.
type Store struct {
	write   *sql.DB // SQLite: single-writer connection; Postgres: same pool as read
	read    *sql.DB
	dialect Dialect
}

// OpenSQLite opens (or creates) a SQLite database at path, runs migrations,
// and returns a Store. Pass ":memory:" for an in-memory database.
func OpenSQLite(path string) (*Store, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	// For :memory: databases, use shared cache so read/write pools share the same data
	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		dsn = "file:" + path + "?" + pragmas
	}

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	s := &Store{write: write, read: read, dialect: DialectSQLite}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return s, nil
}

// OpenPostgres connects to the server backend at url, runs migrations, and
// returns a Store. Reads and writes share one pooled connection set.
func OpenPostgres(url string) (*Store, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(max(8, 2*runtime.NumCPU()))
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{write: db, read: db, dialect: DialectPostgres}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return s, nil
}

// migrate applies embedded SQL migrations with goose. A database whose
// recorded version is newer than anything this binary ships refuses to start:
// downgrading through an unknown schema is not supported.
func (s *Store) migrate() error {
	var (
		sub    string
		goosed goose.Dialect
	)
	switch s.dialect {
	case DialectPostgres:
		sub, goosed = "migrations/postgres", goose.DialectPostgres
	default:
		sub, goosed = "migrations/sqlite", goose.DialectSQLite3
	}

	fsys, err := fs.Sub(migrations, sub)
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goosed, s.write, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	ctx := context.Background()
	dbVersion, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	var maxKnown int64
	for _, src := range provider.ListSources() {
		if src.Version > maxKnown {
			maxKnown = src.Version
		}
	}
	if dbVersion > maxKnown {
		return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", dbVersion, maxKnown)
	}

	_, err = provider.Up(ctx)
	return err
}

// q rewrites ? placeholders to $N for Postgres. SQLite queries pass through.
func (s *Store) q(query string) string {
	if s.dialect != DialectPostgres {
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

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes the underlying connections.
func (s *Store) Close() error {
	if s.write == s.read {
		return s.write.Close()
	}
	return errors.Join(s.write.Close(), s.read.Close())
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}

// --- time and null helpers ---

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func millisPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64)
	return &t
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	f := n.Float64
	return &f
}
