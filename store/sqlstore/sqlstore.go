/*
Package sqlstore provides a database/sql implementation of billing.TxStore
for SQLite and PostgreSQL.

PURPOSE:
  Persists subjects, bills, payments, notices and number sequences. The same
  queries run on both databases; placeholders are written as ? and rebound
  to $n for PostgreSQL.

KEY TABLES:
  billing_subjects, assessments, water_connections   reference data
  demands, water_bills                               bills
  payments                                           append-only
  notices                                            flat chain per demand
  number_sequences                                   (prefix, scope) -> value
  audit_logs                                         written by package audit

UNIQUENESS:
  - idx_demands_open_period:  (subject_id, service_type, period) WHERE status <> 'cancelled'
  - idx_water_bills_open_period: (connection_id, billing_period) WHERE status <> 'cancelled'
  - number / receipt_number / payment_number: UNIQUE

CONCURRENCY:
  PostgreSQL: every transaction sets lock_timeout, Lock* methods use
  SELECT ... FOR UPDATE. SQLSTATE 55P03 maps to ErrConcurrentModification.

  SQLite: a single connection and a writer gate. WithTx waits at most
  LockTimeout for the gate, then returns ErrConcurrentModification.

MIGRATION:
  Schema is applied with golang-migrate from the embedded migrations/
  directory when the store is opened.

USAGE:
  st, err := sqlstore.Open(ctx, sqlstore.Config{Driver: "sqlite", DSN: ":memory:"})
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  engine := billing.NewEngine(st, billing.Options{})

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/DevXPanda/HTCMS-sub001/billing"
)

// Dialect selects driver-specific SQL.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "sqlite", "sqlite3", "":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return "", fmt.Errorf("unknown database driver %q", s)
}

// DefaultLockTimeout bounds row-lock waits.
const DefaultLockTimeout = 2 * time.Second

type Config struct {
	Driver       string // sqlite | postgres
	DSN          string
	LockTimeout  time.Duration
	MaxOpenConns int
}

// Store implements billing.TxStore.
type Store struct {
	*conn
	db       *sql.DB
	lockWait time.Duration
	gate     chan struct{} // SQLite only
}

// Open connects, migrates and returns a ready store.
// Use DSN ":memory:" with the sqlite driver for an in-memory database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	d, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch d {
	case SQLite:
		db, err = sql.Open("sqlite3", sqliteDSN(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// :memory: databases are per connection; writes are single-writer anyway
		db.SetMaxOpenConns(1)
	case Postgres:
		db, err = sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := Migrate(db, d, cfg.DSN); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return New(db, d, cfg.LockTimeout), nil
}

// New wraps an already migrated database.
func New(db *sql.DB, d Dialect, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	s := &Store{
		conn:     &conn{q: db, d: d},
		db:       db,
		lockWait: lockTimeout,
	}
	if d == SQLite {
		s.gate = make(chan struct{}, 1)
	}
	return s
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = ":memory:"
	}
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_foreign_keys=on&_journal_mode=WAL"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for collaborators sharing the database (audit).
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect in use.
func (s *Store) Dialect() Dialect { return s.d }

// Rebind converts ? placeholders for the store's dialect.
func (s *Store) Rebind(query string) string { return rebind(s.d, query) }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	if s.gate != nil {
		wait := time.NewTimer(s.lockWait)
		defer wait.Stop()
		select {
		case s.gate <- struct{}{}:
		case <-wait.C:
			return billing.ErrConcurrentModification
		case <-ctx.Done():
			return ctx.Err()
		}
		defer func() { <-s.gate }()
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if s.d == Postgres {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockWait.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return classify("set lock timeout", err)
		}
	}

	if err := fn(&conn{q: sqlTx, d: s.d, inTx: true}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

// =============================================================================
// CONN - billing.Store over a *sql.DB or *sql.Tx
// =============================================================================

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q    queryer
	d    Dialect
	inTx bool
}

type scanner interface {
	Scan(dest ...any) error
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, rebind(c.d, query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, rebind(c.d, query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, rebind(c.d, query), args...)
}

// forUpdate is appended to row reads that must lock.
func (c *conn) forUpdate() string {
	if c.d == Postgres && c.inTx {
		return " FOR UPDATE"
	}
	return ""
}

func rebind(d Dialect, query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

const (
	pgLockNotAvailable     = "55P03"
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
	pgUniqueViolation      = "23505"
)

// classify maps lock timeouts to ErrConcurrentModification and wraps the rest.
func classify(op string, err error) error {
	if isLockError(err) {
		return billing.ErrConcurrentModification
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isLockError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgDeadlockDetected, pgSerializationFailure:
			return true
		}
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// uniqueViolation reports a unique-constraint failure and the text naming
// the violated constraint or columns.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName + " " + pgErr.Message, pgErr.Code == pgUniqueViolation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Error(), liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	msg := err.Error()
	return msg, strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key")
}

// insertError turns a unique violation on a bill insert into the matching
// engine conflict.
func insertError(op string, err error, duplicate *billing.Error) error {
	if detail, ok := uniqueViolation(err); ok {
		if strings.Contains(detail, "number") {
			return billing.ErrDuplicateNumber
		}
		return duplicate
	}
	return classify(op, err)
}

// =============================================================================
// VALUE HELPERS
// =============================================================================

const (
	tsLayout   = "2006-01-02T15:04:05.000000Z07:00"
	dateLayout = "2006-01-02"
)

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t.UTC()
}

func date(t time.Time) string { return t.Format(dateLayout) }

func parseDate(s string) time.Time {
	t, _ := time.Parse(dateLayout, s)
	return t
}

func money(m billing.Money) string { return m.StringFixed(2) }

func nullTS(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: ts(*t), Valid: true}
}

func tsPtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTS(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ billing.TxStore = (*Store)(nil)
