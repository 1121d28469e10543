/*
Package sqldb provides a database/sql implementation of model.Store.

PURPOSE:
  Implements every persistence interface of the engine on top of
  database/sql. Two dialects share one code path:
  - sqlite3 (mattn/go-sqlite3): development, tests, single-node installs
  - pgx (jackc/pgx/v5/stdlib): production PostgreSQL
  Queries are built with squirrel so placeholders follow the dialect.

INTERFACES IMPLEMENTED:
  model.Store: all engine reads and writes plus WithTx

BULK LOADS:
  Transactions, cost line items and their configs are written through a
  COPY-equivalent channel (copy.go). Rows are encoded as tab-delimited text
  with \x01 standing for NULL so that empty strings stay empty. On
  PostgreSQL the buffer goes through COPY FROM STDIN on the transaction's
  own connection; on SQLite the same buffer is decoded into a prepared
  INSERT.

MANUAL SEQUENCE LOCK:
  Bulk inserts reserve a contiguous id range (sequence.go) while holding an
  exclusive table lock, so children can reference parent ids that were
  assigned in memory.

CONCURRENCY:
  SQLite is opened with one connection, WAL and immediate transactions.
  A callback running under WithTx must only use the Store it receives;
  using the outer Store would wait on the single connection.

USAGE:
  store, err := sqldb.Open(ctx, "sqlite3", ":memory:")
  if err != nil {
      log.Fatal().Err(err).Msg("open store")
  }
  defer store.Close()

SEE ALSO:
  - model/store.go: Interface definitions
  - schema.go: table definitions
*/
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dioptra/analysis-engine/model"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

type dialect struct {
	driver      string
	placeholder sq.PlaceholderFormat
	idColumn    string
	decimalType string
	percentType string
}

func (d dialect) postgres() bool { return d.driver == DriverPostgres }

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite:
		return dialect{
			driver:      DriverSQLite,
			placeholder: sq.Question,
			idColumn:    "INTEGER PRIMARY KEY AUTOINCREMENT",
			decimalType: "TEXT",
			percentType: "TEXT",
		}, nil
	case DriverPostgres:
		return dialect{
			driver:      DriverPostgres,
			placeholder: sq.Dollar,
			idColumn:    "BIGSERIAL PRIMARY KEY",
			decimalType: "NUMERIC(20,4)",
			percentType: "NUMERIC(9,4)",
		}, nil
	}
	return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
}

// runner is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Store implements model.Store.
type Store struct {
	*queries
	db *sql.DB
}

// queries holds every statement; Store and the WithTx view share it.
type queries struct {
	run     runner
	conn    *sql.Conn
	inTx    bool
	dialect dialect
	sb      sq.StatementBuilderType
}

// Open connects to the database and migrates the schema.
// For sqlite3, dsn is a file path or ":memory:".
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if d.driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	store := &Store{
		db: db,
		queries: &queries{
			run:     db,
			dialect: d,
			sb:      sq.StatementBuilder.PlaceholderFormat(d.placeholder),
		},
	}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func sqliteDSN(path string) string {
	params := "_foreign_keys=on&_journal_mode=WAL&_txlock=immediate"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the driver name the store was opened with.
func (s *Store) Driver() string {
	return s.dialect.driver
}

// =============================================================================
// TRANSACTION SUPPORT
// =============================================================================

// WithTx executes fn within a database transaction. The connection is
// pinned so bulk COPY statements run inside the same transaction.
func (s *Store) WithTx(ctx context.Context, fn func(model.Store) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	sqlTx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	ts := &txStore{queries: &queries{
		run:     sqlTx,
		conn:    conn,
		inTx:    true,
		dialect: s.dialect,
		sb:      s.sb,
	}}
	if err := fn(ts); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// BulkInsertTransactions runs in its own transaction when called outside WithTx.
func (s *Store) BulkInsertTransactions(ctx context.Context, txs []model.Transaction) error {
	return s.WithTx(ctx, func(ts model.Store) error {
		return ts.BulkInsertTransactions(ctx, txs)
	})
}

// BulkInsertCostLineItems runs in its own transaction when called outside WithTx.
func (s *Store) BulkInsertCostLineItems(ctx context.Context, items []model.CostLineItem, cfgs []model.CostLineItemConfig) error {
	return s.WithTx(ctx, func(ts model.Store) error {
		return ts.BulkInsertCostLineItems(ctx, items, cfgs)
	})
}

// LinkTransactions runs in its own transaction when called outside WithTx.
func (s *Store) LinkTransactions(ctx context.Context, links map[int64]int64) error {
	return s.WithTx(ctx, func(ts model.Store) error {
		return ts.LinkTransactions(ctx, links)
	})
}

// ReplaceMappings runs in its own transaction when called outside WithTx.
func (s *Store) ReplaceMappings(ctx context.Context, mappings []model.Mapping) error {
	return s.WithTx(ctx, func(ts model.Store) error {
		return ts.ReplaceMappings(ctx, mappings)
	})
}

// txStore is a Store view bound to one transaction.
type txStore struct {
	*queries
}

// WithTx on a transaction view reuses the open transaction.
func (ts *txStore) WithTx(ctx context.Context, fn func(model.Store) error) error {
	return fn(ts)
}

// =============================================================================
// QUERY HELPERS
// =============================================================================

func (q *queries) exec(ctx context.Context, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return q.run.ExecContext(ctx, query, args...)
}

func (q *queries) query(ctx context.Context, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return q.run.QueryContext(ctx, query, args...)
}

func (q *queries) queryRow(ctx context.Context, b sq.Sqlizer, dest ...any) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	return q.run.QueryRowContext(ctx, query, args...).Scan(dest...)
}

// insertID runs an INSERT ... RETURNING id and returns the new id.
func (q *queries) insertID(ctx context.Context, b sq.InsertBuilder) (int64, error) {
	var id int64
	if err := q.queryRow(ctx, b.Suffix("RETURNING id"), &id); err != nil {
		return 0, err
	}
	return id, nil
}

func (q *queries) count(ctx context.Context, b sq.SelectBuilder) (int, error) {
	var n int
	if err := q.queryRow(ctx, b, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func notFound(err error, what error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return what
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func ptrInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func formatDate(t time.Time) string {
	return t.UTC().Format(model.DateLayout)
}

func parseDate(s string) (time.Time, error) {
	if len(s) > len(model.DateLayout) {
		s = s[:len(model.DateLayout)]
	}
	return model.ParseDate(s)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
