// Package store implements C1: the embedded transactional relation store
// that every repository in internal/repository is built on. It is a thin
// layer over database/sql and the glebarez/go-sqlite driver, chosen for
// a single-file embedded store with WAL backup and SQLITE_BUSY back-off
// semantics rather than a client/server RDBMS (see DESIGN.md).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Store wraps the two *sql.DB handles opened against the same file: one
// restricted to a single connection for writers (giving a single-writer
// guarantee for free), one with a larger pool for concurrent readers.
type Store struct {
	path    string
	writeDB *sql.DB
	readDB  *sql.DB
}

// Open opens (creating if absent) the store file at path and verifies
// connectivity. foreignKeys enables SQLite foreign-key enforcement;
// busyTimeout bounds how long a connection blocks on SQLITE_BUSY before
// our own retry loop takes over.
func Open(ctx context.Context, path string, foreignKeys bool, busyTimeout time.Duration) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path is required")
	}

	dsn := dsnFor(path, foreignKeys, busyTimeout)

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store (write): %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("open store (read): %w", err)
	}
	readDB.SetMaxOpenConns(8)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := writeDB.PingContext(pingCtx); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	return &Store{path: path, writeDB: writeDB, readDB: readDB}, nil
}

func dsnFor(path string, foreignKeys bool, busyTimeout time.Duration) string {
	params := []string{fmt.Sprintf("_busy_timeout=%d", busyTimeout.Milliseconds())}
	if foreignKeys {
		params = append(params, "_foreign_keys=on")
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&"))
}

// Path returns the store's on-disk file path.
func (s *Store) Path() string { return s.path }

// WriteDB returns the single-connection write handle.
func (s *Store) WriteDB() *sql.DB { return s.writeDB }

// ReadDB returns the pooled read-only handle.
func (s *Store) ReadDB() *sql.DB { return s.readDB }

// Close closes both handles.
func (s *Store) Close() error {
	err1 := s.writeDB.Close()
	err2 := s.readDB.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// --- Transaction support -----------------------------------------------

type txKey struct{}

// TxFromContext extracts an active transaction from ctx, if any.
func TxFromContext(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// ContextWithTx returns a context carrying tx.
func ContextWithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// BeginExclusive opens a write transaction. SQLite's BEGIN IMMEDIATE
// acquires the reserved lock up front: no other writer can interleave
// once this call returns, and readers still see the pre-transaction
// snapshot until commit.
func (s *Store) BeginExclusive(ctx context.Context) (context.Context, *sql.Tx, error) {
	tx, err := beginWithRetry(ctx, s.writeDB, "BEGIN IMMEDIATE")
	if err != nil {
		return ctx, nil, err
	}
	return ContextWithTx(ctx, tx), tx, nil
}

// BeginImmediate opens a read-heavy multi-statement transaction that
// still needs a consistent snapshot across several queries. It uses the
// same underlying write handle as BeginExclusive to avoid interleaving
// with uncommitted writer state; callers that only read should prefer
// plain queries against ReadDB.
func (s *Store) BeginImmediate(ctx context.Context) (context.Context, *sql.Tx, error) {
	return s.BeginExclusive(ctx)
}

func beginWithRetry(ctx context.Context, db *sql.DB, beginStmt string) (*sql.Tx, error) {
	for {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			if isBusy(err) {
				if slept := sleepBackoff(ctx); !slept {
					return nil, fmt.Errorf("begin transaction: %w", ctx.Err())
				}
				continue
			}
			return nil, fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, beginStmt); err != nil {
			tx.Rollback()
			if isBusy(err) {
				if slept := sleepBackoff(ctx); !slept {
					return nil, fmt.Errorf("begin transaction: %w", ctx.Err())
				}
				continue
			}
			return nil, fmt.Errorf("begin transaction: %w", err)
		}
		return tx, nil
	}
}

func sleepBackoff(ctx context.Context) bool {
	select {
	case <-time.After(25 * time.Millisecond):
		return true
	case <-ctx.Done():
		return false
	}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

// WithExclusiveTx runs fn inside a BeginExclusive transaction, committing
// on success and rolling back on error or panic.
func (s *Store) WithExclusiveTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	txCtx, tx, err := s.BeginExclusive(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- Querier abstraction ------------------------------------------------

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Querier returns the transaction from ctx if present, else the store's
// write handle. Read-only call sites that never participate in a
// transaction should use ReadQuerier instead.
func (s *Store) Querier(ctx context.Context) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.writeDB
}

// ReadQuerier returns the transaction from ctx if present, else the
// pooled read handle.
func (s *Store) ReadQuerier(ctx context.Context) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.readDB
}

// --- Query helpers with BUSY retry --------------------------------------

// Exec runs a statement that doesn't return rows, retrying indefinitely
// on SQLITE_BUSY.
func (s *Store) Exec(ctx context.Context, q Querier, query string, args ...any) (sql.Result, error) {
	for {
		res, err := q.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		if isBusy(err) {
			if !sleepBackoff(ctx) {
				return nil, ctx.Err()
			}
			continue
		}
		return nil, err
	}
}

// QueryScalarInt runs a query expected to return exactly one row with one
// int column. A missing row is a programming error.
func QueryScalarInt(ctx context.Context, q Querier, query string, args ...any) (int, error) {
	var v int
	err := q.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query_scalar_int: required row missing: %w", err)
	}
	return v, err
}

// QueryScalarInt64 is QueryScalarInt for int64 columns.
func QueryScalarInt64(ctx context.Context, q Querier, query string, args ...any) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query_scalar_int64: required row missing: %w", err)
	}
	return v, err
}

// QueryScalarString is QueryScalarInt for string columns.
func QueryScalarString(ctx context.Context, q Querier, query string, args ...any) (string, error) {
	var v string
	err := q.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("query_scalar_string: required row missing: %w", err)
	}
	return v, err
}

// Cursor wraps *sql.Rows with guaranteed cleanup via Close.
type Cursor struct {
	rows *sql.Rows
}

// Iterate runs a query and returns a Cursor. Callers must Close it.
func Iterate(ctx context.Context, q Querier, query string, args ...any) (*Cursor, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &Cursor{rows: rows}, nil
}

// Next advances the cursor, returning false at end of results or on error.
func (c *Cursor) Next() bool { return c.rows.Next() }

// Scan copies the current row's columns into dest.
func (c *Cursor) Scan(dest ...any) error { return c.rows.Scan(dest...) }

// Err returns any error encountered during iteration.
func (c *Cursor) Err() error { return c.rows.Err() }

// Close releases the underlying rows.
func (c *Cursor) Close() error { return c.rows.Close() }
