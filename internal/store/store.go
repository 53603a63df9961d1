package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/mattn/go-sqlite3"
)

// TxMode selects the exclusivity of a transaction.
type TxMode int

const (
	// Read opens a non-exclusive transaction; concurrent reads are allowed.
	Read TxMode = iota
	// Write opens an exclusive transaction; only one writer at a time.
	Write
)

const schema = `
CREATE TABLE IF NOT EXISTS tracing (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	priority INTEGER NOT NULL,
	data BLOB NOT NULL,
	mime TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tracing_priority_id ON tracing (priority, id);
`

// maxRetries is the number of times a transient lock-contention failure is
// retried before the caller's error is surfaced, per the buffer's failure
// semantics.
const maxRetries = 3

// Store is the single-file embedded relational store backing the tracing
// buffer. It exposes no statements of its own: callers issue SQL through the
// Tx returned by Transaction and rely on it for atomic commit-or-rollback.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
}

// Open opens (creating if absent) the SQLite file at path and creates the
// tracing schema if it is not already present. Schema creation runs under
// the long lock timeout to tolerate contention from peer invocations of the
// same charm racing to initialize the same file.
func Open(ctx context.Context, path string, longTimeout time.Duration) (*Store, error) {
	dsn := "file:" + path + "?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=off"

	writeDB, err := sql.Open("sqlite3", dsn+"&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("store: open write pool: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("store: open read pool: %w", err)
	}

	s := &Store{writeDB: writeDB, readDB: readDB, path: path}

	tx, err := s.Transaction(ctx, Write, longTimeout)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("store: begin schema init: %w", err)
	}
	if _, err := tx.Exec(ctx, schema); err != nil {
		tx.Rollback()
		s.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.Close()
		return nil, fmt.Errorf("store: commit schema init: %w", err)
	}

	return s, nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	err1 := s.writeDB.Close()
	err2 := s.readDB.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Path returns the filesystem path this store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Tx is a single transaction. Callers issue arbitrary statements through it
// and must call Commit or Rollback exactly once. cancel releases the
// timeout context Transaction derived for this Tx; it must outlive the
// sql.Tx or database/sql's awaitDone goroutine rolls it back the moment
// Transaction returns.
type Tx struct {
	sqlTx  *sql.Tx
	cancel context.CancelFunc
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.sqlTx.ExecContext(ctx, query, args...)
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.sqlTx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.sqlTx.QueryRowContext(ctx, query, args...)
}

func (t *Tx) Commit() error {
	defer t.cancel()
	return t.sqlTx.Commit()
}

func (t *Tx) Rollback() error {
	defer t.cancel()
	return t.sqlTx.Rollback()
}

// isRetryable reports whether err looks like a transient SQLite lock or
// busy condition rather than a structural failure.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "database is locked", "SQLITE_BUSY", "database table is locked", "busy")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

// Transaction begins a transaction in the given mode, bounded by timeout.
// Write transactions take the exclusive writer-pool connection (effectively
// an exclusive file lock for the process); read transactions use the shared
// read pool. Transient lock-contention failures are retried up to three
// times with exponential backoff bounded by timeout; the last error
// surfaces if all attempts fail.
func (s *Store) Transaction(ctx context.Context, mode TxMode, timeout time.Duration) (*Tx, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)

	db := s.readDB
	if mode == Write {
		db = s.writeDB
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)

	var sqlTx *sql.Tx
	err := backoff.Retry(func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		sqlTx = tx
		return nil
	}, bo)
	if err != nil {
		cancel()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("store: begin %v transaction: %w: %v", mode, ErrLockTimeout, err)
		}
		return nil, fmt.Errorf("store: begin %v transaction: %w", mode, err)
	}

	return &Tx{sqlTx: sqlTx, cancel: cancel}, nil
}

// ErrLockTimeout is returned (wrapped) when a transaction could not be
// started within its timeout due to sustained contention.
var ErrLockTimeout = errors.New("store: lock acquisition timed out")

func (m TxMode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}
