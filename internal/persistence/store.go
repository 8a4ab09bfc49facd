package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/threadclaw/internal/bus"
	"github.com/basket/threadclaw/internal/shared"
)

const busyRetries = 5

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

type TaskStatus string

const (
	TaskStatusWaitingApproval  TaskStatus = "waiting_approval"
	TaskStatusPending          TaskStatus = "pending"
	TaskStatusRunning          TaskStatus = "running"
	TaskStatusSucceeded        TaskStatus = "succeeded"
	TaskStatusFailed           TaskStatus = "failed"
	TaskStatusRejected         TaskStatus = "rejected"
	TaskStatusAbortedOnRestart TaskStatus = "aborted_on_restart"
)

// AllStatuses lists every task status in lifecycle order.
var AllStatuses = []TaskStatus{
	TaskStatusWaitingApproval,
	TaskStatusPending,
	TaskStatusRunning,
	TaskStatusSucceeded,
	TaskStatusFailed,
	TaskStatusRejected,
	TaskStatusAbortedOnRestart,
}

// Terminal states have no outgoing edges.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusWaitingApproval: {
		TaskStatusPending:  {},
		TaskStatusRejected: {},
		TaskStatusFailed:   {}, // approval request could not be posted
	},
	TaskStatusPending: {
		TaskStatusRunning: {},
	},
	TaskStatusRunning: {
		TaskStatusSucceeded:        {},
		TaskStatusFailed:           {},
		TaskStatusAbortedOnRestart: {},
	},
}

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusRejected, TaskStatusAbortedOnRestart:
		return true
	}
	return false
}

func (s TaskStatus) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, on top of the
// driver's busy_timeout. Backoff doubles from 50ms up to 500ms with jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	delay := 50 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		wait := delay*3/4 + time.Duration(rand.Int64N(int64(delay/2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay = min(delay*2, 500*time.Millisecond)
	}
}

func isSQLiteBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	// Errors that lost their type crossing a wrapper still carry the text.
	return err != nil && strings.Contains(err.Error(), "is locked")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// withTx runs f inside a transaction, retrying the whole transaction on
// SQLite BUSY/LOCKED.
func (s *Store) withTx(ctx context.Context, name string, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s tx: %w", name, err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s tx: %w", name, err)
		}
		return nil
	})
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
		`, key, val)
		if err != nil {
			return fmt.Errorf("kv set: %w", err)
		}
		return nil
	})
}

// KVGet retrieves a value from the kv_store. Returns empty string if key not found.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val, nil
}

// Backup writes an online-consistent copy of the database using VACUUM INTO.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

// QuickCheck runs PRAGMA quick_check and returns its first line ("ok" when healthy).
func (s *Store) QuickCheck(ctx context.Context) (string, error) {
	var out string
	if err := s.db.QueryRowContext(ctx, `PRAGMA quick_check;`).Scan(&out); err != nil {
		return "", fmt.Errorf("quick_check: %w", err)
	}
	return out, nil
}

// SchemaVersion returns the applied schema version and checksum.
func (s *Store) SchemaVersion(ctx context.Context) (int, string, error) {
	var (
		version  int
		checksum string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;
	`).Scan(&version, &checksum)
	if err != nil {
		return 0, "", fmt.Errorf("read schema version: %w", err)
	}
	return version, checksum, nil
}

func traceFields(ctx context.Context) (traceID, runID sql.NullString) {
	if id := shared.TraceID(ctx); id != "-" {
		traceID = sql.NullString{String: id, Valid: true}
	}
	if id := shared.RunID(ctx); id != "" {
		runID = sql.NullString{String: id, Valid: true}
	}
	return traceID, runID
}
