package persistence

import (
	"context"
	"fmt"
	"time"
)

type Lock struct {
	Key        string    `json:"lock_key"`
	TaskID     string    `json:"task_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// TryAcquireLock inserts the lock row. It succeeds only when no row exists
// for key, whoever the owner is.
func (s *Store) TryAcquireLock(ctx context.Context, key, taskID string) (bool, error) {
	if key == "" || taskID == "" {
		return false, fmt.Errorf("acquire lock: key and task id required")
	}
	var acquired bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO execution_locks (lock_key, task_id, acquired_at)
			VALUES (?, ?, CURRENT_TIMESTAMP);
		`, key, taskID)
		if err != nil {
			return fmt.Errorf("insert execution lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("lock rows affected: %w", err)
		}
		acquired = n == 1
		return nil
	})
	return acquired, err
}

// ReleaseLock deletes the lock only while taskID still owns it.
func (s *Store) ReleaseLock(ctx context.Context, key, taskID string) (bool, error) {
	var released bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM execution_locks WHERE lock_key = ? AND task_id = ?;
		`, key, taskID)
		if err != nil {
			return fmt.Errorf("delete execution lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("release rows affected: %w", err)
		}
		released = n == 1
		return nil
	})
	return released, err
}

func (s *Store) ListLocks(ctx context.Context) ([]Lock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lock_key, task_id, acquired_at FROM execution_locks ORDER BY acquired_at, lock_key;
	`)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()
	var out []Lock
	for rows.Next() {
		var l Lock
		if err := rows.Scan(&l.Key, &l.TaskID, &l.AcquiredAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lock rows: %w", err)
	}
	return out, nil
}

// ReleaseOrphanLocks deletes every lock whose owner is not running.
func (s *Store) ReleaseOrphanLocks(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM execution_locks
			WHERE task_id NOT IN (SELECT id FROM tasks WHERE status = 'running');
		`)
		if err != nil {
			return fmt.Errorf("delete orphan locks: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// CountOrphanLocks is the read-only form of ReleaseOrphanLocks used by doctor.
func (s *Store) CountOrphanLocks(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM execution_locks
		WHERE task_id NOT IN (SELECT id FROM tasks WHERE status = 'running');
	`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count orphan locks: %w", err)
	}
	return n, nil
}
