package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/threadclaw/internal/bus"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// RejectedBeforeExecution is recorded on tasks whose approval was rejected.
const RejectedBeforeExecution = "approval rejected before execution"

type Approval struct {
	TaskID     string         `json:"task_id"`
	SourceRef  string         `json:"source_ref"`
	RequestRef string         `json:"request_ref,omitempty"`
	Status     ApprovalStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	DecidedBy  string         `json:"decided_by,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	DecidedAt  *time.Time     `json:"decided_at,omitempty"`
}

const approvalColumns = `task_id, source_ref, request_ref, status, reason, decided_by, created_at, decided_at`

func scanApproval(scanFn func(dest ...any) error, a *Approval) error {
	var decided sql.NullTime
	if err := scanFn(&a.TaskID, &a.SourceRef, &a.RequestRef, &a.Status, &a.Reason, &a.DecidedBy, &a.CreatedAt, &decided); err != nil {
		return err
	}
	a.DecidedAt = nullTimePtr(decided)
	return nil
}

// ApprovalSourceRef is the reference of the message that created a task.
func ApprovalSourceRef(channelID, messageTS string) string {
	return channelID + ":" + messageTS
}

// InsertApproval records a pending approval for a task. Tasks created as
// waiting_approval already carry one, so this is a no-op for them.
func (s *Store) InsertApproval(ctx context.Context, taskID, sourceRef, reason string) error {
	return s.withTx(ctx, "insert approval", func(tx *sql.Tx) error {
		return insertApprovalTx(ctx, tx, taskID, sourceRef, reason)
	})
}

func insertApprovalTx(ctx context.Context, tx *sql.Tx, taskID, sourceRef, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_approvals (task_id, source_ref, status, reason, created_at)
		VALUES (?, ?, 'pending', ?, CURRENT_TIMESTAMP);
	`, taskID, sourceRef, reason)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// RestoreMissingApprovals inserts a pending approval for every
// waiting_approval task that has none, which databases written before
// approvals were created with their task may contain.
func (s *Store) RestoreMissingApprovals(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_approvals (task_id, source_ref, status, reason, created_at)
			SELECT t.id, t.channel_id || ':' || t.message_ts, 'pending', '', CURRENT_TIMESTAMP
			FROM tasks t
			WHERE t.status = 'waiting_approval'
			  AND NOT EXISTS (SELECT 1 FROM task_approvals a WHERE a.task_id = t.id);
		`)
		if err != nil {
			return fmt.Errorf("restore missing approvals: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// SetApprovalRequestRef stores the reference of the posted approval request.
func (s *Store) SetApprovalRequestRef(ctx context.Context, taskID, ref string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE task_approvals SET request_ref = ? WHERE task_id = ?;`, ref, taskID)
		if err != nil {
			return fmt.Errorf("set approval request ref: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) GetApproval(ctx context.Context, taskID string) (*Approval, error) {
	var a Approval
	err := scanApproval(s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM task_approvals WHERE task_id = ?;`, taskID).Scan, &a)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return &a, nil
}

// FindApproval resolves an external reference, which may be the task id,
// the originating message reference or the approval request reference.
func (s *Store) FindApproval(ctx context.Context, ref string) (*Approval, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	var a Approval
	err := scanApproval(s.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+`
		FROM task_approvals
		WHERE task_id = ? OR request_ref = ? OR source_ref = ?
		ORDER BY CASE WHEN task_id = ? THEN 0 WHEN request_ref = ? THEN 1 ELSE 2 END, created_at DESC
		LIMIT 1;
	`, ref, ref, ref, ref, ref).Scan, &a)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find approval: %w", err)
	}
	return &a, nil
}

func (s *Store) ListPendingApprovals(ctx context.Context) ([]Approval, error) {
	return s.queryApprovals(ctx, `status = 'pending'`)
}

// ListUnrequestedApprovals returns pending approvals whose request was
// never posted.
func (s *Store) ListUnrequestedApprovals(ctx context.Context) ([]Approval, error) {
	return s.queryApprovals(ctx, `status = 'pending' AND request_ref = ''`)
}

func (s *Store) queryApprovals(ctx context.Context, where string) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvalColumns+` FROM task_approvals WHERE `+where+` ORDER BY created_at, task_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()
	var out []Approval
	for rows.Next() {
		var a Approval
		if err := scanApproval(rows.Scan, &a); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approval rows: %w", err)
	}
	return out, nil
}

// ResolveApproval moves a pending approval to its decision and applies the
// matching task transition in the same transaction. It returns false when
// the approval is unknown or already decided, or when the task is no
// longer waiting.
func (s *Store) ResolveApproval(ctx context.Context, taskID string, decision ApprovalStatus, actor string) (bool, error) {
	var next TaskStatus
	var outcome *Outcome
	switch decision {
	case ApprovalApproved:
		next = TaskStatusPending
	case ApprovalRejected:
		next = TaskStatusRejected
		by := actor
		if by == "" {
			by = "unknown"
		}
		outcome = &Outcome{
			Summary: "task rejected by " + by,
			Details: RejectedBeforeExecution,
			Error:   RejectedBeforeExecution,
		}
	default:
		return false, fmt.Errorf("invalid approval decision %q", decision)
	}
	return s.closeApproval(ctx, taskID, decision, actor, next, outcome)
}

// FailApproval closes a pending approval as rejected and fails its task,
// used when the approval request could not be delivered.
func (s *Store) FailApproval(ctx context.Context, taskID, reason string) (bool, error) {
	return s.closeApproval(ctx, taskID, ApprovalRejected, "system", TaskStatusFailed, &Outcome{
		Summary: reason,
		Error:   reason,
	})
}

func (s *Store) closeApproval(ctx context.Context, taskID string, decision ApprovalStatus, actor string, next TaskStatus, outcome *Outcome) (bool, error) {
	var (
		ok   bool
		task *Task
	)
	reason := string(decision)
	if outcome != nil && outcome.Error != "" {
		reason = outcome.Error
	}
	err := s.withTx(ctx, "resolve approval", func(tx *sql.Tx) error {
		ok = false
		res, err := tx.ExecContext(ctx, `
			UPDATE task_approvals
			SET status = ?, decided_by = ?, decided_at = CURRENT_TIMESTAMP
			WHERE task_id = ? AND status = 'pending';
		`, decision, actor, taskID)
		if err != nil {
			return fmt.Errorf("update approval: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("approval rows affected: %w", err)
		}
		if n != 1 {
			return nil
		}
		_, moved, err := s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskStatusWaitingApproval}, next,
			"task.approval_"+string(decision), reason, outcome)
		if err != nil {
			return err
		}
		if !moved {
			return errApprovalTaskMoved
		}
		task, err = s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	if errors.Is(err, errApprovalTaskMoved) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if ok {
		s.publishTransition(task, TaskStatusWaitingApproval, reason)
		s.publish(bus.TopicApprovalResolved, bus.ApprovalEvent{
			TaskID:   taskID,
			Decision: string(decision),
			Actor:    actor,
			Reason:   reason,
		})
	}
	return ok, nil
}

// errApprovalTaskMoved rolls back an approval decision whose task already
// left waiting_approval.
var errApprovalTaskMoved = errors.New("task no longer waiting for approval")
