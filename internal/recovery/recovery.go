// Package recovery reconciles persisted state after the previous process
// may have died mid-task. It runs before any worker starts.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/threadclaw/internal/persistence"
	"github.com/basket/threadclaw/internal/report"
)

type Result struct {
	Aborted      []persistence.Task
	LocksCleared int64
}

// Run moves every running task to aborted_on_restart and deletes locks no
// running task owns. Pending and waiting tasks are left alone.
func Run(ctx context.Context, store *persistence.Store, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var res Result
	aborted, err := store.AbortRunning(ctx)
	if err != nil {
		return res, fmt.Errorf("abort running tasks: %w", err)
	}
	res.Aborted = aborted
	for _, t := range aborted {
		logger.Warn("task aborted on restart", "event", "task_aborted_on_restart", "task_id", t.ID, "lock_key", t.LockKey)
	}

	cleared, err := store.ReleaseOrphanLocks(ctx)
	if err != nil {
		return res, fmt.Errorf("release orphan locks: %w", err)
	}
	res.LocksCleared = cleared
	if len(aborted) > 0 || cleared > 0 {
		logger.Info("recovery finished", "aborted", len(aborted), "locks_cleared", cleared)
	}
	return res, nil
}

// FlushReports reports every terminal task that has not been reported,
// covering aborted tasks and crashes between a final transition and its
// report. It returns the number of reports handed to r.
func FlushReports(ctx context.Context, store *persistence.Store, r report.Reporter, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tasks, err := store.ListUnreported(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unreported tasks: %w", err)
	}
	n := 0
	for _, t := range tasks {
		if report.Deliver(ctx, store, r, t, logger) {
			n++
		}
	}
	return n, nil
}

// Submitter posts the approval request of a waiting task.
type Submitter interface {
	Submit(ctx context.Context, task persistence.Task, reason string) error
}

// ResumeApprovals re-posts approval requests that a previous process
// recorded but never delivered, so every waiting task can still be
// approved or rejected. A request that fails again fails its task, which
// FlushReports then reports. It returns the number of requests posted.
func ResumeApprovals(ctx context.Context, store *persistence.Store, sub Submitter, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	restored, err := store.RestoreMissingApprovals(ctx)
	if err != nil {
		return 0, err
	}
	if restored > 0 {
		logger.Warn("restored approvals for waiting tasks", "count", restored)
	}
	pending, err := store.ListUnrequestedApprovals(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unrequested approvals: %w", err)
	}
	n := 0
	for _, a := range pending {
		task, err := store.GetTask(ctx, a.TaskID)
		if err != nil {
			logger.Error("load waiting task failed", "task_id", a.TaskID, "error", err)
			continue
		}
		if task.Status != persistence.TaskStatusWaitingApproval {
			continue
		}
		reason := a.Reason
		if reason == "" {
			reason = "approval required"
		}
		if err := sub.Submit(ctx, *task, reason); err != nil {
			logger.Warn("approval request not delivered", "task_id", task.ID, "error", err)
			continue
		}
		logger.Info("approval request re-sent", "event", "task_waiting_approval", "task_id", task.ID)
		n++
	}
	return n, nil
}
