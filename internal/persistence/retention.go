package persistence

import (
	"context"
	"fmt"
)

type RetentionResult struct {
	PurgedTaskEvents int64 `json:"purged_task_events"`
	PurgedAuditLogs  int64 `json:"purged_audit_logs"`
	PurgedProcessed  int64 `json:"purged_processed_messages"`
}

// RunRetention purges history older than the given windows in one
// transaction. A non-positive window keeps that table forever. Tasks,
// approvals and locks are never purged, so task-id dedup holds regardless
// of the processed-message window.
func (s *Store) RunRetention(ctx context.Context, taskEventDays, auditLogDays, processedDays int) (RetentionResult, error) {
	var result RetentionResult
	purges := []struct {
		table  string
		column string
		days   int
		into   *int64
	}{
		{"task_events", "created_at", taskEventDays, &result.PurgedTaskEvents},
		{"audit_log", "created_at", auditLogDays, &result.PurgedAuditLogs},
		{"processed_messages", "processed_at", processedDays, &result.PurgedProcessed},
	}

	err := retryOnBusy(ctx, busyRetries, func() error {
		result = RetentionResult{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		for _, p := range purges {
			if p.days <= 0 {
				continue
			}
			// Timestamps are CURRENT_TIMESTAMP text, so compare in SQL.
			res, err := tx.ExecContext(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE %s < datetime('now', ?);`, p.table, p.column),
				fmt.Sprintf("-%d days", p.days))
			if err != nil {
				return fmt.Errorf("purge %s: %w", p.table, err)
			}
			*p.into, _ = res.RowsAffected()
		}
		return tx.Commit()
	})
	if err != nil {
		return RetentionResult{}, err
	}
	return result, nil
}
