package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/basket/threadclaw/internal/bus"
)

// CommandKind is the closed set of executor bindings, resolved once by the
// decider.
type CommandKind string

const (
	KindShell  CommandKind = "shell"
	KindCodex  CommandKind = "codex"
	KindClaude CommandKind = "claude"
	KindKimi   CommandKind = "kimi"
	KindNoop   CommandKind = "noop"
)

// IsAgent reports whether the kind is a conversational agent that reads
// and extends thread context.
func (k CommandKind) IsAgent() bool {
	return k == KindCodex || k == KindClaude || k == KindKimi
}

// TaskSpec is a decided but not yet stored task.
type TaskSpec struct {
	ID             string      `json:"id"`
	Kind           CommandKind `json:"command_kind"`
	CommandText    string      `json:"command_text"`
	Payload        string      `json:"payload"`
	LockKey        string      `json:"lock_key"`
	ChannelID      string      `json:"channel_id"`
	MessageTS      string      `json:"message_ts"`
	ThreadTS       string      `json:"thread_ts,omitempty"`
	UserID         string      `json:"user_id,omitempty"`
	ConversationID string      `json:"conversation_id"`
	TriggerText    string      `json:"trigger_text,omitempty"`
	Source         string      `json:"source,omitempty"`
	// AttachmentPaths is filled by the caller once attachments are on disk.
	AttachmentPaths []string `json:"attachment_paths,omitempty"`
}

type Task struct {
	TaskSpec
	Status     TaskStatus `json:"status"`
	Summary    string     `json:"summary,omitempty"`
	Details    string     `json:"details,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ReportedAt *time.Time `json:"reported_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Outcome is what a finished run records on its task.
type Outcome struct {
	Summary string
	Details string
	Error   string
}

type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to"`
	Reason    string     `json:"reason,omitempty"`
	TraceID   string     `json:"trace_id,omitempty"`
	RunID     string     `json:"run_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

const taskColumns = `
	id, status, command_kind, command_text, payload, lock_key, channel_id, message_ts,
	thread_ts, user_id, conversation_id, trigger_text, source, attachment_paths,
	summary, details, error, started_at, finished_at, reported_at, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		attachments                   string
		started, finished, reportedAt sql.NullTime
	)
	if err := scanFn(
		&task.ID,
		&task.Status,
		&task.Kind,
		&task.CommandText,
		&task.Payload,
		&task.LockKey,
		&task.ChannelID,
		&task.MessageTS,
		&task.ThreadTS,
		&task.UserID,
		&task.ConversationID,
		&task.TriggerText,
		&task.Source,
		&attachments,
		&task.Summary,
		&task.Details,
		&task.Error,
		&started,
		&finished,
		&reportedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	task.AttachmentPaths = nil
	if attachments != "" && attachments != "[]" {
		if err := json.Unmarshal([]byte(attachments), &task.AttachmentPaths); err != nil {
			return fmt.Errorf("decode attachment paths: %w", err)
		}
	}
	task.StartedAt = nullTimePtr(started)
	task.FinishedAt = nullTimePtr(finished)
	task.ReportedAt = nullTimePtr(reportedAt)
	return nil
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, reason string) error {
	traceID, runID := traceFields(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, state_from, state_to, reason, trace_id, run_id, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, taskID, eventType, string(from), string(to), reason, traceID, runID)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx is the only status mutation path. It returns false
// without error when the task is missing or not in one of allowedFrom,
// and an error when the edge itself is illegal.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	eventType string,
	reason string,
	outcome *Outcome,
) (TaskStatus, bool, error) {
	var current TaskStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return current, false, nil
	}
	if !canTransition(current, to) {
		return current, false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	if outcome == nil {
		outcome = &Outcome{}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			summary = COALESCE(NULLIF(?, ''), summary),
			details = COALESCE(NULLIF(?, ''), details),
			error = COALESCE(NULLIF(?, ''), error),
			started_at = CASE WHEN ? = 'running' THEN CURRENT_TIMESTAMP ELSE started_at END,
			finished_at = CASE WHEN ? IN ('succeeded','failed','rejected','aborted_on_restart') THEN CURRENT_TIMESTAMP ELSE finished_at END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, outcome.Summary, outcome.Details, outcome.Error, to, to, taskID, current)
	if err != nil {
		return current, false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return current, false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return current, false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current, to, eventType, reason); err != nil {
		return current, false, err
	}
	return current, true, nil
}

func (s *Store) getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*Task, error) {
	var t Task
	err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

func (s *Store) publishTransition(task *Task, from TaskStatus, reason string) {
	ev := bus.TaskEvent{
		TaskID:    task.ID,
		Kind:      string(task.Kind),
		LockKey:   task.LockKey,
		OldStatus: string(from),
		NewStatus: string(task.Status),
		Reason:    reason,
	}
	if from == TaskStatusRunning && task.StartedAt != nil && task.FinishedAt != nil {
		ev.DurationSeconds = task.FinishedAt.Sub(*task.StartedAt).Seconds()
	}
	s.publish(bus.TopicTaskStateChanged, ev)
}

// RecordProcessed writes the dedup ledger entry for one inbound message.
// It returns false when the message was already recorded.
func (s *Store) RecordProcessed(ctx context.Context, channelID, messageTS string) (bool, error) {
	if channelID == "" || messageTS == "" {
		return false, fmt.Errorf("record processed: channel id and message ts required")
	}
	var inserted bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO processed_messages (channel_id, message_ts) VALUES (?, ?);
		`, channelID, messageTS)
		if err != nil {
			return fmt.Errorf("insert processed message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("processed rows affected: %w", err)
		}
		inserted = n == 1
		return nil
	})
	return inserted, err
}

// IsProcessed reports whether the dedup ledger holds the message.
func (s *Store) IsProcessed(ctx context.Context, channelID, messageTS string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processed_messages WHERE channel_id = ? AND message_ts = ?;
	`, channelID, messageTS).Scan(&n); err != nil {
		return false, fmt.Errorf("query processed message: %w", err)
	}
	return n > 0, nil
}

// CreateTaskIfAbsent inserts the task with its creation event, or returns
// the existing row with created=false when the id is already known.
func (s *Store) CreateTaskIfAbsent(ctx context.Context, spec TaskSpec, initial TaskStatus, reason string) (Task, bool, error) {
	switch initial {
	case TaskStatusWaitingApproval, TaskStatusPending, TaskStatusFailed:
	default:
		return Task{}, false, fmt.Errorf("invalid initial status %q", initial)
	}
	if spec.ID == "" || spec.LockKey == "" || spec.Kind == "" {
		return Task{}, false, fmt.Errorf("task spec requires id, kind and lock key")
	}
	attachments, err := json.Marshal(spec.AttachmentPaths)
	if err != nil {
		return Task{}, false, fmt.Errorf("encode attachment paths: %w", err)
	}
	if spec.AttachmentPaths == nil {
		attachments = []byte("[]")
	}

	var (
		task    *Task
		created bool
	)
	err = s.withTx(ctx, "create task", func(tx *sql.Tx) error {
		created = false
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO tasks (
				id, status, command_kind, command_text, payload, lock_key, channel_id, message_ts,
				thread_ts, user_id, conversation_id, trigger_text, source, attachment_paths, summary, error,
				finished_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
				CASE WHEN ? = 'failed' THEN CURRENT_TIMESTAMP END,
				CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, spec.ID, initial, spec.Kind, spec.CommandText, spec.Payload, spec.LockKey, spec.ChannelID,
			spec.MessageTS, spec.ThreadTS, spec.UserID, spec.ConversationID, spec.TriggerText,
			spec.Source, string(attachments), failedReason(initial, reason), failedReason(initial, reason), initial)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert task rows affected: %w", err)
		}
		if n == 1 {
			created = true
			if err := s.appendTaskEventTx(ctx, tx, spec.ID, "", initial, "task.created", reason); err != nil {
				return err
			}
			if initial == TaskStatusWaitingApproval {
				if err := insertApprovalTx(ctx, tx, spec.ID, ApprovalSourceRef(spec.ChannelID, spec.MessageTS), reason); err != nil {
					return err
				}
			}
		}
		task, err = s.getTaskTx(ctx, tx, spec.ID)
		return err
	})
	if err != nil {
		return Task{}, false, err
	}
	if created {
		s.publish(bus.TopicTaskCreated, bus.TaskEvent{
			TaskID:    task.ID,
			Kind:      string(task.Kind),
			LockKey:   task.LockKey,
			NewStatus: string(task.Status),
			Reason:    reason,
		})
	}
	return *task, created, nil
}

func failedReason(status TaskStatus, reason string) string {
	if status == TaskStatusFailed {
		return reason
	}
	return ""
}

// Transition is a compare-and-swap on task status. A status mismatch
// returns false; an edge the state machine forbids returns an error.
func (s *Store) Transition(ctx context.Context, taskID string, expected, next TaskStatus, reason string) (bool, error) {
	var outcome *Outcome
	if next.Terminal() && next != TaskStatusSucceeded {
		outcome = &Outcome{Error: reason}
	}
	return s.transition(ctx, taskID, expected, next, reason, outcome)
}

// TransitionWithOutcome is Transition that also records summary and details.
func (s *Store) TransitionWithOutcome(ctx context.Context, taskID string, expected, next TaskStatus, reason string, outcome Outcome) (bool, error) {
	return s.transition(ctx, taskID, expected, next, reason, &outcome)
}

func (s *Store) transition(ctx context.Context, taskID string, expected, next TaskStatus, reason string, outcome *Outcome) (bool, error) {
	if !canTransition(expected, next) {
		return false, fmt.Errorf("illegal transition %s -> %s", expected, next)
	}
	var (
		ok   bool
		task *Task
	)
	err := s.withTx(ctx, "transition", func(tx *sql.Tx) error {
		var err error
		_, ok, err = s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{expected}, next, "task.transition", reason, outcome)
		if err != nil || !ok {
			return err
		}
		task, err = s.getTaskTx(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return false, err
	}
	if ok {
		s.publishTransition(task, expected, reason)
	}
	return ok, nil
}

// FinishRun moves a running task to succeeded or failed, records its
// outcome and releases the lock it owns, all in one transaction.
func (s *Store) FinishRun(ctx context.Context, taskID, lockKey string, next TaskStatus, outcome Outcome) (bool, error) {
	if next != TaskStatusSucceeded && next != TaskStatusFailed {
		return false, fmt.Errorf("finish run: invalid terminal status %q", next)
	}
	var (
		ok   bool
		task *Task
	)
	err := s.withTx(ctx, "finish run", func(tx *sql.Tx) error {
		var err error
		_, ok, err = s.transitionTaskTx(ctx, tx, taskID, []TaskStatus{TaskStatusRunning}, next, "task.finished", outcome.Error, &outcome)
		if err != nil || !ok {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM execution_locks WHERE lock_key = ? AND task_id = ?;
		`, lockKey, taskID); err != nil {
			return fmt.Errorf("release lock on finish: %w", err)
		}
		task, err = s.getTaskTx(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return false, err
	}
	if ok {
		s.publishTransition(task, TaskStatusRunning, outcome.Error)
	}
	return ok, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// ListPending returns pending tasks oldest first.
func (s *Store) ListPending(ctx context.Context) ([]Task, error) {
	return s.listByStatus(ctx, TaskStatusPending)
}

func (s *Store) ListRunning(ctx context.Context) ([]Task, error) {
	return s.listByStatus(ctx, TaskStatusRunning)
}

func (s *Store) listByStatus(ctx context.Context, status TaskStatus) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = ?
		ORDER BY created_at ASC, rowid ASC;
	`, status)
	if err != nil {
		return nil, fmt.Errorf("query %s tasks: %w", status, err)
	}
	return scanTasks(rows)
}

// ListTasks returns tasks newest first, optionally filtered by status,
// together with the total matching count.
func (s *Store) ListTasks(ctx context.Context, status TaskStatus, limit, offset int) ([]Task, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	where := ""
	args := []any{}
	if status != "" {
		if !status.Valid() {
			return nil, 0, fmt.Errorf("unknown status %q", status)
		}
		where = "WHERE status = ?"
		args = append(args, status)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks `+where+`;`, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks `+where+`
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?;
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, COALESCE(state_from, ''), state_to, reason,
			COALESCE(trace_id, ''), COALESCE(run_id, ''), created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.EventType, &ev.StateFrom, &ev.StateTo,
			&ev.Reason, &ev.TraceID, &ev.RunID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

// StatusCounts returns the number of tasks in every status, zeros included.
func (s *Store) StatusCounts(ctx context.Context) (map[TaskStatus]int, error) {
	counts := make(map[TaskStatus]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st TaskStatus
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status count rows: %w", err)
	}
	return counts, nil
}

// AbortRunning moves every running task to aborted_on_restart and returns
// the tasks it moved.
func (s *Store) AbortRunning(ctx context.Context) ([]Task, error) {
	var aborted []Task
	err := s.withTx(ctx, "abort running", func(tx *sql.Tx) error {
		aborted = aborted[:0]
		rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE status = ? ORDER BY created_at, rowid;`, TaskStatusRunning)
		if err != nil {
			return fmt.Errorf("query running tasks: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan running task: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate running tasks: %w", err)
		}

		const reason = "process restarted while task was running"
		for _, id := range ids {
			_, ok, err := s.transitionTaskTx(ctx, tx, id, []TaskStatus{TaskStatusRunning}, TaskStatusAbortedOnRestart,
				"task.recovered", reason, &Outcome{
					Summary: "task aborted on restart",
					Details: "the previous process stopped before this task finished; it was not retried",
					Error:   reason,
				})
			if err != nil {
				return fmt.Errorf("abort running task: %w", err)
			}
			if !ok {
				continue
			}
			t, err := s.getTaskTx(ctx, tx, id)
			if err != nil {
				return err
			}
			aborted = append(aborted, *t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range aborted {
		s.publishTransition(&aborted[i], TaskStatusRunning, aborted[i].Error)
	}
	return aborted, nil
}

// MarkReported sets reported_at once. It returns false when the task was
// already reported, so callers never deliver a report twice.
func (s *Store) MarkReported(ctx context.Context, taskID string) (bool, error) {
	var marked bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET reported_at = CURRENT_TIMESTAMP
			WHERE id = ? AND reported_at IS NULL;
		`, taskID)
		if err != nil {
			return fmt.Errorf("mark reported: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark reported rows affected: %w", err)
		}
		marked = n == 1
		return nil
	})
	if err == nil && marked {
		s.publish(bus.TopicTaskReported, bus.TaskEvent{TaskID: taskID})
	}
	return marked, err
}

// ListUnreported returns terminal tasks that were never reported, oldest first.
func (s *Store) ListUnreported(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE reported_at IS NULL AND status IN ('succeeded','failed','rejected','aborted_on_restart')
		ORDER BY created_at ASC, rowid ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query unreported tasks: %w", err)
	}
	return scanTasks(rows)
}

// ConversationOf derives the conversation id for a channel and thread root.
func ConversationOf(channelID, threadTS, messageTS string) string {
	root := strings.TrimSpace(threadTS)
	if root == "" {
		root = messageTS
	}
	return channelID + ":" + root
}
