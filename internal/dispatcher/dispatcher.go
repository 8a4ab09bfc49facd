// Package dispatcher runs pending tasks through a fixed pool of workers.
// The queue is the store's pending list; workers select the oldest task
// whose lock is free and skip the ones whose lock is held.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/threadclaw/internal/bus"
	"github.com/basket/threadclaw/internal/executor"
	tcotel "github.com/basket/threadclaw/internal/otel"
	"github.com/basket/threadclaw/internal/persistence"
	"github.com/basket/threadclaw/internal/report"
	"github.com/basket/threadclaw/internal/shared"
)

type Config struct {
	WorkerCount     int
	PollInterval    time.Duration
	TaskTimeout     time.Duration
	ContextMaxChars int
}

type Status struct {
	WorkerCount int    `json:"worker_count"`
	ActiveTasks int32  `json:"active_tasks"`
	LockSkips   int64  `json:"lock_skips"`
	Completed   int64  `json:"completed"`
	LastError   string `json:"last_error,omitempty"`
}

type Dispatcher struct {
	cfg      Config
	store    *persistence.Store
	runner   executor.Runner
	reporter report.Reporter
	logger   *slog.Logger
	bus      *bus.Bus
	metrics  *tcotel.Metrics
	tracer   trace.Tracer

	wake chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	activeTasks atomic.Int32
	lockSkips   atomic.Int64
	completed   atomic.Int64
	lastError   atomic.Pointer[string]

	finishTries    uint
	finishInterval time.Duration
	finish         func(ctx context.Context, taskID, lockKey string, next persistence.TaskStatus, outcome persistence.Outcome) (bool, error)
	// onLockSkip runs after a task is deferred; tests use it to free locks
	// mid-pass.
	onLockSkip func(persistence.Task)
}

const (
	defaultFinishTries    = 6
	defaultFinishInterval = 250 * time.Millisecond
)

func New(cfg Config, store *persistence.Store, runner executor.Runner, reporter report.Reporter, logger *slog.Logger, b *bus.Bus, metrics *tcotel.Metrics, tracer trace.Tracer) *Dispatcher {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 120 * time.Second
	}
	if cfg.ContextMaxChars <= 0 {
		cfg.ContextMaxChars = 12000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		reporter: reporter,
		logger:   logger,
		bus:      b,
		metrics:  metrics,
		tracer:   tracer,
		wake:     make(chan struct{}, 1),

		finishTries:    defaultFinishTries,
		finishInterval: defaultFinishInterval,
		finish:         store.FinishRun,
	}
}

// Start spawns the workers once. They stop when ctx ends.
func (d *Dispatcher) Start(ctx context.Context) {
	d.once.Do(func() {
		d.logger.Info("dispatcher starting", "workers", d.cfg.WorkerCount, "poll_interval", d.cfg.PollInterval)
		for i := 0; i < d.cfg.WorkerCount; i++ {
			d.wg.Add(1)
			go func(id int) {
				defer d.wg.Done()
				d.worker(ctx, id)
			}(i)
		}
	})
}

// Wake nudges an idle worker without blocking.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Drain waits for running tasks to finish after ctx was cancelled. Tasks
// still running at the timeout are left for recovery on the next start.
func (d *Dispatcher) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("dispatcher drained cleanly")
		return true
	case <-time.After(timeout):
		d.logger.Warn("dispatcher drain timeout; running tasks will be aborted on next start", "timeout", timeout, "active", d.activeTasks.Load())
		return false
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	logger := d.logger.With("worker", id)

	for {
		if ctx.Err() != nil {
			return
		}
		ran, err := d.RunOnce(ctx)
		if err != nil {
			d.setLastError(err)
			logger.Error("dispatch cycle failed", "error", err)
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}
	}
}

// RunOnce selects and executes at most one task. It reports whether a
// task ran.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	task, err := d.claim(ctx)
	if err != nil || task == nil {
		return false, err
	}
	d.execute(ctx, *task)
	return true, nil
}

// RunUntilIdle runs tasks on the calling goroutine until no pending task
// can be selected.
func (d *Dispatcher) RunUntilIdle(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		ran, err := d.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !ran {
			break
		}
		n++
	}
	return n, ctx.Err()
}

// claim walks pending tasks in FIFO order and returns the first one whose
// lock was acquired and whose pending→running CAS won. Once a task is
// deferred on a key, later tasks with that key are deferred too for the
// rest of the pass, even if the lock is released meanwhile, so tasks that
// share a key keep their order.
func (d *Dispatcher) claim(ctx context.Context) (*persistence.Task, error) {
	pending, err := d.store.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	deferred := make(map[string]struct{})
	for _, task := range pending {
		if _, ok := deferred[task.LockKey]; ok {
			d.deferTask(ctx, task)
			continue
		}
		acquired, err := d.store.TryAcquireLock(ctx, task.LockKey, task.ID)
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", task.LockKey, err)
		}
		if !acquired {
			deferred[task.LockKey] = struct{}{}
			d.deferTask(ctx, task)
			continue
		}
		moved, err := d.store.Transition(ctx, task.ID, persistence.TaskStatusPending, persistence.TaskStatusRunning, "claimed by dispatcher")
		if err != nil || !moved {
			if _, relErr := d.store.ReleaseLock(context.WithoutCancel(ctx), task.LockKey, task.ID); relErr != nil {
				d.logger.Error("release lock after lost claim failed", "task_id", task.ID, "lock_key", task.LockKey, "error", relErr)
			}
			if err != nil {
				return nil, fmt.Errorf("claim task %s: %w", task.ID, err)
			}
			continue
		}
		task.Status = persistence.TaskStatusRunning
		return &task, nil
	}
	return nil, nil
}

func (d *Dispatcher) deferTask(ctx context.Context, task persistence.Task) {
	d.lockSkips.Add(1)
	d.metrics.RecordLockSkip(ctx, task.LockKey)
	if d.bus != nil {
		d.bus.Publish(bus.TopicTaskLockBusy, bus.TaskEvent{
			TaskID:    task.ID,
			Kind:      string(task.Kind),
			LockKey:   task.LockKey,
			OldStatus: string(task.Status),
			NewStatus: string(task.Status),
		})
	}
	d.logger.Debug("task deferred, lock busy", "event", "task_deferred_lock_busy", "task_id", task.ID, "lock_key", task.LockKey)
	if d.onLockSkip != nil {
		d.onLockSkip(task)
	}
}

func (d *Dispatcher) execute(ctx context.Context, task persistence.Task) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithRunID(ctx, shared.NewRunID())
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx = shared.WithConversationID(ctx, task.ConversationID)
	ctx, span := tcotel.StartSpan(ctx, d.tracer, tcotel.SpanDispatch,
		tcotel.AttrTaskID.String(task.ID),
		tcotel.AttrKind.String(string(task.Kind)),
		tcotel.AttrLockKey.String(task.LockKey),
	)
	defer span.End()

	d.activeTasks.Add(1)
	defer d.activeTasks.Add(-1)
	d.metrics.TaskStarted(ctx)
	defer d.metrics.TaskDone(ctx)

	logger := d.logger.With("task_id", task.ID, "trace_id", shared.TraceID(ctx))
	logger.Info("task started", "event", "task_started", "kind", task.Kind, "lock_key", task.LockKey)

	// A running task is never cancelled by shutdown: it finishes within the
	// drain window or is aborted by recovery on the next start.
	bg := context.WithoutCancel(ctx)

	req := executor.Request{
		TaskID:          task.ID,
		Kind:            task.Kind,
		CommandText:     task.CommandText,
		Payload:         task.Payload,
		AttachmentPaths: task.AttachmentPaths,
		Timeout:         d.cfg.TaskTimeout,
	}
	if task.Kind.IsAgent() && task.ConversationID != "" {
		if prior, err := d.store.GetThreadContext(bg, task.ConversationID); err != nil {
			logger.Warn("load thread context failed", "error", err)
		} else {
			req.PriorContext = prior
		}
		if handle, err := d.store.GetAgentSession(bg, task.ConversationID, task.Kind); err != nil {
			logger.Warn("load agent session failed", "error", err)
		} else {
			req.SessionHandle = handle
		}
	}

	execCtx, cancel := context.WithTimeout(bg, d.cfg.TaskTimeout)
	started := time.Now()
	result := d.runner.Execute(execCtx, req)
	timedOut := result.TimedOut || errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancel()
	elapsed := time.Since(started)

	next := persistence.TaskStatusSucceeded
	outcome := persistence.Outcome{Summary: result.Summary, Details: result.Details}
	switch {
	case timedOut:
		next = persistence.TaskStatusFailed
		outcome.Error = fmt.Sprintf("timeout: %s command timed out after %s", task.Kind, formatSeconds(d.cfg.TaskTimeout))
		if outcome.Summary == "" {
			outcome.Summary = outcome.Error
		}
	case !result.Succeeded:
		next = persistence.TaskStatusFailed
		outcome.Error = result.Summary
		if outcome.Error == "" {
			outcome.Error = "execution failed"
		}
	}

	finished, err := d.finishRun(bg, logger, task, next, outcome)
	if err != nil {
		d.setLastError(fmt.Errorf("finish task %s: %w", task.ID, err))
		logger.Error("finish task failed; task stays running until restart", "error", err)
		tcotel.EndSpan(span, err)
		return
	}
	if !finished {
		logger.Warn("task left running state before finish", "status_wanted", next)
		return
	}
	d.completed.Add(1)
	d.metrics.RecordExecution(ctx, string(task.Kind), string(next), elapsed)
	span.SetAttributes(tcotel.AttrStatus.String(string(next)))
	logger.Info("task finished", "event", "task_finished", "status", next, "duration_ms", elapsed.Milliseconds(), "summary", outcome.Summary)

	if next == persistence.TaskStatusSucceeded && task.Kind.IsAgent() {
		d.rememberConversation(bg, logger, task, result)
	}

	final, err := d.store.GetTask(bg, task.ID)
	if err != nil {
		logger.Error("load finished task failed", "error", err)
		return
	}
	report.Deliver(bg, d.store, d.reporter, *final, logger)
	// The lock is free again; let an idle worker look at skipped tasks.
	d.Wake()
}

// finishRun retries FinishRun with exponential backoff. Until it commits
// the task keeps its lock, which would stall every task sharing the key.
func (d *Dispatcher) finishRun(ctx context.Context, logger *slog.Logger, task persistence.Task, next persistence.TaskStatus, outcome persistence.Outcome) (bool, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.finishInterval
	bo.MaxInterval = 20 * d.finishInterval
	return backoff.Retry(ctx, func() (bool, error) {
		return d.finish(ctx, task.ID, task.LockKey, next, outcome)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(d.finishTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("finish task failed, retrying", "error", err, "retry_in", wait)
		}),
	)
}

func (d *Dispatcher) rememberConversation(ctx context.Context, logger *slog.Logger, task persistence.Task, result executor.Result) {
	if task.ConversationID == "" {
		return
	}
	if response := strings.TrimSpace(result.Response); response != "" {
		entry := fmt.Sprintf("agent=%s\nuser=%s\nassistant=%s", task.Kind, strings.TrimSpace(task.Payload), response)
		if _, err := d.store.AppendThreadContext(ctx, task.ConversationID, entry, d.cfg.ContextMaxChars); err != nil {
			logger.Warn("append thread context failed", "error", err)
		}
	}
	if result.SessionHandle != "" {
		if err := d.store.UpsertAgentSession(ctx, task.ConversationID, task.Kind, result.SessionHandle); err != nil {
			logger.Warn("store agent session failed", "error", err)
		}
	}
}

func (d *Dispatcher) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	d.lastError.Store(&msg)
}

func (d *Dispatcher) Status() Status {
	s := Status{
		WorkerCount: d.cfg.WorkerCount,
		ActiveTasks: d.activeTasks.Load(),
		LockSkips:   d.lockSkips.Load(),
		Completed:   d.completed.Load(),
	}
	if ptr := d.lastError.Load(); ptr != nil {
		s.LastError = *ptr
	}
	return s
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		return d.String()
	}
	return fmt.Sprintf("%ds", secs)
}
