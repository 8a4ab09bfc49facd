package dispatcher_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/threadclaw/internal/dispatcher"
	"github.com/basket/threadclaw/internal/executor"
	"github.com/basket/threadclaw/internal/persistence"
)

type fakeRunner struct {
	mu       sync.Mutex
	order    []string
	requests []executor.Request
	fn       func(ctx context.Context, req executor.Request) executor.Result
}

func (f *fakeRunner) Execute(ctx context.Context, req executor.Request) executor.Result {
	f.mu.Lock()
	f.order = append(f.order, req.TaskID)
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return executor.Result{Succeeded: true, Summary: "shell command completed", Details: "ok"}
}

func (f *fakeRunner) Order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

type countingReporter struct {
	mu    sync.Mutex
	count map[string]int
}

func (c *countingReporter) Report(_ context.Context, task persistence.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == nil {
		c.count = map[string]int{}
	}
	c.count[task.ID]++
	return nil
}

func (c *countingReporter) Count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count[id]
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "threadclaw.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func addPending(t *testing.T, store *persistence.Store, id, lockKey string, kind persistence.CommandKind) {
	t.Helper()
	spec := persistence.TaskSpec{
		ID:             id,
		Kind:           kind,
		CommandText:    string(kind) + ":do " + id,
		Payload:        "do " + id,
		LockKey:        lockKey,
		ChannelID:      "C1",
		MessageTS:      id,
		UserID:         "U1",
		ConversationID: "C1:thread",
	}
	if _, created, err := store.CreateTaskIfAbsent(context.Background(), spec, persistence.TaskStatusPending, ""); err != nil || !created {
		t.Fatalf("create %s: created=%v err=%v", id, created, err)
	}
}

func newDispatcher(store *persistence.Store, runner executor.Runner, rep *countingReporter, cfg dispatcher.Config) *dispatcher.Dispatcher {
	return dispatcher.New(cfg, store, runner, rep, quietLogger(), nil, nil, nil)
}

func status(t *testing.T, store *persistence.Store, id string) persistence.TaskStatus {
	t.Helper()
	task, err := store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return task.Status
}

func TestRunOnce_Success(t *testing.T) {
	store := openTestStore(t)
	rep := &countingReporter{}
	d := newDispatcher(store, &fakeRunner{}, rep, dispatcher.Config{})
	addPending(t, store, "t1", "global", persistence.KindShell)

	ran, err := d.RunOnce(context.Background())
	if err != nil || !ran {
		t.Fatalf("RunOnce: ran=%v err=%v", ran, err)
	}
	if got := status(t, store, "t1"); got != persistence.TaskStatusSucceeded {
		t.Fatalf("status = %s", got)
	}
	locks, _ := store.ListLocks(context.Background())
	if len(locks) != 0 {
		t.Fatalf("lock not released: %+v", locks)
	}
	if rep.Count("t1") != 1 {
		t.Fatalf("reported %d times", rep.Count("t1"))
	}
	if ran, _ := d.RunOnce(context.Background()); ran {
		t.Fatalf("nothing should be left to run")
	}
}

func TestRunOnce_SkipsBusyLock(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	runner := &fakeRunner{}
	d := newDispatcher(store, runner, &countingReporter{}, dispatcher.Config{})

	// A holds path:/repo-a and is running.
	addPending(t, store, "a", "path:/repo-a", persistence.KindShell)
	if ok, _ := store.TryAcquireLock(ctx, "path:/repo-a", "a"); !ok {
		t.Fatal("acquire a")
	}
	if ok, _ := store.Transition(ctx, "a", persistence.TaskStatusPending, persistence.TaskStatusRunning, ""); !ok {
		t.Fatal("start a")
	}
	addPending(t, store, "b", "path:/repo-a", persistence.KindShell)
	addPending(t, store, "c", "path:/repo-c", persistence.KindShell)

	if ran, err := d.RunOnce(ctx); !ran || err != nil {
		t.Fatalf("expected c to run: %v", err)
	}
	if ran, _ := d.RunOnce(ctx); ran {
		t.Fatalf("b must wait for a")
	}
	if got := status(t, store, "b"); got != persistence.TaskStatusPending {
		t.Fatalf("b status = %s", got)
	}
	if d.Status().LockSkips < 2 {
		t.Fatalf("lock skips = %d", d.Status().LockSkips)
	}

	if ok, err := store.FinishRun(ctx, "a", "path:/repo-a", persistence.TaskStatusSucceeded, persistence.Outcome{Summary: "done"}); !ok || err != nil {
		t.Fatalf("finish a: %v", err)
	}
	if ran, _ := d.RunOnce(ctx); !ran {
		t.Fatalf("b should be eligible after a finished")
	}
	if got := runner.Order(); len(got) != 2 || got[0] != "c" || got[1] != "b" {
		t.Fatalf("execution order = %v", got)
	}
}

func TestRunOnce_Timeout(t *testing.T) {
	store := openTestStore(t)
	rep := &countingReporter{}
	runner := &fakeRunner{fn: func(ctx context.Context, req executor.Request) executor.Result {
		<-ctx.Done()
		return executor.Result{Summary: "shell command timed out after 50ms", TimedOut: true}
	}}
	d := newDispatcher(store, runner, rep, dispatcher.Config{TaskTimeout: 50 * time.Millisecond})
	addPending(t, store, "slow", "global", persistence.KindShell)

	if ran, err := d.RunOnce(context.Background()); !ran || err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	task, _ := store.GetTask(context.Background(), "slow")
	if task.Status != persistence.TaskStatusFailed {
		t.Fatalf("status = %s", task.Status)
	}
	if task.Error != "timeout: shell command timed out after 50ms" {
		t.Fatalf("error = %q", task.Error)
	}
	if locks, _ := store.ListLocks(context.Background()); len(locks) != 0 {
		t.Fatalf("lock not released")
	}
	if rep.Count("slow") != 1 {
		t.Fatalf("reported %d times", rep.Count("slow"))
	}
}

func TestRunOnce_FailureRecordsReason(t *testing.T) {
	store := openTestStore(t)
	runner := &fakeRunner{fn: func(context.Context, executor.Request) executor.Result {
		return executor.Result{Summary: "shell command exited with code 1", Details: "boom"}
	}}
	d := newDispatcher(store, runner, &countingReporter{}, dispatcher.Config{})
	addPending(t, store, "f", "global", persistence.KindShell)
	_, _ = d.RunOnce(context.Background())
	task, _ := store.GetTask(context.Background(), "f")
	if task.Status != persistence.TaskStatusFailed || task.Error != "shell command exited with code 1" || task.Details != "boom" {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestRunOnce_AgentContextAndSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	runner := &fakeRunner{fn: func(_ context.Context, req executor.Request) executor.Result {
		return executor.Result{Succeeded: true, Summary: "codex command completed", Response: "answer to " + req.Payload, SessionHandle: "th-1"}
	}}
	d := newDispatcher(store, runner, &countingReporter{}, dispatcher.Config{ContextMaxChars: 12000})

	addPending(t, store, "q1", "thread:C1:thread", persistence.KindCodex)
	_, _ = d.RunOnce(ctx)
	addPending(t, store, "q2", "thread:C1:thread", persistence.KindCodex)
	_, _ = d.RunOnce(ctx)

	runner.mu.Lock()
	second := runner.requests[1]
	runner.mu.Unlock()
	if second.SessionHandle != "th-1" {
		t.Fatalf("session not reused: %q", second.SessionHandle)
	}
	if second.PriorContext != "agent=codex\nuser=do q1\nassistant=answer to do q1" {
		t.Fatalf("prior context = %q", second.PriorContext)
	}
	got, _ := store.GetThreadContext(ctx, "C1:thread")
	want := "agent=codex\nuser=do q1\nassistant=answer to do q1\n\nagent=codex\nuser=do q2\nassistant=answer to do q2"
	if got != want {
		t.Fatalf("thread context = %q", got)
	}
}

func TestStart_SerializesSharedLock(t *testing.T) {
	store := openTestStore(t)
	var running, maxRunning atomic.Int32
	runner := &fakeRunner{fn: func(context.Context, executor.Request) executor.Result {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return executor.Result{Succeeded: true, Summary: "ok"}
	}}
	rep := &countingReporter{}
	d := newDispatcher(store, runner, rep, dispatcher.Config{WorkerCount: 4, PollInterval: 5 * time.Millisecond})

	const n = 8
	for i := 0; i < n; i++ {
		addPending(t, store, fmt.Sprintf("s%02d", i), "lock:shared", persistence.KindShell)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	deadline := time.Now().Add(10 * time.Second)
	for {
		counts, err := store.StatusCounts(context.Background())
		if err != nil {
			t.Fatalf("counts: %v", err)
		}
		if counts[persistence.TaskStatusSucceeded] == n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tasks did not finish: %v", counts)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if !d.Drain(5 * time.Second) {
		t.Fatal("drain timed out")
	}

	if maxRunning.Load() != 1 {
		t.Fatalf("tasks sharing a lock ran concurrently: max=%d", maxRunning.Load())
	}
	order := runner.Order()
	for i := range order {
		if want := fmt.Sprintf("s%02d", i); order[i] != want {
			t.Fatalf("same-lock tasks out of FIFO order: %v", order)
		}
	}
	for i := 0; i < n; i++ {
		if c := rep.Count(fmt.Sprintf("s%02d", i)); c != 1 {
			t.Fatalf("task s%02d reported %d times", i, c)
		}
	}
}

func TestRunUntilIdle(t *testing.T) {
	store := openTestStore(t)
	d := newDispatcher(store, &fakeRunner{}, &countingReporter{}, dispatcher.Config{})
	addPending(t, store, "x1", "global", persistence.KindNoop)
	addPending(t, store, "x2", "lock:other", persistence.KindNoop)
	n, err := d.RunUntilIdle(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("RunUntilIdle ran %d, err %v", n, err)
	}
}
