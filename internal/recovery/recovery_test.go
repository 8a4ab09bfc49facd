package recovery_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/basket/threadclaw/internal/approval"
	"github.com/basket/threadclaw/internal/persistence"
	"github.com/basket/threadclaw/internal/policy"
	"github.com/basket/threadclaw/internal/recovery"
)

type countingReporter struct{ ids []string }

func (c *countingReporter) Report(_ context.Context, task persistence.Task) error {
	c.ids = append(c.ids, task.ID)
	return nil
}

func spec(id, lock string) persistence.TaskSpec {
	return persistence.TaskSpec{ID: id, Kind: persistence.KindShell, CommandText: "sh:true", Payload: "true", LockKey: lock, ChannelID: "C1", MessageTS: id}
}

func TestRunAndFlushAfterCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threadclaw.db")
	store, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()

	mustCreate := func(id, lock string, st persistence.TaskStatus) {
		if _, _, err := store.CreateTaskIfAbsent(ctx, spec(id, lock), st, ""); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	mustCreate("run", "path:/repo-a", persistence.TaskStatusPending)
	mustCreate("pend", "path:/repo-a", persistence.TaskStatusPending)
	mustCreate("wait", "global", persistence.TaskStatusWaitingApproval)
	if ok, _ := store.TryAcquireLock(ctx, "path:/repo-a", "run"); !ok {
		t.Fatal("lock")
	}
	if ok, _ := store.Transition(ctx, "run", persistence.TaskStatusPending, persistence.TaskStatusRunning, ""); !ok {
		t.Fatal("start")
	}
	// A stray lock whose owner never ran.
	if ok, _ := store.TryAcquireLock(ctx, "lock:stray", "pend"); !ok {
		t.Fatal("stray lock")
	}
	_ = store.Close()

	store, err = persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	res, err := recovery.Run(ctx, store, nil)
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if len(res.Aborted) != 1 || res.Aborted[0].ID != "run" || res.LocksCleared != 2 {
		t.Fatalf("unexpected result: aborted=%v cleared=%d", res.Aborted, res.LocksCleared)
	}
	want := map[string]persistence.TaskStatus{
		"run":  persistence.TaskStatusAbortedOnRestart,
		"pend": persistence.TaskStatusPending,
		"wait": persistence.TaskStatusWaitingApproval,
	}
	for id, st := range want {
		task, _ := store.GetTask(ctx, id)
		if task.Status != st {
			t.Fatalf("%s: status %s, want %s", id, task.Status, st)
		}
	}
	if locks, _ := store.ListLocks(ctx); len(locks) != 0 {
		t.Fatalf("locks remain: %+v", locks)
	}

	rep := &countingReporter{}
	n, err := recovery.FlushReports(ctx, store, rep, nil)
	if err != nil || n != 1 || len(rep.ids) != 1 || rep.ids[0] != "run" {
		t.Fatalf("flush: n=%d ids=%v err=%v", n, rep.ids, err)
	}
	n, _ = recovery.FlushReports(ctx, store, rep, nil)
	if n != 0 {
		t.Fatalf("second flush reported %d tasks", n)
	}

	// Running recovery again is a no-op.
	res, err = recovery.Run(ctx, store, nil)
	if err != nil || len(res.Aborted) != 0 || res.LocksCleared != 0 {
		t.Fatalf("second run: %+v %v", res, err)
	}
}

type stubNotifier struct {
	calls int
	ref   string
	err   error
}

func (s *stubNotifier) RequestApproval(context.Context, persistence.Task, string) (string, error) {
	s.calls++
	return s.ref, s.err
}

func newApprovalMachine(store *persistence.Store, n approval.Notifier) *approval.Machine {
	cfg := approval.Config{Mode: approval.ModeReaction, ApproveReaction: "white_check_mark", RejectReaction: "x"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return approval.NewMachine(cfg, store, n, policy.Default(), logger, nil)
}

// A crash after the gated task was stored but before its request was
// posted must leave the task answerable after restart.
func TestResumeApprovals_RequestNeverPosted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threadclaw.db")
	store, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if _, _, err := store.CreateTaskIfAbsent(ctx, spec("wait", "global"), persistence.TaskStatusWaitingApproval, "non-allowlisted shell command(s): rm"); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = store.Close()

	store, err = persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	if _, err := recovery.Run(ctx, store, nil); err != nil {
		t.Fatalf("recovery: %v", err)
	}

	notifier := &stubNotifier{ref: "C1:200.1"}
	m := newApprovalMachine(store, notifier)
	n, err := recovery.ResumeApprovals(ctx, store, m, nil)
	if err != nil || n != 1 || notifier.calls != 1 {
		t.Fatalf("resume: n=%d calls=%d err=%v", n, notifier.calls, err)
	}
	if n, _ := recovery.ResumeApprovals(ctx, store, m, nil); n != 0 || notifier.calls != 1 {
		t.Fatalf("posted request must not be re-sent: n=%d calls=%d", n, notifier.calls)
	}

	res, err := m.Resolve(ctx, approval.Signal{Ref: "C1:200.1", Decision: persistence.ApprovalApproved, Actor: "U2"})
	if err != nil || !res.Applied {
		t.Fatalf("resolve by request ref: %+v %v", res, err)
	}
	task, _ := store.GetTask(ctx, "wait")
	if task.Status != persistence.TaskStatusPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}
}

func TestResumeApprovals_FailedRequestIsReported(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "threadclaw.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if _, _, err := store.CreateTaskIfAbsent(ctx, spec("wait", "global"), persistence.TaskStatusWaitingApproval, "gated"); err != nil {
		t.Fatalf("create: %v", err)
	}

	m := newApprovalMachine(store, &stubNotifier{err: errors.New("channel_not_found")})
	if n, err := recovery.ResumeApprovals(ctx, store, m, nil); err != nil || n != 0 {
		t.Fatalf("resume: n=%d err=%v", n, err)
	}
	task, _ := store.GetTask(ctx, "wait")
	if task.Status != persistence.TaskStatusFailed || task.Error != "failed to request approval: channel_not_found" {
		t.Fatalf("unexpected task %+v", task)
	}
	rep := &countingReporter{}
	if n, _ := recovery.FlushReports(ctx, store, rep, nil); n != 1 || rep.ids[0] != "wait" {
		t.Fatalf("failed task not reported: %v", rep.ids)
	}
}
