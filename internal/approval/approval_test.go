package approval_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/threadclaw/internal/approval"
	"github.com/basket/threadclaw/internal/persistence"
	"github.com/basket/threadclaw/internal/policy"
)

type fakeNotifier struct {
	plans []string
	ref   string
	err   error
}

func (f *fakeNotifier) RequestApproval(_ context.Context, task persistence.Task, plan string) (string, error) {
	f.plans = append(f.plans, plan)
	if f.err != nil {
		return "", f.err
	}
	return f.ref, nil
}

var reactionCfg = approval.Config{Mode: approval.ModeReaction, ApproveReaction: "white_check_mark", RejectReaction: "x"}

func newMachine(t *testing.T, n approval.Notifier, p policy.Policy) (*approval.Machine, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "threadclaw.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return approval.NewMachine(reactionCfg, store, n, p, logger, nil), store
}

func shellSpec(id, cmd string) persistence.TaskSpec {
	return persistence.TaskSpec{
		ID:          id,
		Kind:        persistence.KindShell,
		CommandText: "sh:" + cmd,
		Payload:     cmd,
		LockKey:     "global",
		ChannelID:   "C1",
		MessageTS:   "100.1",
		UserID:      "U1",
	}
}

func createWaiting(t *testing.T, store *persistence.Store, spec persistence.TaskSpec) persistence.Task {
	t.Helper()
	task, _, err := store.CreateTaskIfAbsent(context.Background(), spec, persistence.TaskStatusWaitingApproval, "gated")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestGate(t *testing.T) {
	p := policy.Policy{GatedKinds: []string{"shell"}, ShellAllowlist: []string{"echo", "ls"}}
	m, _ := newMachine(t, &fakeNotifier{}, p)
	ctx := context.Background()

	if required, _ := m.Gate(ctx, shellSpec("t1", "echo hi | ls")); required {
		t.Fatalf("allowlisted command should bypass approval")
	}
	required, reason := m.Gate(ctx, shellSpec("t2", "rm -rf x && curl y; rm z"))
	if !required || reason != "non-allowlisted shell command(s): rm, curl" {
		t.Fatalf("got required=%v reason=%q", required, reason)
	}
	codex := persistence.TaskSpec{ID: "t3", Kind: persistence.KindCodex, Payload: "fix"}
	if required, _ := m.Gate(ctx, codex); required {
		t.Fatalf("codex is not gated by default")
	}

	off := approval.NewMachine(approval.Config{Mode: approval.ModeOff}, nil, nil, p, nil, nil)
	if required, _ := off.Gate(ctx, shellSpec("t4", "rm x")); required {
		t.Fatalf("approval mode off never gates")
	}
}

func TestSubmitAndApprove(t *testing.T) {
	n := &fakeNotifier{ref: "C1:200.2"}
	m, store := newMachine(t, n, policy.Default())
	ctx := context.Background()
	woken := 0
	m.SetWaker(func() { woken++ })

	task := createWaiting(t, store, shellSpec("t1", "make deploy"))
	if err := m.Submit(ctx, task, "non-allowlisted shell command(s): make"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(n.plans) != 1 || !strings.Contains(n.plans[0], "React with :white_check_mark: to run or :x: to cancel.") {
		t.Fatalf("unexpected plan %q", n.plans)
	}

	res, err := m.Resolve(ctx, approval.Signal{Ref: "C1:200.2", Decision: persistence.ApprovalApproved, Actor: "U9"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Applied || res.Task == nil || res.Task.Status != persistence.TaskStatusPending {
		t.Fatalf("expected task pending, got %+v", res)
	}
	if woken != 1 {
		t.Fatalf("expected one wake, got %d", woken)
	}

	// A late reject on the same request changes nothing.
	res, err = m.Resolve(ctx, approval.Signal{Ref: "C1:200.2", Decision: persistence.ApprovalRejected, Actor: "U8"})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if res.Applied {
		t.Fatalf("second decision must be a no-op")
	}
	got, _ := store.GetTask(ctx, "t1")
	if got.Status != persistence.TaskStatusPending {
		t.Fatalf("status changed to %s", got.Status)
	}
}

func TestRejectBySourceRef(t *testing.T) {
	m, store := newMachine(t, &fakeNotifier{ref: "C1:200.2"}, policy.Default())
	ctx := context.Background()
	task := createWaiting(t, store, shellSpec("t1", "make deploy"))
	if err := m.Submit(ctx, task, "gated"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := m.Resolve(ctx, approval.Signal{Ref: "C1:100.1", Decision: persistence.ApprovalRejected, Actor: "U2"})
	if err != nil || !res.Applied {
		t.Fatalf("reject: applied=%v err=%v", res.Applied, err)
	}
	if res.Task.Status != persistence.TaskStatusRejected || res.Task.Error != persistence.RejectedBeforeExecution {
		t.Fatalf("unexpected task %+v", res.Task)
	}
}

func TestResolveUnknownRef(t *testing.T) {
	m, _ := newMachine(t, &fakeNotifier{}, policy.Default())
	res, err := m.Resolve(context.Background(), approval.Signal{Ref: "nope", Decision: persistence.ApprovalApproved})
	if err != nil || res.Applied {
		t.Fatalf("unknown ref must be a silent no-op: %+v %v", res, err)
	}
	if _, err := m.Resolve(context.Background(), approval.Signal{Ref: "nope", Decision: "maybe"}); err == nil {
		t.Fatalf("expected error for invalid decision")
	}
}

func TestSubmitNotifierFailureFailsTask(t *testing.T) {
	m, store := newMachine(t, &fakeNotifier{err: errors.New("channel_not_found")}, policy.Default())
	ctx := context.Background()
	task := createWaiting(t, store, shellSpec("t1", "make"))

	err := m.Submit(ctx, task, "gated")
	if !errors.Is(err, approval.ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
	got, _ := store.GetTask(ctx, "t1")
	if got.Status != persistence.TaskStatusFailed || got.Summary != "failed to request approval: channel_not_found" {
		t.Fatalf("unexpected task %+v", got)
	}
	appr, _ := store.GetApproval(ctx, "t1")
	if appr.Status != persistence.ApprovalRejected {
		t.Fatalf("approval should be closed, got %s", appr.Status)
	}
}

func TestParseReaction(t *testing.T) {
	cases := map[string]persistence.ApprovalStatus{
		":white_check_mark:": persistence.ApprovalApproved,
		"white_check_mark":   persistence.ApprovalApproved,
		" :x: ":              persistence.ApprovalRejected,
	}
	for in, want := range cases {
		got, ok := approval.ParseReaction(in, reactionCfg)
		if !ok || got != want {
			t.Fatalf("%q: got %s ok=%v", in, got, ok)
		}
	}
	if _, ok := approval.ParseReaction("eyes", reactionCfg); ok {
		t.Fatalf("unrelated reaction must not decide")
	}
}

func TestPlanText(t *testing.T) {
	task := persistence.Task{TaskSpec: persistence.TaskSpec{ID: "abc", CommandText: "sh:make", LockKey: "global", AttachmentPaths: []string{"a.png", "b.png"}}}
	got := approval.PlanText(reactionCfg, task, "gated")
	want := "threadclaw plan for task `abc`\ncommand: `sh:make`\nlock: `global`\nreason: gated\nimages: 2 downloaded attachment(s)\nReact with :white_check_mark: to run or :x: to cancel."
	if got != want {
		t.Fatalf("plan text:\n%s", got)
	}
}
