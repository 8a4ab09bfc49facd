package observability_test

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/basket/threadclaw/internal/bus"
	"github.com/basket/threadclaw/internal/observability"
	"github.com/basket/threadclaw/internal/persistence"
)

func openTestStore(t *testing.T, b *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "threadclaw.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecorder_Observe(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()
	spec := persistence.TaskSpec{ID: "t1", Kind: persistence.KindShell, LockKey: "global", ChannelID: "C1", MessageTS: "1.0"}
	if _, _, err := store.CreateTaskIfAbsent(ctx, spec, persistence.TaskStatusPending, "created"); err != nil {
		t.Fatalf("create: %v", err)
	}

	m := observability.NewMetrics()
	rec := observability.NewRecorder(m, store, bus.New(), nil)

	rec.Observe(ctx, bus.Event{Topic: bus.TopicTaskCreated, Payload: bus.TaskEvent{TaskID: "t1", Kind: "shell", NewStatus: "pending"}})
	rec.Observe(ctx, bus.Event{Topic: bus.TopicTaskLockBusy, Payload: bus.TaskEvent{TaskID: "t1"}})
	rec.Observe(ctx, bus.Event{Topic: bus.TopicTaskStateChanged, Payload: bus.TaskEvent{
		TaskID: "t0", Kind: "shell", OldStatus: "running", NewStatus: "failed", DurationSeconds: 2.5,
	}})
	rec.Observe(ctx, bus.Event{Topic: bus.TopicApprovalResolved, Payload: bus.ApprovalEvent{TaskID: "t2", Decision: "rejected"}})
	rec.Observe(ctx, bus.Event{Topic: bus.TopicIntakeEvaluated, Payload: bus.IntakeEvent{Result: "duplicate"}})

	if got := testutil.ToFloat64(m.TasksCreated.WithLabelValues("shell", "pending")); got != 1 {
		t.Fatalf("tasks_created = %v", got)
	}
	if got := testutil.ToFloat64(m.TasksFinished.WithLabelValues("failed")); got != 1 {
		t.Fatalf("tasks_finished = %v", got)
	}
	if got := testutil.ToFloat64(m.LockSkips); got != 1 {
		t.Fatalf("lock_skips = %v", got)
	}
	if got := testutil.ToFloat64(m.Approvals.WithLabelValues("rejected")); got != 1 {
		t.Fatalf("approvals = %v", got)
	}
	if got := testutil.ToFloat64(m.IntakeEvents.WithLabelValues("duplicate")); got != 1 {
		t.Fatalf("intake = %v", got)
	}
	if got := testutil.ToFloat64(m.PendingTasks); got != 1 {
		t.Fatalf("pending gauge = %v", got)
	}
	if n := testutil.CollectAndCount(m.ExecutionSeconds); n != 1 {
		t.Fatalf("execution histogram series = %d", n)
	}
}

func TestRecorder_RunFromBusAndHandler(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	m := observability.NewMetrics()
	rec := observability.NewRecorder(m, store, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Wait until the recorder has subscribed.
	deadline := time.Now().Add(2 * time.Second)
	for {
		b.Publish(bus.TopicIntakeEvaluated, bus.IntakeEvent{Result: "ignored"})
		if testutil.ToFloat64(m.IntakeEvents.WithLabelValues("ignored")) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("recorder never observed the bus")
		}
		time.Sleep(10 * time.Millisecond)
	}

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"threadclaw_intake_events_total", "threadclaw_pending_tasks", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
