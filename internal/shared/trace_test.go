package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestRunAndTaskIDs(t *testing.T) {
	ctx := context.Background()
	if RunID(ctx) != "" || TaskID(ctx) != "" || ConversationID(ctx) != "" {
		t.Fatal("expected empty ids on bare context")
	}
	ctx = WithRunID(ctx, "run-1")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithConversationID(ctx, "C1:1700.1")
	if RunID(ctx) != "run-1" || TaskID(ctx) != "task-1" || ConversationID(ctx) != "C1:1700.1" {
		t.Fatalf("ids not propagated: %q %q %q", RunID(ctx), TaskID(ctx), ConversationID(ctx))
	}
}

func TestSource_DefaultUnknown(t *testing.T) {
	if got := Source(context.Background()); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
	if got := Source(WithSource(context.Background(), "slack_poll")); got != "slack_poll" {
		t.Fatalf("expected slack_poll, got %q", got)
	}
}

func TestNewIDsUnique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatal("trace ids should differ")
	}
	if NewRunID() == NewRunID() {
		t.Fatal("run ids should differ")
	}
}

func TestLogAttrs(t *testing.T) {
	bare := LogAttrs(context.Background())
	if len(bare) != 1 || bare[0].Key != "trace_id" || bare[0].Value.String() != "-" {
		t.Fatalf("bare attrs = %v", bare)
	}

	ctx := WithTraceID(context.Background(), "tr-1")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithSource(ctx, "telegram")
	got := map[string]string{}
	for _, a := range LogAttrs(ctx) {
		got[a.Key] = a.Value.String()
	}
	want := map[string]string{"trace_id": "tr-1", "task_id": "task-1", "source": "telegram"}
	if len(got) != len(want) {
		t.Fatalf("attrs = %v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s = %q, want %q", k, got[k], v)
		}
	}
}
