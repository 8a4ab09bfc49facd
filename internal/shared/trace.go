package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// ctxKey indexes the correlation values carried on a context.
type ctxKey int

const (
	keyTrace ctxKey = iota
	keyTask
	keyRun
	keyConversation
	keySource
)

// logKeys is the order LogAttrs emits fields in, after trace_id.
var logKeys = []struct {
	key  ctxKey
	name string
}{
	{keyTask, "task_id"},
	{keyRun, "run_id"},
	{keyConversation, "conversation_id"},
	{keySource, "source"},
}

func with(ctx context.Context, k ctxKey, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

func get(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WithTraceID attaches a trace_id. One trace spans a chat event from intake
// through approval and execution.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return with(ctx, keyTrace, traceID)
}

// TraceID returns "-" when the context carries no trace.
func TraceID(ctx context.Context) string {
	if v := get(ctx, keyTrace); v != "" {
		return v
	}
	return "-"
}

func NewTraceID() string { return uuid.NewString() }

func WithTaskID(ctx context.Context, taskID string) context.Context {
	return with(ctx, keyTask, taskID)
}

func TaskID(ctx context.Context) string { return get(ctx, keyTask) }

// WithRunID marks one execution attempt of a task by a worker.
func WithRunID(ctx context.Context, runID string) context.Context {
	return with(ctx, keyRun, runID)
}

func RunID(ctx context.Context) string { return get(ctx, keyRun) }

func NewRunID() string { return uuid.NewString() }

// WithConversationID attaches the chat conversation (channel plus thread root).
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return with(ctx, keyConversation, conversationID)
}

func ConversationID(ctx context.Context) string { return get(ctx, keyConversation) }

// WithSource records which intake surface produced the current event.
func WithSource(ctx context.Context, source string) context.Context {
	return with(ctx, keySource, source)
}

// Source returns "unknown" when unset.
func Source(ctx context.Context) string {
	if v := get(ctx, keySource); v != "" {
		return v
	}
	return "unknown"
}

// LogAttrs returns trace_id plus every other correlation value present on
// ctx, for stamping onto log records.
func LogAttrs(ctx context.Context) []slog.Attr {
	attrs := make([]slog.Attr, 0, 1+len(logKeys))
	attrs = append(attrs, slog.String("trace_id", TraceID(ctx)))
	for _, k := range logKeys {
		if v := get(ctx, k.key); v != "" {
			attrs = append(attrs, slog.String(k.name, v))
		}
	}
	return attrs
}
