package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OTel instruments. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	ExecutionDuration metric.Float64Histogram
	LockSkips         metric.Int64Counter
	IntakeEvents      metric.Int64Counter
	ApprovalDecisions metric.Int64Counter
	RunningTasks      metric.Int64UpDownCounter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ExecutionDuration, err = meter.Float64Histogram("threadclaw.execution.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m.LockSkips, err = meter.Int64Counter("threadclaw.dispatch.lock_skips",
		metric.WithDescription("Pending tasks skipped because their lock was held"),
	)
	if err != nil {
		return nil, err
	}
	m.IntakeEvents, err = meter.Int64Counter("threadclaw.intake.events",
		metric.WithDescription("Inbound messages by intake result"),
	)
	if err != nil {
		return nil, err
	}
	m.ApprovalDecisions, err = meter.Int64Counter("threadclaw.approval.decisions",
		metric.WithDescription("Applied approval decisions"),
	)
	if err != nil {
		return nil, err
	}
	m.RunningTasks, err = meter.Int64UpDownCounter("threadclaw.tasks.running",
		metric.WithDescription("Tasks currently executing"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordExecution(ctx context.Context, kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordLockSkip(ctx context.Context, lockKey string) {
	if m == nil {
		return
	}
	m.LockSkips.Add(ctx, 1, metric.WithAttributes(AttrLockKey.String(lockKey)))
}

func (m *Metrics) RecordIntake(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.IntakeEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) RecordApproval(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.ApprovalDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

func (m *Metrics) TaskStarted(ctx context.Context) {
	if m != nil {
		m.RunningTasks.Add(ctx, 1)
	}
}

func (m *Metrics) TaskDone(ctx context.Context) {
	if m != nil {
		m.RunningTasks.Add(ctx, -1)
	}
}
