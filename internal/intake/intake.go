// Package intake is the path from a normalized inbound event to a stored
// task: dedup ledger, decider, attachment preparation, approval gate.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/threadclaw/internal/approval"
	"github.com/basket/threadclaw/internal/attachments"
	"github.com/basket/threadclaw/internal/bus"
	"github.com/basket/threadclaw/internal/decider"
	tcotel "github.com/basket/threadclaw/internal/otel"
	"github.com/basket/threadclaw/internal/persistence"
	"github.com/basket/threadclaw/internal/report"
	"github.com/basket/threadclaw/internal/shared"
)

// Intake results, also used as metric labels.
const (
	ResultDuplicate = "duplicate"
	ResultIgnored   = "ignored"
	ResultExists    = "exists"
	ResultCreated   = "created"
	ResultGated     = "gated"
	ResultFailed    = "failed"
)

// Fetcher prepares attachments for a task.
type Fetcher interface {
	Fetch(ctx context.Context, taskID string, in []decider.Attachment) ([]string, error)
}

type Waker interface {
	Wake()
}

type Processor struct {
	decider  decider.Config
	store    *persistence.Store
	approval *approval.Machine
	fetcher  Fetcher
	waker    Waker
	reporter report.Reporter
	logger   *slog.Logger
	bus      *bus.Bus
	metrics  *tcotel.Metrics
	tracer   trace.Tracer
}

type Options struct {
	Decider  decider.Config
	Store    *persistence.Store
	Approval *approval.Machine
	Fetcher  Fetcher
	Waker    Waker
	Reporter report.Reporter
	Logger   *slog.Logger
	Bus      *bus.Bus
	Metrics  *tcotel.Metrics
	Tracer   trace.Tracer
}

func NewProcessor(opts Options) *Processor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Processor{
		decider:  opts.Decider,
		store:    opts.Store,
		approval: opts.Approval,
		fetcher:  opts.Fetcher,
		waker:    opts.Waker,
		reporter: opts.Reporter,
		logger:   opts.Logger,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
	}
}

// HandleMessage evaluates one inbound event and returns what happened to
// it. A store failure is returned; the event is then not created.
func (p *Processor) HandleMessage(ctx context.Context, ev decider.Event) (string, error) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithSource(ctx, ev.Source)
	ctx, span := tcotel.StartSpan(ctx, p.tracer, tcotel.SpanIntake,
		tcotel.AttrChannelID.String(ev.ChannelID),
		tcotel.AttrMessageTS.String(ev.MessageTS),
		tcotel.AttrSource.String(ev.Source),
	)
	result, taskID, err := p.handle(ctx, ev)
	span.SetAttributes(tcotel.AttrResult.String(result), tcotel.AttrTaskID.String(taskID))
	tcotel.EndSpan(span, err)

	if err == nil {
		p.metrics.RecordIntake(ctx, result)
		if p.bus != nil {
			p.bus.Publish(bus.TopicIntakeEvaluated, bus.IntakeEvent{
				Source:    ev.Source,
				ChannelID: ev.ChannelID,
				MessageTS: ev.MessageTS,
				Result:    result,
				TaskID:    taskID,
			})
		}
	}
	return result, err
}

func (p *Processor) handle(ctx context.Context, ev decider.Event) (string, string, error) {
	logger := p.logger.With("channel_id", ev.ChannelID, "message_ts", ev.MessageTS, "trace_id", shared.TraceID(ctx))

	first, err := p.store.RecordProcessed(ctx, ev.ChannelID, ev.MessageTS)
	if err != nil {
		return ResultFailed, "", fmt.Errorf("record processed: %w", err)
	}
	if !first {
		logger.Debug("duplicate inbound event")
		return ResultDuplicate, "", nil
	}

	decision := decider.Decide(p.decider, ev)
	if !decision.ShouldRun() {
		logger.Debug("event ignored", "reason", decision.Reason)
		return ResultIgnored, "", nil
	}
	spec := *decision.Task
	logger = logger.With("task_id", spec.ID)

	if _, err := p.store.GetTask(ctx, spec.ID); err == nil {
		return ResultExists, spec.ID, nil
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return ResultFailed, spec.ID, err
	}

	if p.fetcher != nil && len(attachments.Images(ev.Attachments)) > 0 {
		paths, err := p.fetcher.Fetch(ctx, spec.ID, ev.Attachments)
		if err != nil {
			reason := "failed to prepare image attachment(s): " + err.Error()
			logger.Warn("task image preparation failed", "event", "task_image_prepare_failed", "error", err)
			task, created, cerr := p.store.CreateTaskIfAbsent(ctx, spec, persistence.TaskStatusFailed, reason)
			if cerr != nil {
				return ResultFailed, spec.ID, cerr
			}
			if created {
				report.Deliver(ctx, p.store, p.reporter, task, logger)
			}
			return ResultFailed, spec.ID, nil
		}
		spec.AttachmentPaths = paths
	}

	gated, reason := false, ""
	if p.approval != nil {
		gated, reason = p.approval.Gate(ctx, spec)
	}
	if gated {
		task, created, err := p.store.CreateTaskIfAbsent(ctx, spec, persistence.TaskStatusWaitingApproval, reason)
		if err != nil {
			return ResultFailed, spec.ID, err
		}
		if !created {
			return ResultExists, spec.ID, nil
		}
		if err := p.approval.Submit(ctx, task, reason); err != nil {
			if errors.Is(err, approval.ErrRequestFailed) {
				p.reportByID(ctx, logger, spec.ID)
				return ResultFailed, spec.ID, nil
			}
			return ResultFailed, spec.ID, err
		}
		return ResultGated, spec.ID, nil
	}

	_, created, err := p.store.CreateTaskIfAbsent(ctx, spec, persistence.TaskStatusPending, "")
	if err != nil {
		return ResultFailed, spec.ID, err
	}
	if !created {
		return ResultExists, spec.ID, nil
	}
	logger.Info("task queued", "event", "task_queued", "kind", spec.Kind, "lock_key", spec.LockKey)
	if p.waker != nil {
		p.waker.Wake()
	}
	return ResultCreated, spec.ID, nil
}

// HandleSignal applies an approve/reject signal. A rejected task is
// reported right away since it never reaches the dispatcher.
func (p *Processor) HandleSignal(ctx context.Context, sig approval.Signal) (approval.Result, error) {
	if p.approval == nil {
		return approval.Result{}, errors.New("approval is not configured")
	}
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	res, err := p.approval.Resolve(ctx, sig)
	if err != nil || !res.Applied {
		return res, err
	}
	p.metrics.RecordApproval(ctx, string(res.Decision))
	if res.Decision == persistence.ApprovalRejected && res.Task != nil {
		report.Deliver(ctx, p.store, p.reporter, *res.Task, p.logger)
	}
	return res, nil
}

func (p *Processor) reportByID(ctx context.Context, logger *slog.Logger, taskID string) {
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		logger.Error("load task for report failed", "error", err)
		return
	}
	report.Deliver(ctx, p.store, p.reporter, *task, logger)
}
