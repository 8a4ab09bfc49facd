package observability

import (
	"context"
	"log/slog"

	"github.com/basket/threadclaw/internal/bus"
	"github.com/basket/threadclaw/internal/persistence"
)

// Recorder turns bus events into metric updates. Gauges are re-read from
// the store so a dropped event never leaves them skewed.
type Recorder struct {
	metrics *Metrics
	store   *persistence.Store
	bus     *bus.Bus
	logger  *slog.Logger
}

func NewRecorder(m *Metrics, store *persistence.Store, b *bus.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{metrics: m, store: store, bus: b, logger: logger}
}

// Run consumes events until ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	sub := r.bus.Subscribe("")
	defer r.bus.Unsubscribe(sub)

	r.Sync(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			r.Observe(ctx, ev)
		}
	}
}

// Observe applies one event.
func (r *Recorder) Observe(ctx context.Context, ev bus.Event) {
	m := r.metrics
	switch p := ev.Payload.(type) {
	case bus.TaskEvent:
		switch ev.Topic {
		case bus.TopicTaskCreated:
			m.TasksCreated.WithLabelValues(p.Kind, p.NewStatus).Inc()
			if persistence.TaskStatus(p.NewStatus).Terminal() {
				m.TasksFinished.WithLabelValues(p.NewStatus).Inc()
			}
			r.Sync(ctx)
		case bus.TopicTaskStateChanged:
			if p.OldStatus == string(persistence.TaskStatusRunning) && p.DurationSeconds > 0 {
				m.ExecutionSeconds.WithLabelValues(p.Kind).Observe(p.DurationSeconds)
			}
			if persistence.TaskStatus(p.NewStatus).Terminal() {
				m.TasksFinished.WithLabelValues(p.NewStatus).Inc()
			}
			r.Sync(ctx)
		case bus.TopicTaskLockBusy:
			m.LockSkips.Inc()
		}
	case bus.ApprovalEvent:
		m.Approvals.WithLabelValues(p.Decision).Inc()
	case bus.IntakeEvent:
		m.IntakeEvents.WithLabelValues(p.Result).Inc()
	}
}

// Sync sets the task gauges from the store.
func (r *Recorder) Sync(ctx context.Context) {
	counts, err := r.store.StatusCounts(ctx)
	if err != nil {
		r.logger.Debug("metrics sync failed", "error", err)
		return
	}
	r.metrics.PendingTasks.Set(float64(counts[persistence.TaskStatusPending]))
	r.metrics.RunningTasks.Set(float64(counts[persistence.TaskStatusRunning]))
}
