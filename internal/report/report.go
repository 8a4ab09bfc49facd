// Package report formats finished tasks and hands them to report sinks.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/threadclaw/internal/persistence"
	"github.com/basket/threadclaw/internal/shared"
)

// Reporter presents one terminal task.
type Reporter interface {
	Report(ctx context.Context, task persistence.Task) error
}

type Limits struct {
	InputMaxChars   int
	SummaryMaxChars int
	DetailsMaxChars int
}

func DefaultLimits() Limits {
	return Limits{InputMaxChars: 500, SummaryMaxChars: 1200, DetailsMaxChars: 4000}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.InputMaxChars <= 0 {
		l.InputMaxChars = d.InputMaxChars
	}
	if l.SummaryMaxChars <= 0 {
		l.SummaryMaxChars = d.SummaryMaxChars
	}
	if l.DetailsMaxChars <= 0 {
		l.DetailsMaxChars = d.DetailsMaxChars
	}
	return l
}

// Format renders the report text for a task. Secrets are redacted before
// trimming so a cut never exposes part of a token.
func Format(task persistence.Task, limits Limits) string {
	limits = limits.withDefaults()
	icon := "❌"
	if task.Status == persistence.TaskStatusSucceeded {
		icon = "✅"
	}
	user := task.UserID
	if user == "" {
		user = "unknown"
	}
	details := task.Details
	if details == "" && task.Error != "" && task.Error != task.Summary {
		details = task.Error
	}
	return strings.Join([]string{
		fmt.Sprintf("%s threadclaw task %s", icon, task.ID),
		fmt.Sprintf("source: %s @ %s by %s", task.ChannelID, task.MessageTS, user),
		"input: " + Trim(shared.Redact(task.CommandText), limits.InputMaxChars),
		"summary: " + Trim(shared.Redact(summaryOf(task)), limits.SummaryMaxChars),
		"details: " + Trim(shared.Redact(details), limits.DetailsMaxChars),
	}, "\n")
}

func summaryOf(task persistence.Task) string {
	if task.Summary != "" {
		return task.Summary
	}
	if task.Status == persistence.TaskStatusAbortedOnRestart {
		return "task aborted on restart"
	}
	return string(task.Status)
}

// Trim cuts s to max runes, marking the cut with "...".
func Trim(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

// LogReporter writes reports to the structured log.
type LogReporter struct {
	Logger *slog.Logger
}

func (l LogReporter) Report(_ context.Context, task persistence.Task) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("task report",
		"event", "task_finished",
		"task_id", task.ID,
		"status", task.Status,
		"kind", task.Kind,
		"lock_key", task.LockKey,
		"summary", shared.Redact(task.Summary),
	)
	return nil
}

// Multi fans a report out to every sink and joins their errors.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, task persistence.Task) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, task); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deliver reports a terminal task at most once. The reported marker is
// written before the sink runs, so a failing sink is logged and never
// retried.
func Deliver(ctx context.Context, store *persistence.Store, r Reporter, task persistence.Task, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}
	if !task.Status.Terminal() {
		logger.Warn("refusing to report non-terminal task", "task_id", task.ID, "status", task.Status)
		return false
	}
	marked, err := store.MarkReported(ctx, task.ID)
	if err != nil {
		logger.Error("mark reported failed", "task_id", task.ID, "error", err)
		return false
	}
	if !marked {
		logger.Debug("task already reported", "task_id", task.ID)
		return false
	}
	if r == nil {
		return true
	}
	if err := r.Report(ctx, task); err != nil {
		logger.Warn("report failed", "event", "report_failed", "task_id", task.ID, "error", err)
	}
	return true
}
