package channels

import (
	"context"
	"fmt"

	"github.com/basket/threadclaw/internal/persistence"
	"github.com/basket/threadclaw/internal/report"
)

func threadRoot(task persistence.Task) string {
	if task.ThreadTS != "" {
		return task.ThreadTS
	}
	return task.MessageTS
}

// SlackNotifier posts approval plans into the originating thread.
type SlackNotifier struct {
	Client *SlackClient
}

// RequestApproval returns "<channel>:<ts>" of the posted plan, the ref that
// reactions on it resolve to.
func (n SlackNotifier) RequestApproval(ctx context.Context, task persistence.Task, plan string) (string, error) {
	ts, err := n.Client.PostMessage(ctx, task.ChannelID, threadRoot(task), plan)
	if err != nil {
		return "", err
	}
	if ts == "" {
		ts = task.MessageTS
	}
	return task.ChannelID + ":" + ts, nil
}

// SlackReporter posts finished-task reports. With an empty ChannelID the
// report goes into the task's own thread.
type SlackReporter struct {
	Client    *SlackClient
	ChannelID string
	Limits    report.Limits
}

func (r SlackReporter) Report(ctx context.Context, task persistence.Task) error {
	text := report.Format(task, r.Limits)
	channel, thread := r.ChannelID, ""
	if channel == "" {
		channel, thread = task.ChannelID, threadRoot(task)
	}
	if _, err := r.Client.PostMessage(ctx, channel, thread, text); err != nil {
		return fmt.Errorf("post report for %s: %w", task.ID, err)
	}
	return nil
}
