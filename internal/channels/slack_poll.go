package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/threadclaw/internal/approval"
	"github.com/basket/threadclaw/internal/persistence"
)

// CheckpointKey is the kv_store key holding the newest handled ts of a
// channel.
func CheckpointKey(channelID string) string {
	return "last_ts:" + channelID
}

type SlackPollConfig struct {
	ChannelID string
	BatchSize int
	Interval  time.Duration
	Approval  approval.Config
}

// SlackPollSource reads the command channel through conversations.history.
type SlackPollSource struct {
	client *SlackClient
	store  *persistence.Store
	cfg    SlackPollConfig
	logger *slog.Logger
}

func NewSlackPollSource(client *SlackClient, store *persistence.Store, cfg SlackPollConfig, logger *slog.Logger) *SlackPollSource {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackPollSource{client: client, store: store, cfg: cfg, logger: logger}
}

func (s *SlackPollSource) Name() string { return "slack_poll" }

func (s *SlackPollSource) Run(ctx context.Context, sink Sink) error {
	s.logger.Info("slack poll source started", "channel_id", s.cfg.ChannelID, "interval", s.cfg.Interval)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := s.PollOnce(ctx, sink); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if IsAuthError(err) {
				return err
			}
			s.logger.Warn("slack poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce fetches new messages after the checkpoint, hands them to sink
// in ts order and then inspects reactions on open approval requests.
func (s *SlackPollSource) PollOnce(ctx context.Context, sink Sink) error {
	key := CheckpointKey(s.cfg.ChannelID)
	last, err := s.store.KVGet(ctx, key)
	if err != nil {
		return err
	}
	msgs, err := s.client.History(ctx, s.cfg.ChannelID, last, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("conversations.history: %w", err)
	}
	for _, m := range msgs {
		if _, err := sink.HandleMessage(ctx, slackEvent(s.Name(), s.cfg.ChannelID, m)); err != nil {
			return fmt.Errorf("handle message %s: %w", m.TS, err)
		}
		if tsAfter(m.TS, last) {
			last = m.TS
			if err := s.store.KVSet(ctx, key, last); err != nil {
				return err
			}
		}
	}
	if s.cfg.Approval.Mode == approval.ModeReaction {
		return s.pollReactions(ctx, sink)
	}
	return nil
}

func (s *SlackPollSource) pollReactions(ctx context.Context, sink Sink) error {
	pending, err := s.store.ListPendingApprovals(ctx)
	if err != nil {
		return err
	}
	for _, a := range pending {
		ch, ts, ok := splitRef(a.RequestRef)
		if !ok || ch != s.cfg.ChannelID {
			continue
		}
		reactions, err := s.client.Reactions(ctx, ch, ts)
		if err != nil {
			s.logger.Warn("reactions.get failed", "task_id", a.TaskID, "error", err)
			continue
		}
		for _, r := range reactions {
			decision, ok := approval.ParseReaction(r.Name, s.cfg.Approval)
			if !ok {
				continue
			}
			actor := "unknown"
			if len(r.Users) > 0 {
				actor = r.Users[0]
			}
			if _, err := sink.HandleSignal(ctx, approval.Signal{Ref: a.RequestRef, Decision: decision, Actor: actor}); err != nil {
				return err
			}
			break
		}
	}
	return nil
}
