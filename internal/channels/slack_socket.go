package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/threadclaw/internal/approval"
	"github.com/basket/threadclaw/internal/persistence"
)

var errSocketDisconnect = errors.New("slack requested disconnect")

type socketEnvelope struct {
	EnvelopeID string `json:"envelope_id"`
	Type       string `json:"type"`
	Reason     string `json:"reason"`
	Payload    struct {
		Event json.RawMessage `json:"event"`
	} `json:"payload"`
}

type socketEvent struct {
	Type     string      `json:"type"`
	Subtype  string      `json:"subtype"`
	Channel  string      `json:"channel"`
	User     string      `json:"user"`
	BotID    string      `json:"bot_id"`
	Text     string      `json:"text"`
	TS       string      `json:"ts"`
	ThreadTS string      `json:"thread_ts"`
	Files    []SlackFile `json:"files"`
	Reaction string      `json:"reaction"`
	Item     struct {
		Type    string `json:"type"`
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	} `json:"item"`
}

// SlackSocketSource receives events over Socket Mode. PollOnce falls back
// to a history poll so one-shot runs behave the same in both modes.
type SlackSocketSource struct {
	client *SlackClient
	store  *persistence.Store
	poll   *SlackPollSource
	cfg    SlackPollConfig
	logger *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewSlackSocketSource(client *SlackClient, store *persistence.Store, cfg SlackPollConfig, logger *slog.Logger) *SlackSocketSource {
	poll := NewSlackPollSource(client, store, cfg, logger)
	return &SlackSocketSource{
		client:     client,
		store:      store,
		poll:       poll,
		cfg:        poll.cfg,
		logger:     poll.logger,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

func (s *SlackSocketSource) Name() string { return "slack_socket" }

func (s *SlackSocketSource) PollOnce(ctx context.Context, sink Sink) error {
	return s.poll.PollOnce(ctx, sink)
}

func (s *SlackSocketSource) Run(ctx context.Context, sink Sink) error {
	backoff := s.minBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := s.connect(ctx, sink, func() { backoff = s.minBackoff })
		if ctx.Err() != nil {
			return nil
		}
		if IsAuthError(err) {
			return err
		}
		s.logger.Warn("slack socket disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *SlackSocketSource) connect(ctx context.Context, sink Sink, onHello func()) error {
	wsURL, err := s.client.OpenConnection(ctx)
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial socket mode: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	for {
		var env socketEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return fmt.Errorf("read envelope: %w", err)
		}
		switch env.Type {
		case "hello":
			s.logger.Info("slack socket connected", "channel_id", s.cfg.ChannelID)
			onHello()
		case "disconnect":
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return fmt.Errorf("%w: %s", errSocketDisconnect, env.Reason)
		case "events_api":
			// Unacked envelopes are redelivered by Slack, so a failed event
			// stays unacked.
			if err := s.handleEvent(ctx, env.Payload.Event, sink); err != nil {
				s.logger.Warn("slack socket event failed, leaving it for redelivery", "envelope_id", env.EnvelopeID, "error", err)
				continue
			}
		}
		if err := ack(ctx, conn, env.EnvelopeID); err != nil {
			return err
		}
	}
}

func ack(ctx context.Context, conn *websocket.Conn, envelopeID string) error {
	if envelopeID == "" {
		return nil
	}
	if err := wsjson.Write(ctx, conn, map[string]string{"envelope_id": envelopeID}); err != nil {
		return fmt.Errorf("ack envelope: %w", err)
	}
	return nil
}

func (s *SlackSocketSource) handleEvent(ctx context.Context, raw json.RawMessage, sink Sink) error {
	if len(raw) == 0 {
		return nil
	}
	var ev socketEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	switch ev.Type {
	case "message":
		if ev.Channel != s.cfg.ChannelID || ev.TS == "" {
			return nil
		}
		msg := SlackMessage{
			Type:     ev.Type,
			Subtype:  ev.Subtype,
			User:     ev.User,
			BotID:    ev.BotID,
			Text:     ev.Text,
			TS:       ev.TS,
			ThreadTS: ev.ThreadTS,
			Files:    ev.Files,
		}
		if _, err := sink.HandleMessage(ctx, slackEvent(s.Name(), ev.Channel, msg)); err != nil {
			return err
		}
		return s.advance(ctx, ev.TS)
	case "reaction_added":
		if s.cfg.Approval.Mode != approval.ModeReaction || ev.Item.Channel != s.cfg.ChannelID {
			return nil
		}
		decision, ok := approval.ParseReaction(ev.Reaction, s.cfg.Approval)
		if !ok {
			return nil
		}
		_, err := sink.HandleSignal(ctx, approval.Signal{
			Ref:      ev.Item.Channel + ":" + ev.Item.TS,
			Decision: decision,
			Actor:    ev.User,
		})
		return err
	}
	return nil
}

// advance moves the poll checkpoint forward so a later history poll does
// not replay what the socket already delivered.
func (s *SlackSocketSource) advance(ctx context.Context, ts string) error {
	key := CheckpointKey(s.cfg.ChannelID)
	last, err := s.store.KVGet(ctx, key)
	if err != nil {
		return err
	}
	if !tsAfter(ts, last) {
		return nil
	}
	return s.store.KVSet(ctx, key, ts)
}
