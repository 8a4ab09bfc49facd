package channels

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/threadclaw/internal/approval"
	"github.com/basket/threadclaw/internal/decider"
	"github.com/basket/threadclaw/internal/persistence"
)

type socketSink struct {
	mu      sync.Mutex
	events  []decider.Event
	signals []approval.Signal
	done    chan struct{}
}

func (s *socketSink) HandleMessage(_ context.Context, ev decider.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return "created", nil
}

func (s *socketSink) HandleSignal(_ context.Context, sig approval.Signal) (approval.Result, error) {
	s.mu.Lock()
	s.signals = append(s.signals, sig)
	s.mu.Unlock()
	close(s.done)
	return approval.Result{Applied: true}, nil
}

func TestSlackSocketSource_AcksAndDispatches(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "threadclaw.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	acks := make(chan string, 8)
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/apps.connections.open":
			if got := r.Header.Get("Authorization"); got != "Bearer xapp-test" {
				t.Errorf("authorization = %q", got)
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok":  true,
				"url": "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket",
			})
		case "/socket":
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				t.Errorf("accept: %v", err)
				return
			}
			defer conn.CloseNow()
			ctx := r.Context()
			envelopes := []map[string]any{
				{"type": "hello"},
				{"envelope_id": "e1", "type": "events_api", "payload": map[string]any{"event": map[string]any{
					"type": "message", "channel": "C1", "user": "U1", "text": "!do sh:ls", "ts": "5.0",
				}}},
				{"envelope_id": "e2", "type": "events_api", "payload": map[string]any{"event": map[string]any{
					"type": "message", "channel": "COTHER", "user": "U1", "text": "!do sh:ls", "ts": "6.0",
				}}},
				{"envelope_id": "e3", "type": "events_api", "payload": map[string]any{"event": map[string]any{
					"type": "reaction_added", "user": "U2", "reaction": "x",
					"item": map[string]any{"type": "message", "channel": "C1", "ts": "4.5"},
				}}},
			}
			for _, env := range envelopes {
				if err := wsjson.Write(ctx, conn, env); err != nil {
					return
				}
				if _, ok := env["envelope_id"]; !ok {
					continue
				}
				var ack map[string]string
				if err := wsjson.Read(ctx, conn, &ack); err != nil {
					return
				}
				acks <- ack["envelope_id"]
			}
			<-ctx.Done()
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := NewSlackClient("xoxb-test", "xapp-test", srv.URL, nil)
	src := NewSlackSocketSource(client, store, SlackPollConfig{
		ChannelID: "C1",
		Approval:  approval.Config{Mode: approval.ModeReaction, ApproveReaction: "white_check_mark", RejectReaction: "x"},
	}, nil)
	sink := &socketSink{done: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- src.Run(ctx, sink) }()

	select {
	case <-sink.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reaction signal")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}

	var got []string
	for len(got) < 3 {
		select {
		case id := <-acks:
			got = append(got, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("acks = %v", got)
		}
	}
	if got[0] != "e1" || got[1] != "e2" || got[2] != "e3" {
		t.Fatalf("acks = %v", got)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 || sink.events[0].MessageTS != "5.0" || sink.events[0].Source != "slack_socket" {
		t.Fatalf("events = %+v", sink.events)
	}
	if len(sink.signals) != 1 || sink.signals[0].Ref != "C1:4.5" || sink.signals[0].Decision != persistence.ApprovalRejected || sink.signals[0].Actor != "U2" {
		t.Fatalf("signals = %+v", sink.signals)
	}
	if last, _ := store.KVGet(context.Background(), CheckpointKey("C1")); last != "5.0" {
		t.Fatalf("checkpoint = %q", last)
	}
}

type failingSink struct {
	socketSink
	failTS string
}

func (f *failingSink) HandleMessage(ctx context.Context, ev decider.Event) (string, error) {
	if ev.MessageTS == f.failTS {
		return "", errors.New("database is locked")
	}
	return f.socketSink.HandleMessage(ctx, ev)
}

func TestSlackSocketSource_FailedEventIsNotAcked(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "threadclaw.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	acks := make(chan string, 8)
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/apps.connections.open":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok":  true,
				"url": "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket",
			})
		case "/socket":
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				t.Errorf("accept: %v", err)
				return
			}
			defer conn.CloseNow()
			ctx := r.Context()
			envelopes := []map[string]any{
				{"envelope_id": "e1", "type": "events_api", "payload": map[string]any{"event": map[string]any{
					"type": "message", "channel": "C1", "user": "U1", "text": "!do sh:ls", "ts": "5.0",
				}}},
				{"envelope_id": "e2", "type": "events_api", "payload": map[string]any{"event": map[string]any{
					"type": "message", "channel": "C1", "user": "U1", "text": "!do sh:pwd", "ts": "6.0",
				}}},
			}
			for _, env := range envelopes {
				if err := wsjson.Write(ctx, conn, env); err != nil {
					return
				}
			}
			for {
				var got map[string]string
				if err := wsjson.Read(ctx, conn, &got); err != nil {
					return
				}
				acks <- got["envelope_id"]
			}
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := NewSlackClient("xoxb-test", "xapp-test", srv.URL, nil)
	src := NewSlackSocketSource(client, store, SlackPollConfig{ChannelID: "C1"}, nil)
	sink := &failingSink{socketSink: socketSink{done: make(chan struct{})}, failTS: "5.0"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = src.Run(ctx, sink) }()

	select {
	case id := <-acks:
		// Envelopes are handled in order, so an ack for e1 would arrive first.
		if id != "e2" {
			t.Fatalf("first ack = %q, want e2", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
	select {
	case id := <-acks:
		t.Fatalf("unexpected ack %q", id)
	case <-time.After(100 * time.Millisecond):
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 || sink.events[0].MessageTS != "6.0" {
		t.Fatalf("events = %+v", sink.events)
	}
}

func TestRetryAfter(t *testing.T) {
	cases := map[string]time.Duration{"": time.Second, "0": time.Second, "abc": time.Second, "3": 3 * time.Second}
	for in, want := range cases {
		if got := retryAfter(in); got != want {
			t.Fatalf("retryAfter(%q) = %v, want %v", in, got, want)
		}
	}
}
