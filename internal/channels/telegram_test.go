package channels_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/threadclaw/internal/channels"
	"github.com/basket/threadclaw/internal/decider"
	"github.com/basket/threadclaw/internal/persistence"
)

// Compile-time interface checks.
var (
	_ channels.Source = (*channels.TelegramSource)(nil)
	_ channels.Source = (*channels.SlackPollSource)(nil)
	_ channels.Source = (*channels.SlackSocketSource)(nil)
)

func TestParseApprovalCallback(t *testing.T) {
	cases := []struct {
		data     string
		taskID   string
		decision persistence.ApprovalStatus
		ok       bool
	}{
		{"appr:abc123:approve", "abc123", persistence.ApprovalApproved, true},
		{"appr:abc123:reject", "abc123", persistence.ApprovalRejected, true},
		{"appr:abc123:maybe", "", "", false},
		{"appr::approve", "", "", false},
		{"hitl:abc:approve", "", "", false},
	}
	for _, tc := range cases {
		id, decision, ok := channels.ParseApprovalCallback(tc.data)
		if id != tc.taskID || decision != tc.decision || ok != tc.ok {
			t.Fatalf("ParseApprovalCallback(%q) = %q, %q, %v", tc.data, id, decision, ok)
		}
	}
	data := channels.ApprovalCallbackData("abc123", persistence.ApprovalRejected)
	if id, decision, ok := channels.ParseApprovalCallback(data); !ok || id != "abc123" || decision != persistence.ApprovalRejected {
		t.Fatalf("round trip of %q failed", data)
	}
}

func TestTelegramEvent(t *testing.T) {
	msg := &tgbotapi.Message{
		MessageID:      17,
		From:           &tgbotapi.User{ID: 42, UserName: "ada"},
		Chat:           &tgbotapi.Chat{ID: -100},
		Caption:        "!do codex: describe",
		ReplyToMessage: &tgbotapi.Message{MessageID: 9},
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", FileUniqueID: "s", FileSize: 10},
			{FileID: "large", FileUniqueID: "l", FileSize: 900},
		},
	}
	ev := channels.TelegramEvent(msg, func(id string) (string, error) {
		return "https://files/" + id, nil
	})
	if ev.ChannelID != "-100" || ev.MessageTS != "17" || ev.ThreadTS != "9" || ev.UserID != "42" {
		t.Fatalf("unexpected ids %+v", ev)
	}
	if ev.Text != "!do codex: describe" || ev.Subtype != decider.SubtypeFileShare {
		t.Fatalf("unexpected text/subtype %+v", ev)
	}
	if len(ev.Attachments) != 1 {
		t.Fatalf("attachments = %+v", ev.Attachments)
	}
	a := ev.Attachments[0]
	if a.ID != "large" || a.URL != "https://files/large" || a.Mimetype != "image/jpeg" || a.Size != 900 {
		t.Fatalf("attachment = %+v", a)
	}
}

type fakeTelegram struct {
	mu    sync.Mutex
	calls map[string][]map[string]string
}

func newFakeTelegram(t *testing.T, updates string) (*httptest.Server, *fakeTelegram) {
	t.Helper()
	ft := &fakeTelegram{calls: map[string][]map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		params := map[string]string{}
		for k := range r.Form {
			params[k] = r.Form.Get(k)
		}
		ft.mu.Lock()
		ft.calls[method] = append(ft.calls[method], params)
		ft.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "getMe":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"tc","username":"tcbot"}}`))
		case "getUpdates":
			_, _ = w.Write([]byte(updates))
		case "getFile":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"file_id":"P1","file_path":"photos/p.jpg"}}`))
		case "sendMessage":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":314,"date":0,"chat":{"id":5,"type":"private"}}}`))
		case "answerCallbackQuery":
			_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		default:
			t.Errorf("unexpected method %s", method)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, ft
}

func (f *fakeTelegram) get(method string) []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.calls[method]...)
}

func TestTelegramSource_PollOnce(t *testing.T) {
	updates := `{"ok":true,"result":[
		{"update_id":100,"message":{"message_id":1,"date":0,"chat":{"id":5,"type":"private"},"from":{"id":42,"is_bot":false,"first_name":"a"},"text":"!do sh:ls"}},
		{"update_id":101,"message":{"message_id":2,"date":0,"chat":{"id":5,"type":"private"},"from":{"id":7,"is_bot":false,"first_name":"x"},"text":"!do sh:rm -rf /"}},
		{"update_id":102,"callback_query":{"id":"cb1","from":{"id":42,"is_bot":false,"first_name":"a","username":"ada"},"data":"appr:t-1:approve"}}
	]}`
	srv, ft := newFakeTelegram(t, updates)
	bot, err := channels.NewTelegramBot("tok", srv.URL+"/bot%s/%s")
	if err != nil {
		t.Fatalf("NewTelegramBot: %v", err)
	}
	store := openTestStore(t)
	src := channels.NewTelegramSource(bot, []int64{42}, store, nil)
	sink := &recordingSink{}

	if err := src.PollOnce(context.Background(), sink); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	events, signals := sink.snapshot()
	if len(events) != 1 || events[0].Text != "!do sh:ls" || events[0].ChannelID != "5" || events[0].MessageTS != "1" {
		t.Fatalf("events = %+v", events)
	}
	if len(signals) != 1 || signals[0].Ref != "t-1" || signals[0].Decision != persistence.ApprovalApproved || signals[0].Actor != "ada" {
		t.Fatalf("signals = %+v", signals)
	}
	if answers := ft.get("answerCallbackQuery"); len(answers) != 1 || answers[0]["callback_query_id"] != "cb1" {
		t.Fatalf("callback answers = %+v", answers)
	}
	if got, _ := store.KVGet(context.Background(), "telegram:offset"); got != "102" {
		t.Fatalf("offset = %q", got)
	}

	// The next poll starts after the stored offset.
	if err := src.PollOnce(context.Background(), sink); err != nil {
		t.Fatalf("second PollOnce: %v", err)
	}
	polls := ft.get("getUpdates")
	if len(polls) != 2 || polls[1]["offset"] != "103" {
		t.Fatalf("getUpdates params = %+v", polls)
	}
}

func TestTelegramNotifierAndReporter(t *testing.T) {
	srv, ft := newFakeTelegram(t, `{"ok":true,"result":[]}`)
	bot, err := channels.NewTelegramBot("tok", srv.URL+"/bot%s/%s")
	if err != nil {
		t.Fatalf("NewTelegramBot: %v", err)
	}
	task := persistence.Task{
		TaskSpec: persistence.TaskSpec{ID: "t-9", ChannelID: "5", MessageTS: "11", UserID: "42", CommandText: "sh:make"},
		Status:   persistence.TaskStatusFailed,
		Error:    "exit 2",
	}

	ref, err := channels.TelegramNotifier{Bot: bot}.RequestApproval(context.Background(), task, "plan text")
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if ref != "5:314" {
		t.Fatalf("ref = %q", ref)
	}
	if err := (channels.TelegramReporter{Bot: bot}).Report(context.Background(), task); err != nil {
		t.Fatalf("Report: %v", err)
	}

	sends := ft.get("sendMessage")
	if len(sends) != 2 {
		t.Fatalf("sendMessage calls = %+v", sends)
	}
	if sends[0]["chat_id"] != "5" || sends[0]["reply_to_message_id"] != "11" || sends[0]["text"] != "plan text" {
		t.Fatalf("plan message = %+v", sends[0])
	}
	if !strings.Contains(sends[0]["reply_markup"], "appr:t-9:approve") || !strings.Contains(sends[0]["reply_markup"], "appr:t-9:reject") {
		t.Fatalf("reply_markup = %q", sends[0]["reply_markup"])
	}
	if !strings.Contains(sends[1]["text"], "t-9") {
		t.Fatalf("report text = %q", sends[1]["text"])
	}

	if _, err := (channels.TelegramNotifier{Bot: bot}).RequestApproval(context.Background(), persistence.Task{TaskSpec: persistence.TaskSpec{ID: "x", ChannelID: "C1"}}, "p"); err == nil {
		t.Fatal("expected error for non-numeric chat id")
	}
}

func TestIsAuthError_Telegram(t *testing.T) {
	if !channels.IsAuthError(fmt.Errorf("telegram init failed: %w", &tgbotapi.Error{Code: 401, Message: "Unauthorized"})) {
		t.Fatal("401 should be an auth error")
	}
	if channels.IsAuthError(fmt.Errorf("telegram init failed: %w", &tgbotapi.Error{Code: 502, Message: "Bad Gateway"})) {
		t.Fatal("502 is not an auth error")
	}
}
