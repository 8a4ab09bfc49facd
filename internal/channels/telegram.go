package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/threadclaw/internal/approval"
	"github.com/basket/threadclaw/internal/decider"
	"github.com/basket/threadclaw/internal/persistence"
	"github.com/basket/threadclaw/internal/report"
)

const (
	telegramOffsetKey    = "telegram:offset"
	approvalCallbackHead = "appr:"
)

// NewTelegramBot connects to the Bot API. An empty endpoint selects the
// public one.
func NewTelegramBot(token, endpoint string) (*tgbotapi.BotAPI, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	return bot, nil
}

// isTelegramAuthError matches the Bot API's 401 answer to a bad token.
func isTelegramAuthError(err error) bool {
	var ptr *tgbotapi.Error
	if errors.As(err, &ptr) {
		return ptr.Code == 401
	}
	var val tgbotapi.Error
	if errors.As(err, &val) {
		return val.Code == 401
	}
	return false
}

// TelegramSource feeds chat messages and approval button presses to a Sink.
type TelegramSource struct {
	bot        *tgbotapi.BotAPI
	store      *persistence.Store
	allowedIDs map[int64]struct{}
	logger     *slog.Logger

	stallTimeout time.Duration
}

func NewTelegramSource(bot *tgbotapi.BotAPI, allowedIDs []int64, store *persistence.Store, logger *slog.Logger) *TelegramSource {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramSource{
		bot:          bot,
		store:        store,
		allowedIDs:   allowed,
		logger:       logger,
		stallTimeout: 150 * time.Second,
	}
}

func (t *TelegramSource) Name() string { return "telegram" }

func (t *TelegramSource) Run(ctx context.Context, sink Sink) error {
	t.logger.Info("telegram source started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(t.nextOffset(ctx))
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.consume(ctx, sink, updates)

		// The library keeps its polling goroutine alive until told to stop.
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// consume reads updates until ctx is done, the channel closes, or nothing
// (not even an empty long-poll return) arrives within the stall timeout.
func (t *TelegramSource) consume(ctx context.Context, sink Sink, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(t.stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(t.stallTimeout)
			t.handleUpdate(ctx, sink, update)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", t.stallTimeout)
		}
	}
}

// PollOnce fetches pending updates without long-polling.
func (t *TelegramSource) PollOnce(ctx context.Context, sink Sink) error {
	u := tgbotapi.NewUpdate(t.nextOffset(ctx))
	u.Timeout = 0
	updates, err := t.bot.GetUpdates(u)
	if err != nil {
		return fmt.Errorf("telegram getUpdates: %w", err)
	}
	for _, update := range updates {
		t.handleUpdate(ctx, sink, update)
	}
	return nil
}

func (t *TelegramSource) nextOffset(ctx context.Context) int {
	v, err := t.store.KVGet(ctx, telegramOffsetKey)
	if err != nil || v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n + 1
}

func (t *TelegramSource) handleUpdate(ctx context.Context, sink Sink, update tgbotapi.Update) {
	defer func() {
		if err := t.store.KVSet(ctx, telegramOffsetKey, strconv.Itoa(update.UpdateID)); err != nil {
			t.logger.Warn("failed to store telegram offset", "error", err)
		}
	}()

	switch {
	case update.Message != nil:
		msg := update.Message
		if msg.From == nil || !t.allowed(msg.From.ID) {
			if msg.From != nil {
				t.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
			}
			return
		}
		ev := TelegramEvent(msg, t.fileURL)
		if _, err := sink.HandleMessage(ctx, ev); err != nil {
			t.logger.Error("telegram message failed", "message_id", msg.MessageID, "error", err)
		}
	case update.CallbackQuery != nil:
		query := update.CallbackQuery
		if query.From == nil || !t.allowed(query.From.ID) {
			return
		}
		t.handleCallback(ctx, sink, query)
	}
}

func (t *TelegramSource) allowed(id int64) bool {
	_, ok := t.allowedIDs[id]
	return ok
}

func (t *TelegramSource) fileURL(fileID string) (string, error) {
	return t.bot.GetFileDirectURL(fileID)
}

func (t *TelegramSource) handleCallback(ctx context.Context, sink Sink, query *tgbotapi.CallbackQuery) {
	taskID, decision, ok := ParseApprovalCallback(query.Data)
	if !ok {
		return
	}
	actor := query.From.UserName
	if actor == "" {
		actor = strconv.FormatInt(query.From.ID, 10)
	}
	answer := "already decided"
	res, err := sink.HandleSignal(ctx, approval.Signal{Ref: taskID, Decision: decision, Actor: actor})
	switch {
	case err != nil:
		t.logger.Error("telegram approval failed", "task_id", taskID, "error", err)
		answer = "approval failed"
	case res.Applied:
		answer = string(decision)
	}
	if _, err := t.bot.Request(tgbotapi.NewCallback(query.ID, answer)); err != nil {
		t.logger.Warn("failed to answer telegram callback", "error", err)
	}
}

// TelegramEvent converts a message: the chat id is the channel, the message
// id the ts and the replied-to message id the thread. The largest photo
// size and image documents become attachments.
func TelegramEvent(msg *tgbotapi.Message, fileURL func(string) (string, error)) decider.Event {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	ev := decider.Event{
		Source:    "telegram",
		ChannelID: strconv.FormatInt(msg.Chat.ID, 10),
		MessageTS: strconv.Itoa(msg.MessageID),
		Text:      text,
	}
	if msg.From != nil {
		ev.UserID = strconv.FormatInt(msg.From.ID, 10)
	}
	if msg.ReplyToMessage != nil {
		ev.ThreadTS = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}
	if n := len(msg.Photo); n > 0 {
		p := msg.Photo[n-1]
		ev.Attachments = append(ev.Attachments, telegramAttachment(p.FileID, "photo_"+p.FileUniqueID+".jpg", "image/jpeg", int64(p.FileSize), fileURL))
		ev.Subtype = decider.SubtypeFileShare
	}
	if d := msg.Document; d != nil && strings.HasPrefix(d.MimeType, "image/") {
		ev.Attachments = append(ev.Attachments, telegramAttachment(d.FileID, d.FileName, d.MimeType, int64(d.FileSize), fileURL))
		ev.Subtype = decider.SubtypeFileShare
	}
	return ev
}

func telegramAttachment(fileID, name, mimetype string, size int64, fileURL func(string) (string, error)) decider.Attachment {
	a := decider.Attachment{ID: fileID, Name: name, Mimetype: mimetype, Size: size}
	if fileURL != nil {
		// An unresolved URL is left empty; the downloader skips it.
		if u, err := fileURL(fileID); err == nil {
			a.URL = u
		}
	}
	return a
}

// ApprovalCallbackData builds the inline button payload for a decision.
func ApprovalCallbackData(taskID string, decision persistence.ApprovalStatus) string {
	action := "approve"
	if decision == persistence.ApprovalRejected {
		action = "reject"
	}
	return approvalCallbackHead + taskID + ":" + action
}

// ParseApprovalCallback parses "appr:<task_id>:approve|reject".
func ParseApprovalCallback(data string) (string, persistence.ApprovalStatus, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(data), approvalCallbackHead)
	if !ok {
		return "", "", false
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 {
		return "", "", false
	}
	taskID, action := rest[:i], rest[i+1:]
	switch action {
	case "approve":
		return taskID, persistence.ApprovalApproved, true
	case "reject":
		return taskID, persistence.ApprovalRejected, true
	}
	return "", "", false
}

func chatTarget(task persistence.Task) (int64, int, error) {
	chatID, err := strconv.ParseInt(task.ChannelID, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("task %s has no telegram chat id: %w", task.ID, err)
	}
	replyTo, _ := strconv.Atoi(task.MessageTS)
	return chatID, replyTo, nil
}

// TelegramNotifier sends the plan with approve and reject buttons.
type TelegramNotifier struct {
	Bot *tgbotapi.BotAPI
}

func (n TelegramNotifier) RequestApproval(_ context.Context, task persistence.Task, plan string) (string, error) {
	chatID, replyTo, err := chatTarget(task)
	if err != nil {
		return "", err
	}
	msg := tgbotapi.NewMessage(chatID, plan)
	msg.ReplyToMessageID = replyTo
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", ApprovalCallbackData(task.ID, persistence.ApprovalApproved)),
			tgbotapi.NewInlineKeyboardButtonData("Reject", ApprovalCallbackData(task.ID, persistence.ApprovalRejected)),
		),
	)
	msg.ReplyMarkup = keyboard
	sent, err := n.Bot.Send(msg)
	if err != nil {
		return "", fmt.Errorf("send telegram approval: %w", err)
	}
	return fmt.Sprintf("%d:%d", chatID, sent.MessageID), nil
}

// TelegramReporter replies to the triggering message with the report.
type TelegramReporter struct {
	Bot    *tgbotapi.BotAPI
	Limits report.Limits
}

func (r TelegramReporter) Report(_ context.Context, task persistence.Task) error {
	chatID, replyTo, err := chatTarget(task)
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, report.Format(task, r.Limits))
	msg.ReplyToMessageID = replyTo
	if _, err := r.Bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram report: %w", err)
	}
	return nil
}
