package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/basket/threadclaw/internal/decider"
)

const (
	defaultSlackAPIBase = "https://slack.com/api"
	historyMaxPages     = 3
)

// SlackAPIError is an ok:false response from the Web API.
type SlackAPIError struct {
	Method string
	Code   string
}

func (e *SlackAPIError) Error() string {
	return fmt.Sprintf("slack api error in %s: %s", e.Method, e.Code)
}

// IsAuthError reports whether err means the configured token is unusable,
// for either the Slack Web API or the Telegram Bot API.
func IsAuthError(err error) bool {
	var apiErr *SlackAPIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case "invalid_auth", "not_authed", "account_inactive", "token_revoked", "token_expired":
			return true
		}
		return false
	}
	return isTelegramAuthError(err)
}

type SlackFile struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Mimetype           string `json:"mimetype"`
	Size               int64  `json:"size"`
	URLPrivate         string `json:"url_private"`
	URLPrivateDownload string `json:"url_private_download"`
}

type SlackReaction struct {
	Name  string   `json:"name"`
	Users []string `json:"users"`
	Count int      `json:"count"`
}

type SlackMessage struct {
	Type     string      `json:"type"`
	Subtype  string      `json:"subtype"`
	User     string      `json:"user"`
	BotID    string      `json:"bot_id"`
	Text     string      `json:"text"`
	TS       string      `json:"ts"`
	ThreadTS string      `json:"thread_ts"`
	Files    []SlackFile `json:"files"`
}

// SlackClient is a minimal Slack Web API client.
type SlackClient struct {
	botToken string
	appToken string
	base     string
	http     *http.Client
}

func NewSlackClient(botToken, appToken, base string, hc *http.Client) *SlackClient {
	if base == "" {
		base = defaultSlackAPIBase
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &SlackClient{
		botToken: botToken,
		appToken: appToken,
		base:     strings.TrimRight(base, "/"),
		http:     hc,
	}
}

type slackEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// call performs one Web API request. GET requests carry params in the query
// string; everything else is posted as JSON. A 429 is retried once.
func (c *SlackClient) call(ctx context.Context, httpMethod, method, token string, params url.Values, body any, out any) error {
	raw, err := c.do(ctx, httpMethod, method, token, params, body, true)
	if err != nil {
		return err
	}
	var env slackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("slack returned invalid JSON in %s: %w", method, err)
	}
	if !env.OK {
		code := env.Error
		if code == "" {
			code = "unknown_error"
		}
		return &SlackAPIError{Method: method, Code: code}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s: %w", method, err)
		}
	}
	return nil
}

func (c *SlackClient) do(ctx context.Context, httpMethod, method, token string, params url.Values, body any, retry bool) ([]byte, error) {
	u := c.base + "/" + method
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", method, err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack request failed in %s: %w", method, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests && retry {
		wait := retryAfter(resp.Header.Get("Retry-After"))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		return c.do(ctx, httpMethod, method, token, params, body, false)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("slack http error %d in %s: %s", resp.StatusCode, method, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// AuthTest returns the bot's own user id.
func (c *SlackClient) AuthTest(ctx context.Context) (string, error) {
	var out struct {
		UserID string `json:"user_id"`
	}
	if err := c.call(ctx, http.MethodPost, "auth.test", c.botToken, nil, map[string]any{}, &out); err != nil {
		return "", err
	}
	return out.UserID, nil
}

// History returns messages newer than oldest, sorted by numeric ts. It
// follows at most three cursor pages.
func (c *SlackClient) History(ctx context.Context, channelID, oldest string, limit int) ([]SlackMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		msgs   []SlackMessage
		cursor string
	)
	for page := 0; page < historyMaxPages; page++ {
		params := url.Values{
			"channel":   {channelID},
			"limit":     {strconv.Itoa(limit)},
			"inclusive": {"false"},
		}
		if oldest != "" {
			params.Set("oldest", oldest)
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var out struct {
			Messages         []SlackMessage `json:"messages"`
			HasMore          bool           `json:"has_more"`
			ResponseMetadata struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}
		if err := c.call(ctx, http.MethodGet, "conversations.history", c.botToken, params, nil, &out); err != nil {
			return nil, err
		}
		for _, m := range out.Messages {
			if m.TS != "" {
				msgs = append(msgs, m)
			}
		}
		cursor = out.ResponseMetadata.NextCursor
		if !out.HasMore || cursor == "" {
			break
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return tsValue(msgs[i].TS) < tsValue(msgs[j].TS)
	})
	return msgs, nil
}

// PostMessage posts text, threaded under threadTS when set, and returns the
// new message ts.
func (c *SlackClient) PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	body := map[string]any{"channel": channelID, "text": text}
	if threadTS != "" {
		body["thread_ts"] = threadTS
	}
	var out struct {
		TS string `json:"ts"`
	}
	if err := c.call(ctx, http.MethodPost, "chat.postMessage", c.botToken, nil, body, &out); err != nil {
		return "", err
	}
	return out.TS, nil
}

// Reactions lists the reactions on one message.
func (c *SlackClient) Reactions(ctx context.Context, channelID, ts string) ([]SlackReaction, error) {
	params := url.Values{"channel": {channelID}, "timestamp": {ts}, "full": {"true"}}
	var out struct {
		Message struct {
			Reactions []SlackReaction `json:"reactions"`
		} `json:"message"`
	}
	if err := c.call(ctx, http.MethodGet, "reactions.get", c.botToken, params, nil, &out); err != nil {
		return nil, err
	}
	return out.Message.Reactions, nil
}

// OpenConnection returns a Socket Mode websocket URL. It needs the app-level
// token.
func (c *SlackClient) OpenConnection(ctx context.Context) (string, error) {
	if c.appToken == "" {
		return "", fmt.Errorf("slack socket mode requires an app token")
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := c.call(ctx, http.MethodPost, "apps.connections.open", c.appToken, nil, map[string]any{}, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func tsValue(ts string) float64 {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return 0
	}
	return f
}

// tsAfter reports whether a is strictly newer than b. An empty b is older
// than everything.
func tsAfter(a, b string) bool {
	if b == "" {
		return a != ""
	}
	return tsValue(a) > tsValue(b)
}

// slackEvent normalizes a channel message for the decider.
func slackEvent(source, channelID string, m SlackMessage) decider.Event {
	user := m.User
	if user == "" {
		user = m.BotID
	}
	if user == "" {
		user = "unknown"
	}
	ev := decider.Event{
		Source:    source,
		ChannelID: channelID,
		MessageTS: m.TS,
		ThreadTS:  m.ThreadTS,
		UserID:    user,
		Text:      m.Text,
		Subtype:   m.Subtype,
	}
	for _, f := range m.Files {
		u := f.URLPrivateDownload
		if u == "" {
			u = f.URLPrivate
		}
		ev.Attachments = append(ev.Attachments, decider.Attachment{
			ID:       f.ID,
			Name:     f.Name,
			Mimetype: f.Mimetype,
			Size:     f.Size,
			URL:      u,
		})
	}
	return ev
}

// splitRef parses "<channel>:<ts>".
func splitRef(ref string) (string, string, bool) {
	ch, ts, ok := strings.Cut(ref, ":")
	if !ok || ch == "" || ts == "" {
		return "", "", false
	}
	return ch, ts, true
}
