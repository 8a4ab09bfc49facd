// Package decider turns a normalized inbound chat message into at most one
// task specification. It is pure: persistence is the caller's job.
package decider

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/basket/threadclaw/internal/persistence"
)

// Trigger modes.
const (
	ModePrefix  = "prefix"
	ModeMention = "mention"
)

// SubtypeFileShare is the only non-empty message subtype that is evaluated.
const SubtypeFileShare = "file_share"

type Config struct {
	Mode      string
	Prefix    string
	BotUserID string
}

// Attachment describes a file attached to an inbound message.
type Attachment struct {
	ID       string
	Name     string
	Mimetype string
	Size     int64
	URL      string
}

// Event is the transport-neutral inbound message shape every source emits.
type Event struct {
	Source      string
	ChannelID   string
	MessageTS   string
	ThreadTS    string
	UserID      string
	Text        string
	Subtype     string
	Attachments []Attachment
}

type Decision struct {
	Task   *persistence.TaskSpec
	Reason string
}

func (d Decision) ShouldRun() bool {
	return d.Task != nil
}

var (
	shellCDRE  = regexp.MustCompile(`^\s*sh:\s*cd\s+([^\s;&]+)`)
	lockRE     = regexp.MustCompile(`^lock:(\S+)(?:\s+(.*))?$`)
	keywordRE  = regexp.MustCompile(`(?is)^(shell|kimi|codex|claude)\s+(.+)$`)
	kindPrefix = []struct {
		prefix string
		kind   persistence.CommandKind
	}{
		{"sh:", persistence.KindShell},
		{"codex:", persistence.KindCodex},
		{"claude:", persistence.KindClaude},
		{"kimi:", persistence.KindKimi},
	}
)

func ignore(reason string) Decision {
	return Decision{Reason: reason}
}

// Decide applies the trigger rules to ev.
func Decide(cfg Config, ev Event) Decision {
	if ev.Subtype != "" && ev.Subtype != SubtypeFileShare {
		return ignore("ignored subtype=" + ev.Subtype)
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return ignore("ignored empty text")
	}

	command, ok := parseKeyword(text)
	if !ok {
		switch cfg.Mode {
		case ModePrefix, "":
			prefix := cfg.Prefix
			if prefix == "" || !strings.HasPrefix(text, prefix) {
				return ignore("no prefix trigger")
			}
			command = strings.TrimSpace(text[len(prefix):])
		case ModeMention:
			mention := "<@" + cfg.BotUserID + ">"
			if cfg.BotUserID == "" || !strings.HasPrefix(text, mention) {
				return ignore("no mention trigger")
			}
			command = strings.TrimSpace(text[len(mention):])
		default:
			return ignore("unsupported trigger mode")
		}
	}
	if command == "" {
		return ignore("empty command after trigger")
	}

	lockKey, command := extractLockKey(command)
	if command == "" {
		return ignore("empty command after lock prefix")
	}
	if lockKey == "" {
		lockKey = "global"
		if ev.ThreadTS != "" && ev.ThreadTS != ev.MessageTS {
			lockKey = "thread:" + ev.ChannelID + ":" + ev.ThreadTS
		}
	}

	kind, payload := classify(command)
	return Decision{
		Reason: "trigger matched",
		Task: &persistence.TaskSpec{
			ID:             TaskID(ev.ChannelID, ev.MessageTS, ev.ThreadTS, command),
			Kind:           kind,
			CommandText:    command,
			Payload:        payload,
			LockKey:        lockKey,
			ChannelID:      ev.ChannelID,
			MessageTS:      ev.MessageTS,
			ThreadTS:       ev.ThreadTS,
			UserID:         ev.UserID,
			ConversationID: persistence.ConversationOf(ev.ChannelID, ev.ThreadTS, ev.MessageTS),
			TriggerText:    ev.Text,
			Source:         ev.Source,
		},
	}
}

// parseKeyword maps "shell ls", "codex fix it" and friends to their
// prefixed command form.
func parseKeyword(text string) (string, bool) {
	m := keywordRE.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	rest := strings.TrimSpace(m[2])
	if rest == "" {
		return "", false
	}
	switch strings.ToLower(m[1]) {
	case "shell":
		return "sh:" + rest, true
	default:
		return strings.ToLower(m[1]) + ":" + rest, true
	}
}

func extractLockKey(command string) (string, string) {
	if m := lockRE.FindStringSubmatch(command); m != nil {
		if name := strings.TrimSpace(m[1]); name != "" {
			return "lock:" + name, strings.TrimSpace(m[2])
		}
	}
	if m := shellCDRE.FindStringSubmatch(command); m != nil {
		if path := strings.TrimSpace(m[1]); path != "" {
			return "path:" + path, command
		}
	}
	return "", command
}

func classify(command string) (persistence.CommandKind, string) {
	lower := strings.ToLower(command)
	for _, kp := range kindPrefix {
		if strings.HasPrefix(lower, kp.prefix) {
			return kp.kind, strings.TrimSpace(command[len(kp.prefix):])
		}
	}
	return persistence.KindNoop, command
}

// TaskID derives a stable 16-hex-char id so a redelivered message maps to
// the same task.
func TaskID(channelID, messageTS, threadTS, command string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{channelID, messageTS, threadTS, command}, "\x00")))
	return hex.EncodeToString(sum[:])[:16]
}
