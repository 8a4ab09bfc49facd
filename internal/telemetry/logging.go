package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/threadclaw/internal/shared"
)

// NewLogger returns the process logger. Records go to <home>/logs/system.jsonl
// and, unless quiet, to stdout as well. The returned Closer closes the file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	return slog.New(newHandler(w, parseLevel(level))).With("component", "runtime"), file, nil
}

// NewWriterLogger builds the same handler over an arbitrary writer. Used by
// one-shot commands and tests that should not touch the home directory.
func NewWriterLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(newHandler(w, parseLevel(level))).With("component", "runtime")
}

func newHandler(w io.Writer, lvl slog.Level) slog.Handler {
	return contextHandler{slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: replaceAttr,
	})}
}

// replaceAttr renames time to timestamp and redacts secrets, both by key
// name and by value pattern.
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Key = "timestamp"
	case shared.IsSecretKey(a.Key):
		return slog.String(a.Key, "[REDACTED]")
	case a.Value.Kind() == slog.KindString:
		if v := a.Value.String(); v != "" {
			if red := shared.Redact(v); red != v {
				return slog.String(a.Key, red)
			}
		}
	}
	return a
}

// contextHandler stamps the correlation ids carried on the record's context,
// so call sites only pass ctx to the *Context logging methods.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(shared.LogAttrs(ctx)...)
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
