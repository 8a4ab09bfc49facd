package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a home file must stay quiet before its change
// is reported. Editors often write, chmod and rename in quick succession.
const DefaultDebounce = 250 * time.Millisecond

// ReloadEvent reports a settled change to config.yaml or policy.yaml.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// IsPolicy reports whether the event concerns policy.yaml.
func (e ReloadEvent) IsPolicy() bool {
	return filepath.Base(e.Path) == policyFileName
}

const (
	configFileName = "config.yaml"
	policyFileName = "policy.yaml"
)

// Watcher follows the home directory rather than the files, so files
// created after startup or replaced by rename are still seen.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	debounce time.Duration
	events   chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		debounce: DefaultDebounce,
		events:   make(chan ReloadEvent, 4),
	}
}

// SetDebounce overrides the quiet period. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	// Latest op per file, flushed once the directory has been quiet.
	pending := make(map[string]fsnotify.Op, 2)
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if name != configFileName && name != policyFileName {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			pending[filepath.Join(w.homeDir, name)] |= ev.Op
			timer.Reset(w.debounce)
		case <-timer.C:
			for path, op := range pending {
				w.logger.Info("home file changed", "path", path, "op", op.String())
				select {
				case w.events <- ReloadEvent{Path: path, Op: op}:
				case <-ctx.Done():
					return
				}
				delete(pending, path)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("home watcher error", "error", err)
		}
	}
}
