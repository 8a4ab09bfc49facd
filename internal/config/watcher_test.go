package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/threadclaw/internal/config"
)

func startWatcher(t *testing.T, homeDir string) *config.Watcher {
	t.Helper()
	w := config.NewWatcher(homeDir, nil)
	w.SetDebounce(50 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	return w
}

func TestWatcher_CoalescesPolicyWrites(t *testing.T) {
	homeDir := t.TempDir()
	policyPath := config.PolicyPath(homeDir)
	if err := os.WriteFile(policyPath, []byte("shell_allowlist: [ls]\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	w := startWatcher(t, homeDir)

	for i := 0; i < 3; i++ {
		if err := os.WriteFile(policyPath, []byte("shell_allowlist: [ls, pwd]\n"), 0o644); err != nil {
			t.Fatalf("rewrite policy: %v", err)
		}
	}

	select {
	case ev := <-w.Events():
		if !ev.IsPolicy() {
			t.Fatalf("expected policy.yaml event, got %s", ev.Path)
		}
		if ev.Path != policyPath {
			t.Fatalf("path = %s, want %s", ev.Path, policyPath)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for policy.yaml change event")
	}

	// The burst settles into a single event.
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected second event %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_ReportsConfigSeparately(t *testing.T) {
	homeDir := t.TempDir()
	w := startWatcher(t, homeDir)
	if err := os.WriteFile(config.ConfigPath(homeDir), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	select {
	case ev := <-w.Events():
		if ev.IsPolicy() {
			t.Fatalf("config.yaml reported as policy: %s", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config.yaml event")
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	homeDir := t.TempDir()
	w := startWatcher(t, homeDir)
	if err := os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	w := config.NewWatcher(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
