// Package audit keeps the append-only trail of gating decisions: allowlist
// bypasses, approval requests and resolutions, API denials and fatal startups.
//
// Entries go to <home>/logs/audit.jsonl and, once SetDB is called, to the
// audit_log table as well. Writes are best effort and never fail the caller.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/threadclaw/internal/shared"
)

const (
	DecisionAllow   = "allow"
	DecisionGate    = "gate"
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionDeny    = "deny"
	DecisionFatal   = "fatal"
)

// Entry is one line of the trail.
type Entry struct {
	Timestamp     string `json:"timestamp"`
	TraceID       string `json:"trace_id"`
	Decision      string `json:"decision"`
	Action        string `json:"action"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
	Subject       string `json:"subject,omitempty"`
	Actor         string `json:"actor,omitempty"`
}

// Trail is a set of audit sinks plus per-decision counters. The package
// functions use a process-wide Trail.
type Trail struct {
	mu     sync.Mutex
	file   *os.File
	db     *sql.DB
	counts map[string]int64
}

var std = &Trail{}

func (t *Trail) open(homeDir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file != nil {
		return nil
	}
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	t.file = f
	return nil
}

func (t *Trail) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.db = nil
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

func (t *Trail) write(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts == nil {
		t.counts = make(map[string]int64)
	}
	t.counts[e.Decision]++

	if t.file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = t.file.Write(append(b, '\n'))
		}
	}
	if t.db != nil {
		_, _ = t.db.Exec(`
			INSERT INTO audit_log (trace_id, subject, actor, action, decision, reason, policy_version)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, e.TraceID, e.Subject, e.Actor, e.Action, e.Decision, e.Reason, e.PolicyVersion)
	}
}

func (t *Trail) count(decision string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[decision]
}

func (t *Trail) snapshot() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// Init opens the trail file under homeDir. Calling it again is a no-op
// until Close.
func Init(homeDir string) error { return std.open(homeDir) }

// SetDB mirrors subsequent records into the audit_log table.
func SetDB(d *sql.DB) {
	std.mu.Lock()
	std.db = d
	std.mu.Unlock()
}

func Close() error { return std.close() }

// DenyCount is the number of deny decisions since startup.
func DenyCount() int64 { return std.count(DecisionDeny) }

// Counts returns decisions recorded since startup, keyed by decision.
func Counts() map[string]int64 { return std.snapshot() }

func Record(decision, action, reason, policyVersion, subject, actor string) {
	RecordContext(context.Background(), decision, action, reason, policyVersion, subject, actor)
}

// RecordContext writes one entry, taking the trace id from ctx. Reason and
// subject are redacted.
func RecordContext(ctx context.Context, decision, action, reason, policyVersion, subject, actor string) {
	std.write(Entry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:       shared.TraceID(ctx),
		Decision:      decision,
		Action:        action,
		Reason:        shared.Redact(reason),
		PolicyVersion: policyVersion,
		Subject:       shared.Redact(subject),
		Actor:         actor,
	})
}
