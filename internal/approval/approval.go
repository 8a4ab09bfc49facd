// Package approval gates risky tasks behind an external approve/reject
// signal. Approval rows and task transitions are owned by the store; this
// package decides when to gate, asks a Notifier to post the request and
// applies incoming signals.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/threadclaw/internal/audit"
	"github.com/basket/threadclaw/internal/bus"
	"github.com/basket/threadclaw/internal/persistence"
	"github.com/basket/threadclaw/internal/policy"
)

// Approval modes.
const (
	ModeOff      = "off"
	ModeReaction = "reaction"
)

type Config struct {
	Mode            string
	ApproveReaction string
	RejectReaction  string
}

// Notifier posts an approval request somewhere a human can answer it and
// returns a reference to the posted request.
type Notifier interface {
	RequestApproval(ctx context.Context, task persistence.Task, plan string) (string, error)
}

// Signal is an external approve/reject decision. Ref may be a task id, the
// originating message reference or the approval request reference.
type Signal struct {
	Ref      string
	Decision persistence.ApprovalStatus
	Actor    string
}

type Result struct {
	Applied  bool
	TaskID   string
	Decision persistence.ApprovalStatus
	// Task is the task after the decision was applied, nil when not applied.
	Task *persistence.Task
}

type Machine struct {
	cfg      Config
	store    *persistence.Store
	notifier Notifier
	policy   policy.Checker
	logger   *slog.Logger
	bus      *bus.Bus
	wake     func()
}

func NewMachine(cfg Config, store *persistence.Store, notifier Notifier, checker policy.Checker, logger *slog.Logger, b *bus.Bus) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeOff
	}
	if checker == nil {
		checker = policy.Default()
	}
	return &Machine{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		policy:   checker,
		logger:   logger,
		bus:      b,
	}
}

// SetWaker registers the callback run after a task becomes pending.
func (m *Machine) SetWaker(wake func()) {
	m.wake = wake
}

func (m *Machine) Enabled() bool {
	return m.cfg.Mode == ModeReaction
}

// Gate reports whether spec must wait for approval and why. Tasks that
// pass because every shell program is allowlisted are audited.
func (m *Machine) Gate(ctx context.Context, spec persistence.TaskSpec) (bool, string) {
	if !m.Enabled() || spec.Kind == persistence.KindNoop {
		return false, ""
	}
	required, reason := m.policy.RequiresApproval(string(spec.Kind), spec.Payload)
	if required {
		return true, reason
	}
	if spec.Kind == persistence.KindShell {
		audit.RecordContext(ctx, audit.DecisionAllow, "task.gate", "shell allowlist", m.policy.PolicyVersion(), spec.ID, spec.UserID)
	}
	return false, ""
}

// Submit asks the notifier to post the approval request for a task stored
// as waiting_approval. The approval row normally exists already; it is
// inserted if missing. A notifier failure fails the task.
func (m *Machine) Submit(ctx context.Context, task persistence.Task, reason string) error {
	sourceRef := persistence.ApprovalSourceRef(task.ChannelID, task.MessageTS)
	if err := m.store.InsertApproval(ctx, task.ID, sourceRef, reason); err != nil {
		return fmt.Errorf("submit approval: %w", err)
	}
	audit.RecordContext(ctx, audit.DecisionGate, "task.approval_requested", reason, m.policy.PolicyVersion(), task.ID, task.UserID)

	plan := PlanText(m.cfg, task, reason)
	if m.notifier == nil {
		return m.failRequest(ctx, task, errors.New("no approval notifier configured"))
	}
	ref, err := m.notifier.RequestApproval(ctx, task, plan)
	if err != nil {
		return m.failRequest(ctx, task, err)
	}
	if ref != "" {
		if err := m.store.SetApprovalRequestRef(ctx, task.ID, ref); err != nil {
			return fmt.Errorf("store approval request ref: %w", err)
		}
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicApprovalRequested, bus.ApprovalEvent{
			TaskID:   task.ID,
			Decision: string(persistence.ApprovalPending),
			Reason:   reason,
		})
	}
	m.logger.Info("task waiting approval", "event", "task_waiting_approval", "task_id", task.ID, "request_ref", ref, "reason", reason)
	return nil
}

// ErrRequestFailed wraps a notifier failure after the task was failed.
var ErrRequestFailed = errors.New("approval request failed")

func (m *Machine) failRequest(ctx context.Context, task persistence.Task, cause error) error {
	reason := "failed to request approval: " + cause.Error()
	if _, err := m.store.FailApproval(ctx, task.ID, reason); err != nil {
		return fmt.Errorf("fail approval: %w", err)
	}
	m.logger.Warn("approval request failed", "event", "approval_request_failed", "task_id", task.ID, "error", cause)
	return fmt.Errorf("%w: %v", ErrRequestFailed, cause)
}

// Resolve applies an external signal. Unknown references and approvals
// that were already decided are no-ops.
func (m *Machine) Resolve(ctx context.Context, sig Signal) (Result, error) {
	res := Result{Decision: sig.Decision}
	if sig.Decision != persistence.ApprovalApproved && sig.Decision != persistence.ApprovalRejected {
		return res, fmt.Errorf("invalid approval decision %q", sig.Decision)
	}
	appr, err := m.store.FindApproval(ctx, strings.TrimSpace(sig.Ref))
	if errors.Is(err, persistence.ErrNotFound) {
		m.logger.Debug("approval signal for unknown reference", "ref", sig.Ref)
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.TaskID = appr.TaskID
	if appr.Status != persistence.ApprovalPending {
		m.logger.Debug("approval already decided", "task_id", appr.TaskID, "status", appr.Status)
		return res, nil
	}

	applied, err := m.store.ResolveApproval(ctx, appr.TaskID, sig.Decision, sig.Actor)
	if err != nil {
		return res, fmt.Errorf("resolve approval: %w", err)
	}
	if !applied {
		return res, nil
	}
	res.Applied = true

	decision := audit.DecisionApprove
	if sig.Decision == persistence.ApprovalRejected {
		decision = audit.DecisionReject
	}
	audit.RecordContext(ctx, decision, "task.approval_resolved", string(sig.Decision), m.policy.PolicyVersion(), appr.TaskID, sig.Actor)

	task, err := m.store.GetTask(ctx, appr.TaskID)
	if err != nil {
		return res, fmt.Errorf("load resolved task: %w", err)
	}
	res.Task = task

	if sig.Decision == persistence.ApprovalApproved {
		m.logger.Info("task approved", "event", "task_approved", "task_id", appr.TaskID, "actor", sig.Actor)
		if m.wake != nil {
			m.wake()
		}
	} else {
		m.logger.Info("task rejected", "event", "task_rejected", "task_id", appr.TaskID, "actor", sig.Actor)
	}
	return res, nil
}

// ParseReaction maps a reaction name such as ":x:" to a decision.
func ParseReaction(name string, cfg Config) (persistence.ApprovalStatus, bool) {
	n := NormalizeReaction(name)
	if n == "" {
		return "", false
	}
	switch n {
	case NormalizeReaction(cfg.ApproveReaction):
		return persistence.ApprovalApproved, true
	case NormalizeReaction(cfg.RejectReaction):
		return persistence.ApprovalRejected, true
	}
	return "", false
}

func NormalizeReaction(name string) string {
	return strings.Trim(strings.TrimSpace(name), ":")
}

// PlanText renders the approval request posted to the chat.
func PlanText(cfg Config, task persistence.Task, reason string) string {
	lines := []string{
		fmt.Sprintf("threadclaw plan for task `%s`", task.ID),
		fmt.Sprintf("command: `%s`", task.CommandText),
		fmt.Sprintf("lock: `%s`", task.LockKey),
	}
	if reason != "" {
		lines = append(lines, "reason: "+reason)
	}
	if n := len(task.AttachmentPaths); n > 0 {
		lines = append(lines, fmt.Sprintf("images: %d downloaded attachment(s)", n))
	}
	lines = append(lines, fmt.Sprintf("React with :%s: to run or :%s: to cancel.",
		NormalizeReaction(cfg.ApproveReaction), NormalizeReaction(cfg.RejectReaction)))
	return strings.Join(lines, "\n")
}
