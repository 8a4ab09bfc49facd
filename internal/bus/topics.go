package bus

// Task lifecycle topics. Every topic under "task." carries a TaskEvent.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskLockBusy     = "task.lock_busy"
	TopicTaskReported     = "task.reported"
)

// Approval topics carry an ApprovalEvent.
const (
	TopicApprovalRequested = "approval.requested"
	TopicApprovalResolved  = "approval.resolved"
)

// TopicIntakeEvaluated carries an IntakeEvent for every inbound message.
const TopicIntakeEvaluated = "intake.evaluated"

// TaskEvent describes a change to one task.
type TaskEvent struct {
	TaskID    string
	Kind      string
	LockKey   string
	OldStatus string
	NewStatus string
	Reason    string
	// Duration is set on transitions out of running.
	DurationSeconds float64
}

// ApprovalEvent describes an approval request or decision.
type ApprovalEvent struct {
	TaskID   string
	Decision string // "pending", "approved" or "rejected"
	Actor    string
	Reason   string
}

// IntakeEvent records what the intake path did with one inbound message.
type IntakeEvent struct {
	Source    string
	ChannelID string
	MessageTS string
	Result    string // duplicate, ignored, exists, created, gated or failed
	TaskID    string
}
