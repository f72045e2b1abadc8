package bus

// Task lifecycle topics. These mirror the event types persisted to the
// event log; the bus copy only serves same-process followers.
const (
	// TopicTaskPrefix matches every task lifecycle topic below.
	TopicTaskPrefix = "task."

	TopicTaskCreated      = "task.created"
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskBlocked      = "task.blocked"
	TopicTaskUnblocked    = "task.unblocked"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskCancelled    = "task.cancelled"

	// Attach revival event topics, emitted in this order during revival.
	TopicAttachReviveStarted   = "task.attach.revive_started"
	TopicAttachReviveSucceeded = "task.attach.revive_succeeded"
	TopicAttachHandoffReady    = "task.attach.handoff_ready"

	// Daemon lifecycle topics.
	TopicDaemonStarted  = "daemon.started"
	TopicDaemonStopping = "daemon.stopping"
	TopicDaemonTick     = "daemon.tick"
)

// TaskEvent is the generic bus payload mirroring a persisted event.
type TaskEvent struct {
	TaskID  string
	Message string
}

// TaskStateChangedEvent is published when a task's status changes.
type TaskStateChangedEvent struct {
	TaskID    string
	DisplayID int
	OldStatus string
	NewStatus string
	Reason    string
}

// TaskQueueEvent is published when branch-lock blocking changes.
type TaskQueueEvent struct {
	TaskID          string
	LockKey         string
	BlockedByTaskID string
}

// AttachEvent is published during attach-driven revival.
type AttachEvent struct {
	TaskID     string
	RunID      string
	RunAttempt int
	Boundary   string
}
