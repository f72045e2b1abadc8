// Package task defines the core task model: statuses, run attempts,
// queue and runtime metadata, and the transition rules the daemon and
// CLI both enforce.
package task

import (
	"fmt"
	"time"
)

// Mode selects the concurrency class of a task. Write tasks serialize
// per lock key; read tasks never block.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusPreparing Status = "preparing"
	StatusRunning   Status = "running"

	// Lineage-only states for parent tasks.
	StatusWaitingOnChildren Status = "waiting_on_children"
	StatusResumable         Status = "resumable"

	// Terminal states.
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"

	// Cleaned marks a terminal task whose ephemeral runtime was removed.
	StatusCleaned Status = "cleaned"

	// Attach-reachable states.
	StatusPausedForAttach Status = "paused_for_attach"
	StatusResuming        Status = "resuming"
	StatusResumeFailed    Status = "resume_failed"
)

// Terminal reports whether s is one of the four terminal statuses.
// Cleaned is post-terminal, not terminal itself.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether a task in this status counts toward the
// daemon's idle detection and safe-shutdown checks.
func (s Status) Active() bool {
	return !s.Terminal() && s != StatusCleaned
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusQueued: {
		StatusPreparing: {},
		StatusCancelled: {},
		StatusFailed:    {}, // prepare() failure before the task ever ran
	},
	StatusPreparing: {
		StatusRunning:   {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusCompleted:         {},
		StatusFailed:            {},
		StatusTimeout:           {},
		StatusCancelled:         {},
		StatusWaitingOnChildren: {},
		StatusResumable:         {},
	},
	StatusWaitingOnChildren: {
		StatusRunning:   {},
		StatusCompleted: {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusResumable: {
		StatusResuming:  {},
		StatusCancelled: {},
		StatusFailed:    {},
	},
	// Attach-driven revival is the only path out of a terminal state.
	StatusCompleted: {StatusResuming: {}, StatusCleaned: {}},
	StatusFailed:    {StatusResuming: {}, StatusCleaned: {}},
	StatusTimeout:   {StatusResuming: {}, StatusCleaned: {}},
	StatusCancelled: {StatusResuming: {}, StatusCleaned: {}},
	StatusResuming: {
		StatusRunning:         {},
		StatusPausedForAttach: {},
		StatusResumeFailed:    {},
	},
	StatusPausedForAttach: {
		StatusResuming:  {},
		StatusRunning:   {},
		StatusResumable: {}, // attach session idled out
		StatusCancelled: {},
		StatusFailed:    {},
	},
	StatusResumeFailed: {
		StatusResuming: {},
		StatusCleaned:  {},
	},
}

// ValidateTransition rejects status changes outside the state machine.
func ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if next, ok := allowedTransitions[from]; ok {
		if _, ok := next[to]; ok {
			return nil
		}
	}
	return fmt.Errorf("invalid status transition %s -> %s", from, to)
}

// RunAttempt is one execution of a task. Immutable once finished except
// for the terminal status/reason write.
type RunAttempt struct {
	Attempt    int        `json:"attempt"`
	RunID      string     `json:"runId"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// Queue holds branch-lock bookkeeping for a queued task.
type Queue struct {
	LockKey         string `json:"lockKey,omitempty"`
	BlockedByTaskID string `json:"blockedByTaskId,omitempty"`
}

// Attach holds operator-attach metadata.
type Attach struct {
	State  string     `json:"state,omitempty"` // e.g. "revived", "handoff_ready"
	Client string     `json:"client,omitempty"`
	At     *time.Time `json:"at,omitempty"` // last attach state change
}

// Runtime holds per-run ephemeral state that survives in the index so
// crashed runs can be probed and revived.
type Runtime struct {
	WorkerPID         int          `json:"workerPid,omitempty"`
	RunAttempt        int          `json:"runAttempt"`
	ActiveRunID       string       `json:"activeRunId,omitempty"`
	Runs              []RunAttempt `json:"runs,omitempty"`
	Checkpoint        string       `json:"checkpoint,omitempty"`
	CheckpointHistory []string     `json:"checkpointHistory,omitempty"`
	WorktreePath      string       `json:"worktreePath,omitempty"`
	WorkBranch        string       `json:"workBranch,omitempty"`
	RetainedForDebug  bool         `json:"retainedForDebug,omitempty"`
}

// Task is a background unit of work against a repository.
type Task struct {
	ID        string `json:"id"`
	DisplayID int    `json:"displayId"`
	Title     string `json:"title"`
	Mode      Mode   `json:"mode"`
	Branch    string `json:"branch,omitempty"`
	ParentID  string `json:"parentId,omitempty"`

	Adapter      string   `json:"adapter"`
	Capabilities []string `json:"capabilities,omitempty"`

	Status Status  `json:"status"`
	Reason string  `json:"reason,omitempty"`
	Queue  Queue   `json:"queue"`
	Attach Attach  `json:"attach"`
	Rt     Runtime `json:"runtime"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// ActiveRun returns the run attempt matching Rt.ActiveRunID, or nil.
func (t *Task) ActiveRun() *RunAttempt {
	if t.Rt.ActiveRunID == "" {
		return nil
	}
	for i := range t.Rt.Runs {
		if t.Rt.Runs[i].RunID == t.Rt.ActiveRunID {
			return &t.Rt.Runs[i]
		}
	}
	return nil
}

// Blocked reports whether the task is queued behind another task's lock.
func (t *Task) Blocked() bool {
	return t.Status == StatusQueued && t.Queue.BlockedByTaskID != ""
}
