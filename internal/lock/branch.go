// Package lock derives branch-lock state from the task index. Locks are
// never persisted separately: the holder of a key is computable from the
// set of non-terminal write tasks at any time.
package lock

import (
	"sort"

	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/task"
)

// Key computes the lock key for a task. Read tasks never take a key.
// Lock mode "repo" collapses all write tasks onto one global key.
func Key(lockMode string, mode task.Mode, branch string) string {
	if mode != task.ModeWrite {
		return ""
	}
	if lockMode == config.LockModeRepo {
		return "repo"
	}
	if branch == "" {
		branch = "@default"
	}
	return "branch:" + branch
}

// Holder returns the task currently holding the given key: the earliest
// created active write task on the key that is not itself blocked.
func Holder(tasks []task.Task, key string) *task.Task {
	if key == "" {
		return nil
	}
	var holder *task.Task
	for i := range tasks {
		t := &tasks[i]
		if t.Queue.LockKey != key || !t.Status.Active() || t.Blocked() {
			continue
		}
		if holder == nil || t.CreatedAt.Before(holder.CreatedAt) {
			holder = t
		}
	}
	return holder
}

// Rebalance recomputes blocking for a key after its holder changed.
// The earliest-queued blocked task is unblocked and becomes the new
// holder; remaining blocked tasks are repointed at it. Returns the id
// of the unblocked task, or "".
func Rebalance(tasks []task.Task, key string) string {
	if key == "" {
		return ""
	}
	if h := Holder(tasks, key); h != nil {
		// A live holder remains; ensure blocked tasks point at it.
		for i := range tasks {
			t := &tasks[i]
			if t.Queue.LockKey == key && t.Blocked() {
				t.Queue.BlockedByTaskID = h.ID
			}
		}
		return ""
	}

	var blocked []*task.Task
	for i := range tasks {
		t := &tasks[i]
		if t.Queue.LockKey == key && t.Blocked() {
			blocked = append(blocked, t)
		}
	}
	if len(blocked) == 0 {
		return ""
	}
	sort.Slice(blocked, func(i, j int) bool {
		return blocked[i].CreatedAt.Before(blocked[j].CreatedAt)
	})

	next := blocked[0]
	next.Queue.BlockedByTaskID = ""
	for _, t := range blocked[1:] {
		t.Queue.BlockedByTaskID = next.ID
	}
	return next.ID
}
