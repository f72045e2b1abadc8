// Package store owns the durable task index: creation, reference
// resolution, guarded mutation, and the queue bookkeeping derived from
// branch locks. All writes are lock → load → modify → atomic-save
// cycles, safe across CLI and daemon processes concurrently.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskforge/internal/bus"
	"github.com/basket/taskforge/internal/lock"
	"github.com/basket/taskforge/internal/task"
)

// EventSink receives durable task events. Implemented by the event log;
// nil sinks are skipped.
type EventSink interface {
	Append(ctx context.Context, taskID, eventType, message string) error
}

// Options configures a Store.
type Options struct {
	Backend  Backend
	Bus      *bus.Bus     // optional; same-process fan-out
	Events   EventSink    // optional; durable event log
	Log      *slog.Logger // optional; defaults to slog.Default
	LockMode string       // config.LockModeBranch or config.LockModeRepo
}

type Store struct {
	backend  Backend
	bus      *bus.Bus
	events   EventSink
	log      *slog.Logger
	lockMode string
}

func New(opts Options) *Store {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		backend:  opts.Backend,
		bus:      opts.Bus,
		events:   opts.Events,
		log:      log,
		lockMode: opts.LockMode,
	}
}

// CreateRequest carries the caller-supplied fields for a new task.
type CreateRequest struct {
	Title        string
	Mode         task.Mode
	Branch       string
	ParentID     string
	Adapter      string
	Capabilities []string
}

// Create persists a new queued task, assigning its id and display id.
// Write tasks whose lock key is held are enqueued blocked.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*task.Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, fmt.Errorf("task title must not be empty")
	}
	mode := req.Mode
	if mode == "" {
		mode = task.ModeWrite
	}
	if mode != task.ModeRead && mode != task.ModeWrite {
		return nil, fmt.Errorf("unknown task mode %q", mode)
	}
	adapter := req.Adapter
	if adapter == "" {
		adapter = "local"
	}

	var created task.Task
	var blockedBy string
	err := s.mutate(ctx, func(doc *indexDoc) error {
		now := time.Now().UTC()
		key := lock.Key(s.lockMode, mode, req.Branch)
		created = task.Task{
			ID:           uuid.NewString(),
			DisplayID:    doc.NextDisplayID,
			Title:        title,
			Mode:         mode,
			Branch:       req.Branch,
			ParentID:     req.ParentID,
			Adapter:      adapter,
			Capabilities: req.Capabilities,
			Status:       task.StatusQueued,
			Queue:        task.Queue{LockKey: key},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if holder := lock.Holder(doc.Tasks, key); holder != nil {
			created.Queue.BlockedByTaskID = holder.ID
			blockedBy = holder.ID
		}
		doc.NextDisplayID++
		doc.Tasks = append(doc.Tasks, created)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, created.ID, bus.TopicTaskCreated, fmt.Sprintf("task %d created: %s", created.DisplayID, title), nil)
	if blockedBy != "" {
		s.emit(ctx, created.ID, bus.TopicTaskBlocked, fmt.Sprintf("blocked on %s by task %s", created.Queue.LockKey, blockedBy),
			bus.TaskQueueEvent{TaskID: created.ID, LockKey: created.Queue.LockKey, BlockedByTaskID: blockedBy})
	}
	return &created, nil
}

// List returns all tasks ordered by display id.
func (s *Store) List(ctx context.Context) ([]task.Task, error) {
	doc, err := s.backend.Load()
	if err != nil {
		return nil, err
	}
	return doc.Tasks, nil
}

// Get resolves a task by id, unambiguous prefix, or display id.
func (s *Store) Get(ctx context.Context, ref string) (*task.Task, error) {
	doc, err := s.backend.Load()
	if err != nil {
		return nil, err
	}
	return task.Resolve(doc.Tasks, ref)
}

// CountActive returns the number of tasks that are neither terminal nor
// cleaned. Used by the daemon for idle detection and safe shutdown.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	doc, err := s.backend.Load()
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range doc.Tasks {
		if doc.Tasks[i].Status.Active() {
			n++
		}
	}
	return n, nil
}

// Patch applies mutate to the task with the given canonical id under
// the index lock and persists the result atomically.
func (s *Store) Patch(ctx context.Context, id string, mutate func(*task.Task) error) (*task.Task, error) {
	var out task.Task
	err := s.mutate(ctx, func(doc *indexDoc) error {
		t := findByID(doc, id)
		if t == nil {
			return fmt.Errorf("%w: %q", task.ErrNotFound, id)
		}
		if err := mutate(t); err != nil {
			return err
		}
		t.UpdatedAt = time.Now().UTC()
		out = *t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateStatus transitions a task, enforcing the state machine and the
// terminal-state bookkeeping: finishing the active run attempt,
// clearing the active run id, and releasing the branch lock.
func (s *Store) UpdateStatus(ctx context.Context, id string, status task.Status, reason string) (*task.Task, error) {
	var out task.Task
	var oldStatus task.Status
	var unblockedID, lockKey string
	err := s.mutate(ctx, func(doc *indexDoc) error {
		t := findByID(doc, id)
		if t == nil {
			return fmt.Errorf("%w: %q", task.ErrNotFound, id)
		}
		if err := task.ValidateTransition(t.Status, status); err != nil {
			return err
		}
		oldStatus = t.Status
		now := time.Now().UTC()
		t.Status = status
		t.UpdatedAt = now
		if reason != "" {
			t.Reason = reason
		}

		switch {
		case status == task.StatusRunning && t.StartedAt == nil:
			t.StartedAt = &now
		case status.Terminal():
			t.FinishedAt = &now
			if run := t.ActiveRun(); run != nil {
				run.Status = status
				run.FinishedAt = &now
				run.Reason = reason
			}
			t.Rt.ActiveRunID = ""
			if status == task.StatusCancelled {
				t.Rt.RetainedForDebug = true
			} else {
				t.Rt.WorkerPID = 0
			}
			t.Queue.BlockedByTaskID = ""
			lockKey = t.Queue.LockKey
			unblockedID = lock.Rebalance(doc.Tasks, lockKey)
		case status == task.StatusCleaned:
			t.Rt.WorkerPID = 0
			t.Rt.ActiveRunID = ""
			t.Rt.WorktreePath = ""
			t.Rt.WorkBranch = ""
			t.Rt.RetainedForDebug = false
		}
		out = *t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, out.ID, bus.TopicTaskStateChanged, fmt.Sprintf("%s -> %s", oldStatus, status),
		bus.TaskStateChangedEvent{
			TaskID:    out.ID,
			DisplayID: out.DisplayID,
			OldStatus: string(oldStatus),
			NewStatus: string(status),
			Reason:    reason,
		})
	switch status {
	case task.StatusCompleted:
		s.emit(ctx, out.ID, bus.TopicTaskCompleted, "task completed", nil)
	case task.StatusFailed:
		s.emit(ctx, out.ID, bus.TopicTaskFailed, reason, nil)
	case task.StatusCancelled:
		s.emit(ctx, out.ID, bus.TopicTaskCancelled, reason, nil)
	}
	if unblockedID != "" {
		s.emit(ctx, unblockedID, bus.TopicTaskUnblocked, fmt.Sprintf("lock %s released by %s", lockKey, out.ID),
			bus.TaskQueueEvent{TaskID: unblockedID, LockKey: lockKey})
	}
	return &out, nil
}

// BeginRun opens a new run attempt for a task and records it as the
// active run. Used on first start and on attach-driven revival.
func (s *Store) BeginRun(ctx context.Context, id, runID string) (*task.Task, error) {
	return s.Patch(ctx, id, func(t *task.Task) error {
		now := time.Now().UTC()
		t.Rt.RunAttempt++
		t.Rt.ActiveRunID = runID
		t.Rt.Runs = append(t.Rt.Runs, task.RunAttempt{
			Attempt:   t.Rt.RunAttempt,
			RunID:     runID,
			Status:    task.StatusPreparing,
			StartedAt: now,
		})
		return nil
	})
}

func (s *Store) mutate(ctx context.Context, fn func(doc *indexDoc) error) error {
	unlock, err := s.backend.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.backend.Load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.backend.Save(doc)
}

// emit records the event durably and fans it out in-process. A nil
// payload falls back to the generic TaskEvent. Event-log failures do
// not fail the mutation that produced them, but they are logged.
func (s *Store) emit(ctx context.Context, taskID, eventType, message string, payload any) {
	if s.events != nil {
		if err := s.events.Append(ctx, taskID, eventType, message); err != nil {
			s.log.Warn("event append failed", "type", eventType, "task", taskID, "error", err)
		}
	}
	if s.bus != nil {
		if payload == nil {
			payload = bus.TaskEvent{TaskID: taskID, Message: message}
		}
		s.bus.Publish(eventType, payload)
	}
}

func findByID(doc *indexDoc, id string) *task.Task {
	for i := range doc.Tasks {
		if doc.Tasks[i].ID == id {
			return &doc.Tasks[i]
		}
	}
	return nil
}
