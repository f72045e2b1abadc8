package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskforge/internal/adapter"
	"github.com/basket/taskforge/internal/bus"
	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/procutil"
	"github.com/basket/taskforge/internal/store"
	"github.com/basket/taskforge/internal/task"
)

// Reviver drives attach/resume/checkpoint against a repository. It runs
// in whichever process the operator invoked; all state it touches goes
// through the flock-guarded store, so it coexists with a live daemon.
type Reviver struct {
	Config   config.Config
	Store    *store.Store
	Events   store.EventSink // optional
	Bus      *bus.Bus        // optional
	Registry *adapter.Registry
	Log      *slog.Logger
}

func (r *Reviver) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

func (r *Reviver) emit(ctx context.Context, taskID, topic, message string, payload any) {
	if r.Events != nil {
		if err := r.Events.Append(ctx, taskID, topic, message); err != nil {
			r.logger().Warn("event append failed", "topic", topic, "error", err)
		}
	}
	if r.Bus != nil {
		r.Bus.Publish(topic, payload)
	}
}

// Attach revives a terminal or crashed task into a new run attempt, or
// hands off a live one. Revival emits revive_started, revive_succeeded
// and handoff_ready in that order.
func (r *Reviver) Attach(ctx context.Context, ref string) (*task.Task, error) {
	if !r.Config.Attach.Enabled {
		return nil, fmt.Errorf("attach is disabled in config")
	}
	t, err := r.Store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	// A live worker still servicing the task means handoff, not revival.
	if t.Status == task.StatusRunning && procutil.Alive(t.Rt.WorkerPID) {
		return r.handoffLive(ctx, t)
	}
	return r.revive(ctx, t, true)
}

func (r *Reviver) handoffLive(ctx context.Context, t *task.Task) (*task.Task, error) {
	res, err := r.Registry.Resolve(t.Adapter)
	if err != nil {
		return nil, err
	}
	a := res.Adapter
	if !a.Caps().AttachHandoff {
		return nil, adapter.NotSupported(a.ID(), "attachHandoff")
	}
	h := handleFor(t)
	ho, err := a.RequestHandoff(ctx, h)
	if err != nil {
		return nil, err
	}
	ac, err := a.AttachContext(ctx, h)
	if err != nil {
		return nil, err
	}
	out, err := r.Store.Patch(ctx, t.ID, func(tk *task.Task) error {
		now := time.Now().UTC()
		tk.Attach.State = "handoff_ready"
		tk.Attach.At = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.emit(ctx, t.ID, bus.TopicAttachHandoffReady,
		fmt.Sprintf("handoff ready at %s boundary (restore: %s)", ho.Boundary, ac.RestoreStrategy),
		bus.AttachEvent{TaskID: t.ID, RunID: t.Rt.ActiveRunID, RunAttempt: t.Rt.RunAttempt, Boundary: ho.Boundary})
	return out, nil
}

// revive starts a new run attempt for a task with no live worker.
func (r *Reviver) revive(ctx context.Context, t *task.Task, attach bool) (*task.Task, error) {
	if procutil.Alive(t.Rt.WorkerPID) && t.Status.Active() {
		return nil, fmt.Errorf("task %d still has a live worker (pid %d)", t.DisplayID, t.Rt.WorkerPID)
	}
	// A still-running record with a dead worker means the daemon died
	// before it could observe the orphan. Take the same demotion a tick
	// would so the state machine sees resumable -> resuming.
	if t.Status == task.StatusRunning {
		reason := fmt.Sprintf("worker pid %d died without reporting; revived via attach", t.Rt.WorkerPID)
		if _, err := r.Store.UpdateStatus(ctx, t.ID, task.StatusResumable, reason); err != nil {
			return nil, err
		}
	}
	if _, err := r.Store.UpdateStatus(ctx, t.ID, task.StatusResuming, ""); err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	t, err := r.Store.BeginRun(ctx, t.ID, runID)
	if err != nil {
		return nil, err
	}
	r.emit(ctx, t.ID, bus.TopicAttachReviveStarted,
		fmt.Sprintf("revival started, run attempt %d", t.Rt.RunAttempt),
		bus.AttachEvent{TaskID: t.ID, RunID: runID, RunAttempt: t.Rt.RunAttempt})

	handle, err := r.startRevivedRun(ctx, t, runID)
	if err != nil {
		if _, serr := r.Store.UpdateStatus(ctx, t.ID, task.StatusResumeFailed, err.Error()); serr != nil {
			r.logger().Error("mark resume_failed", "task", t.DisplayID, "error", serr)
		}
		return nil, err
	}

	out, err := r.Store.Patch(ctx, t.ID, func(tk *task.Task) error {
		tk.Rt.WorkerPID = handle.WorkerPID
		tk.Rt.WorktreePath = handle.WorktreePath
		tk.Rt.WorkBranch = handle.Branch
		if attach {
			now := time.Now().UTC()
			tk.Attach.State = "revived"
			tk.Attach.At = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.emit(ctx, t.ID, bus.TopicAttachReviveSucceeded,
		fmt.Sprintf("revival succeeded, worker pid %d", handle.WorkerPID),
		bus.AttachEvent{TaskID: t.ID, RunID: runID, RunAttempt: out.Rt.RunAttempt})

	if attach {
		r.emit(ctx, t.ID, bus.TopicAttachHandoffReady, "handoff ready at immediate boundary",
			bus.AttachEvent{TaskID: t.ID, RunID: runID, RunAttempt: out.Rt.RunAttempt, Boundary: "immediate"})
	}
	return out, nil
}

// startRevivedRun restores from the recorded checkpoint when the
// adapter can, otherwise prepares a fresh worktree.
func (r *Reviver) startRevivedRun(ctx context.Context, t *task.Task, runID string) (*adapter.Handle, error) {
	res, err := r.Registry.Resolve(t.Adapter)
	if err != nil {
		return nil, err
	}
	a := res.Adapter

	if t.Rt.Checkpoint != "" && a.Caps().Restore {
		return a.Restore(ctx, r.Config.RepoRoot, t, t.Rt.Checkpoint)
	}
	prep, err := a.Prepare(ctx, r.Config.RepoRoot, t, runID)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	return a.Start(ctx, r.Config.RepoRoot, t, prep)
}

// Resume restarts a resumable task. On a terminal task it is a
// guaranteed no-op that returns guidance instead of new work.
func (r *Reviver) Resume(ctx context.Context, ref string) (*task.Task, string, error) {
	t, err := r.Store.Get(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	if t.Status.Terminal() || t.Status == task.StatusCleaned {
		guidance := fmt.Sprintf("task %d is %s; resume does nothing for finished work - use `attach %d` to revive it",
			t.DisplayID, t.Status, t.DisplayID)
		return t, guidance, nil
	}
	switch t.Status {
	case task.StatusResumable, task.StatusResumeFailed, task.StatusPausedForAttach:
		out, err := r.revive(ctx, t, false)
		return out, "", err
	default:
		return nil, "", fmt.Errorf("task %d is %s and cannot be resumed", t.DisplayID, t.Status)
	}
}

// Checkpoint asks the task's adapter for an opaque position reference
// and records it on the task.
func (r *Reviver) Checkpoint(ctx context.Context, ref string) (string, error) {
	t, err := r.Store.Get(ctx, ref)
	if err != nil {
		return "", err
	}
	res, err := r.Registry.Resolve(t.Adapter)
	if err != nil {
		return "", err
	}
	a := res.Adapter
	if !a.Caps().Checkpoint {
		return "", adapter.NotSupported(a.ID(), "checkpoint")
	}
	cp, err := a.Checkpoint(ctx, handleFor(t))
	if err != nil {
		return "", err
	}
	if _, err := r.Store.Patch(ctx, t.ID, func(tk *task.Task) error {
		tk.Rt.Checkpoint = cp
		tk.Rt.CheckpointHistory = append(tk.Rt.CheckpointHistory, cp)
		return nil
	}); err != nil {
		return "", err
	}
	return cp, nil
}

// Cancel signals the worker and immediately marks the task cancelled,
// best-effort, without waiting for process exit.
func (r *Reviver) Cancel(ctx context.Context, ref string) (*task.Task, error) {
	t, err := r.Store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !t.Status.Active() {
		return nil, fmt.Errorf("task %d is already %s", t.DisplayID, t.Status)
	}
	if t.Rt.WorkerPID > 0 {
		_ = procutil.Terminate(t.Rt.WorkerPID)
	}
	return r.Store.UpdateStatus(ctx, t.ID, task.StatusCancelled, "cancelled by operator")
}

func handleFor(t *task.Task) *adapter.Handle {
	return &adapter.Handle{
		TaskID:       t.ID,
		RunID:        t.Rt.ActiveRunID,
		WorktreePath: t.Rt.WorktreePath,
		Branch:       t.Rt.WorkBranch,
		WorkerPID:    t.Rt.WorkerPID,
	}
}
