package adapter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/gitx"
	"github.com/basket/taskforge/internal/procutil"
	"github.com/basket/taskforge/internal/task"
)

// Local runs each task as a detached worker subprocess inside an
// isolated git worktree. The worktree branch is derived from the task
// and run ids, so concurrent tasks never collide even when they target
// the same logical branch.
type Local struct {
	exe string // worker binary; defaults to the running executable
}

// NewLocal creates the local adapter. exe may be empty, in which case
// the current executable is re-invoked as the worker.
func NewLocal(exe string) *Local {
	return &Local{exe: exe}
}

func (l *Local) ID() string { return "local" }

func (l *Local) Caps() Capabilities {
	return Capabilities{
		Checkpoint:    true,
		Restore:       true,
		AttachHandoff: true,
		Transcript:    true,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (l *Local) worktreeFor(repoRoot, taskID, runID string) (path, branch string) {
	name := shortID(taskID) + "-" + shortID(runID)
	return filepath.Join(config.WorktreesDir(repoRoot), name), "task/" + name
}

// Prepare creates the isolated worktree for one run, forked from the
// task's target branch when it exists, otherwise from HEAD.
func (l *Local) Prepare(ctx context.Context, repoRoot string, t *task.Task, runID string) (*Prepared, error) {
	path, branch := l.worktreeFor(repoRoot, t.ID, runID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create worktrees dir: %w", err)
	}

	startPoint := "HEAD"
	if t.Branch != "" {
		if _, err := gitx.Run(ctx, repoRoot, "rev-parse", "--verify", "--quiet", t.Branch); err == nil {
			startPoint = t.Branch
		}
	}
	if err := gitx.WorktreeAdd(ctx, repoRoot, path, branch, startPoint); err != nil {
		return nil, fmt.Errorf("prepare worktree: %w", err)
	}
	return &Prepared{
		TaskID:       t.ID,
		RunID:        runID,
		WorktreePath: path,
		Branch:       branch,
	}, nil
}

// Start launches the worker subprocess fully detached. It never waits:
// the worker reports its own status transitions into the task store,
// and the daemon only liveness-polls the returned pid.
func (l *Local) Start(ctx context.Context, repoRoot string, t *task.Task, prep *Prepared) (*Handle, error) {
	exe := l.exe
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker executable: %w", err)
		}
		exe = self
	}

	taskDir := config.TaskDir(repoRoot, t.ID)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	stdout, err := os.OpenFile(filepath.Join(taskDir, "stdout.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open stdout sink: %w", err)
	}
	stderr, err := os.OpenFile(filepath.Join(taskDir, "stderr.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("open stderr sink: %w", err)
	}
	defer func() {
		_ = stdout.Close()
		_ = stderr.Close()
	}()

	cmd := exec.Command(exe, "worker",
		"--task-id", t.ID,
		"--repo", repoRoot,
		"--worktree", prep.WorktreePath,
	)
	cmd.Env = append(os.Environ(), "TASKFORGE_RUN_ID="+prep.RunID)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	pid := cmd.Process.Pid
	// Detach: the daemon must never synchronously wait on a worker.
	_ = cmd.Process.Release()

	return &Handle{
		TaskID:       t.ID,
		RunID:        prep.RunID,
		WorktreePath: prep.WorktreePath,
		Branch:       prep.Branch,
		WorkerPID:    pid,
	}, nil
}

// Status is a liveness probe only; exit codes travel through the store.
func (l *Local) Status(_ context.Context, h *Handle) (RunState, error) {
	if procutil.Alive(h.WorkerPID) {
		return RunStateRunning, nil
	}
	return RunStateExited, nil
}

// Cancel delivers SIGTERM, best-effort. It does not wait for exit.
func (l *Local) Cancel(_ context.Context, h *Handle) error {
	return procutil.Terminate(h.WorkerPID)
}

// Cleanup removes the run's worktree and branch, tolerating state that
// is already gone. Must be idempotent.
func (l *Local) Cleanup(ctx context.Context, repoRoot string, h *Handle) error {
	if h.WorktreePath != "" {
		if err := gitx.WorktreeRemove(ctx, repoRoot, h.WorktreePath); err != nil {
			return fmt.Errorf("remove worktree: %w", err)
		}
	}
	if h.Branch != "" {
		if err := gitx.BranchDelete(ctx, repoRoot, h.Branch); err != nil {
			return fmt.Errorf("delete branch: %w", err)
		}
	}
	return nil
}

// RequestHandoff reports the "immediate" boundary: local revival never
// waits for a natural pause point.
func (l *Local) RequestHandoff(_ context.Context, h *Handle) (*Handoff, error) {
	return &Handoff{Boundary: "immediate", SessionHandle: h.RunID}, nil
}

// AttachContext reports the fallback_summary strategy; the local
// adapter persists no rich session state to restore from.
func (l *Local) AttachContext(_ context.Context, h *Handle) (*AttachContext, error) {
	return &AttachContext{SessionHandle: h.RunID, RestoreStrategy: "fallback_summary"}, nil
}

// ResumeFromAttach is satisfied by Start on a fresh run; the local
// adapter has no paused session to poke.
func (l *Local) ResumeFromAttach(_ context.Context, _ *Handle) error {
	return nil
}

// Checkpoint records the worktree's current HEAD as an adapter-opaque
// reference.
func (l *Local) Checkpoint(ctx context.Context, h *Handle) (string, error) {
	if h.WorktreePath == "" {
		return "", fmt.Errorf("checkpoint: run has no worktree")
	}
	head, err := gitx.Head(ctx, h.WorktreePath)
	if err != nil {
		return "", fmt.Errorf("checkpoint: %w", err)
	}
	return "git:" + head, nil
}

// Restore prepares a fresh worktree continuing from a checkpoint and
// starts a new worker in it.
func (l *Local) Restore(ctx context.Context, repoRoot string, t *task.Task, checkpoint string) (*Handle, error) {
	ref, ok := strings.CutPrefix(checkpoint, "git:")
	if !ok {
		return nil, fmt.Errorf("restore: unrecognized checkpoint %q", checkpoint)
	}
	runID := uuid.NewString()
	path, branch := l.worktreeFor(repoRoot, t.ID, runID)
	if err := gitx.WorktreeAdd(ctx, repoRoot, path, branch, ref); err != nil {
		return nil, fmt.Errorf("restore worktree: %w", err)
	}
	return l.Start(ctx, repoRoot, t, &Prepared{
		TaskID:       t.ID,
		RunID:        runID,
		WorktreePath: path,
		Branch:       branch,
	})
}
