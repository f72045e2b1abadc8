// Package worker implements the process-level worker contract: given a
// task and an isolated worktree, execute the task's intent and report
// commit refs plus metadata. Failure is an error return, converted into
// a failed status transition with the message preserved verbatim.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/taskforge/internal/artifact"
	"github.com/basket/taskforge/internal/gitx"
	"github.com/basket/taskforge/internal/store"
	"github.com/basket/taskforge/internal/task"
)

// Env is the execution environment handed to a worker: the repository
// under orchestration, the isolated worktree, and the log sinks.
type Env struct {
	RepoRoot     string
	WorktreePath string
	Stdout       io.Writer
	Stderr       io.Writer
}

// Result is what a worker hands back on success.
type Result struct {
	CommitRefs []string
	Metadata   map[string]string
	Summary    string
}

// Worker executes one run attempt inside an already-prepared worktree.
type Worker interface {
	Run(ctx context.Context, t *task.Task, env Env) (*Result, error)
}

// Deps wires Execute to its collaborators.
type Deps struct {
	Store    *store.Store
	RepoRoot string
	Worker   Worker
}

// Execute drives one run attempt end to end from inside the worker
// subprocess: it transitions the task to running, runs the worker,
// persists artifacts before anything tears the worktree down, and
// writes the terminal status. The daemon only liveness-polls the pid;
// every state it observes afterward was written here.
func Execute(ctx context.Context, deps Deps, taskID, worktreePath string) error {
	t, err := deps.Store.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	env := Env{
		RepoRoot:     deps.RepoRoot,
		WorktreePath: worktreePath,
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
	}

	startRef, refErr := gitx.Head(ctx, worktreePath)
	startedAt := time.Now().UTC()

	if _, err := deps.Store.UpdateStatus(ctx, t.ID, task.StatusRunning, ""); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	res, runErr := deps.Worker.Run(ctx, t, env)
	if res == nil {
		res = &Result{}
	}

	bundle := artifact.Bundle{
		CommitRefs: res.CommitRefs,
		Summary:    res.Summary,
		Metadata: artifact.Metadata{
			TaskID:     t.ID,
			RunID:      t.Rt.ActiveRunID,
			Adapter:    t.Adapter,
			Branch:     t.Rt.WorkBranch,
			StartRef:   startRef,
			StartedAt:  startedAt,
			FinishedAt: time.Now().UTC(),
			Extra:      res.Metadata,
		},
	}
	if refErr == nil {
		if endRef, err := gitx.Head(ctx, worktreePath); err == nil {
			bundle.Metadata.EndRef = endRef
		}
		if patch, err := gitx.Diff(ctx, worktreePath, startRef); err == nil {
			bundle.Patch = patch
		}
	}
	if runErr != nil {
		bundle.Metadata.Status = string(task.StatusFailed)
		bundle.Metadata.Reason = runErr.Error()
	} else {
		bundle.Metadata.Status = string(task.StatusCompleted)
	}
	if err := artifact.Write(deps.RepoRoot, t.ID, bundle); err != nil {
		// Artifact persistence failing must not mask the run outcome,
		// but it does taint a success.
		if runErr == nil {
			runErr = fmt.Errorf("persist artifacts: %w", err)
		}
	}

	if runErr != nil {
		reason := fmt.Errorf("%w: %s", task.ErrWorkerFailure, runErr.Error())
		if _, err := deps.Store.UpdateStatus(ctx, t.ID, task.StatusFailed, runErr.Error()); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return reason
	}
	if _, err := deps.Store.UpdateStatus(ctx, t.ID, task.StatusCompleted, ""); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}
