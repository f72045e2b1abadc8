package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/taskforge/internal/adapter"
	"github.com/basket/taskforge/internal/apply"
	"github.com/basket/taskforge/internal/daemon"
	"github.com/basket/taskforge/internal/task"
)

// waitForDaemonExit gives a signalled daemon time to pass its next tick
// boundary before the runtime directory is removed from under it.
func waitForDaemonExit(repoRoot string, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		st, err := daemon.ReadState(repoRoot)
		if err != nil || !st.Alive() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func runApplyCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("apply", flag.ContinueOnError)
	repo := fs.String("repo", "", "repository root")
	method := fs.String("method", "", "auto, cherry-pick, bundle or patch (default from config)")
	squash := fs.Bool("squash", false, "flatten applied commits into one")
	allowDirty := fs.Bool("allow-dirty", false, "apply into a dirty working tree")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskforge apply <ref> [--method M] [--squash]")
		return 2
	}
	a, err := openApp(ctx, *repo)
	if err != nil {
		return fail(err)
	}
	defer a.close()

	t, err := a.store.Get(ctx, fs.Arg(0))
	if err != nil {
		return fail(refHint(err))
	}

	m := *method
	if m == "" {
		m = a.cfg.ApplyMethod
	}
	res, err := apply.Run(ctx, a.cfg.RepoRoot, t, apply.Options{
		Method:       m,
		Squash:       *squash,
		RequireClean: a.cfg.RequireClean() && !*allowDirty,
	})
	if err != nil {
		return fail(err)
	}
	if len(res.Commits) == 0 {
		fmt.Printf("task %d: nothing to apply\n", t.DisplayID)
		return 0
	}
	fmt.Printf("task %d applied via %s (%d commits)\n", t.DisplayID, res.Method, len(res.Commits))
	return 0
}

// runCleanupCommand stops an idle daemon, marks terminal tasks cleaned
// (removing their worktrees), and removes the runtime directory.
// Artifact directories persist until their retention window elapses.
func runCleanupCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	repo := fs.String("repo", "", "repository root")
	force := fs.Bool("force", false, "stop the daemon even with active tasks")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	a, err := openApp(ctx, *repo)
	if err != nil {
		return fail(err)
	}
	defer a.close()

	reason, err := daemon.StopTaskDaemon(ctx, a.cfg.RepoRoot, a.store, *force)
	if err != nil {
		return fail(err)
	}
	switch reason {
	case daemon.StopActiveTasks:
		return fail(fmt.Errorf("active tasks exist; wait for them or use --force"))
	case daemon.StopStopped:
		fmt.Println("daemon signalled to stop")
		waitForDaemonExit(a.cfg.RepoRoot, 5*time.Second)
	}

	tasks, err := a.store.List(ctx)
	if err != nil {
		return fail(err)
	}
	cleaned := 0
	for i := range tasks {
		t := &tasks[i]
		if !t.Status.Terminal() {
			continue
		}
		if t.Rt.WorktreePath != "" {
			res, rerr := a.registry.Resolve(t.Adapter)
			if rerr == nil {
				_ = res.Adapter.Cleanup(ctx, a.cfg.RepoRoot, &adapter.Handle{
					WorktreePath: t.Rt.WorktreePath,
					Branch:       t.Rt.WorkBranch,
				})
			}
		}
		if _, err := a.store.UpdateStatus(ctx, t.ID, task.StatusCleaned, ""); err != nil {
			fmt.Fprintf(os.Stderr, "warning: clean task %d: %v\n", t.DisplayID, err)
			continue
		}
		cleaned++
	}

	if err := daemon.CleanupTaskRuntime(a.cfg.RepoRoot); err != nil {
		return fail(err)
	}
	fmt.Printf("runtime cleared, %d tasks cleaned\n", cleaned)
	return 0
}
