package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/taskforge/internal/artifact"
	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/store"
	"github.com/basket/taskforge/internal/task"
)

func runLogsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	repo := fs.String("repo", "", "repository root")
	follow := fs.Bool("follow", false, "keep tailing until the task finishes")
	stderrLog := fs.Bool("stderr", false, "show the stderr log instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskforge logs <ref> [--follow]")
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

	name := "stdout.log"
	if *stderrLog {
		name = "stderr.log"
	}
	path := filepath.Join(config.TaskDir(a.cfg.RepoRoot, t.ID), name)

	if !*follow {
		if err := catFile(path); err != nil {
			return fail(err)
		}
		return 0
	}
	if err := tailFile(ctx, a, t.ID, path); err != nil {
		return fail(err)
	}
	return 0
}

func catFile(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("no log output yet")
	}
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(os.Stdout, f)
	return err
}

// tailFile streams the log until the task reaches a terminal status and
// the file stops growing. File change notifications shorten the poll
// interval; polling remains the fallback.
func tailFile(ctx context.Context, a *app, taskID, path string) error {
	w := store.NewWatcher(path, nil)
	if err := w.Start(ctx); err != nil {
		// Notification is best-effort; polling still works.
		w = nil
	}

	var offset int64
	for {
		n, err := copyFrom(path, offset)
		if err != nil {
			return err
		}
		offset += n

		t, err := a.store.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if n == 0 && (t.Status.Terminal() || t.Status == task.StatusCleaned) {
			return nil
		}

		if w != nil {
			w.WaitForChange(ctx, 500*time.Millisecond)
		} else {
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func copyFrom(path string, offset int64) (int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	return io.Copy(os.Stdout, f)
}

func runArtifactsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("artifacts", flag.ContinueOnError)
	repo := fs.String("repo", "", "repository root")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskforge artifacts <ref>")
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
	names, err := artifact.List(a.cfg.RepoRoot, t.ID)
	if err != nil {
		return fail(err)
	}
	dir := config.TaskDir(a.cfg.RepoRoot, t.ID)
	fmt.Printf("artifacts for task %d (%s):\n", t.DisplayID, dir)
	for _, name := range names {
		fmt.Printf("  %s\n", name)
	}
	return 0
}
