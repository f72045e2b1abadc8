package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/basket/taskforge/internal/gitx"
	"github.com/basket/taskforge/internal/task"
)

// Simulation is a deterministic worker for reproducible scenarios. It
// parses directives embedded in the task title:
//
//	[sleep=N]    sleep N milliseconds
//	[fail]       fail the run after other directives
//	[edit=PATH]  append a line to PATH in the worktree and commit it
//
// A title with no directives completes with zero commit refs. The
// directives live in the title, not a separate field, so existing
// scenario transcripts keep working byte for byte.
type Simulation struct{}

var (
	sleepDirective = regexp.MustCompile(`\[sleep=(\d+)\]`)
	failDirective  = regexp.MustCompile(`\[fail\]`)
	editDirective  = regexp.MustCompile(`\[edit=([^\]]+)\]`)
)

// ErrRequestedFailure is the reason recorded when a [fail] directive
// fires.
var ErrRequestedFailure = errors.New("Task requested failure")

func (Simulation) Run(ctx context.Context, t *task.Task, env Env) (*Result, error) {
	res := &Result{Metadata: map[string]string{"worker": "simulation"}}

	if m := sleepDirective.FindStringSubmatch(t.Title); m != nil {
		ms, err := strconv.Atoi(m[1])
		if err != nil {
			return res, fmt.Errorf("bad sleep directive %q: %w", m[0], err)
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}

	for _, m := range editDirective.FindAllStringSubmatch(t.Title, -1) {
		ref, err := simEdit(ctx, env.WorktreePath, m[1], t.ID)
		if err != nil {
			return res, err
		}
		res.CommitRefs = append(res.CommitRefs, ref)
	}

	if failDirective.MatchString(t.Title) {
		return res, ErrRequestedFailure
	}

	fmt.Fprintf(env.Stdout, "simulation worker finished task %s\n", t.ID)
	return res, nil
}

// simEdit appends a line to rel inside the worktree and commits it,
// returning the new commit's hash.
func simEdit(ctx context.Context, worktree, rel, taskID string) (string, error) {
	path := filepath.Join(worktree, filepath.Clean(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("edit %s: %w", rel, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("edit %s: %w", rel, err)
	}
	if _, err := fmt.Fprintf(f, "edited by task %s at %s\n", taskID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("edit %s: %w", rel, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("edit %s: %w", rel, err)
	}

	if err := gitx.Add(ctx, worktree, rel); err != nil {
		return "", err
	}
	if err := gitx.Commit(ctx, worktree, "task edit: "+rel); err != nil {
		return "", err
	}
	return gitx.Head(ctx, worktree)
}
