// Package apply reconstructs a task's recorded changes into the
// caller's own working tree. Method "auto" walks a fallback chain of
// cherry-pick, bundle import (reserved) and 3-way patch; a conflict at
// any stage stops immediately and surfaces, never silently falling
// through to the next method.
package apply

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/taskforge/internal/artifact"
	"github.com/basket/taskforge/internal/gitx"
	"github.com/basket/taskforge/internal/task"
)

const (
	MethodAuto       = "auto"
	MethodCherryPick = "cherry-pick"
	MethodBundle     = "bundle"
	MethodPatch      = "patch"
)

// Options selects the reconstruction method.
type Options struct {
	Method       string // default auto
	Squash       bool
	RequireClean bool
}

// Result reports what apply actually did.
type Result struct {
	Method  string
	Commits []string // refs applied (cherry-pick) or the single commit created (patch/squash)
}

// Run applies the task's artifacts into repoRoot's working tree.
func Run(ctx context.Context, repoRoot string, t *task.Task, opts Options) (*Result, error) {
	method := opts.Method
	if method == "" {
		method = MethodAuto
	}
	switch method {
	case MethodAuto, MethodCherryPick, MethodBundle, MethodPatch:
	default:
		return nil, fmt.Errorf("unknown apply method %q", method)
	}

	if opts.RequireClean {
		clean, err := gitx.IsClean(ctx, repoRoot)
		if err != nil {
			return nil, fmt.Errorf("inspect target tree: %w", err)
		}
		if !clean {
			return nil, fmt.Errorf("%w: commit or stash your changes first", task.ErrDirtyWorkingTree)
		}
	}

	refs, err := artifact.ReadCommitRefs(repoRoot, t.ID)
	if err != nil {
		return nil, err
	}

	switch method {
	case MethodCherryPick:
		return cherryPick(ctx, repoRoot, t, refs, opts.Squash)
	case MethodBundle:
		return nil, fmt.Errorf("apply method bundle is reserved and not implemented")
	case MethodPatch:
		return patchApply(ctx, repoRoot, t, opts.Squash)
	}

	// auto: cherry-pick when refs exist, bundle is skipped (reserved),
	// then the patch. Only an unmet precondition moves the chain on.
	if len(refs) > 0 {
		return cherryPick(ctx, repoRoot, t, refs, opts.Squash)
	}
	return patchApply(ctx, repoRoot, t, opts.Squash)
}

func cherryPick(ctx context.Context, repoRoot string, t *task.Task, refs []string, squash bool) (*Result, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("task %d recorded no commit refs to cherry-pick", t.DisplayID)
	}
	base, err := gitx.Head(ctx, repoRoot)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if err := gitx.CherryPick(ctx, repoRoot, ref); err != nil {
			gitx.CherryPickAbort(ctx, repoRoot)
			if gitx.IsConflict(err) {
				return nil, fmt.Errorf("%w: cherry-pick %s: %v", task.ErrApplyConflict, ref, err)
			}
			return nil, fmt.Errorf("cherry-pick %s: %w", ref, err)
		}
	}
	res := &Result{Method: MethodCherryPick, Commits: refs}
	if squash {
		ref, err := squashSince(ctx, repoRoot, base, t)
		if err != nil {
			return nil, err
		}
		res.Commits = []string{ref}
	}
	return res, nil
}

func patchApply(ctx context.Context, repoRoot string, t *task.Task, squash bool) (*Result, error) {
	path := artifact.PatchPath(repoRoot, t.ID)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: no patch artifact for task %d", task.ErrNotFound, t.DisplayID)
	}
	if info.Size() == 0 {
		// The task ran without touching the tree; nothing to apply.
		return &Result{Method: MethodPatch}, nil
	}
	if err := gitx.ApplyPatch(ctx, repoRoot, path); err != nil {
		if gitx.IsConflict(err) {
			return nil, fmt.Errorf("%w: patch application: %v", task.ErrApplyConflict, err)
		}
		return nil, fmt.Errorf("apply patch: %w", err)
	}
	if err := gitx.Add(ctx, repoRoot, "."); err != nil {
		return nil, err
	}
	if err := gitx.Commit(ctx, repoRoot, applyMessage(t)); err != nil {
		return nil, err
	}
	head, err := gitx.Head(ctx, repoRoot)
	if err != nil {
		return nil, err
	}
	// The patch always lands as one commit; squash has nothing further
	// to flatten.
	_ = squash
	return &Result{Method: MethodPatch, Commits: []string{head}}, nil
}

// squashSince flattens everything applied on top of base into a single
// commit.
func squashSince(ctx context.Context, repoRoot, base string, t *task.Task) (string, error) {
	if err := gitx.ResetSoft(ctx, repoRoot, base); err != nil {
		return "", fmt.Errorf("squash: %w", err)
	}
	if err := gitx.Commit(ctx, repoRoot, applyMessage(t)); err != nil {
		return "", fmt.Errorf("squash: %w", err)
	}
	return gitx.Head(ctx, repoRoot)
}

func applyMessage(t *task.Task) string {
	return fmt.Sprintf("apply task %d: %s", t.DisplayID, t.Title)
}
