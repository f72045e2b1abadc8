// Package gitx wraps the git plumbing the orchestrator needs: worktree
// isolation, history inspection, patch generation, and change
// reconstruction. Everything shells out to the git binary; no libgit.
package gitx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitError carries the command and stderr of a failed git invocation.
type GitError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Stderr))
}

// Run executes git with the given args in dir and returns trimmed stdout.
func Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		code := -1
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		}
		return "", &GitError{Args: args, ExitCode: code, Stderr: stderr.String()}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(ctx context.Context, dir string) bool {
	out, err := Run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Head returns the commit hash at HEAD.
func Head(ctx context.Context, dir string) (string, error) {
	return Run(ctx, dir, "rev-parse", "HEAD")
}

// CurrentBranch returns the checked-out branch name, or "HEAD" when
// detached.
func CurrentBranch(ctx context.Context, dir string) (string, error) {
	return Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// IsClean reports whether the working tree has no uncommitted changes.
func IsClean(ctx context.Context, dir string) (bool, error) {
	out, err := Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}

// WorktreeAdd creates an isolated worktree at path on a new branch
// forked from startPoint.
func WorktreeAdd(ctx context.Context, repoRoot, path, branch, startPoint string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if startPoint != "" {
		args = append(args, startPoint)
	}
	_, err := Run(ctx, repoRoot, args...)
	return err
}

// WorktreeRemove removes a worktree, tolerating an already-removed one.
func WorktreeRemove(ctx context.Context, repoRoot, path string) error {
	_, err := Run(ctx, repoRoot, "worktree", "remove", "--force", path)
	if err != nil && isMissingWorktree(err) {
		return nil
	}
	return err
}

// BranchDelete force-deletes a branch, tolerating a missing one.
func BranchDelete(ctx context.Context, repoRoot, branch string) error {
	_, err := Run(ctx, repoRoot, "branch", "-D", branch)
	if err != nil && isMissingBranch(err) {
		return nil
	}
	return err
}

// RevList returns the commits reachable from to but not from, oldest
// first. Empty when the range is empty.
func RevList(ctx context.Context, dir, from, to string) ([]string, error) {
	out, err := Run(ctx, dir, "rev-list", "--reverse", from+".."+to)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Diff returns the patch of the working tree (including staged and
// committed work) at HEAD against from.
func Diff(ctx context.Context, dir, from string) (string, error) {
	out, err := Run(ctx, dir, "diff", "--binary", from)
	if err != nil {
		return "", err
	}
	return out, nil
}

// DiffCommits returns the combined patch for the commit range from..to.
func DiffCommits(ctx context.Context, dir, from, to string) (string, error) {
	return Run(ctx, dir, "diff", "--binary", from, to)
}

// CherryPick applies one commit onto the current branch. Conflicts are
// reported via IsConflict on the returned error; the tree is left for
// the caller to abort.
func CherryPick(ctx context.Context, dir, ref string) error {
	_, err := Run(ctx, dir, "cherry-pick", "--allow-empty", ref)
	return err
}

// CherryPickAbort resets a conflicted cherry-pick, tolerating the case
// where no cherry-pick is in progress.
func CherryPickAbort(ctx context.Context, dir string) {
	_, _ = Run(ctx, dir, "cherry-pick", "--abort")
}

// ApplyPatch applies a patch file with 3-way merge.
func ApplyPatch(ctx context.Context, dir, patchPath string) error {
	_, err := Run(ctx, dir, "apply", "--3way", patchPath)
	return err
}

// Add stages paths (or everything with ".").
func Add(ctx context.Context, dir string, paths ...string) error {
	args := append([]string{"add", "--"}, paths...)
	_, err := Run(ctx, dir, args...)
	return err
}

// Commit records staged changes. Identity is pinned so worker commits
// succeed in repos without user-level git config.
func Commit(ctx context.Context, dir, message string) error {
	_, err := Run(ctx, dir,
		"-c", "user.name=taskforge",
		"-c", "user.email=taskforge@localhost",
		"commit", "--no-verify", "-m", message)
	return err
}

// ResetSoft moves the branch pointer back to ref keeping the tree, used
// by apply --squash to flatten the applied commits.
func ResetSoft(ctx context.Context, dir, ref string) error {
	_, err := Run(ctx, dir, "reset", "--soft", ref)
	return err
}

// IsConflict reports whether a git error looks like a merge/apply
// conflict rather than an environmental failure.
func IsConflict(err error) bool {
	ge, ok := err.(*GitError)
	if !ok {
		return false
	}
	msg := strings.ToLower(ge.Stderr)
	return strings.Contains(msg, "conflict") ||
		strings.Contains(msg, "patch does not apply") ||
		strings.Contains(msg, "could not apply")
}

func isMissingWorktree(err error) bool {
	ge, ok := err.(*GitError)
	if !ok {
		return false
	}
	msg := strings.ToLower(ge.Stderr)
	return strings.Contains(msg, "is not a working tree") ||
		strings.Contains(msg, "no such file or directory") ||
		strings.Contains(msg, "does not exist")
}

func isMissingBranch(err error) bool {
	ge, ok := err.(*GitError)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(ge.Stderr), "not found")
}
