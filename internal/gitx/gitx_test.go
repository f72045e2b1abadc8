package gitx_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/basket/taskforge/internal/gitx"
)

// initRepo creates a git repo with one commit and returns its path.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	dir := t.TempDir()
	ctx := context.Background()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.name", "test"},
		{"config", "user.email", "test@localhost"},
	} {
		if _, err := gitx.Run(ctx, dir, args...); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}
	writeFile(t, dir, "README.md", "hello\n")
	if err := gitx.Add(ctx, dir, "."); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := gitx.Commit(ctx, dir, "initial"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestIsRepo(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	if !gitx.IsRepo(ctx, repo) {
		t.Fatalf("expected repo detection")
	}
	if gitx.IsRepo(ctx, t.TempDir()) {
		t.Fatalf("bare temp dir misdetected as repo")
	}
}

func TestIsCleanTracksChanges(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)

	clean, err := gitx.IsClean(ctx, repo)
	if err != nil || !clean {
		t.Fatalf("fresh repo should be clean (err=%v)", err)
	}
	writeFile(t, repo, "dirty.txt", "x\n")
	clean, _ = gitx.IsClean(ctx, repo)
	if clean {
		t.Fatalf("untracked file should dirty the tree")
	}
}

func TestWorktreeAddAndRemove(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	wt := filepath.Join(t.TempDir(), "wt")

	if err := gitx.WorktreeAdd(ctx, repo, wt, "task/abc", "HEAD"); err != nil {
		t.Fatalf("worktree add: %v", err)
	}
	if !gitx.IsRepo(ctx, wt) {
		t.Fatalf("worktree is not a repo")
	}
	branch, _ := gitx.CurrentBranch(ctx, wt)
	if branch != "task/abc" {
		t.Fatalf("worktree on wrong branch %q", branch)
	}

	if err := gitx.WorktreeRemove(ctx, repo, wt); err != nil {
		t.Fatalf("worktree remove: %v", err)
	}
	// Removing again must be idempotent.
	if err := gitx.WorktreeRemove(ctx, repo, wt); err != nil {
		t.Fatalf("second worktree remove not tolerated: %v", err)
	}
	if err := gitx.BranchDelete(ctx, repo, "task/abc"); err != nil {
		t.Fatalf("branch delete: %v", err)
	}
	if err := gitx.BranchDelete(ctx, repo, "task/abc"); err != nil {
		t.Fatalf("second branch delete not tolerated: %v", err)
	}
}

func TestRevListAndDiff(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	start, _ := gitx.Head(ctx, repo)

	writeFile(t, repo, "feature.txt", "work\n")
	_ = gitx.Add(ctx, repo, ".")
	if err := gitx.Commit(ctx, repo, "feature"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	head, _ := gitx.Head(ctx, repo)

	refs, err := gitx.RevList(ctx, repo, start, head)
	if err != nil {
		t.Fatalf("rev-list: %v", err)
	}
	if len(refs) != 1 || refs[0] != head {
		t.Fatalf("unexpected rev list %v", refs)
	}

	patch, err := gitx.Diff(ctx, repo, start)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if patch == "" {
		t.Fatalf("expected non-empty patch")
	}

	// No commits in range yields an empty, non-error list.
	refs, err = gitx.RevList(ctx, repo, head, head)
	if err != nil || len(refs) != 0 {
		t.Fatalf("empty range should yield no refs, got %v (%v)", refs, err)
	}
}

func TestCherryPickConflictDetection(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)

	// Branch A edits README one way.
	if _, err := gitx.Run(ctx, repo, "checkout", "-b", "side"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	writeFile(t, repo, "README.md", "side version\n")
	_ = gitx.Add(ctx, repo, ".")
	_ = gitx.Commit(ctx, repo, "side edit")
	sideHead, _ := gitx.Head(ctx, repo)

	// main edits README incompatibly.
	if _, err := gitx.Run(ctx, repo, "checkout", "main"); err != nil {
		t.Fatalf("checkout main: %v", err)
	}
	writeFile(t, repo, "README.md", "main version\n")
	_ = gitx.Add(ctx, repo, ".")
	_ = gitx.Commit(ctx, repo, "main edit")

	err := gitx.CherryPick(ctx, repo, sideHead)
	if err == nil {
		t.Fatalf("expected cherry-pick conflict")
	}
	if !gitx.IsConflict(err) {
		t.Fatalf("conflict not classified: %v", err)
	}
	gitx.CherryPickAbort(ctx, repo)
	clean, _ := gitx.IsClean(ctx, repo)
	if !clean {
		t.Fatalf("tree dirty after cherry-pick abort")
	}
}
