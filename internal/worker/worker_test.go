package worker_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskforge/internal/artifact"
	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/gitx"
	"github.com/basket/taskforge/internal/store"
	"github.com/basket/taskforge/internal/task"
	"github.com/basket/taskforge/internal/worker"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()
	if _, err := gitx.Run(ctx, dir, "init", "-b", "main"); err != nil {
		t.Skipf("git unavailable: %v", err)
	}
	_, _ = gitx.Run(ctx, dir, "config", "user.name", "test")
	_, _ = gitx.Run(ctx, dir, "config", "user.email", "test@localhost")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_ = gitx.Add(ctx, dir, ".")
	if err := gitx.Commit(ctx, dir, "initial"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return dir
}

// newRun creates a task and walks it to preparing with an active run,
// the state Execute finds it in.
func newRun(t *testing.T, s *store.Store, title string) *task.Task {
	t.Helper()
	ctx := context.Background()
	tk, err := s.Create(ctx, store.CreateRequest{Title: title})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, tk.ID, task.StatusPreparing, ""); err != nil {
		t.Fatalf("preparing: %v", err)
	}
	tk, err = s.BeginRun(ctx, tk.ID, "run-1")
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	return tk
}

func newStore() *store.Store {
	return store.New(store.Options{Backend: store.NewMemoryBackend(), LockMode: config.LockModeBranch})
}

func TestSimulationPlainTitleCompletesWithNoRefs(t *testing.T) {
	repo := initRepo(t)
	s := newStore()
	tk := newRun(t, s, "ok")

	err := worker.Execute(context.Background(), worker.Deps{Store: s, RepoRoot: repo, Worker: worker.Simulation{}}, tk.ID, repo)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, err := s.Get(context.Background(), tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	refs, err := artifact.ReadCommitRefs(repo, tk.ID)
	if err != nil {
		t.Fatalf("read refs: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("plain task must record no commit refs, got %v", refs)
	}
}

func TestSimulationFailDirective(t *testing.T) {
	repo := initRepo(t)
	s := newStore()
	tk := newRun(t, s, "boom[fail]")

	err := worker.Execute(context.Background(), worker.Deps{Store: s, RepoRoot: repo, Worker: worker.Simulation{}}, tk.ID, repo)
	if !errors.Is(err, task.ErrWorkerFailure) {
		t.Fatalf("expected ErrWorkerFailure, got %v", err)
	}

	got, _ := s.Get(context.Background(), tk.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Reason, "Task requested failure") {
		t.Fatalf("reason %q must preserve the failure message", got.Reason)
	}
}

func TestSimulationSleepDirective(t *testing.T) {
	repo := initRepo(t)
	s := newStore()
	tk := newRun(t, s, "pause[sleep=20]")

	if err := worker.Execute(context.Background(), worker.Deps{Store: s, RepoRoot: repo, Worker: worker.Simulation{}}, tk.ID, repo); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := s.Get(context.Background(), tk.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestSimulationEditDirectiveCommitsAndRecordsRef(t *testing.T) {
	repo := initRepo(t)
	s := newStore()
	tk := newRun(t, s, "change[edit=notes.txt]")

	if err := worker.Execute(context.Background(), worker.Deps{Store: s, RepoRoot: repo, Worker: worker.Simulation{}}, tk.ID, repo); err != nil {
		t.Fatalf("execute: %v", err)
	}

	refs, err := artifact.ReadCommitRefs(repo, tk.ID)
	if err != nil {
		t.Fatalf("read refs: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("want one commit ref, got %v", refs)
	}
	head, _ := gitx.Head(context.Background(), repo)
	if refs[0] != head {
		t.Fatalf("recorded ref %s is not the new head %s", refs[0], head)
	}
	patch, err := os.ReadFile(artifact.PatchPath(repo, tk.ID))
	if err != nil {
		t.Fatalf("read patch: %v", err)
	}
	if !strings.Contains(string(patch), "notes.txt") {
		t.Fatalf("patch does not cover the edit:\n%s", patch)
	}
}

func writeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSessionForwardsEventsAndStripsANSI(t *testing.T) {
	repo := initRepo(t)
	agent := writeAgent(t, strings.Join([]string{
		`printf '{"type":"text","text":"hello from agent"}\n'`,
		`printf '\033[31m{"type":"tool_use","name":"editor"}\033[0m\n'`,
		`printf 'plain noise\n'`,
		`printf '{"type":"result","text":"all done"}\n'`,
	}, "\n") + "\n")

	var out, errOut bytes.Buffer
	sess := worker.Session{Command: []string{agent}}
	res, err := sess.Run(context.Background(), &task.Task{ID: "t"}, worker.Env{
		RepoRoot:     repo,
		WorktreePath: repo,
		Stdout:       &out,
		Stderr:       &errOut,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Summary != "all done" {
		t.Fatalf("summary = %q", res.Summary)
	}
	log := out.String()
	if !strings.Contains(log, "hello from agent") {
		t.Fatalf("text event not forwarded:\n%s", log)
	}
	if !strings.Contains(log, "[tool] editor") {
		t.Fatalf("ANSI-wrapped tool_use event not parsed:\n%s", log)
	}
	if !strings.Contains(log, "plain noise") {
		t.Fatalf("non-event chatter dropped:\n%s", log)
	}
	if strings.Contains(log, "\x1b") {
		t.Fatalf("escape sequences leaked into the sink")
	}
	if len(res.CommitRefs) != 0 {
		t.Fatalf("agent made no commits, got refs %v", res.CommitRefs)
	}
}

func TestSessionDerivesCommitRefsFromHistory(t *testing.T) {
	repo := initRepo(t)
	agent := writeAgent(t, strings.Join([]string{
		`echo work > agent.txt`,
		`git add agent.txt`,
		`git -c user.name=agent -c user.email=agent@localhost commit -q -m "agent commit"`,
		`printf '{"type":"result","text":"committed"}\n'`,
	}, "\n") + "\n")

	var out bytes.Buffer
	sess := worker.Session{Command: []string{agent}}
	res, err := sess.Run(context.Background(), &task.Task{ID: "t"}, worker.Env{
		RepoRoot:     repo,
		WorktreePath: repo,
		Stdout:       &out,
		Stderr:       &out,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.CommitRefs) != 1 {
		t.Fatalf("want the agent's commit derived from history, got %v", res.CommitRefs)
	}
}

func TestSessionFailsWhenAgentExitsNonZero(t *testing.T) {
	repo := initRepo(t)
	agent := writeAgent(t, "exit 3\n")

	var out bytes.Buffer
	sess := worker.Session{Command: []string{agent}}
	_, err := sess.Run(context.Background(), &task.Task{ID: "t"}, worker.Env{
		RepoRoot:     repo,
		WorktreePath: repo,
		Stdout:       &out,
		Stderr:       &out,
	})
	if err == nil {
		t.Fatal("expected error for non-zero agent exit")
	}
}
