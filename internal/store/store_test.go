package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/basket/taskforge/internal/bus"
	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/store"
	"github.com/basket/taskforge/internal/task"
)

func memStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(store.Options{
		Backend:  store.NewMemoryBackend(),
		LockMode: config.LockModeBranch,
	})
}

func fileStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	root := t.TempDir()
	backend := store.NewFileBackend(config.IndexPath(root), config.IndexLockPath(root))
	return store.New(store.Options{Backend: backend, LockMode: config.LockModeBranch}), root
}

func TestCreateAssignsIDs(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, store.CreateRequest{Title: "first"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := s.Create(ctx, store.CreateRequest{Title: "second"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("ids not unique: %q vs %q", first.ID, second.ID)
	}
	if first.DisplayID != 1 || second.DisplayID != 2 {
		t.Fatalf("display ids not monotonic: %d, %d", first.DisplayID, second.DisplayID)
	}
	if first.Mode != task.ModeWrite {
		t.Fatalf("mode should default to write, got %q", first.Mode)
	}
	if first.Status != task.StatusQueued {
		t.Fatalf("new task should be queued, got %q", first.Status)
	}
}

func TestCreateRejectsEmptyTitle(t *testing.T) {
	s := memStore(t)
	if _, err := s.Create(context.Background(), store.CreateRequest{Title: "   "}); err == nil {
		t.Fatalf("expected rejection of empty title")
	}
}

func TestSameBranchWriteTasksBlock(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	first, _ := s.Create(ctx, store.CreateRequest{Title: "first", Branch: "feat"})
	second, err := s.Create(ctx, store.CreateRequest{Title: "second", Branch: "feat"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if second.Queue.BlockedByTaskID != first.ID {
		t.Fatalf("second should block on first, got %q", second.Queue.BlockedByTaskID)
	}

	// Holder reaching terminal unblocks the earliest queued task.
	if _, err := s.UpdateStatus(ctx, first.ID, task.StatusPreparing, ""); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, first.ID, task.StatusRunning, ""); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, first.ID, task.StatusCompleted, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := s.Get(ctx, second.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Blocked() {
		t.Fatalf("second still blocked after holder terminated: %+v", got.Queue)
	}
}

func TestDistinctBranchesNeverBlock(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	_, _ = s.Create(ctx, store.CreateRequest{Title: "a", Branch: "feat-a"})
	b, _ := s.Create(ctx, store.CreateRequest{Title: "b", Branch: "feat-b"})
	if b.Blocked() {
		t.Fatalf("distinct branches must not block: %+v", b.Queue)
	}
}

func TestReadTasksNeverBlock(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	_, _ = s.Create(ctx, store.CreateRequest{Title: "writer", Branch: "feat"})
	r, _ := s.Create(ctx, store.CreateRequest{Title: "reader", Branch: "feat", Mode: task.ModeRead})
	if r.Blocked() {
		t.Fatalf("read task must not block: %+v", r.Queue)
	}
}

func TestRepoLockModeCollapses(t *testing.T) {
	s := store.New(store.Options{Backend: store.NewMemoryBackend(), LockMode: config.LockModeRepo})
	ctx := context.Background()

	first, _ := s.Create(ctx, store.CreateRequest{Title: "a", Branch: "feat-a"})
	second, _ := s.Create(ctx, store.CreateRequest{Title: "b", Branch: "feat-b"})
	if second.Queue.BlockedByTaskID != first.ID {
		t.Fatalf("repo mode should serialize all writes, got %q", second.Queue.BlockedByTaskID)
	}
}

func TestUpdateStatusEnforcesTransitions(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()
	created, _ := s.Create(ctx, store.CreateRequest{Title: "t"})

	if _, err := s.UpdateStatus(ctx, created.ID, task.StatusCompleted, ""); err == nil {
		t.Fatalf("queued -> completed must be rejected")
	}
	if _, err := s.UpdateStatus(ctx, "no-such-id", task.StatusPreparing, ""); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTerminalClearsActiveRun(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()
	created, _ := s.Create(ctx, store.CreateRequest{Title: "t"})

	if _, err := s.BeginRun(ctx, created.ID, "run-1"); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	_, _ = s.UpdateStatus(ctx, created.ID, task.StatusPreparing, "")
	_, _ = s.UpdateStatus(ctx, created.ID, task.StatusRunning, "")
	got, err := s.UpdateStatus(ctx, created.ID, task.StatusFailed, "Task requested failure")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if got.Rt.ActiveRunID != "" {
		t.Fatalf("terminal task kept active run id %q", got.Rt.ActiveRunID)
	}
	if len(got.Rt.Runs) != 1 {
		t.Fatalf("expected one recorded run, got %d", len(got.Rt.Runs))
	}
	run := got.Rt.Runs[0]
	if run.Status != task.StatusFailed || run.FinishedAt == nil {
		t.Fatalf("run attempt not finalized: %+v", run)
	}
	if run.Reason != "Task requested failure" {
		t.Fatalf("reason not preserved verbatim: %q", run.Reason)
	}
}

func TestCancelledRetainsRuntimeForDebug(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()
	created, _ := s.Create(ctx, store.CreateRequest{Title: "t"})
	_, _ = s.BeginRun(ctx, created.ID, "run-1")
	_, _ = s.UpdateStatus(ctx, created.ID, task.StatusPreparing, "")
	_, _ = s.UpdateStatus(ctx, created.ID, task.StatusRunning, "")

	got, err := s.UpdateStatus(ctx, created.ID, task.StatusCancelled, "user cancel")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !got.Rt.RetainedForDebug {
		t.Fatalf("cancelled task should retain runtime for debugging")
	}
}

func TestCleanedClearsEphemeralRuntime(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()
	created, _ := s.Create(ctx, store.CreateRequest{Title: "t"})
	_, _ = s.BeginRun(ctx, created.ID, "run-1")
	_, _ = s.Patch(ctx, created.ID, func(tk *task.Task) error {
		tk.Rt.WorkerPID = 4242
		tk.Rt.WorktreePath = "/tmp/wt"
		return nil
	})
	_, _ = s.UpdateStatus(ctx, created.ID, task.StatusPreparing, "")
	_, _ = s.UpdateStatus(ctx, created.ID, task.StatusRunning, "")
	_, _ = s.UpdateStatus(ctx, created.ID, task.StatusCompleted, "")

	got, err := s.UpdateStatus(ctx, created.ID, task.StatusCleaned, "")
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if got.Rt.WorkerPID != 0 || got.Rt.WorktreePath != "" {
		t.Fatalf("cleaned task kept ephemeral runtime: %+v", got.Rt)
	}
}

func TestCountActive(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()
	a, _ := s.Create(ctx, store.CreateRequest{Title: "a", Branch: "x"})
	_, _ = s.Create(ctx, store.CreateRequest{Title: "b", Branch: "y"})

	n, err := s.CountActive(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 active, got %d (%v)", n, err)
	}
	_, _ = s.UpdateStatus(ctx, a.ID, task.StatusPreparing, "")
	_, _ = s.UpdateStatus(ctx, a.ID, task.StatusRunning, "")
	_, _ = s.UpdateStatus(ctx, a.ID, task.StatusCompleted, "")
	n, _ = s.CountActive(ctx)
	if n != 1 {
		t.Fatalf("expected 1 active after completion, got %d", n)
	}
}

func TestFileBackendAtomicPersistence(t *testing.T) {
	s, root := fileStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, store.CreateRequest{Title: "durable"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// No staging temp files may linger after a write.
	entries, _ := os.ReadDir(filepath.Dir(config.IndexPath(root)))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".index-") {
			t.Fatalf("staging file left behind: %s", e.Name())
		}
	}

	// A second store over the same paths sees the write.
	reopened, _ := fileStoreAt(t, root)
	got, err := reopened.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Title != "durable" {
		t.Fatalf("unexpected title %q", got.Title)
	}
}

func fileStoreAt(t *testing.T, root string) (*store.Store, string) {
	t.Helper()
	backend := store.NewFileBackend(config.IndexPath(root), config.IndexLockPath(root))
	return store.New(store.Options{Backend: backend, LockMode: config.LockModeBranch}), root
}

func TestConcurrentCreatesDoNotRace(t *testing.T) {
	s, _ := fileStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create(ctx, store.CreateRequest{Title: "concurrent", Mode: task.ModeRead})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent create: %v", err)
		}
	}

	tasks, _ := s.List(ctx)
	if len(tasks) != n {
		t.Fatalf("expected %d tasks, got %d", n, len(tasks))
	}
	seen := map[int]bool{}
	for _, tk := range tasks {
		if seen[tk.DisplayID] {
			t.Fatalf("duplicate display id %d", tk.DisplayID)
		}
		seen[tk.DisplayID] = true
	}
}

type failingSink struct{}

func (failingSink) Append(context.Context, string, string, string) error {
	return errors.New("disk full")
}

func TestEventSinkFailureDoesNotFailMutation(t *testing.T) {
	s := store.New(store.Options{
		Backend:  store.NewMemoryBackend(),
		Events:   failingSink{},
		LockMode: config.LockModeBranch,
	})
	ctx := context.Background()

	tk, err := s.Create(ctx, store.CreateRequest{Title: "survives sink outage"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, tk.ID, task.StatusPreparing, ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.Get(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusPreparing {
		t.Fatalf("status = %s, want preparing", got.Status)
	}
}

func TestStateChangePublishesTypedPayload(t *testing.T) {
	b := bus.New()
	s := store.New(store.Options{
		Backend:  store.NewMemoryBackend(),
		Bus:      b,
		LockMode: config.LockModeBranch,
	})
	ctx := context.Background()
	sub := b.Subscribe(bus.TopicTaskStateChanged)
	defer b.Unsubscribe(sub)

	tk, err := s.Create(ctx, store.CreateRequest{Title: "observed"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, tk.ID, task.StatusPreparing, "warming up"); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.TaskStateChangedEvent)
		if !ok {
			t.Fatalf("payload type %T, want TaskStateChangedEvent", ev.Payload)
		}
		if payload.TaskID != tk.ID || payload.OldStatus != "queued" || payload.NewStatus != "preparing" {
			t.Fatalf("payload = %+v", payload)
		}
		if payload.Reason != "warming up" {
			t.Fatalf("reason = %q", payload.Reason)
		}
	default:
		t.Fatal("no state change published")
	}
}

func TestBlockedCreatePublishesQueuePayload(t *testing.T) {
	b := bus.New()
	s := store.New(store.Options{
		Backend:  store.NewMemoryBackend(),
		Bus:      b,
		LockMode: config.LockModeBranch,
	})
	ctx := context.Background()

	holder, err := s.Create(ctx, store.CreateRequest{Title: "holder", Branch: "main"})
	if err != nil {
		t.Fatal(err)
	}
	sub := b.Subscribe(bus.TopicTaskBlocked)
	defer b.Unsubscribe(sub)
	blocked, err := s.Create(ctx, store.CreateRequest{Title: "waiter", Branch: "main"})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.TaskQueueEvent)
		if !ok {
			t.Fatalf("payload type %T, want TaskQueueEvent", ev.Payload)
		}
		if payload.TaskID != blocked.ID || payload.BlockedByTaskID != holder.ID {
			t.Fatalf("payload = %+v", payload)
		}
	default:
		t.Fatal("no blocked event published")
	}
}
