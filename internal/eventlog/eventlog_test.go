package eventlog_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/taskforge/internal/eventlog"
)

func openTestLog(t *testing.T) *eventlog.Log {
	t.Helper()
	l, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendAndListByTask(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	for _, e := range []struct{ task, typ, msg string }{
		{"t1", "task.created", "created"},
		{"t2", "task.created", "created"},
		{"t1", "task.state_changed", "queued -> preparing"},
	} {
		if err := l.Append(ctx, e.task, e.typ, e.msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := l.ListByTask(ctx, "t1", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for t1, got %d", len(events))
	}
	if events[0].Type != "task.created" || events[1].Type != "task.state_changed" {
		t.Fatalf("events out of order: %+v", events)
	}
	if events[0].EventID >= events[1].EventID {
		t.Fatalf("event ids not strictly increasing: %d, %d", events[0].EventID, events[1].EventID)
	}
	if events[0].At.IsZero() {
		t.Fatalf("event timestamp missing")
	}
}

func TestGlobalStreamMirrorsAllTasks(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	_ = l.Append(ctx, "t1", "task.created", "")
	_ = l.Append(ctx, "t2", "task.created", "")
	_ = l.Append(ctx, "t1", "task.completed", "")

	events, err := l.ListGlobal(ctx, 0, 0)
	if err != nil {
		t.Fatalf("list global: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 global events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i-1].EventID >= events[i].EventID {
			t.Fatalf("global stream not append-ordered")
		}
	}
}

func TestListFromCursorOffset(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	_ = l.Append(ctx, "t1", "a", "")
	_ = l.Append(ctx, "t1", "b", "")
	_ = l.Append(ctx, "t1", "c", "")

	all, _ := l.ListGlobal(ctx, 0, 0)
	rest, err := l.ListGlobal(ctx, all[0].EventID, 0)
	if err != nil {
		t.Fatalf("list from offset: %v", err)
	}
	if len(rest) != 2 || rest[0].Type != "b" {
		t.Fatalf("offset read wrong: %+v", rest)
	}
}

func TestCursorCommitAndMonotonicity(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	pos, err := l.Cursor(ctx, "dashboard")
	if err != nil || pos != 0 {
		t.Fatalf("new consumer should start at 0, got %d (%v)", pos, err)
	}

	if err := l.CommitCursor(ctx, "dashboard", 7); err != nil {
		t.Fatalf("commit: %v", err)
	}
	pos, _ = l.Cursor(ctx, "dashboard")
	if pos != 7 {
		t.Fatalf("expected cursor 7, got %d", pos)
	}

	// Commits never move a cursor backwards.
	_ = l.CommitCursor(ctx, "dashboard", 3)
	pos, _ = l.Cursor(ctx, "dashboard")
	if pos != 7 {
		t.Fatalf("cursor moved backwards to %d", pos)
	}

	// Independent consumers keep independent positions.
	_ = l.CommitCursor(ctx, "ci", 2)
	pos, _ = l.Cursor(ctx, "ci")
	if pos != 2 {
		t.Fatalf("expected independent cursor 2, got %d", pos)
	}
}

func TestPruneTaskRemovesOnlyThatTask(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	_ = l.Append(ctx, "t1", "a", "")
	_ = l.Append(ctx, "t2", "b", "")

	if err := l.PruneTask(ctx, "t1"); err != nil {
		t.Fatalf("prune: %v", err)
	}
	t1, _ := l.ListByTask(ctx, "t1", 0, 0)
	t2, _ := l.ListByTask(ctx, "t2", 0, 0)
	if len(t1) != 0 {
		t.Fatalf("t1 events survived prune")
	}
	if len(t2) != 1 {
		t.Fatalf("t2 events lost in prune")
	}
}

func TestLastEventID(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	last, err := l.LastEventID(ctx)
	if err != nil || last != 0 {
		t.Fatalf("empty log should report 0, got %d (%v)", last, err)
	}
	_ = l.Append(ctx, "t1", "a", "")
	last, _ = l.LastEventID(ctx)
	if last == 0 {
		t.Fatalf("expected nonzero last event id")
	}
}
