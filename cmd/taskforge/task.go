package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/daemon"
	"github.com/basket/taskforge/internal/store"
	"github.com/basket/taskforge/internal/task"
)

func runStartCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	mode := fs.String("mode", "write", "task mode: read or write")
	branch := fs.String("branch", "", "target branch (defaults to the repository default)")
	repo := fs.String("repo", "", "repository root")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	title := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if title == "" {
		fmt.Fprintln(os.Stderr, "usage: taskforge start <title> [--mode read|write] [--branch B]")
		return 2
	}

	a, err := openApp(ctx, *repo)
	if err != nil {
		return fail(err)
	}
	defer a.close()

	t, err := a.store.Create(ctx, store.CreateRequest{
		Title:   title,
		Mode:    task.Mode(*mode),
		Branch:  *branch,
		Adapter: a.cfg.Remote.Adapter,
	})
	if err != nil {
		return fail(err)
	}

	if err := daemon.EnsureTaskDaemon(ctx, a.cfg.RepoRoot, ""); err != nil {
		// The task is durably queued; a later invocation can still
		// bring the daemon up.
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	fmt.Printf("task %d queued (%s)\n", t.DisplayID, t.ID)
	if t.Blocked() {
		fmt.Printf("blocked behind task %s on %s\n", shortRef(t.Queue.BlockedByTaskID), t.Queue.LockKey)
	}
	return 0
}

func runListCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	repo := fs.String("repo", "", "repository root")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	a, err := openApp(ctx, *repo)
	if err != nil {
		return fail(err)
	}
	defer a.close()

	tasks, err := a.store.List(ctx)
	if err != nil {
		return fail(err)
	}
	fmt.Print(renderTaskTable(tasks, isatty.IsTerminal(os.Stdout.Fd())))
	return 0
}

func runReadCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	repo := fs.String("repo", "", "repository root")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskforge read <ref>")
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

	fmt.Printf("task %d  %s\n", t.DisplayID, t.ID)
	fmt.Printf("  title:    %s\n", t.Title)
	fmt.Printf("  status:   %s\n", t.Status)
	if t.Reason != "" {
		fmt.Printf("  reason:   %s\n", t.Reason)
	}
	fmt.Printf("  mode:     %s\n", t.Mode)
	if t.Branch != "" {
		fmt.Printf("  branch:   %s\n", t.Branch)
	}
	fmt.Printf("  adapter:  %s %v\n", t.Adapter, t.Capabilities)
	if t.Blocked() {
		fmt.Printf("  blocked:  behind %s on %s\n", shortRef(t.Queue.BlockedByTaskID), t.Queue.LockKey)
	}
	if t.Rt.RunAttempt > 0 {
		fmt.Printf("  attempts: %d (active run %s)\n", t.Rt.RunAttempt, t.Rt.ActiveRunID)
	}
	for _, r := range t.Rt.Runs {
		line := fmt.Sprintf("    #%d %s %s started %s", r.Attempt, shortRef(r.RunID), r.Status, r.StartedAt.Format(time.RFC3339))
		if r.FinishedAt != nil {
			line += " finished " + r.FinishedAt.Format(time.RFC3339)
		}
		if r.Reason != "" {
			line += " (" + r.Reason + ")"
		}
		fmt.Println(line)
	}
	if t.Rt.Checkpoint != "" {
		fmt.Printf("  checkpoint: %s (%d recorded)\n", t.Rt.Checkpoint, len(t.Rt.CheckpointHistory))
	}
	if t.Attach.State != "" {
		fmt.Printf("  attach:   %s\n", t.Attach.State)
	}
	return 0
}

func runCancelCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	repo := fs.String("repo", "", "repository root")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskforge cancel <ref>")
		return 2
	}
	a, err := openApp(ctx, *repo)
	if err != nil {
		return fail(err)
	}
	defer a.close()

	r := reviver(a)
	t, err := r.Cancel(ctx, fs.Arg(0))
	if err != nil {
		return fail(refHint(err))
	}
	fmt.Printf("task %d cancelled (worktree retained for debugging)\n", t.DisplayID)
	return 0
}

func runWaitCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("wait", flag.ContinueOnError)
	repo := fs.String("repo", "", "repository root")
	timeoutSec := fs.Int("timeout-seconds", 0, "give up after N seconds (0 = wait forever)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskforge wait <ref> [--timeout-seconds N]")
		return 2
	}
	a, err := openApp(ctx, *repo)
	if err != nil {
		return fail(err)
	}
	defer a.close()

	deadline := time.Time{}
	if *timeoutSec > 0 {
		deadline = time.Now().Add(time.Duration(*timeoutSec) * time.Second)
	}
	for {
		t, err := a.store.Get(ctx, fs.Arg(0))
		if err != nil {
			return fail(refHint(err))
		}
		if t.Status.Terminal() || t.Status == task.StatusCleaned {
			fmt.Printf("task %d %s\n", t.DisplayID, t.Status)
			return 0
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fail(fmt.Errorf("task %d still %s after %ds", t.DisplayID, t.Status, *timeoutSec))
		}
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func runWatchCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	repo := fs.String("repo", "", "repository root")
	once := fs.Bool("once", false, "render a single snapshot and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	a, err := openApp(ctx, *repo)
	if err != nil {
		return fail(err)
	}
	defer a.close()

	tty := isatty.IsTerminal(os.Stdout.Fd())
	render := func() error {
		tasks, err := a.store.List(ctx)
		if err != nil {
			return err
		}
		if tty && !*once {
			fmt.Print("\033[H\033[2J")
		}
		fmt.Print(renderTaskTable(tasks, tty))
		return nil
	}

	if err := render(); err != nil {
		return fail(err)
	}
	if *once {
		return 0
	}

	w := store.NewWatcher(config.IndexPath(a.cfg.RepoRoot), nil)
	if err := w.Start(ctx); err != nil {
		return fail(err)
	}
	for {
		w.WaitForChange(ctx, 2*time.Second)
		if ctx.Err() != nil {
			return 0
		}
		if err := render(); err != nil {
			return fail(err)
		}
	}
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	statusStyles = map[task.Status]lipgloss.Style{
		task.StatusQueued:          lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		task.StatusPreparing:       lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		task.StatusRunning:         lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		task.StatusCompleted:       lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		task.StatusFailed:          lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		task.StatusTimeout:         lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		task.StatusCancelled:       lipgloss.NewStyle().Foreground(lipgloss.Color("133")),
		task.StatusResumable:       lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		task.StatusPausedForAttach: lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
	}
)

func renderTaskTable(tasks []task.Task, tty bool) string {
	if len(tasks) == 0 {
		return "no tasks\n"
	}
	var b strings.Builder
	header := fmt.Sprintf("%-4s %-18s %-9s %-12s %s", "ID", "STATUS", "MODE", "BRANCH", "TITLE")
	if tty {
		header = headerStyle.Render(header)
	}
	b.WriteString(header + "\n")
	for i := range tasks {
		t := &tasks[i]
		status := string(t.Status)
		if t.Blocked() {
			status = "blocked"
		}
		if tty {
			if st, ok := statusStyles[t.Status]; ok {
				status = st.Render(fmt.Sprintf("%-18s", status))
			} else {
				status = fmt.Sprintf("%-18s", status)
			}
		} else {
			status = fmt.Sprintf("%-18s", status)
		}
		fmt.Fprintf(&b, "%-4d %s %-9s %-12s %s\n", t.DisplayID, status, t.Mode, t.Branch, t.Title)
	}
	return b.String()
}

func shortRef(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
