package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/basket/taskforge/internal/adapter"
	"github.com/basket/taskforge/internal/bus"
	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/eventlog"
	"github.com/basket/taskforge/internal/gitx"
	"github.com/basket/taskforge/internal/store"
	"github.com/basket/taskforge/internal/task"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

TASKS:
  start <title> [--mode read|write] [--branch B]   Create and enqueue a task
  list                                             List tasks
  read <ref>                                       Show one task
  logs <ref> [--follow]                            Show a task's output log
  artifacts <ref>                                  List a task's artifacts
  wait <ref> [--timeout-seconds N]                 Block until terminal status
  watch [--once]                                   Live task table
  cancel <ref>                                     Signal and mark cancelled

CONTINUITY:
  attach <ref>                                     Revive or hand off a task
  resume <ref>                                     Restart a resumable task
  checkpoint <ref>                                 Record a resumable position

OUTPUTS:
  apply <ref> [--method auto|cherry-pick|bundle|patch] [--squash]
  events [--consumer NAME] [--follow]              Read the global event stream

MAINTENANCE:
  cleanup                                          Stop idle daemon, clean runtime
  remote adapters|status|doctor                    Execution adapter tooling
  doctor [-json]                                   Run diagnostics
  version                                          Print version

INTERNAL:
  daemon --serve --repo <path>                     Daemon entrypoint
  worker --task-id <id> --repo <path> --worktree <path>

References accept a full id, an unambiguous prefix, or the numeric
display id. Repository root defaults to the enclosing git repository;
override with --repo where a command supports it.
`, os.Args[0])
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "version":
		fmt.Println(Version)
		os.Exit(0)
	case "start":
		os.Exit(runStartCommand(ctx, args[1:]))
	case "list", "ls":
		os.Exit(runListCommand(ctx, args[1:]))
	case "read", "show":
		os.Exit(runReadCommand(ctx, args[1:]))
	case "logs":
		os.Exit(runLogsCommand(ctx, args[1:]))
	case "artifacts":
		os.Exit(runArtifactsCommand(ctx, args[1:]))
	case "wait":
		os.Exit(runWaitCommand(ctx, args[1:]))
	case "watch":
		os.Exit(runWatchCommand(ctx, args[1:]))
	case "cancel":
		os.Exit(runCancelCommand(ctx, args[1:]))
	case "attach":
		os.Exit(runAttachCommand(ctx, args[1:]))
	case "resume":
		os.Exit(runResumeCommand(ctx, args[1:]))
	case "checkpoint":
		os.Exit(runCheckpointCommand(ctx, args[1:]))
	case "apply":
		os.Exit(runApplyCommand(ctx, args[1:]))
	case "events":
		os.Exit(runEventsCommand(ctx, args[1:]))
	case "cleanup":
		os.Exit(runCleanupCommand(ctx, args[1:]))
	case "remote":
		os.Exit(runRemoteCommand(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	case "daemon":
		os.Exit(runDaemonCommand(ctx, args[1:]))
	case "worker":
		os.Exit(runWorkerCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// app bundles the per-invocation collaborators every command needs.
type app struct {
	cfg      config.Config
	store    *store.Store
	bus      *bus.Bus
	events   *eventlog.Log
	registry *adapter.Registry
}

func (a *app) close() {
	if a.events != nil {
		_ = a.events.Close()
	}
}

// openApp resolves the repository root and wires the store, event log
// and adapter registry against it.
func openApp(ctx context.Context, repoFlag string) (*app, error) {
	root, err := resolveRepoRoot(ctx, repoFlag)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(config.Dir(root), 0o755); err != nil {
		return nil, err
	}

	events, err := eventlog.Open(config.EventsDBPath(root))
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	b := bus.New()
	backend := store.NewFileBackend(config.IndexPath(root), config.IndexLockPath(root))
	s := store.New(store.Options{Backend: backend, Bus: b, Events: events, LockMode: cfg.LockMode})

	reg := adapter.NewRegistry()
	reg.Register(adapter.NewLocal(""))
	reg.Register(adapter.NewRemoteStub())

	return &app{cfg: cfg, store: s, bus: b, events: events, registry: reg}, nil
}

func resolveRepoRoot(ctx context.Context, repoFlag string) (string, error) {
	if repoFlag != "" {
		if !gitx.IsRepo(ctx, repoFlag) {
			return "", fmt.Errorf("%s is not a git repository", repoFlag)
		}
		return repoFlag, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	root, err := gitx.Run(ctx, cwd, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("not inside a git repository (and no --repo given)")
	}
	return strings.TrimSpace(root), nil
}

// fail prints a CLI-level error and returns the generic failure code.
func fail(err error) int {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

// refHint augments reference errors with resolution guidance.
func refHint(err error) error {
	if errors.Is(err, task.ErrAmbiguous) || errors.Is(err, task.ErrNotFound) {
		return fmt.Errorf("%w (see `list` for known tasks)", err)
	}
	return err
}
