package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/daemon"
	otelPkg "github.com/basket/taskforge/internal/otel"
	"github.com/basket/taskforge/internal/shared"
	"github.com/basket/taskforge/internal/telemetry"
	"github.com/basket/taskforge/internal/worker"
)

// runDaemonCommand is the internal daemon entrypoint, re-executed
// detached by EnsureTaskDaemon. It is not meant for interactive use.
func runDaemonCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	serve := fs.Bool("serve", false, "run the scheduling loop")
	repo := fs.String("repo", "", "repository root")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !*serve || *repo == "" {
		fmt.Fprintln(os.Stderr, "usage: taskforge daemon --serve --repo <path>")
		return 2
	}

	a, err := openApp(ctx, *repo)
	if err != nil {
		return fail(err)
	}
	defer a.close()

	logger, closer, err := telemetry.NewLogger(config.LogsDir(a.cfg.RepoRoot), a.cfg.LogLevel, false)
	if err != nil {
		return fail(err)
	}
	defer closer.Close()

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  a.cfg.OTel.Enabled,
		Exporter: a.cfg.OTel.Exporter,
		Endpoint: a.cfg.OTel.Endpoint,
	})
	if err != nil {
		logger.Warn("otel init failed, continuing without telemetry", "error", err)
	}
	var metrics *otelPkg.Metrics
	if provider != nil {
		defer func() { _ = provider.Shutdown(context.Background()) }()
		metrics, err = otelPkg.NewMetrics(provider.Meter)
		if err != nil {
			logger.Warn("metric instruments unavailable", "error", err)
		}
	}

	ctx, traceID := shared.EnsureTraceID(ctx)
	logger = logger.With("trace_id", traceID)

	d := daemon.New(daemon.Options{
		Config:   a.cfg,
		Store:    a.store,
		Bus:      a.bus,
		Registry: a.registry,
		Log:      logger,
		Metrics:  metrics,
	})
	if err := d.Run(ctx); err != nil {
		logger.Error("daemon exited with error", "error", err)
		return 1
	}
	return 0
}

// runWorkerCommand is the internal worker entrypoint the local adapter
// spawns. It executes one run attempt and reports status transitions
// directly into the task store. With TASKFORGE_AGENT_CMD set, the run
// drives that external agent; otherwise the simulation worker runs.
func runWorkerCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	taskID := fs.String("task-id", "", "task to execute")
	repo := fs.String("repo", "", "repository root")
	worktree := fs.String("worktree", "", "isolated worktree path")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *taskID == "" || *repo == "" || *worktree == "" {
		fmt.Fprintln(os.Stderr, "usage: taskforge worker --task-id <id> --repo <path> --worktree <path>")
		return 2
	}

	a, err := openApp(ctx, *repo)
	if err != nil {
		return fail(err)
	}
	defer a.close()

	var w worker.Worker = worker.Simulation{}
	if cmd := strings.TrimSpace(os.Getenv("TASKFORGE_AGENT_CMD")); cmd != "" {
		w = worker.Session{Command: strings.Fields(cmd)}
	}

	ctx = shared.WithTaskID(ctx, *taskID)
	if runID := os.Getenv("TASKFORGE_RUN_ID"); runID != "" {
		ctx = shared.WithRunID(ctx, runID)
	}

	deps := worker.Deps{Store: a.store, RepoRoot: a.cfg.RepoRoot, Worker: w}
	if err := worker.Execute(ctx, deps, *taskID, *worktree); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		return 1
	}
	return 0
}
