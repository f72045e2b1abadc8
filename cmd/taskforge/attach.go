package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/taskforge/internal/daemon"
)

func reviver(a *app) *daemon.Reviver {
	return &daemon.Reviver{
		Config:   a.cfg,
		Store:    a.store,
		Events:   a.events,
		Bus:      a.bus,
		Registry: a.registry,
	}
}

func runAttachCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("attach", flag.ContinueOnError)
	repo := fs.String("repo", "", "repository root")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskforge attach <ref>")
		return 2
	}
	a, err := openApp(ctx, *repo)
	if err != nil {
		return fail(err)
	}
	defer a.close()

	t, err := reviver(a).Attach(ctx, fs.Arg(0))
	if err != nil {
		return fail(refHint(err))
	}
	switch t.Attach.State {
	case "handoff_ready":
		fmt.Printf("task %d: handoff ready (run %s)\n", t.DisplayID, shortRef(t.Rt.ActiveRunID))
	default:
		fmt.Printf("task %d revived: run attempt %d, worker pid %d\n", t.DisplayID, t.Rt.RunAttempt, t.Rt.WorkerPID)
	}
	return 0
}

func runResumeCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	repo := fs.String("repo", "", "repository root")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskforge resume <ref>")
		return 2
	}
	a, err := openApp(ctx, *repo)
	if err != nil {
		return fail(err)
	}
	defer a.close()

	t, guidance, err := reviver(a).Resume(ctx, fs.Arg(0))
	if err != nil {
		return fail(refHint(err))
	}
	if guidance != "" {
		fmt.Println(guidance)
		return 0
	}
	fmt.Printf("task %d resumed: run attempt %d, worker pid %d\n", t.DisplayID, t.Rt.RunAttempt, t.Rt.WorkerPID)
	return 0
}

func runCheckpointCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("checkpoint", flag.ContinueOnError)
	repo := fs.String("repo", "", "repository root")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskforge checkpoint <ref>")
		return 2
	}
	a, err := openApp(ctx, *repo)
	if err != nil {
		return fail(err)
	}
	defer a.close()

	cp, err := reviver(a).Checkpoint(ctx, fs.Arg(0))
	if err != nil {
		return fail(refHint(err))
	}
	fmt.Printf("checkpoint recorded: %s\n", cp)
	return 0
}
