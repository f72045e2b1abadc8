package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
)

func runRemoteCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: taskforge remote adapters|status|doctor")
		return 2
	}
	action := strings.ToLower(args[0])

	fs := flag.NewFlagSet("remote "+action, flag.ContinueOnError)
	repo := fs.String("repo", "", "repository root")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	a, err := openApp(ctx, *repo)
	if err != nil {
		return fail(err)
	}
	defer a.close()

	switch action {
	case "adapters":
		for _, id := range a.registry.IDs() {
			res, err := a.registry.Resolve(id)
			if err != nil {
				continue
			}
			fmt.Printf("%-12s capabilities: %v\n", id, res.Adapter.Caps().Flags())
		}
		return 0

	case "status":
		res, err := a.registry.Resolve(a.cfg.Remote.Adapter)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("configured: %s\n", a.cfg.Remote.Adapter)
		fmt.Printf("resolved:   %s\n", res.Adapter.ID())
		fmt.Printf("fallback:   %v\n", res.Fallback)
		return 0

	case "doctor":
		res, err := a.registry.Resolve(a.cfg.Remote.Adapter)
		if err != nil {
			return fail(err)
		}
		if res.Fallback {
			fmt.Printf("WARN adapter %q unknown, falling back to %q\n", a.cfg.Remote.Adapter, res.Adapter.ID())
		} else {
			fmt.Printf("OK   adapter %q resolves\n", res.Adapter.ID())
		}
		caps := res.Adapter.Caps()
		for _, f := range caps.Flags() {
			fmt.Printf("OK   capability %s\n", f)
		}
		if !caps.Checkpoint && !caps.AttachHandoff {
			fmt.Println("WARN adapter supports neither checkpoint nor attach handoff")
		}
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown remote action %q\n", action)
		return 2
	}
}
