package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"
)

// runEventsCommand reads the global event stream. With --consumer the
// read starts at that consumer's committed cursor and commits the new
// position afterwards, so repeated invocations only see new events.
func runEventsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	repo := fs.String("repo", "", "repository root")
	consumer := fs.String("consumer", "", "named cursor to read from and commit")
	follow := fs.Bool("follow", false, "keep streaming new events")
	taskRef := fs.String("task", "", "limit to one task's log")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	a, err := openApp(ctx, *repo)
	if err != nil {
		return fail(err)
	}
	defer a.close()

	taskID := ""
	if *taskRef != "" {
		t, err := a.store.Get(ctx, *taskRef)
		if err != nil {
			return fail(refHint(err))
		}
		taskID = t.ID
	}

	from := int64(0)
	if *consumer != "" {
		from, err = a.events.Cursor(ctx, *consumer)
		if err != nil {
			return fail(err)
		}
	}

	for {
		var batchErr error
		var lastID int64
		if taskID != "" {
			evs, err := a.events.ListByTask(ctx, taskID, from, 500)
			batchErr = err
			for _, ev := range evs {
				fmt.Printf("%s  %-40s %s %s\n", ev.At.Format(time.RFC3339), ev.Type, shortRef(ev.TaskID), ev.Message)
				lastID = ev.EventID
			}
		} else {
			evs, err := a.events.ListGlobal(ctx, from, 500)
			batchErr = err
			for _, ev := range evs {
				fmt.Printf("%s  %-40s %s %s\n", ev.At.Format(time.RFC3339), ev.Type, shortRef(ev.TaskID), ev.Message)
				lastID = ev.EventID
			}
		}
		if batchErr != nil {
			return fail(batchErr)
		}
		if lastID > from {
			from = lastID
			if *consumer != "" {
				if err := a.events.CommitCursor(ctx, *consumer, from); err != nil {
					fmt.Fprintf(os.Stderr, "warning: commit cursor: %v\n", err)
				}
			}
		}
		if !*follow {
			return 0
		}
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(time.Second):
		}
	}
}
