package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/basket/taskforge/internal/adapter"
	"github.com/basket/taskforge/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	repo := fs.String("repo", "", "repository root")
	jsonOut := fs.Bool("json", false, "emit the diagnosis as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	root, err := resolveRepoRoot(ctx, *repo)
	if err != nil {
		return fail(err)
	}

	reg := adapter.NewRegistry()
	reg.Register(adapter.NewLocal(""))
	reg.Register(adapter.NewRemoteStub())

	diag := doctor.Diagnose(ctx, root, reg)

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			return fail(err)
		}
	} else {
		for _, res := range diag.Results {
			mark := "ok  "
			switch res.Status {
			case doctor.StatusWarn:
				mark = "warn"
			case doctor.StatusFail:
				mark = "FAIL"
			}
			line := fmt.Sprintf("%s  %s", mark, res.Name)
			if res.Detail != "" {
				line += ": " + res.Detail
			}
			fmt.Println(line)
		}
	}
	if !diag.Healthy {
		return 1
	}
	return 0
}
