// Package doctor runs environment and repository diagnostics: the same
// checks the CLI performs implicitly, surfaced one by one with a
// pass/warn/fail verdict so operators can see exactly what is broken.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/basket/taskforge/internal/adapter"
	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/daemon"
	"github.com/basket/taskforge/internal/eventlog"
	"github.com/basket/taskforge/internal/gitx"
	"github.com/basket/taskforge/internal/store"
)

type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// CheckResult is one diagnostic outcome.
type CheckResult struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Diagnosis aggregates all checks.
type Diagnosis struct {
	Results []CheckResult `json:"results"`
	Healthy bool          `json:"healthy"`
}

func (d *Diagnosis) add(name string, status Status, detail string) {
	d.Results = append(d.Results, CheckResult{Name: name, Status: status, Detail: detail})
	if status == StatusFail {
		d.Healthy = false
	}
}

// Diagnose runs every check against the repository. Warnings do not
// make the diagnosis unhealthy; failures do.
func Diagnose(ctx context.Context, repoRoot string, reg *adapter.Registry) Diagnosis {
	d := Diagnosis{Healthy: true}

	if _, err := exec.LookPath("git"); err != nil {
		d.add("git binary", StatusFail, "git not found in PATH")
	} else {
		d.add("git binary", StatusOK, "")
	}

	if !gitx.IsRepo(ctx, repoRoot) {
		d.add("repository", StatusFail, fmt.Sprintf("%s is not a git repository", repoRoot))
		return d
	}
	d.add("repository", StatusOK, "")

	cfg, err := config.Load(repoRoot)
	if err != nil {
		d.add("config", StatusFail, err.Error())
		return d
	}
	d.add("config", StatusOK, "")

	d.checkStateDir(repoRoot)
	d.checkIndex(ctx, repoRoot, cfg)
	d.checkEvents(repoRoot)
	d.checkDaemon(repoRoot)
	d.checkAdapter(cfg, reg)
	return d
}

func (d *Diagnosis) checkStateDir(repoRoot string) {
	dir := config.Dir(repoRoot)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.add("state directory", StatusFail, err.Error())
		return
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		d.add("state directory", StatusFail, fmt.Sprintf("not writable: %v", err))
		return
	}
	_ = os.Remove(probe)
	d.add("state directory", StatusOK, "")
}

func (d *Diagnosis) checkIndex(ctx context.Context, repoRoot string, cfg config.Config) {
	backend := store.NewFileBackend(config.IndexPath(repoRoot), config.IndexLockPath(repoRoot))
	s := store.New(store.Options{Backend: backend, LockMode: cfg.LockMode})
	tasks, err := s.List(ctx)
	if err != nil {
		d.add("task index", StatusFail, err.Error())
		return
	}
	d.add("task index", StatusOK, fmt.Sprintf("%d tasks", len(tasks)))
}

func (d *Diagnosis) checkEvents(repoRoot string) {
	log, err := eventlog.Open(config.EventsDBPath(repoRoot))
	if err != nil {
		d.add("event log", StatusFail, err.Error())
		return
	}
	_ = log.Close()
	d.add("event log", StatusOK, "")
}

func (d *Diagnosis) checkDaemon(repoRoot string) {
	st, err := daemon.ReadState(repoRoot)
	if err != nil {
		d.add("daemon", StatusWarn, err.Error())
		return
	}
	if st.Alive() {
		d.add("daemon", StatusOK, fmt.Sprintf("running, pid %d", st.PID))
		return
	}
	// Not a failure: the daemon auto-starts on demand.
	d.add("daemon", StatusWarn, "not running (auto-starts with the next task)")
}

func (d *Diagnosis) checkAdapter(cfg config.Config, reg *adapter.Registry) {
	if reg == nil {
		d.add("adapter", StatusWarn, "no registry supplied")
		return
	}
	res, err := reg.Resolve(cfg.Remote.Adapter)
	if err != nil {
		d.add("adapter", StatusFail, err.Error())
		return
	}
	if res.Fallback {
		d.add("adapter", StatusWarn,
			fmt.Sprintf("configured adapter %q unknown, falling back to %q", cfg.Remote.Adapter, res.Adapter.ID()))
		return
	}
	caps := res.Adapter.Caps().Flags()
	d.add("adapter", StatusOK, fmt.Sprintf("%s (capabilities: %v)", res.Adapter.ID(), caps))
}
