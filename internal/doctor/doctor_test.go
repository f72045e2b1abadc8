package doctor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/taskforge/internal/adapter"
	"github.com/basket/taskforge/internal/doctor"
	"github.com/basket/taskforge/internal/gitx"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()
	if _, err := gitx.Run(ctx, dir, "init", "-b", "main"); err != nil {
		t.Skipf("git unavailable: %v", err)
	}
	return dir
}

func find(d doctor.Diagnosis, name string) *doctor.CheckResult {
	for i := range d.Results {
		if d.Results[i].Name == name {
			return &d.Results[i]
		}
	}
	return nil
}

func TestDiagnoseHealthyRepo(t *testing.T) {
	repo := initRepo(t)
	reg := adapter.NewRegistry()
	reg.Register(adapter.NewLocal(""))

	d := doctor.Diagnose(context.Background(), repo, reg)
	if !d.Healthy {
		t.Fatalf("fresh repo should be healthy: %+v", d.Results)
	}
	for _, name := range []string{"git binary", "repository", "config", "state directory", "task index", "event log"} {
		r := find(d, name)
		if r == nil || r.Status != doctor.StatusOK {
			t.Fatalf("check %q = %+v, want ok", name, r)
		}
	}
	if r := find(d, "daemon"); r == nil || r.Status != doctor.StatusWarn {
		t.Fatalf("daemon check should warn when not running: %+v", r)
	}
}

func TestDiagnoseNonRepoFails(t *testing.T) {
	dir := t.TempDir()
	d := doctor.Diagnose(context.Background(), dir, nil)
	if d.Healthy {
		t.Fatal("non-repo must be unhealthy")
	}
	if r := find(d, "repository"); r == nil || r.Status != doctor.StatusFail {
		t.Fatalf("repository check = %+v, want fail", r)
	}
}

func TestDiagnoseUnknownAdapterWarns(t *testing.T) {
	repo := initRepo(t)
	if err := os.MkdirAll(filepath.Join(repo, ".taskforge"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfgYAML := "remote:\n  adapter: cloud-fleet\n"
	if err := os.WriteFile(filepath.Join(repo, ".taskforge", "config.yaml"), []byte(cfgYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := adapter.NewRegistry()
	reg.Register(adapter.NewLocal(""))

	d := doctor.Diagnose(context.Background(), repo, reg)
	r := find(d, "adapter")
	if r == nil || r.Status != doctor.StatusWarn {
		t.Fatalf("adapter check = %+v, want warn for fallback", r)
	}
	if d.Healthy != true {
		t.Fatal("fallback is a warning, not a failure")
	}
}
