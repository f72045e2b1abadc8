// Package daemon implements the per-repository control plane: one
// long-lived background process that dequeues unblocked work, drives
// execution adapters, enforces timeouts, and self-terminates when idle.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/procutil"
	"github.com/basket/taskforge/internal/store"
	"github.com/basket/taskforge/internal/task"
)

const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopping = "stopping"
)

// State is the persisted daemon record. Liveness is always decided by
// probing the pid, never by the file's mere presence.
type State struct {
	PID         int        `json:"pid"`
	InstanceID  string     `json:"instanceId"`
	StartedAt   time.Time  `json:"startedAt"`
	HeartbeatAt time.Time  `json:"heartbeatAt"`
	IdleSince   *time.Time `json:"idleSince,omitempty"`
	Status      string     `json:"status"`
}

// ReadState loads the recorded daemon state; nil when none exists.
func ReadState(repoRoot string) (*State, error) {
	data, err := os.ReadFile(config.DaemonStatePath(repoRoot))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		// A torn or garbage state file means no usable daemon record.
		return nil, nil
	}
	return &st, nil
}

func writeState(repoRoot string, st *State) error {
	if err := os.MkdirAll(config.RuntimeDir(repoRoot), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	path := config.DaemonStatePath(repoRoot)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".daemon-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Alive reports whether the recorded daemon process exists.
func (s *State) Alive() bool {
	return s != nil && s.PID > 0 && procutil.Alive(s.PID)
}

// withStartLock runs f while holding the dedicated daemon start lock,
// so two racing processes converge on exactly one live daemon.
func withStartLock(ctx context.Context, repoRoot string, f func() error) error {
	if err := os.MkdirAll(config.RuntimeDir(repoRoot), 0o755); err != nil {
		return err
	}
	lf, err := os.OpenFile(config.DaemonLockPath(repoRoot), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open start lock: %v", task.ErrDaemonUnavailable, err)
	}
	defer lf.Close()

	for {
		err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if err != syscall.EWOULDBLOCK && err != syscall.EAGAIN {
			return fmt.Errorf("%w: acquire start lock: %v", task.ErrDaemonUnavailable, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: start lock contended: %v", task.ErrDaemonUnavailable, ctx.Err())
		case <-time.After(25 * time.Millisecond):
		}
	}
	defer syscall.Flock(int(lf.Fd()), syscall.LOCK_UN)
	return f()
}

// EnsureTaskDaemon makes sure a daemon services repoRoot: under the
// start lock it probes the recorded pid and, if dead, spawns a detached
// daemon process. It returns without waiting for readiness and is safe
// to call from every invocation that needs background processing.
func EnsureTaskDaemon(ctx context.Context, repoRoot, exe string) error {
	return withStartLock(ctx, repoRoot, func() error {
		st, err := ReadState(repoRoot)
		if err != nil {
			return fmt.Errorf("%w: read daemon state: %v", task.ErrDaemonUnavailable, err)
		}
		if st.Alive() {
			return nil
		}
		return spawnDaemon(repoRoot, exe)
	})
}

func spawnDaemon(repoRoot, exe string) error {
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("%w: locate daemon executable: %v", task.ErrDaemonUnavailable, err)
		}
		exe = self
	}
	if err := os.MkdirAll(config.LogsDir(repoRoot), 0o755); err != nil {
		return fmt.Errorf("%w: %v", task.ErrDaemonUnavailable, err)
	}
	out, err := os.OpenFile(filepath.Join(config.LogsDir(repoRoot), "daemon.out"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", task.ErrDaemonUnavailable, err)
	}
	defer out.Close()

	cmd := exec.Command(exe, "daemon", "--serve", "--repo", repoRoot)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: spawn daemon: %v", task.ErrDaemonUnavailable, err)
	}
	_ = cmd.Process.Release()
	return nil
}

// StopReason explains the outcome of StopTaskDaemon.
type StopReason string

const (
	StopNotRunning  StopReason = "not_running"
	StopActiveTasks StopReason = "active_tasks"
	StopStopped     StopReason = "stopped"
)

// StopTaskDaemon signals a live daemon to stop. It refuses while active
// tasks exist unless forced.
func StopTaskDaemon(ctx context.Context, repoRoot string, s *store.Store, force bool) (StopReason, error) {
	st, err := ReadState(repoRoot)
	if err != nil {
		return StopNotRunning, err
	}
	if !st.Alive() {
		return StopNotRunning, nil
	}
	if !force {
		active, err := s.CountActive(ctx)
		if err != nil {
			return StopNotRunning, err
		}
		if active > 0 {
			return StopActiveTasks, nil
		}
	}
	if err := procutil.Terminate(st.PID); err != nil {
		return StopNotRunning, fmt.Errorf("signal daemon: %w", err)
	}
	return StopStopped, nil
}

// CleanupTaskRuntime removes the runtime directory wholesale: daemon
// state, locks, and logs. It refuses while the daemon is alive.
func CleanupTaskRuntime(repoRoot string) error {
	st, err := ReadState(repoRoot)
	if err != nil {
		return err
	}
	if st.Alive() {
		return fmt.Errorf("daemon pid %d is still running; stop it first", st.PID)
	}
	return os.RemoveAll(config.RuntimeDir(repoRoot))
}

func newState(pid int) *State {
	now := time.Now().UTC()
	return &State{
		PID:         pid,
		InstanceID:  uuid.NewString(),
		StartedAt:   now,
		HeartbeatAt: now,
		Status:      StatusStarting,
	}
}
