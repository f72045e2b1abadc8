package config

import "path/filepath"

// All orchestrator state for a repository lives under <repo>/.taskforge.

// Dir returns the orchestrator state directory for a repository.
func Dir(repoRoot string) string {
	return filepath.Join(repoRoot, ".taskforge")
}

// IndexPath is the crash-atomic task index document.
func IndexPath(repoRoot string) string {
	return filepath.Join(Dir(repoRoot), "index.json")
}

// IndexLockPath guards index read-modify-write cycles across processes.
func IndexLockPath(repoRoot string) string {
	return filepath.Join(Dir(repoRoot), "index.lock")
}

// EventsDBPath holds per-task event logs, the global stream, and
// consumer cursors.
func EventsDBPath(repoRoot string) string {
	return filepath.Join(Dir(repoRoot), "events.db")
}

// TasksDir holds one artifact directory per task.
func TasksDir(repoRoot string) string {
	return filepath.Join(Dir(repoRoot), "tasks")
}

// TaskDir is the artifact directory for one task.
func TaskDir(repoRoot, taskID string) string {
	return filepath.Join(TasksDir(repoRoot), taskID)
}

// RuntimeDir holds daemon state, the start lock, and logs. It is
// removed wholesale by cleanup.
func RuntimeDir(repoRoot string) string {
	return filepath.Join(Dir(repoRoot), "runtime")
}

// DaemonStatePath records the live daemon's pid and heartbeat.
func DaemonStatePath(repoRoot string) string {
	return filepath.Join(RuntimeDir(repoRoot), "daemon.json")
}

// DaemonLockPath is the dedicated start lock for daemon auto-start.
func DaemonLockPath(repoRoot string) string {
	return filepath.Join(RuntimeDir(repoRoot), "daemon.lock")
}

// WorktreesDir holds the isolated worktrees the local adapter prepares.
func WorktreesDir(repoRoot string) string {
	return filepath.Join(Dir(repoRoot), "worktrees")
}

// LogsDir holds the daemon's structured log output.
func LogsDir(repoRoot string) string {
	return filepath.Join(RuntimeDir(repoRoot), "logs")
}
