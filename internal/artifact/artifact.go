// Package artifact persists the durable outputs of a run before its
// worktree is torn down: a commit-refs manifest, a patch, required
// metadata, and an optional summary. Artifacts are owned exclusively by
// their task and outlive the worktree that produced them.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/task"
)

const (
	metadataFile   = "metadata.json"
	commitRefsFile = "commit-refs.json"
	patchFile      = "changes.patch"
	summaryFile    = "summary.md"
)

// Metadata is the required per-run record.
type Metadata struct {
	TaskID     string            `json:"taskId"`
	RunID      string            `json:"runId,omitempty"`
	Adapter    string            `json:"adapter,omitempty"`
	Branch     string            `json:"branch,omitempty"`
	StartRef   string            `json:"startRef,omitempty"`
	EndRef     string            `json:"endRef,omitempty"`
	Status     string            `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Bundle is everything one run leaves behind.
type Bundle struct {
	CommitRefs []string
	Patch      string
	Summary    string
	Metadata   Metadata
}

// Write persists the bundle into the task's artifact directory. The
// commit-refs manifest is always written, even when empty, so apply can
// distinguish "ran with no commits" from "never ran".
func Write(repoRoot, taskID string, b Bundle) error {
	dir := config.TaskDir(repoRoot, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	refs := b.CommitRefs
	if refs == nil {
		refs = []string{}
	}
	if err := writeJSON(filepath.Join(dir, commitRefsFile), refs); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, metadataFile), b.Metadata); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, patchFile), []byte(b.Patch), 0o644); err != nil {
		return fmt.Errorf("write patch: %w", err)
	}
	if b.Summary != "" {
		if err := os.WriteFile(filepath.Join(dir, summaryFile), []byte(b.Summary), 0o644); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadMetadata loads the run metadata for a task, NotFound when the
// task never produced artifacts.
func ReadMetadata(repoRoot, taskID string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(config.TaskDir(repoRoot, taskID), metadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: no artifacts for task %s", task.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &m, nil
}

// ReadCommitRefs loads the commit-refs manifest. A task that ran but
// produced no commits yields an empty, non-nil slice.
func ReadCommitRefs(repoRoot, taskID string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(config.TaskDir(repoRoot, taskID), commitRefsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: no commit-refs manifest for task %s", task.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	var refs []string
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("decode commit refs: %w", err)
	}
	if refs == nil {
		refs = []string{}
	}
	return refs, nil
}

// PatchPath returns the on-disk patch location without checking it
// exists.
func PatchPath(repoRoot, taskID string) string {
	return filepath.Join(config.TaskDir(repoRoot, taskID), patchFile)
}

// List returns the artifact file names for a task, sorted, for display.
func List(repoRoot, taskID string) ([]string, error) {
	entries, err := os.ReadDir(config.TaskDir(repoRoot, taskID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: no artifacts for task %s", task.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
