// Package adapter defines the execution-adapter boundary: how a task
// run is prepared, started, observed, and torn down, independent of the
// mechanism doing the running. Orchestration policy lives in the
// daemon; adapters only supply mechanism.
package adapter

import (
	"context"
	"fmt"

	"github.com/basket/taskforge/internal/task"
)

// Capabilities describes which optional operations an adapter supports.
// Callers must consult this before invoking an optional method; the
// method itself still fails with ErrNotSupported on an incapable
// adapter rather than silently no-oping.
type Capabilities struct {
	Checkpoint     bool `json:"checkpoint"`
	Restore        bool `json:"restore"`
	AttachHandoff  bool `json:"attachHandoff"`
	ResumeToken    bool `json:"resumeToken"`
	Transcript     bool `json:"transcript"`
	FailedSnapshot bool `json:"failedSnapshot"`
}

// Flags returns the enabled capability names, recorded onto tasks.
func (c Capabilities) Flags() []string {
	var out []string
	for _, f := range []struct {
		name string
		on   bool
	}{
		{"checkpoint", c.Checkpoint},
		{"restore", c.Restore},
		{"attachHandoff", c.AttachHandoff},
		{"resumeToken", c.ResumeToken},
		{"transcript", c.Transcript},
		{"failedSnapshot", c.FailedSnapshot},
	} {
		if f.on {
			out = append(out, f.name)
		}
	}
	return out
}

// RunState is the liveness of a started run: running or exited. The
// exit code is not observable here; workers report their own outcome
// through the task store.
type RunState string

const (
	RunStateRunning RunState = "running"
	RunStateExited  RunState = "exited"
)

// Prepared describes an isolated execution environment ready to start.
type Prepared struct {
	TaskID       string
	RunID        string
	WorktreePath string
	Branch       string
}

// Handle identifies a started run. Ephemeral; only the fields the
// task's runtime metadata captures survive a process restart.
type Handle struct {
	TaskID       string
	RunID        string
	WorktreePath string
	Branch       string
	WorkerPID    int
}

// Handoff is the adapter's answer to an attach request.
type Handoff struct {
	Boundary      string // "immediate" or a natural pause point
	SessionHandle string
}

// AttachContext describes how a revived session can restore state.
type AttachContext struct {
	SessionHandle   string
	RestoreStrategy string // e.g. "native", "fallback_summary"
}

// Adapter is the execution backend contract. Optional methods are
// present on every adapter; incapable ones return ErrNotSupported.
type Adapter interface {
	ID() string
	Caps() Capabilities

	Prepare(ctx context.Context, repoRoot string, t *task.Task, runID string) (*Prepared, error)
	Start(ctx context.Context, repoRoot string, t *task.Task, prep *Prepared) (*Handle, error)
	Status(ctx context.Context, h *Handle) (RunState, error)
	Cancel(ctx context.Context, h *Handle) error
	Cleanup(ctx context.Context, repoRoot string, h *Handle) error

	RequestHandoff(ctx context.Context, h *Handle) (*Handoff, error)
	AttachContext(ctx context.Context, h *Handle) (*AttachContext, error)
	ResumeFromAttach(ctx context.Context, h *Handle) error
	Checkpoint(ctx context.Context, h *Handle) (string, error)
	Restore(ctx context.Context, repoRoot string, t *task.Task, checkpoint string) (*Handle, error)
}

// NotSupported builds the distinct error for an optional method the
// adapter lacks.
func NotSupported(adapterID, op string) error {
	return fmt.Errorf("%w: adapter %q does not support %s", task.ErrAdapterUnsupported, adapterID, op)
}

// Resolution is the outcome of adapter selection.
type Resolution struct {
	Adapter  Adapter
	Fallback bool // true when the configured id was unknown and "local" substituted
}

// Registry maps adapter ids to implementations.
type Registry struct {
	adapters map[string]Adapter
	fallback string
}

// NewRegistry creates a registry with "local" as the fallback id.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter), fallback: "local"}
}

// Register adds an adapter under its own id.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.ID()] = a
}

// IDs returns the registered adapter ids.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	return out
}

// Resolve returns the adapter for the configured id, falling back to
// "local" (with the fallback flag set) when the id is unknown.
func (r *Registry) Resolve(id string) (Resolution, error) {
	if id == "" {
		id = r.fallback
	}
	if a, ok := r.adapters[id]; ok {
		return Resolution{Adapter: a}, nil
	}
	a, ok := r.adapters[r.fallback]
	if !ok {
		return Resolution{}, fmt.Errorf("no adapter %q and no %q fallback registered", id, r.fallback)
	}
	return Resolution{Adapter: a, Fallback: true}, nil
}
