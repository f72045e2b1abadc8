package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/basket/taskforge/internal/adapter"
	"github.com/basket/taskforge/internal/artifact"
	"github.com/basket/taskforge/internal/bus"
	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/otel"
	"github.com/basket/taskforge/internal/procutil"
	"github.com/basket/taskforge/internal/store"
	"github.com/basket/taskforge/internal/task"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Options wires a Daemon to its collaborators.
type Options struct {
	Config   config.Config
	Store    *store.Store
	Bus      *bus.Bus    // optional
	Registry *adapter.Registry
	Log      *slog.Logger
	Metrics  *otel.Metrics // optional
	Tick     time.Duration // defaults to 1s
}

// Daemon is the per-repository scheduling loop. All scheduling runs on
// one goroutine; concurrency comes from the detached workers it spawns.
type Daemon struct {
	cfg      config.Config
	store    *store.Store
	bus      *bus.Bus
	registry *adapter.Registry
	log      *slog.Logger
	metrics  *otel.Metrics
	tickIv   time.Duration

	state *State
}

func New(opts Options) *Daemon {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	tick := opts.Tick
	if tick <= 0 {
		tick = time.Second
	}
	return &Daemon{
		cfg:      opts.Config,
		store:    opts.Store,
		bus:      opts.Bus,
		registry: opts.Registry,
		log:      log,
		metrics:  opts.Metrics,
		tickIv:   tick,
	}
}

// Run services the repository until the context is cancelled or the
// idle threshold elapses. Termination is only acted on at a tick
// boundary, never mid-tick.
func (d *Daemon) Run(ctx context.Context) error {
	repo := d.cfg.RepoRoot
	d.state = newState(os.Getpid())
	if err := writeState(repo, d.state); err != nil {
		return fmt.Errorf("record daemon state: %w", err)
	}
	d.state.Status = StatusRunning
	d.publish(bus.TopicDaemonStarted, bus.TaskEvent{Message: d.state.InstanceID})
	d.log.Info("daemon started", "pid", d.state.PID, "instance", d.state.InstanceID, "repo", repo)

	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@hourly", func() { d.sweepArtifacts(context.Background()) }); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()
	d.sweepArtifacts(ctx)

	// Task lifecycle publishes cut the latency between a state change
	// and the pass that acts on it; the ticker still covers changes
	// made by other processes.
	var wake <-chan bus.Event
	if d.bus != nil {
		sub := d.bus.Subscribe(bus.TopicTaskPrefix)
		defer d.bus.Unsubscribe(sub)
		wake = sub.Ch()
	}

	ticker := time.NewTicker(d.tickIv)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return d.shutdown("signal")
		case <-ticker.C:
		case <-wake:
		}
		stop, err := d.tick(ctx)
		if err != nil {
			// Per-task errors were already absorbed; this is an
			// index-level failure worth surfacing but not fatal.
			d.log.Error("tick failed", "error", err)
		}
		if stop {
			return d.shutdown("idle")
		}
	}
}

func (d *Daemon) shutdown(cause string) error {
	d.state.Status = StatusStopping
	d.publish(bus.TopicDaemonStopping, bus.TaskEvent{Message: cause})
	d.log.Info("daemon stopping", "cause", cause)
	return writeState(d.cfg.RepoRoot, d.state)
}

// tick runs one scheduling pass and reports whether the idle threshold
// has elapsed.
func (d *Daemon) tick(ctx context.Context) (stop bool, err error) {
	started := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.TickDuration.Record(ctx, time.Since(started).Seconds())
		}
	}()
	d.publish(bus.TopicDaemonTick, bus.TaskEvent{})

	tasks, err := d.store.List(ctx)
	if err != nil {
		return false, err
	}

	active := 0
	for i := range tasks {
		t := &tasks[i]
		if t.Status.Active() {
			active++
		}
		switch t.Status {
		case task.StatusRunning:
			d.superviseRunning(ctx, t)
		case task.StatusQueued:
			if !t.Blocked() {
				d.launch(ctx, t)
			}
		case task.StatusPausedForAttach:
			d.superviseAttached(ctx, t)
		}
	}

	return d.bookkeep(active), nil
}

// superviseRunning enforces the wall-clock budget and detects orphaned
// runs whose worker died without reporting. Orphans become resumable;
// the loop never auto-resumes them.
func (d *Daemon) superviseRunning(ctx context.Context, t *task.Task) {
	// The budget is per run attempt. Revived runs start a fresh clock;
	// the task-level StartedAt only covers tasks with no recorded run.
	started := t.StartedAt
	if run := t.ActiveRun(); run != nil {
		started = &run.StartedAt
	}
	if started != nil && time.Since(*started) >= d.cfg.Timeout() {
		d.log.Warn("task exceeded budget", "task", t.DisplayID, "budget", d.cfg.Timeout())
		if t.Rt.WorkerPID > 0 {
			_ = procutil.Kill(t.Rt.WorkerPID)
			if d.metrics != nil {
				d.metrics.WorkerSignals.Add(ctx, 1, metric.WithAttributes(attribute.String("signal", "kill")))
			}
		}
		reason := fmt.Sprintf("exceeded %s budget", d.cfg.Timeout())
		if _, err := d.store.UpdateStatus(ctx, t.ID, task.StatusTimeout, reason); err != nil {
			d.log.Error("mark timeout", "task", t.DisplayID, "error", err)
		}
		d.finish(ctx, t, task.StatusTimeout)
		return
	}

	if t.Attach.State == "handoff_ready" && t.Attach.At != nil {
		if time.Since(*t.Attach.At) < d.cfg.ReconnectGrace() {
			// The operator may be mid-handoff; hold the orphan check.
			return
		}
		if time.Since(*t.Attach.At) >= d.cfg.AttachIdleTimeout() {
			d.log.Info("handoff expired unclaimed", "task", t.DisplayID)
			if _, err := d.store.Patch(ctx, t.ID, func(tk *task.Task) error {
				tk.Attach.State = ""
				tk.Attach.At = nil
				return nil
			}); err != nil {
				d.log.Error("clear attach state", "task", t.DisplayID, "error", err)
			}
		}
	}

	if t.Rt.WorkerPID > 0 && !procutil.Alive(t.Rt.WorkerPID) {
		// Give the worker's own terminal write a re-read before calling
		// it an orphan; the index may already be ahead of this listing.
		cur, err := d.store.Get(ctx, t.ID)
		if err != nil || cur.Status != task.StatusRunning {
			return
		}
		d.log.Warn("orphaned run detected", "task", t.DisplayID, "pid", t.Rt.WorkerPID)
		reason := fmt.Sprintf("worker pid %d died without reporting; attach to revive", t.Rt.WorkerPID)
		if _, err := d.store.UpdateStatus(ctx, t.ID, task.StatusResumable, reason); err != nil {
			d.log.Error("mark resumable", "task", t.DisplayID, "error", err)
		}
	}
}

// superviseAttached demotes a paused task whose attach session has
// gone idle past the configured timeout. It never resumes work itself.
func (d *Daemon) superviseAttached(ctx context.Context, t *task.Task) {
	if t.Attach.At == nil || time.Since(*t.Attach.At) < d.cfg.AttachIdleTimeout() {
		return
	}
	d.log.Warn("attach session idled out", "task", t.DisplayID, "idle_timeout", d.cfg.AttachIdleTimeout())
	reason := fmt.Sprintf("attach session idle for over %s; attach or resume to continue", d.cfg.AttachIdleTimeout())
	if _, err := d.store.UpdateStatus(ctx, t.ID, task.StatusResumable, reason); err != nil {
		d.log.Error("mark resumable", "task", t.DisplayID, "error", err)
	}
}

// launch drives one unblocked queued task through prepare and start.
// Every failure is absorbed into a failed transition; the loop keeps
// servicing other tasks.
func (d *Daemon) launch(ctx context.Context, t *task.Task) {
	res, err := d.registry.Resolve(t.Adapter)
	if err != nil {
		d.fail(ctx, t, fmt.Errorf("resolve adapter: %w", err))
		return
	}
	a := res.Adapter
	if res.Fallback {
		d.log.Warn("unknown adapter, falling back to local", "task", t.DisplayID, "requested", t.Adapter)
	}

	if _, err := d.store.UpdateStatus(ctx, t.ID, task.StatusPreparing, ""); err != nil {
		d.log.Error("mark preparing", "task", t.DisplayID, "error", err)
		return
	}
	runID := uuid.NewString()
	if _, err := d.store.BeginRun(ctx, t.ID, runID); err != nil {
		d.fail(ctx, t, fmt.Errorf("begin run: %w", err))
		return
	}

	prep, err := a.Prepare(ctx, d.cfg.RepoRoot, t, runID)
	if err != nil {
		d.fail(ctx, t, fmt.Errorf("prepare: %w", err))
		return
	}
	caps := a.Caps().Flags()
	if _, err := d.store.Patch(ctx, t.ID, func(tk *task.Task) error {
		tk.Adapter = a.ID()
		tk.Capabilities = caps
		tk.Rt.WorktreePath = prep.WorktreePath
		tk.Rt.WorkBranch = prep.Branch
		return nil
	}); err != nil {
		d.fail(ctx, t, fmt.Errorf("record worktree: %w", err))
		return
	}

	handle, err := a.Start(ctx, d.cfg.RepoRoot, t, prep)
	if err != nil {
		_ = a.Cleanup(ctx, d.cfg.RepoRoot, &adapter.Handle{WorktreePath: prep.WorktreePath, Branch: prep.Branch})
		d.fail(ctx, t, fmt.Errorf("start worker: %w", err))
		return
	}
	if _, err := d.store.Patch(ctx, t.ID, func(tk *task.Task) error {
		tk.Rt.WorkerPID = handle.WorkerPID
		return nil
	}); err != nil {
		d.log.Error("record worker pid", "task", t.DisplayID, "error", err)
	}

	d.log.Info("task launched", "task", t.DisplayID, "run", runID, "pid", handle.WorkerPID, "adapter", a.ID())
	if d.metrics != nil {
		d.metrics.TasksStarted.Add(ctx, 1)
		d.metrics.ActiveTasks.Add(ctx, 1)
	}
}

func (d *Daemon) fail(ctx context.Context, t *task.Task, cause error) {
	d.log.Error("task failed before running", "task", t.DisplayID, "error", cause)
	if _, err := d.store.UpdateStatus(ctx, t.ID, task.StatusFailed, cause.Error()); err != nil {
		d.log.Error("record failure", "task", t.DisplayID, "error", err)
	}
	d.finish(ctx, t, task.StatusFailed)
}

func (d *Daemon) finish(ctx context.Context, t *task.Task, outcome task.Status) {
	if d.metrics == nil {
		return
	}
	d.metrics.TasksFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	d.metrics.ActiveTasks.Add(ctx, -1)
	if t.StartedAt != nil {
		d.metrics.TaskDuration.Record(ctx, time.Since(*t.StartedAt).Seconds())
	}
}

// bookkeep stamps heartbeat and idle state, reporting whether the idle
// threshold has elapsed.
func (d *Daemon) bookkeep(active int) bool {
	now := time.Now().UTC()
	d.state.HeartbeatAt = now
	if active > 0 {
		d.state.IdleSince = nil
	} else if d.state.IdleSince == nil {
		d.state.IdleSince = &now
	}
	if err := writeState(d.cfg.RepoRoot, d.state); err != nil {
		d.log.Error("write daemon state", "error", err)
	}
	return d.state.IdleSince != nil && now.Sub(*d.state.IdleSince) >= d.cfg.IdleStop()
}

func (d *Daemon) sweepArtifacts(ctx context.Context) {
	tasks, err := d.store.List(ctx)
	if err != nil {
		d.log.Error("retention sweep: list", "error", err)
		return
	}
	pruned, err := artifact.Prune(d.cfg.RepoRoot, tasks, d.cfg.RetentionDays, time.Now().UTC())
	if err != nil {
		d.log.Error("retention sweep", "error", err)
	}
	if len(pruned) > 0 {
		d.log.Info("retention sweep pruned artifacts", "count", len(pruned))
	}
}

func (d *Daemon) publish(topic string, payload any) {
	if d.bus != nil {
		d.bus.Publish(topic, payload)
	}
}
