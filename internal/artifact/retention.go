package artifact

import (
	"fmt"
	"os"
	"time"

	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/task"
)

// retentionWindow maps a terminal outcome to its configured retention,
// zero meaning keep forever. Failures and their siblings keep the
// longer failed window so postmortems are not raced by the sweep.
func retentionWindow(status task.Status, days config.RetentionConfig) time.Duration {
	var d int
	switch status {
	case task.StatusCompleted:
		d = days.Completed
	case task.StatusFailed, task.StatusTimeout, task.StatusCancelled:
		d = days.Failed
	default:
		return 0
	}
	return time.Duration(d) * 24 * time.Hour
}

// Prune removes artifact directories of terminal tasks whose retention
// window has elapsed. Tasks retained for debugging are skipped. It
// returns the ids whose artifacts were removed.
func Prune(repoRoot string, tasks []task.Task, days config.RetentionConfig, now time.Time) ([]string, error) {
	var pruned []string
	for i := range tasks {
		t := &tasks[i]
		status := t.Status
		if status == task.StatusCleaned {
			// Outcome before cleaning decides the window.
			if last := lastFinished(t); last != "" {
				status = task.Status(last)
			}
		}
		if !status.Terminal() || t.Rt.RetainedForDebug {
			continue
		}
		window := retentionWindow(status, days)
		if window <= 0 || t.FinishedAt == nil {
			continue
		}
		if now.Sub(*t.FinishedAt) < window {
			continue
		}
		dir := config.TaskDir(repoRoot, t.ID)
		if err := os.RemoveAll(dir); err != nil {
			return pruned, fmt.Errorf("prune artifacts for %s: %w", t.ID, err)
		}
		pruned = append(pruned, t.ID)
	}
	return pruned, nil
}

func lastFinished(t *task.Task) string {
	for i := len(t.Rt.Runs) - 1; i >= 0; i-- {
		if t.Rt.Runs[i].Status.Terminal() {
			return string(t.Rt.Runs[i].Status)
		}
	}
	return ""
}
