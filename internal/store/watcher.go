package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher signals when the task index changes on disk, so followers
// (watch, wait, logs --follow) can refresh promptly instead of relying
// only on their polling interval. The atomic rename that replaces the
// index shows up as a Create event in the parent directory.
type Watcher struct {
	indexPath string
	logger    *slog.Logger
	events    chan struct{}
}

func NewWatcher(indexPath string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		indexPath: indexPath,
		logger:    logger,
		events:    make(chan struct{}, 1),
	}
}

// Events returns a coalesced change-notification channel.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Start begins watching until the context is done. Watch errors are
// logged and swallowed; callers still have their polling fallback.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.indexPath)); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(w.indexPath) {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- struct{}{}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("index watch error", "error", err)
			}
		}
	}()
	return nil
}

// WaitForChange blocks until the index changes, the poll interval
// elapses, or the context is done.
func (w *Watcher) WaitForChange(ctx context.Context, pollInterval time.Duration) {
	select {
	case <-ctx.Done():
	case <-w.events:
	case <-time.After(pollInterval):
	}
}
