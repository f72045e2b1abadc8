// Package eventlog persists the append-only task event streams in
// SQLite: per-task logs, the global stream, and per-consumer read
// cursors. The monotonically increasing event_id is the cursor offset.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Event is one entry in a task's log and in the global stream.
type Event struct {
	EventID int64     `json:"eventId"`
	TaskID  string    `json:"taskId"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Log is the durable event store. Safe for concurrent use from
// multiple processes; writes retry on transient lock errors.
type Log struct {
	db *sql.DB
}

// Open opens (creating if needed) the event database at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l := &Log{db: db}
	ctx := context.Background()
	if err := l.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := l.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := l.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (l *Log) initSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			event_id   INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id    TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message    TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, event_id);
		CREATE TABLE IF NOT EXISTS cursors (
			consumer   TEXT PRIMARY KEY,
			position   INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("init event schema: %w", err)
	}
	return nil
}

// Append writes one event; it lands in the task's log and the global
// stream simultaneously (they share the table, keyed by event_id).
func (l *Log) Append(ctx context.Context, taskID, eventType, message string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := l.db.ExecContext(ctx, `
			INSERT INTO events (task_id, event_type, message) VALUES (?, ?, ?);
		`, taskID, eventType, message)
		if err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		return nil
	})
}

// ListByTask returns a task's events with event_id > fromID, ascending.
func (l *Log) ListByTask(ctx context.Context, taskID string, fromID int64, limit int) ([]Event, error) {
	return l.list(ctx, `
		SELECT event_id, task_id, event_type, message, created_at
		FROM events
		WHERE task_id = ? AND event_id > ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, fromID, clampLimit(limit))
}

// ListGlobal returns global-stream events with event_id > fromID,
// ascending. Consumers pass their committed cursor as fromID.
func (l *Log) ListGlobal(ctx context.Context, fromID int64, limit int) ([]Event, error) {
	return l.list(ctx, `
		SELECT event_id, task_id, event_type, message, created_at
		FROM events
		WHERE event_id > ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, fromID, clampLimit(limit))
}

func (l *Log) list(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.Type, &ev.Message, &ev.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows: %w", err)
	}
	return out, nil
}

// Cursor returns the committed position for a named consumer, zero if
// the consumer is new.
func (l *Log) Cursor(ctx context.Context, consumer string) (int64, error) {
	var pos sql.NullInt64
	err := l.db.QueryRowContext(ctx, `
		SELECT position FROM cursors WHERE consumer = ?;
	`, consumer).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return pos.Int64, nil
}

// CommitCursor advances a consumer's position. Positions never move
// backwards.
func (l *Log) CommitCursor(ctx context.Context, consumer string, position int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := l.db.ExecContext(ctx, `
			INSERT INTO cursors (consumer, position, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(consumer) DO UPDATE SET
				position = MAX(cursors.position, excluded.position),
				updated_at = CURRENT_TIMESTAMP;
		`, consumer, position)
		if err != nil {
			return fmt.Errorf("commit cursor: %w", err)
		}
		return nil
	})
}

// LastEventID returns the newest event id in the stream, zero if empty.
func (l *Log) LastEventID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(event_id) FROM events;`).Scan(&max); err != nil {
		return 0, fmt.Errorf("event bounds: %w", err)
	}
	return max.Int64, nil
}

// PruneTask deletes all events belonging to a task. Used by the
// retention sweep together with artifact removal.
func (l *Log) PruneTask(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := l.db.ExecContext(ctx, `DELETE FROM events WHERE task_id = ?;`, taskID)
		if err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
		return nil
	})
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}

func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
