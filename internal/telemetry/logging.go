// Package telemetry wires structured logging for the daemon and CLI.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/taskforge/internal/shared"
)

// NewLogger builds a JSON slog logger writing to
// <logsDir>/system.jsonl, mirroring to stdout unless quiet. Secret
// values are redacted before they reach disk.
func NewLogger(logsDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(filepath.Join(logsDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted := shared.Redact(a.Value.String()); redacted != a.Value.String() {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	logger := slog.New(handler).With("component", "taskforge")
	return logger, file, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
