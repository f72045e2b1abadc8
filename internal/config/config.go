// Package config loads per-repository orchestrator settings from
// .taskforge/config.yaml with TASKFORGE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskforge/internal/task"
)

// LockMode selects the branch-lock key granularity.
const (
	LockModeBranch = "branch"
	LockModeRepo   = "repo"
)

// RetentionConfig holds per-outcome artifact retention windows in days.
// Zero keeps artifacts forever.
type RetentionConfig struct {
	Completed int `yaml:"completed"`
	Failed    int `yaml:"failed"`
}

// AttachConfig gates operator attach/handoff behavior.
type AttachConfig struct {
	Enabled               bool `yaml:"enabled"`
	IdleTimeoutMinutes    int  `yaml:"idle_timeout_minutes"`
	ReconnectGraceSeconds int  `yaml:"reconnect_grace_seconds"`
}

// RemoteConfig selects the execution adapter.
type RemoteConfig struct {
	Adapter string `yaml:"adapter"`
}

// OTelConfig configures metrics/trace export.
type OTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	RepoRoot string `yaml:"-"`

	TimeoutMinutes        int             `yaml:"timeout_minutes"`
	DaemonIdleStopMinutes int             `yaml:"daemon_idle_stop_minutes"`
	RequireCleanApply     *bool           `yaml:"require_clean_apply,omitempty"`
	RetentionDays         RetentionConfig `yaml:"retention_days"`
	LockMode              string          `yaml:"lock_mode"`
	ApplyMethod           string          `yaml:"apply_method"`
	Attach                AttachConfig    `yaml:"attach"`
	Remote                RemoteConfig    `yaml:"remote"`
	LogLevel              string          `yaml:"log_level"`
	OTel                  OTelConfig      `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		TimeoutMinutes:        30,
		DaemonIdleStopMinutes: 10,
		RetentionDays:         RetentionConfig{Completed: 7, Failed: 14},
		LockMode:              LockModeBranch,
		ApplyMethod:           "auto",
		Attach: AttachConfig{
			Enabled:               true,
			IdleTimeoutMinutes:    60,
			ReconnectGraceSeconds: 30,
		},
		Remote:   RemoteConfig{Adapter: "local"},
		LogLevel: "info",
		OTel:     OTelConfig{Exporter: "none"},
	}
}

// Load reads config for the given repository root. A missing file is
// not an error; defaults apply.
func Load(repoRoot string) (Config, error) {
	cfg := defaultConfig()
	cfg.RepoRoot = repoRoot

	data, err := os.ReadFile(filepath.Join(Dir(repoRoot), "config.yaml"))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("%w: read config.yaml: %v", task.ErrConfig, err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parse config.yaml: %v", task.ErrConfig, err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TASKFORGE_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimeoutMinutes = n
		}
	}
	if v := os.Getenv("TASKFORGE_IDLE_STOP_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DaemonIdleStopMinutes = n
		}
	}
	if v := os.Getenv("TASKFORGE_LOCK_MODE"); v != "" {
		cfg.LockMode = v
	}
	if v := os.Getenv("TASKFORGE_ADAPTER"); v != "" {
		cfg.Remote.Adapter = v
	}
	if v := os.Getenv("TASKFORGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func normalize(cfg *Config) {
	if cfg.TimeoutMinutes <= 0 {
		cfg.TimeoutMinutes = 30
	}
	if cfg.DaemonIdleStopMinutes <= 0 {
		cfg.DaemonIdleStopMinutes = 10
	}
	cfg.LockMode = strings.ToLower(strings.TrimSpace(cfg.LockMode))
	if cfg.LockMode == "" {
		cfg.LockMode = LockModeBranch
	}
	if cfg.ApplyMethod == "" {
		cfg.ApplyMethod = "auto"
	}
	if cfg.Remote.Adapter == "" {
		cfg.Remote.Adapter = "local"
	}
	if cfg.Attach.IdleTimeoutMinutes <= 0 {
		cfg.Attach.IdleTimeoutMinutes = 60
	}
	if cfg.Attach.ReconnectGraceSeconds <= 0 {
		cfg.Attach.ReconnectGraceSeconds = 30
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
}

func validate(cfg *Config) error {
	switch cfg.LockMode {
	case LockModeBranch, LockModeRepo:
	default:
		return fmt.Errorf("%w: lock_mode must be %q or %q, got %q", task.ErrConfig, LockModeBranch, LockModeRepo, cfg.LockMode)
	}
	switch cfg.ApplyMethod {
	case "auto", "cherry-pick", "bundle", "patch":
	default:
		return fmt.Errorf("%w: unknown apply_method %q", task.ErrConfig, cfg.ApplyMethod)
	}
	return nil
}

// RequireClean reports whether apply must refuse a dirty target tree.
// Defaults to true when unset.
func (c Config) RequireClean() bool {
	if c.RequireCleanApply == nil {
		return true
	}
	return *c.RequireCleanApply
}

// Timeout returns the per-task wall-clock budget.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// IdleStop returns how long the daemon idles before self-terminating.
func (c Config) IdleStop() time.Duration {
	return time.Duration(c.DaemonIdleStopMinutes) * time.Minute
}

// AttachIdleTimeout returns how long an attach session may sit idle
// before the daemon reclaims the task.
func (c Config) AttachIdleTimeout() time.Duration {
	return time.Duration(c.Attach.IdleTimeoutMinutes) * time.Minute
}

// ReconnectGrace returns the window after a handoff during which a
// dead worker pid is not treated as an orphan.
func (c Config) ReconnectGrace() time.Duration {
	return time.Duration(c.Attach.ReconnectGraceSeconds) * time.Second
}
