package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/stagehand/internal/engine"
	"github.com/rendis/stagehand/internal/reaper"
)

// Duration is a time.Duration that reads and writes as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var ms int64
		if err := json.Unmarshal(data, &ms); err != nil {
			return fmt.Errorf("duration must be a string like \"30s\" or milliseconds: %s", data)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func durationOf(d Duration) time.Duration { return time.Duration(d) }

// Config holds all stagehand server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath             string   `json:"db_path"`
	GraphsDir          string   `json:"graphs_dir"`
	LogLevel           string   `json:"log_level"`
	PoolSize           int      `json:"pool_size"`
	DefaultStepTimeout Duration `json:"default_step_timeout"`
	AbortGracePeriod   Duration `json:"abort_grace_period"`
	ReaperSchedule     string   `json:"reaper_schedule"`
	GraphCacheSize     int      `json:"graph_cache_size"`
}

func defaultConfig() Config {
	return Config{
		DBPath:             "file:" + filepath.Join(stagehandDir(), "stagehand.db"),
		GraphsDir:          filepath.Join(stagehandDir(), "graphs"),
		LogLevel:           "info",
		PoolSize:           engine.DefaultPoolSize,
		DefaultStepTimeout: Duration(engine.DefaultStepTimeout),
		AbortGracePeriod:   Duration(engine.DefaultAbortGracePeriod),
		ReaperSchedule:     reaper.DefaultSchedule,
		GraphCacheSize:     64,
	}
}

func stagehandDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stagehand"
	}
	return filepath.Join(home, ".stagehand")
}

func settingsPath() string {
	if v := os.Getenv("STAGEHAND_SETTINGS"); v != "" {
		return v
	}
	return filepath.Join(stagehandDir(), "settings.json")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars override.
	if v, ok := os.LookupEnv("STAGEHAND_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v := os.Getenv("STAGEHAND_GRAPHS_DIR"); v != "" {
		cfg.GraphsDir = v
	}
	if v := os.Getenv("STAGEHAND_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STAGEHAND_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("STAGEHAND_DEFAULT_STEP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DefaultStepTimeout = Duration(d)
		}
	}
	if v := os.Getenv("STAGEHAND_ABORT_GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AbortGracePeriod = Duration(d)
		}
	}
	if v := os.Getenv("STAGEHAND_REAPER_SCHEDULE"); v != "" {
		cfg.ReaperSchedule = v
	}
	if v := os.Getenv("STAGEHAND_GRAPH_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GraphCacheSize = n
		}
	}

	return cfg, nil
}

// parseLevel maps a config log level to slog. Unknown values fall back to info.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.GraphsDir != new.GraphsDir {
		d.RestartNeeded = append(d.RestartNeeded, "graphs_dir")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.DefaultStepTimeout != new.DefaultStepTimeout {
		d.RestartNeeded = append(d.RestartNeeded, "default_step_timeout")
	}
	if old.AbortGracePeriod != new.AbortGracePeriod {
		d.RestartNeeded = append(d.RestartNeeded, "abort_grace_period")
	}
	if old.ReaperSchedule != new.ReaperSchedule {
		d.RestartNeeded = append(d.RestartNeeded, "reaper_schedule")
	}
	if old.GraphCacheSize != new.GraphCacheSize {
		d.RestartNeeded = append(d.RestartNeeded, "graph_cache_size")
	}
	return d
}
