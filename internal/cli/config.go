package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/flowqueue/internal/artifacts"
	"github.com/ChuLiYu/flowqueue/internal/engine"
	"github.com/ChuLiYu/flowqueue/internal/files"
	"github.com/ChuLiYu/flowqueue/internal/jobs"
	"github.com/ChuLiYu/flowqueue/internal/observability"
	"github.com/ChuLiYu/flowqueue/internal/ratelimit"
	"github.com/ChuLiYu/flowqueue/internal/server"
	"github.com/ChuLiYu/flowqueue/internal/store"
	"github.com/ChuLiYu/flowqueue/internal/worker"
)

var log = slog.Default()

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Store struct {
		store.Config `yaml:",inline"`
		LockTTL      time.Duration `yaml:"lock_ttl"`
	} `yaml:"store"`

	Server    server.Config        `yaml:"server"`
	Worker    worker.Config        `yaml:"worker"`
	Engine    engine.Config        `yaml:"engine"`
	Jobs      jobs.Config          `yaml:"jobs"`
	Files     files.Config         `yaml:"files"`
	Artifacts artifacts.Config     `yaml:"artifacts"`
	RateLimit ratelimit.Config     `yaml:"ratelimit"`
	Tracing   observability.Config `yaml:"tracing"`
	Auth      server.AuthConfig    `yaml:"auth"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"` // empty: served by the HTTP API
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`  // debug, info, warn, error
		Format string `yaml:"format"` // text or json
	} `yaml:"log"`
}

// defaultConfig is used when no config file exists at the default path.
func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Jobs.Enabled = true
	cfg.Metrics.Enabled = true
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = store.DriverSQLite
	}
	if c.Store.DSN == "" && c.Store.Driver == store.DriverSQLite {
		c.Store.DSN = "data/flowqueue.db"
	}
	if c.Store.LockTTL <= 0 {
		c.Store.LockTTL = 2 * time.Minute
	}
	c.Server.ApplyDefaults()
	c.Jobs.ApplyDefaults()
	if c.Worker.LockTTL <= 0 {
		c.Worker.LockTTL = c.Store.LockTTL
	}
	c.Worker.ApplyDefaults()
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath {
		return defaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("bad log level %q", s)
	}
	return level, nil
}

// setupLogging installs the process wide slog handler.
func setupLogging(w io.Writer, level, format string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("bad log format %q", format)
	}
	slog.SetDefault(slog.New(h))
	// Package loggers captured slog.Default() at init and reach the new
	// handler through the log bridge, which filters on this level.
	slog.SetLogLoggerLevel(lvl)
	return nil
}

// ensureParentDir creates the directory of a SQLite database file.
func ensureParentDir(dsn string) error {
	if dsn == "" || strings.HasPrefix(dsn, "file:") || strings.HasPrefix(dsn, ":memory:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create store directory %s: %w", dir, err)
	}
	return nil
}
