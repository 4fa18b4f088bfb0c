// Package config loads shepherd's TOML configuration with viper. Every key
// has a default, so the binary runs without a file, and every key can be
// overridden from the environment with the SHEPHERD_ prefix.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/shepherd/internal/logger"
	"github.com/loykin/shepherd/internal/mode"
	"github.com/loykin/shepherd/internal/probe"
	"github.com/loykin/shepherd/internal/restart"
	"github.com/loykin/shepherd/internal/service"
)

// EnvPrefix is prepended to environment overrides, e.g. SHEPHERD_STATE_DIR.
const EnvPrefix = "SHEPHERD"

type Config struct {
	Root     string   `mapstructure:"root"`
	StateDir string   `mapstructure:"state_dir"`
	Mode     string   `mapstructure:"mode"`
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Log        LogConfig        `mapstructure:"log"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Watchdog   WatchdogConfig   `mapstructure:"watchdog"`
	Restart    restart.Policy   `mapstructure:"restart"`
	Pool       PoolConfig       `mapstructure:"pool"`
	API        APIConfig        `mapstructure:"api"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	History    HistoryConfig    `mapstructure:"history"`
	Gate       GateConfig       `mapstructure:"gate"`
	Services   []ServiceConfig  `mapstructure:"services"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Color  bool   `mapstructure:"color"`
	// File is shepherd's own log file; empty logs to stderr only.
	File string `mapstructure:"file"`
	// Dir receives <service>.stdout.log and <service>.stderr.log.
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type SupervisorConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Grace        time.Duration `mapstructure:"grace"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	StartGrace   time.Duration `mapstructure:"start_grace"`
}

type WatchdogConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type PoolConfig struct {
	LayoutFile           string        `mapstructure:"layout_file"`
	MaxParallelWorkflows int           `mapstructure:"max_parallel_workflows"`
	StaleAfter           time.Duration `mapstructure:"stale_after"`
	MonitorInterval      time.Duration `mapstructure:"monitor_interval"`
}

type APIConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type HistoryConfig struct {
	// DSN selects the audit sink: sqlite://, postgres://, clickhouse://,
	// opensearch:// (or elasticsearch://).
	// Empty disables history.
	DSN string `mapstructure:"dsn"`
}

type GateConfig struct {
	Command string        `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ServiceConfig struct {
	Name         string        `mapstructure:"name"`
	Kind         string        `mapstructure:"kind"`
	Command      string        `mapstructure:"command"`
	DevCommand   string        `mapstructure:"dev_command"`
	WorkDir      string        `mapstructure:"workdir"`
	Env          []string      `mapstructure:"env"`
	HealthURL    string        `mapstructure:"health_url"`
	ProcessName  string        `mapstructure:"process_name"`
	ProbeCommand string        `mapstructure:"probe_command"`
	PIDFile      string        `mapstructure:"pid_file"`
	Interval     time.Duration `mapstructure:"interval"`
	StartGrace   time.Duration `mapstructure:"start_grace"`
	LogDir       string        `mapstructure:"log_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", ".shepherd/state")
	v.SetDefault("mode", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.dir", ".shepherd/logs")
	v.SetDefault("supervisor.interval", "5s")
	v.SetDefault("supervisor.grace", "10s")
	v.SetDefault("supervisor.probe_timeout", probe.DefaultTimeout.String())
	v.SetDefault("watchdog.interval", "30s")
	v.SetDefault("restart.max_attempts", restart.DefaultMaxAttempts)
	v.SetDefault("restart.cooldown", restart.DefaultCooldown.String())
	v.SetDefault("restart.base_delay", restart.DefaultBaseDelay.String())
	v.SetDefault("restart.max_delay", restart.DefaultMaxDelay.String())
	v.SetDefault("pool.stale_after", "2h")
	v.SetDefault("pool.monitor_interval", "30s")
	v.SetDefault("api.listen", "")
	v.SetDefault("api.base_path", "/api")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("history.dsn", "")
	v.SetDefault("gate.timeout", "5s")
}

// Load reads path (TOML) on top of the defaults. An empty path loads the
// defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// root has no default; bind it so the environment still reaches it
	_ = v.BindEnv("root")
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		// a config file anchors a missing or relative root at its directory
		switch {
		case c.Root == "":
			c.Root = filepath.Dir(path)
		case !filepath.IsAbs(c.Root):
			c.Root = filepath.Join(filepath.Dir(path), c.Root)
		}
	}
	if len(c.Services) == 0 {
		c.Services = DefaultServices()
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &c, nil
}

// DefaultServices is used when the file defines none: only the workflow
// monitor, which needs no command.
func DefaultServices() []ServiceConfig {
	return []ServiceConfig{{Name: service.WorkflowMonitor, Kind: string(service.KindInProcessLoop)}}
}

// SetRoot replaces the project root, e.g. from --root.
func (c *Config) SetRoot(root string) error {
	c.Root = root
	return c.finish()
}

func (c *Config) finish() error {
	if c.Root == "" {
		c.Root = "."
	}
	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	c.Root = abs
	return c.Validate()
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	var errs []error
	if c.Mode != "" {
		if _, ok := mode.Parse(c.Mode); !ok {
			errs = append(errs, fmt.Errorf("mode: unknown %q", c.Mode))
		}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown %q", c.Log.Format))
	}
	for key, d := range map[string]time.Duration{
		"supervisor.interval": c.Supervisor.Interval,
		"supervisor.grace":    c.Supervisor.Grace,
		"watchdog.interval":   c.Watchdog.Interval,
		"restart.cooldown":    c.Restart.Cooldown,
		"restart.base_delay":  c.Restart.BaseDelay,
		"restart.max_delay":   c.Restart.MaxDelay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	if c.Restart.MaxAttempts <= 0 {
		errs = append(errs, errors.New("restart.max_attempts must be > 0"))
	}
	if c.API.Listen != "" {
		host, _, err := net.SplitHostPort(c.API.Listen)
		if err != nil {
			errs = append(errs, fmt.Errorf("api.listen: %w", err))
		} else if !probe.IsLoopbackHost(host) {
			errs = append(errs, fmt.Errorf("api.listen: %s is not a loopback address", c.API.Listen))
		}
	}
	seen := map[string]bool{}
	for _, d := range c.Descriptors() {
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("services: duplicate name %q", d.Name))
		}
		seen[d.Name] = true
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StatePath is the absolute state directory.
func (c *Config) StatePath() string { return c.resolve(c.StateDir) }

// LogPath places name in the configured log directory.
func (c *Config) LogPath(name string) string {
	return filepath.Join(c.resolve(c.Log.Dir), name)
}

// LayoutPath is the absolute pool layout file; empty when none is configured.
func (c *Config) LayoutPath() string { return c.resolve(c.Pool.LayoutFile) }

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

// RestartPolicy returns the configured restart budget.
func (c *Config) RestartPolicy() restart.Policy { return c.Restart }

// LoggerConfig is the config of shepherd's own logger.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Color:  c.Log.Color,
		File:   c.fileConfig(c.resolve(c.Log.File), ""),
	}
}

func (c *Config) fileConfig(path, dir string) logger.FileConfig {
	return logger.FileConfig{
		Path:       path,
		Dir:        dir,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// Descriptors converts [[services]] into launchable descriptors. Relative
// paths are resolved against the root.
func (c *Config) Descriptors() []service.Descriptor {
	out := make([]service.Descriptor, 0, len(c.Services))
	for _, s := range c.Services {
		logDir := s.LogDir
		if logDir == "" {
			logDir = c.Log.Dir
		}
		workDir := c.resolve(s.WorkDir)
		if workDir == "" {
			workDir = c.Root
		}
		interval := s.Interval
		if interval <= 0 {
			interval = c.Pool.MonitorInterval
		}
		startGrace := s.StartGrace
		if startGrace <= 0 {
			startGrace = c.Supervisor.StartGrace
		}
		out = append(out, service.Descriptor{
			Name:         s.Name,
			Kind:         service.Kind(strings.ToLower(s.Kind)),
			Command:      s.Command,
			DevCommand:   s.DevCommand,
			WorkDir:      workDir,
			Env:          s.Env,
			HealthURL:    s.HealthURL,
			ProcessName:  s.ProcessName,
			ProbeCommand: s.ProbeCommand,
			PIDFile:      c.resolve(s.PIDFile),
			Interval:     interval,
			StartGrace:   startGrace,
			ProbeTimeout: c.Supervisor.ProbeTimeout,
			Log:          logger.Config{File: c.fileConfig("", c.resolve(logDir))},
		})
	}
	return out
}

// ResolveMode picks the run mode: the configured one when set, otherwise
// detected from the root.
func (c *Config) ResolveMode(getenv func(string) string) mode.Mode {
	m, _ := c.ModeSource(getenv)
	return m
}

// ModeSource is ResolveMode plus what decided it.
func (c *Config) ModeSource(getenv func(string) string) (mode.Mode, mode.Source) {
	if m, ok := mode.Parse(c.Mode); ok {
		return m, mode.SourceConfig
	}
	return mode.Resolve(c.Root, getenv)
}
