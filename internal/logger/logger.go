package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings, lumberjack units.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// FileConfig describes rotated log files. Path is shepherd's own log; Dir,
// StdoutPath and StderrPath locate the captured output of launched services
// (Dir/<name>.stdout.log and Dir/<name>.stderr.log unless overridden).
type FileConfig struct {
	Path       string `mapstructure:"path" json:"path,omitempty"`
	Dir        string `mapstructure:"dir" json:"dir,omitempty"`
	StdoutPath string `mapstructure:"stdout" json:"stdout,omitempty"`
	StderrPath string `mapstructure:"stderr" json:"stderr,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb,omitempty"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups,omitempty"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days,omitempty"`
	Compress   bool   `mapstructure:"compress" json:"compress,omitempty"`
}

// Config is the slog setup. Format is "text" (default) or "json".
type Config struct {
	Level  string     `mapstructure:"level" json:"level,omitempty"`
	Format string     `mapstructure:"format" json:"format,omitempty"`
	Color  bool       `mapstructure:"color" json:"color,omitempty"`
	File   FileConfig `mapstructure:"file" json:"file,omitempty"`
}

// New builds a logger writing to stderr and, when File.Path is set, to a
// rotated file as well. The returned closer releases the file.
func New(c Config) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if c.File.Path != "" {
		if err := os.MkdirAll(filepath.Dir(c.File.Path), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f := c.File.rotated(c.File.Path)
		w = io.MultiWriter(os.Stderr, f)
		closer = f
	}

	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "", "text":
		// colors only make sense when nothing else shares the stream
		if c.Color && c.File.Path == "" {
			h = NewColorTextHandler(w, opts, true)
		} else {
			h = slog.NewTextHandler(w, opts)
		}
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", c.Format)
	}
	return slog.New(h), closer, nil
}

// ParseLevel maps debug|info|warn|error (case-insensitive, empty = info).
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, errors.New("unknown log level: " + s)
}

// ProcessLogPaths returns where a launched service's stdout and stderr go.
// Empty paths mean the stream is discarded.
func (c Config) ProcessLogPaths(name string) (stdout, stderr string) {
	f := c.File
	stdout, stderr = f.StdoutPath, f.StderrPath
	if stdout == "" && f.Dir != "" {
		stdout = filepath.Join(f.Dir, name+".stdout.log")
	}
	if stderr == "" && f.Dir != "" {
		stderr = filepath.Join(f.Dir, name+".stderr.log")
	}
	return stdout, stderr
}

// ProcessWriters returns rotated writers for a launched service's stdout and
// stderr. Both are nil when no location is configured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout, stderr := c.ProcessLogPaths(name)
	if err := mkParents(stdout, stderr); err != nil {
		return nil, nil, err
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.File.rotated(stdout)
	}
	if stderr != "" {
		errW = c.File.rotated(stderr)
	}
	return outW, errW, nil
}

// ProcessFiles opens the stdout and stderr files for appending. Used for
// detached processes which must keep writing after the launcher exits, so
// no rotation happens here.
func (c Config) ProcessFiles(name string) (*os.File, *os.File, error) {
	stdout, stderr := c.ProcessLogPaths(name)
	if err := mkParents(stdout, stderr); err != nil {
		return nil, nil, err
	}
	open := func(p string) (*os.File, error) {
		if p == "" {
			return nil, nil
		}
		return os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	}
	outF, err := open(stdout)
	if err != nil {
		return nil, nil, err
	}
	errF, err := open(stderr)
	if err != nil {
		if outF != nil {
			_ = outF.Close()
		}
		return nil, nil, err
	}
	return outF, errF, nil
}

func mkParents(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return err
		}
	}
	return nil
}

func (f FileConfig) rotated(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
