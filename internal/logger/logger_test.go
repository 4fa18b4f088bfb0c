package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestProcessWriters_WithDirOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	cfg := Config{File: FileConfig{Dir: dir}}
	outW, errW, err := cfg.ProcessWriters("dashboard")
	if err != nil {
		t.Fatalf("ProcessWriters error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers non-nil when Dir is set")
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	for _, p := range []string{"dashboard.stdout.log", "dashboard.stderr.log"} {
		if _, err := os.Stat(filepath.Join(dir, p)); err != nil {
			t.Fatalf("log not created at %s: %v", p, err)
		}
	}
}

func TestProcessWriters_NoLocation(t *testing.T) {
	outW, errW, err := Config{}.ProcessWriters("n")
	if err != nil {
		t.Fatal(err)
	}
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers when nothing is configured")
	}
}

func TestProcessWriters_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{StdoutPath: filepath.Join(dir, "x"), StderrPath: filepath.Join(dir, "y")}}
	outW, errW, _ := cfg.ProcessWriters("n")
	ol, ok1 := outW.(*lj.Logger)
	el, ok2 := errW.(*lj.Logger)
	if !ok1 || !ok2 {
		t.Fatalf("expected lumberjack writers")
	}
	if ol.MaxSize != DefaultMaxSizeMB || ol.MaxBackups != DefaultMaxBackups || ol.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("stdout defaults not applied: %+v", ol)
	}
	if el.MaxSize != DefaultMaxSizeMB {
		t.Fatalf("stderr defaults not applied: %+v", el)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shepherd.log")
	l, closer, err := New(Config{Format: "json", File: FileConfig{Path: path}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("supervisor started", "pid", 42)
	closeIf(closer)
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), `"msg":"supervisor started"`) {
		t.Fatalf("unexpected log content: %s", b)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, _, err := New(Config{Format: "xml"}); err == nil {
		t.Fatalf("expected error")
	}
}
