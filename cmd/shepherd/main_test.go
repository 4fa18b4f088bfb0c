package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loykin/shepherd/internal/pool"
	"github.com/loykin/shepherd/internal/restart"
	"github.com/loykin/shepherd/internal/server"
	"github.com/loykin/shepherd/internal/service"
	"github.com/loykin/shepherd/internal/statestore"
	"github.com/loykin/shepherd/internal/supervisor"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestHelpMentionsShepherd(t *testing.T) {
	out, err := run(t, "--help")
	if err != nil {
		t.Fatalf("help should succeed: %v", err)
	}
	for _, want := range []string{"shepherd", "start", "watchdog", "pool"} {
		if !strings.Contains(out, want) {
			t.Fatalf("help output missing %q: %s", want, out)
		}
	}
}

func TestPoolLifecycle(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, "pool", "init", "--root", dir, "--json")
	if err != nil {
		t.Fatalf("pool init: %v", err)
	}
	var sum pool.Summary
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("decode init output: %v (%s)", err, out)
	}
	if sum.Total != 2 || sum.Idle != 2 {
		t.Fatalf("unexpected fallback pool: %+v", sum)
	}

	out, err = run(t, "pool", "assign", "--root", dir, "--task", "t1", "--profile", "cpu")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	var resp server.AssignResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode assign output: %v (%s)", err, out)
	}
	if !resp.Assigned || resp.Runner == nil || resp.Runner.ID != "runner-2" {
		t.Fatalf("expected runner-2, got %+v", resp)
	}

	out, err = run(t, "pool", "assign", "--root", dir, "--task", "t2", "--profile", "cpu")
	if err != nil {
		t.Fatalf("second assign: %v", err)
	}
	resp = server.AssignResponse{}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Assigned {
		t.Fatalf("no cpu runner should be idle: %+v", resp)
	}

	if _, err := run(t, "pool", "complete", "--root", dir, "--runner", "runner-2", "--success"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	out, err = run(t, "pool", "status", "--root", dir, "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	sum = pool.Summary{}
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if sum.Idle != 2 || sum.Runners[1].TasksCompleted != 1 {
		t.Fatalf("runner-2 should be idle with one task done: %+v", sum.Runners[1])
	}

	out, err = run(t, "pool", "status", "--root", dir)
	if err != nil {
		t.Fatalf("status table: %v", err)
	}
	if !strings.Contains(out, "runner-2") || !strings.Contains(out, "GPU-Light Runner 1") {
		t.Fatalf("unexpected table: %s", out)
	}
}

func TestPoolResetFromError(t *testing.T) {
	dir := t.TempDir()
	if _, err := run(t, "pool", "init", "--root", dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := run(t, "pool", "assign", "--root", dir, "--task", "t1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := run(t, "pool", "complete", "--root", dir, "--runner", "runner-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	out, _ := run(t, "pool", "status", "--root", dir, "--json")
	var sum pool.Summary
	_ = json.Unmarshal([]byte(out), &sum)
	if sum.Error != 1 {
		t.Fatalf("expected one runner in error: %+v", sum)
	}
	if _, err := run(t, "pool", "reset", "--root", dir, "--runner", "runner-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	out, _ = run(t, "pool", "status", "--root", dir, "--json")
	sum = pool.Summary{}
	_ = json.Unmarshal([]byte(out), &sum)
	if sum.Error != 0 || sum.Idle != 2 {
		t.Fatalf("expected all idle after reset: %+v", sum)
	}
	if _, err := run(t, "pool", "reset", "--root", dir, "--runner", "runner-9"); err == nil {
		t.Fatal("reset of unknown runner should fail")
	}
}

func TestPoolInitFromLayoutFlag(t *testing.T) {
	dir := t.TempDir()
	layout := filepath.Join(dir, "runners.yaml")
	content := "runners:\n  - profile: gpu-heavy\n    gpu_id: 0\n  - profile: gpu-light\n    gpu_id: 1\n    count: 2\n"
	if err := os.WriteFile(layout, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "pool", "init", "--root", dir, "--layout", layout, "--json")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	var sum pool.Summary
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.Total != 3 || len(sum.GPUs) != 2 {
		t.Fatalf("unexpected pool: %+v", sum)
	}
}

func TestPoolAssignRejectsUnknownProfile(t *testing.T) {
	if _, err := run(t, "pool", "assign", "--root", t.TempDir(), "--task", "t1", "--profile", "tpu"); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestPoolAssignRequiresTask(t *testing.T) {
	if _, err := run(t, "pool", "assign", "--root", t.TempDir()); err == nil {
		t.Fatal("expected error without --task")
	}
}

func TestStatusWithoutSupervisor(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "status", "--root", dir, "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st supervisor.Status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode: %v (%s)", err, out)
	}
	if st.Running {
		t.Fatal("no supervisor should be running")
	}
	if len(st.Services) != 1 || st.Services[0].Name != service.WorkflowMonitor || st.Services[0].Healthy {
		t.Fatalf("workflow monitor should be reported down: %+v", st.Services)
	}

	out, err = run(t, "status", "--root", dir)
	if err != nil {
		t.Fatalf("status table: %v", err)
	}
	if !strings.Contains(out, "supervisor: stopped") || !strings.Contains(out, service.WorkflowMonitor) {
		t.Fatalf("unexpected table: %s", out)
	}
}

func TestStatusResetRestarts(t *testing.T) {
	dir := t.TempDir()
	if _, err := run(t, "status", "--root", dir); err != nil {
		t.Fatalf("status: %v", err)
	}
	st, err := statestore.Open(filepath.Join(dir, ".shepherd", "state"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := st.Save(ctx, restart.Key(service.WorkflowMonitor), restart.Counter{Service: service.WorkflowMonitor, RestartCount: 5}); err != nil {
		t.Fatal(err)
	}

	if _, err := run(t, "status", "--root", dir, "--reset-restarts", service.WorkflowMonitor); err != nil {
		t.Fatalf("reset: %v", err)
	}
	var c restart.Counter
	if err := st.Load(ctx, restart.Key(service.WorkflowMonitor), &c); err != nil {
		t.Fatal(err)
	}
	if c.RestartCount != 0 {
		t.Fatalf("counter not reset: %+v", c)
	}

	if _, err := run(t, "status", "--root", dir, "--reset-restarts", "nope"); err == nil {
		t.Fatal("unknown service should fail")
	}
}

func TestStopWithNothingRunning(t *testing.T) {
	_, err := run(t, "stop", "--root", t.TempDir())
	if err == nil || !strings.Contains(err.Error(), supervisor.ErrNotRunning.Error()) {
		t.Fatalf("expected not running error, got %v", err)
	}
}

func TestWatchdogOnceSkipsLoops(t *testing.T) {
	out, err := run(t, "watchdog", "--once", "--root", t.TempDir())
	if err != nil {
		t.Fatalf("watchdog --once: %v", err)
	}
	if !strings.Contains(out, "no process services") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestConfigFileFoundInRoot(t *testing.T) {
	dir := t.TempDir()
	toml := "state_dir = \"custom-state\"\n\n[pool]\nmax_parallel_workflows = 3\n"
	if err := os.WriteFile(filepath.Join(dir, defaultConfigName), []byte(toml), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "pool", "init", "--root", dir, "--json")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	var sum pool.Summary
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.MaxParallelWorkflows != 3 {
		t.Fatalf("config not applied: %+v", sum)
	}
	if _, err := os.Stat(filepath.Join(dir, "custom-state", pool.Key+".json")); err != nil {
		t.Fatalf("pool document not in configured state dir: %v", err)
	}
}

func TestDaemonArgsAreAbsolute(t *testing.T) {
	c := &command{flags: &GlobalFlags{ConfigPath: "conf/shepherd.toml", Root: "proj"}}
	args, err := c.daemonArgs()
	if err != nil {
		t.Fatal(err)
	}
	if len(args) != 5 || args[0] != "start" || args[1] != "--config" || args[3] != "--root" {
		t.Fatalf("unexpected args: %v", args)
	}
	if !filepath.IsAbs(args[2]) || !filepath.IsAbs(args[4]) {
		t.Fatalf("paths must be absolute: %v", args)
	}
}

func TestDaemonizeWritesLogFile(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "logs", "shepherd.out")
	// the test binary itself: "-test.run=^$" makes it exit at once
	cmd, err := daemonize([]string{"-test.run=^$"}, logFile)
	if err != nil {
		t.Fatalf("daemonize: %v", err)
	}
	_ = cmd.Wait()
	if _, err := os.Stat(logFile); err != nil {
		t.Fatalf("log file not created: %v", err)
	}
}
