package proc

import (
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestAliveSelf(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Fatalf("current process should be alive")
	}
	if Alive(0) || Alive(-1) {
		t.Fatalf("non-positive pids are never alive")
	}
}

func TestAliveSinceDetectsReuse(t *testing.T) {
	pid := os.Getpid()
	start := StartUnix(pid)
	if start == 0 {
		t.Skip("process start time unavailable on this platform")
	}
	if !AliveSince(pid, start) {
		t.Fatalf("expected alive with matching start time")
	}
	if AliveSince(pid, start-3600) {
		t.Fatalf("mismatching start time must be treated as pid reuse")
	}
	if !AliveSince(pid, 0) {
		t.Fatalf("unknown start time falls back to plain liveness")
	}
}

func TestAliveAfterExit(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Wait()
	deadline := time.Now().Add(2 * time.Second)
	for Alive(pid) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if Alive(pid) {
		t.Fatalf("reaped pid %d still reported alive", pid)
	}
}

func TestCommand(t *testing.T) {
	cases := []struct {
		line string
		args []string
	}{
		{"", []string{"/bin/true"}},
		{"sleep 10", []string{"sleep", "10"}},
		{"echo hi > /dev/null", []string{"/bin/sh", "-c", "echo hi > /dev/null"}},
		{"sh -c 'echo a; echo b'", []string{"/bin/sh", "-c", "echo a; echo b"}},
		{"/bin/sh -c \"exit 3\"", []string{"/bin/sh", "-c", "exit 3"}},
	}
	for _, tc := range cases {
		cmd := Command(tc.line)
		if len(cmd.Args) != len(tc.args) {
			t.Fatalf("%q: args %v, want %v", tc.line, cmd.Args, tc.args)
		}
		for i := range tc.args {
			if cmd.Args[i] != tc.args[i] {
				t.Fatalf("%q: args %v, want %v", tc.line, cmd.Args, tc.args)
			}
		}
	}
}

func TestExecutable(t *testing.T) {
	cases := map[string]string{
		"":                               "",
		"./run.sh --once":                "./run.sh",
		"  actions-runner/run.sh":        "actions-runner/run.sh",
		"sh -c 'bin/Runner.Listener run'": "bin/Runner.Listener",
	}
	for in, want := range cases {
		if got := Executable(in); got != want {
			t.Errorf("Executable(%q) = %q, want %q", in, got, want)
		}
	}
}
