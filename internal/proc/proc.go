// Package proc holds small OS process helpers shared by the state store,
// probes and the service launcher.
package proc

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

// Alive reports whether a process with the given pid exists. EPERM counts as
// alive: the process is there, we just may not signal it. Zombies are dead.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && Zombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// AliveSince is Alive plus a PID reuse check: when startUnix is known and the
// running process started at a different second, the pid belongs to someone else.
func AliveSince(pid int, startUnix int64) bool {
	if !Alive(pid) {
		return false
	}
	if startUnix > 0 {
		if cur := StartUnix(pid); cur > 0 && cur != startUnix {
			return false
		}
	}
	return true
}

// Zombie returns true if /proc/<pid>/status reports state Z. Non-Linux always false.
func Zombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// SignalGroup sends sig to the process group led by pid, falling back to the
// single process when the group is gone.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

// Signal sends sig to a single pid.
func Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(pid, sig)
}
