package supervisor

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/loykin/shepherd/internal/proc"
)

// StopRemote stops the supervisor recorded in the singleton marker, which is
// normally another process. It sends SIGTERM and, when grace > 0, waits up to
// grace for the process to exit before killing it and the services it left
// behind. It returns the pid it signalled.
func (s *Supervisor) StopRemote(ctx context.Context, grace time.Duration) (int, error) {
	pid, err := s.store.Holder(SingletonName)
	if err != nil {
		return 0, err
	}
	if pid == 0 {
		return 0, ErrNotRunning
	}
	if pid == os.Getpid() {
		// held in this process: only the instance that holds it can stop
		if s.State() != StateRunning {
			return pid, fmt.Errorf("%w: held by another instance in this process", ErrNotRunning)
		}
		return pid, s.Stop(ctx)
	}
	s.log.Info("stopping supervisor", "pid", pid)
	if err := proc.Signal(pid, syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("signal supervisor pid %d: %w", pid, err)
	}
	if grace <= 0 {
		return pid, nil
	}
	if waitExit(ctx, pid, grace) {
		return pid, nil
	}
	s.log.Warn("supervisor did not exit in time, killing", "pid", pid, "grace", grace)
	ps, _ := LoadProcessState(ctx, s.store)
	_ = proc.Signal(pid, syscall.SIGKILL)
	if ps.PID == pid {
		for name, child := range ps.PIDs {
			if proc.Alive(child) {
				s.log.Warn("killing orphaned service", "service", name, "pid", child)
				_ = proc.SignalGroup(child, syscall.SIGKILL)
			}
		}
	}
	if !waitExit(ctx, pid, 2*time.Second) {
		return pid, fmt.Errorf("supervisor pid %d survived SIGKILL", pid)
	}
	// the marker now names a dead pid
	if err := s.store.DiscardStaleSingleton(ctx, SingletonName); err != nil {
		return pid, err
	}
	return pid, nil
}

func waitExit(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !proc.Alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !proc.Alive(pid)
		case <-time.After(100 * time.Millisecond):
		}
	}
	return !proc.Alive(pid)
}
