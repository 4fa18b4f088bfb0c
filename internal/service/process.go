package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/shepherd/internal/gate"
	"github.com/loykin/shepherd/internal/metrics"
	"github.com/loykin/shepherd/internal/mode"
	"github.com/loykin/shepherd/internal/probe"
	"github.com/loykin/shepherd/internal/proc"
)

// ErrDenied is returned when the security gate refuses a launch.
var ErrDenied = errors.New("launch denied by security gate")

// abortGrace bounds the SIGTERM phase when a launch is abandoned.
const abortGrace = time.Second

// LaunchOptions tune a single launch.
type LaunchOptions struct {
	Mode mode.Mode
	Gate gate.Gate
	// Detached starts the process in its own session so it outlives the
	// launcher (watchdog launches).
	Detached bool
	// Env is appended after the OS environment and the descriptor's Env.
	Env []string
}

// Process is a launched service process. The reaper goroutine owns
// cmd.Wait; everyone else observes Exited.
type Process struct {
	desc      Descriptor
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	mu      sync.Mutex
	exitErr error
	closers []io.Closer
	done    chan struct{}
}

// Launch starts d as an OS process.
func Launch(ctx context.Context, d Descriptor, opts LaunchOptions) (*Process, error) {
	if !d.Kind.IsProcess() {
		return nil, fmt.Errorf("service %s: kind %s is not an OS process", d.Name, d.Kind)
	}
	line := d.CommandFor(opts.Mode)
	g := opts.Gate
	if g == nil {
		g = gate.AllowAll{}
	}
	ok, reason, err := g.Approve(ctx, gate.Request{Service: d.Name, Command: line})
	if err != nil {
		metrics.IncLaunch(d.Name, "failed")
		return nil, fmt.Errorf("service %s: security gate: %w", d.Name, err)
	}
	if !ok {
		metrics.IncLaunch(d.Name, "denied")
		return nil, fmt.Errorf("service %s: %w: %s", d.Name, ErrDenied, reason)
	}

	cmd := proc.Command(line)
	if d.WorkDir != "" {
		cmd.Dir = d.WorkDir
	}
	cmd.Env = append(append(os.Environ(), d.Env...), opts.Env...)
	attrs := &syscall.SysProcAttr{}
	if opts.Detached {
		attrs.Setsid = true
	} else {
		attrs.Setpgid = true
	}
	cmd.SysProcAttr = attrs

	p := &Process{desc: d, done: make(chan struct{})}
	if err := p.attachLogs(cmd, opts.Detached); err != nil {
		return nil, fmt.Errorf("service %s: log writers: %w", d.Name, err)
	}

	if err := cmd.Start(); err != nil {
		p.closeWriters()
		metrics.IncLaunch(d.Name, "failed")
		return nil, fmt.Errorf("service %s: start %q: %w", d.Name, line, err)
	}
	if opts.Detached {
		// the child holds its own descriptors now
		p.closeWriters()
	}
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	if d.PIDFile != "" {
		_ = os.MkdirAll(filepath.Dir(d.PIDFile), 0o750)
		_ = probe.WritePIDFile(d.PIDFile, p.pid)
	}
	go p.reap()

	if err := p.enforceStartGrace(ctx); err != nil {
		metrics.IncLaunch(d.Name, "failed")
		// nobody gets a handle to a failed launch, so it must not outlive it
		if serr := p.Stop(abortGrace); serr != nil {
			return nil, errors.Join(err, serr)
		}
		return nil, err
	}
	metrics.IncLaunch(d.Name, "ok")
	return p, nil
}

// attachLogs wires stdout and stderr. Attached processes get rotated writers;
// detached ones get plain files so output survives the launcher exiting.
func (p *Process) attachLogs(cmd *exec.Cmd, detached bool) error {
	if detached {
		outF, errF, err := p.desc.Log.ProcessFiles(p.desc.Name)
		if err != nil {
			return err
		}
		if outF != nil {
			cmd.Stdout = outF
			p.closers = append(p.closers, outF)
		}
		if errF != nil {
			cmd.Stderr = errF
			p.closers = append(p.closers, errF)
		}
		return nil
	}
	outW, errW, err := p.desc.Log.ProcessWriters(p.desc.Name)
	if err != nil {
		return err
	}
	if outW != nil {
		cmd.Stdout = outW
		p.closers = append(p.closers, outW)
	}
	if errW != nil {
		cmd.Stderr = errW
		p.closers = append(p.closers, errW)
	}
	return nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	p.closeWriters()
	if p.desc.PIDFile != "" {
		if pid, _, rerr := probe.ReadPIDFile(p.desc.PIDFile); rerr == nil && pid == p.pid {
			_ = os.Remove(p.desc.PIDFile)
		}
	}
	close(p.done)
}

// enforceStartGrace fails the launch if the process exits within StartGrace.
func (p *Process) enforceStartGrace(ctx context.Context) error {
	g := p.desc.StartGrace
	if g <= 0 {
		return nil
	}
	t := time.NewTimer(g)
	defer t.Stop()
	select {
	case <-p.done:
		return fmt.Errorf("service %s: exited within %s of launch: %v", p.desc.Name, g, p.ExitErr())
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Process) closeWriters() {
	p.mu.Lock()
	cs := p.closers
	p.closers = nil
	p.mu.Unlock()
	for _, c := range cs {
		_ = c.Close()
	}
}

func (p *Process) Name() string         { return p.desc.Name }
func (p *Process) PID() int             { return p.pid }
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.done }

// Alive reports whether the process has not been reaped yet.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitErr is the cmd.Wait result once exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Stop asks the process group to terminate, waits up to grace and then kills
// it. Safe to call on an exited process.
func (p *Process) Stop(grace time.Duration) error {
	if !p.Alive() {
		return nil
	}
	_ = proc.SignalGroup(p.pid, syscall.SIGTERM)
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	}
	_ = proc.SignalGroup(p.pid, syscall.SIGKILL)
	select {
	case <-p.done:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("service %s: pid %d did not exit after SIGKILL", p.desc.Name, p.pid)
	}
}
