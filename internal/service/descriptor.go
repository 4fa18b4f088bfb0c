// Package service describes supervised services and launches them as OS
// processes or in-process loops.
package service

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/shepherd/internal/logger"
	"github.com/loykin/shepherd/internal/mode"
	"github.com/loykin/shepherd/internal/probe"
	"github.com/loykin/shepherd/internal/proc"
)

// Kind says how a service runs and how its health is probed.
type Kind string

const (
	// KindHTTPProcess is an OS process exposing GET /health on loopback.
	KindHTTPProcess Kind = "http_process"
	// KindExternalProcess is an opaque executable found in the process table.
	KindExternalProcess Kind = "external_process"
	// KindInProcessLoop is a periodic task inside the supervisor itself.
	KindInProcessLoop Kind = "in_process_loop"
)

// Well-known service names.
const (
	Dashboard       = "dashboard"
	Runner          = "runner"
	WorkflowMonitor = "workflow-monitor"
)

func (k Kind) Valid() bool {
	switch k {
	case KindHTTPProcess, KindExternalProcess, KindInProcessLoop:
		return true
	}
	return false
}

// IsProcess reports whether k runs as a separate OS process.
func (k Kind) IsProcess() bool { return k == KindHTTPProcess || k == KindExternalProcess }

// Descriptor is the static definition of one supervised service. Status is
// never stored here; it is derived by probing.
type Descriptor struct {
	Name       string
	Kind       Kind
	Command    string
	DevCommand string
	WorkDir    string
	Env        []string
	// HealthURL is probed for KindHTTPProcess.
	HealthURL string
	// ProcessName is looked up in the process table for KindExternalProcess;
	// defaults to the basename of the command's executable.
	ProcessName string
	// ProbeCommand, when set, replaces the kind's default probe.
	ProbeCommand string
	PIDFile      string
	// Interval is the tick of an in-process loop.
	Interval time.Duration
	// StartGrace, when > 0, is how long a fresh process must stay up for the
	// launch to count as successful.
	StartGrace   time.Duration
	ProbeTimeout time.Duration
	Log          logger.Config
}

// CommandFor returns the command line used in mode m.
func (d Descriptor) CommandFor(m mode.Mode) string {
	if m == mode.Dev && strings.TrimSpace(d.DevCommand) != "" {
		return d.DevCommand
	}
	return d.Command
}

// Validate checks the descriptor is launchable and probeable.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("service name required")
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("service %s: unknown kind %q", d.Name, d.Kind)
	}
	if !d.Kind.IsProcess() {
		return nil
	}
	if strings.TrimSpace(d.Command) == "" {
		return fmt.Errorf("service %s: command required", d.Name)
	}
	if d.Kind == KindHTTPProcess && d.ProbeCommand == "" {
		if d.HealthURL == "" {
			return fmt.Errorf("service %s: health_url required", d.Name)
		}
		if err := probe.ValidateLoopbackURL(d.HealthURL); err != nil {
			return fmt.Errorf("service %s: %w", d.Name, err)
		}
	}
	return nil
}

// Probe builds the health probe for d. In-process loops have none; their
// health is owned by the supervisor.
func (d Descriptor) Probe() (probe.Probe, error) {
	if d.ProbeCommand != "" {
		return probe.Command{Command: d.ProbeCommand, Timeout: d.ProbeTimeout}, nil
	}
	switch d.Kind {
	case KindHTTPProcess:
		return probe.NewHTTP(d.HealthURL, d.ProbeTimeout)
	case KindExternalProcess:
		if d.PIDFile != "" && d.ProcessName == "" {
			return probe.PIDFile{Path: d.PIDFile}, nil
		}
		name := d.ProcessName
		if name == "" {
			name = filepath.Base(proc.Executable(d.Command))
		}
		return probe.ProcessName{Name: name, Timeout: d.ProbeTimeout}, nil
	case KindInProcessLoop:
		return nil, nil
	}
	return nil, fmt.Errorf("service %s: unknown kind %q", d.Name, d.Kind)
}
