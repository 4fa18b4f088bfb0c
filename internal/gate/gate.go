// Package gate asks an external security policy whether a service command may
// be launched.
package gate

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/shepherd/internal/proc"
)

// Request describes a pending launch.
type Request struct {
	Service string
	Command string
}

// Gate approves or denies a launch; reason explains a denial.
type Gate interface {
	Approve(ctx context.Context, req Request) (ok bool, reason string, err error)
}

// AllowAll approves everything.
type AllowAll struct{}

func (AllowAll) Approve(context.Context, Request) (bool, string, error) { return true, "", nil }

// Command runs an external policy command with the request in its
// environment (SHEPHERD_GATE_SERVICE, SHEPHERD_GATE_COMMAND). Exit status 0
// approves; any other status denies with the command's output as reason.
type Command struct {
	Command string
	Timeout time.Duration
}

func (c Command) Approve(ctx context.Context, req Request) (bool, string, error) {
	t := c.Timeout
	if t <= 0 {
		t = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, t)
	defer cancel()
	cmd := proc.CommandContext(ctx, c.Command)
	cmd.Env = append(os.Environ(),
		"SHEPHERD_GATE_SERVICE="+req.Service,
		"SHEPHERD_GATE_COMMAND="+req.Command,
	)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return true, "", nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		reason := strings.TrimSpace(string(out))
		if reason == "" {
			reason = ee.Error()
		}
		return false, reason, nil
	}
	return false, "", err
}
