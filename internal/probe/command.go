package probe

import (
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/loykin/shepherd/internal/proc"
)

// Command runs a check command; exit status 0 means healthy.
type Command struct {
	Command string
	Timeout time.Duration
}

func (c Command) Alive(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx, c.Timeout)
	defer cancel()
	cmd := proc.CommandContext(ctx, c.Command)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return false, nil
	}
	return false, err
}

func (c Command) Describe() string { return "cmd:" + c.Command }
