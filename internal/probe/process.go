package probe

import (
	"context"
	"path/filepath"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ProcessName is healthy iff the process table holds at least one process
// whose name, executable basename or argv[0] basename equals Name.
type ProcessName struct {
	Name    string
	Timeout time.Duration
}

func (p ProcessName) Alive(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx, p.Timeout)
	defer cancel()
	pids, err := gopsproc.PidsWithContext(ctx)
	if err != nil {
		return false, err
	}
	for _, pid := range pids {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		pr, err := gopsproc.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue
		}
		if p.matches(ctx, pr) {
			return true, nil
		}
	}
	return false, nil
}

func (p ProcessName) matches(ctx context.Context, pr *gopsproc.Process) bool {
	if n, err := pr.NameWithContext(ctx); err == nil && n == p.Name {
		return true
	}
	if exe, err := pr.ExeWithContext(ctx); err == nil && exe != "" && filepath.Base(exe) == p.Name {
		return true
	}
	if args, err := pr.CmdlineSliceWithContext(ctx); err == nil && len(args) > 0 && filepath.Base(args[0]) == p.Name {
		return true
	}
	return false
}

func (p ProcessName) Describe() string { return "process:" + p.Name }
