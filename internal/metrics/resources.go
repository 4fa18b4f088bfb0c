package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Resources is a point-in-time resource sample of one OS process.
type Resources struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sample reads CPU and memory usage for pid. Individual readings that fail
// are left at zero; only a missing process is an error.
func Sample(ctx context.Context, pid int) (Resources, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Resources{}, err
	}
	r := Resources{PID: int32(pid), Timestamp: time.Now()}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		r.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		r.MemoryMB = float64(mem.RSS) / 1024 / 1024
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		r.NumThreads = n
	}
	return r, nil
}
