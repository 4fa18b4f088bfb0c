package pool

import (
	"context"
	"sort"
	"time"

	"github.com/loykin/shepherd/internal/gpu"
	"github.com/loykin/shepherd/internal/metrics"
)

// GPUUsage is the reservation of one GPU.
type GPUUsage struct {
	GPU     int      `json:"gpu"`
	Runners []string `json:"runners"`
	Idle    int      `json:"idle"`
	Running int      `json:"running"`
	Error   int      `json:"error"`
}

// Summary is the operator view of the pool.
type Summary struct {
	Initialized          bool         `json:"initialized"`
	Total                int          `json:"total"`
	Idle                 int          `json:"idle"`
	Running              int          `json:"running"`
	Error                int          `json:"error"`
	MaxParallelWorkflows int          `json:"max_parallel_workflows"`
	GPUs                 []GPUUsage   `json:"gpus"`
	Runners              []Runner     `json:"runners"`
	Devices              []gpu.Device `json:"devices,omitempty"`
	UpdatedAt            time.Time    `json:"updated_at,omitzero"`
}

func (p *Pool) Status(ctx context.Context) (Summary, error) {
	c, err := p.Load(ctx)
	if err != nil {
		return Summary{}, err
	}
	s := Summarize(c)
	if p.gpus != nil {
		s.Devices = p.gpus.Devices(ctx)
	}
	metrics.SetRunners(c.counts())
	return s, nil
}

// Summarize computes counts and per-GPU usage from a pool document.
func Summarize(c Config) Summary {
	s := Summary{
		Initialized:          len(c.Runners) > 0,
		Total:                len(c.Runners),
		MaxParallelWorkflows: c.MaxParallelWorkflows,
		UpdatedAt:            c.UpdatedAt,
		GPUs:                 []GPUUsage{},
		Runners:              make([]Runner, 0, len(c.Runners)),
	}
	status := map[string]Status{}
	for _, r := range c.Runners {
		s.Runners = append(s.Runners, r.clone())
		status[r.ID] = r.Status
		switch r.Status {
		case StatusIdle:
			s.Idle++
		case StatusRunning:
			s.Running++
		case StatusError:
			s.Error++
		}
	}
	gpus := make([]int, 0, len(c.GPUReservation))
	for g := range c.GPUReservation {
		gpus = append(gpus, g)
	}
	sort.Ints(gpus)
	for _, g := range gpus {
		u := GPUUsage{GPU: g, Runners: append([]string(nil), c.GPUReservation[g]...)}
		for _, id := range u.Runners {
			switch status[id] {
			case StatusIdle:
				u.Idle++
			case StatusRunning:
				u.Running++
			case StatusError:
				u.Error++
			}
		}
		s.GPUs = append(s.GPUs, u)
	}
	return s
}
