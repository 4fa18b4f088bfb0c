// Package pool assigns units of work to a persisted pool of GPU- and
// CPU-bound runners.
package pool

import (
	"strconv"
	"strings"
	"time"
)

// Key is the state document holding the pool.
const Key = "runner_pool"

// Runner profiles.
const (
	ProfileGPUHeavy = "gpu-heavy"
	ProfileGPULight = "gpu-light"
	ProfileCPU      = "cpu"
)

// Status of a runner. StatusError is terminal until an operator reset.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

type Runner struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Profile        string    `json:"profile"`
	GPUID          *int      `json:"gpu_id"`
	Status         Status    `json:"status"`
	CurrentTask    string    `json:"current_task,omitempty"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	TasksCompleted int       `json:"tasks_completed"`
	LastError      string    `json:"last_error,omitempty"`
}

func (r Runner) clone() Runner {
	if r.GPUID != nil {
		g := *r.GPUID
		r.GPUID = &g
	}
	return r
}

// Config is the persisted pool document.
type Config struct {
	Runners              []Runner         `json:"runners"`
	MaxParallelWorkflows int              `json:"max_parallel_workflows"`
	GPUReservation       map[int][]string `json:"gpu_reservation"`
	UpdatedAt            time.Time        `json:"updated_at,omitzero"`
}

func (c *Config) find(id string) *Runner {
	for i := range c.Runners {
		if c.Runners[i].ID == id {
			return &c.Runners[i]
		}
	}
	return nil
}

func (c Config) counts() map[string]int {
	m := map[string]int{string(StatusIdle): 0, string(StatusRunning): 0, string(StatusError): 0}
	for _, r := range c.Runners {
		m[string(r.Status)]++
	}
	return m
}

// LayoutEntry is one line of the benchmark output: count runners of a
// profile, optionally pinned to a GPU.
type LayoutEntry struct {
	Profile string `yaml:"profile" json:"profile"`
	GPUID   *int   `yaml:"gpu_id" json:"gpu_id"`
	Count   int    `yaml:"count" json:"count"`
}

// FallbackLayout is used when no benchmark output exists: one light GPU
// runner on GPU 0 and one CPU runner.
func FallbackLayout() []LayoutEntry {
	zero := 0
	return []LayoutEntry{
		{Profile: ProfileGPULight, GPUID: &zero, Count: 1},
		{Profile: ProfileCPU, Count: 1},
	}
}

func runnerName(profile string, n int) string {
	var title string
	switch profile {
	case ProfileGPUHeavy:
		title = "GPU-Heavy"
	case ProfileGPULight:
		title = "GPU-Light"
	case ProfileCPU:
		title = "CPU"
	default:
		parts := strings.Split(profile, "-")
		for i, p := range parts {
			if p != "" {
				parts[i] = strings.ToUpper(p[:1]) + p[1:]
			}
		}
		title = strings.Join(parts, "-")
	}
	return title + " Runner " + strconv.Itoa(n)
}
