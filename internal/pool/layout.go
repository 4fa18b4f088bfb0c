package pool

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// LoadLayout reads a runner layout from YAML or JSON. Both a bare list and a
// document with a top-level runners list are accepted. A missing count means
// one runner.
func LoadLayout(path string) ([]LayoutEntry, error) {
	// #nosec G304
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layout: %w", err)
	}
	var list []LayoutEntry
	if err := yaml.Unmarshal(data, &list); err != nil {
		var doc struct {
			Runners []LayoutEntry `yaml:"runners"`
		}
		if err2 := yaml.Unmarshal(data, &doc); err2 != nil {
			return nil, fmt.Errorf("parse layout %s: %w", path, err)
		}
		list = doc.Runners
	}
	for i := range list {
		if list[i].Count == 0 {
			list[i].Count = 1
		}
	}
	return list, nil
}

func validateLayout(layout []LayoutEntry) error {
	var errs []error
	for i, e := range layout {
		if e.Profile == "" {
			errs = append(errs, fmt.Errorf("layout[%d]: profile required", i))
		}
		if e.Count < 1 {
			errs = append(errs, fmt.Errorf("layout[%d]: count must be >= 1, got %d", i, e.Count))
		}
		if e.GPUID != nil && *e.GPUID < 0 {
			errs = append(errs, fmt.Errorf("layout[%d]: gpu_id must be >= 0, got %d", i, *e.GPUID))
		}
	}
	return errors.Join(errs...)
}

// Build materializes runners runner-1..N in layout order and derives the
// reservation table.
func Build(layout []LayoutEntry, maxParallel int) (Config, error) {
	if len(layout) == 0 {
		layout = FallbackLayout()
	}
	if err := validateLayout(layout); err != nil {
		return Config{}, err
	}
	var cfg Config
	n := 0
	for _, e := range layout {
		for j := 0; j < e.Count; j++ {
			n++
			r := Runner{
				ID:      fmt.Sprintf("runner-%d", n),
				Name:    runnerName(e.Profile, n),
				Profile: e.Profile,
				Status:  StatusIdle,
			}
			if e.GPUID != nil {
				g := *e.GPUID
				r.GPUID = &g
			}
			cfg.Runners = append(cfg.Runners, r)
		}
	}
	cfg.GPUReservation = Reservation(cfg.Runners)
	cfg.MaxParallelWorkflows = maxParallel
	if cfg.MaxParallelWorkflows <= 0 {
		cfg.MaxParallelWorkflows = len(cfg.Runners)
	}
	return cfg, nil
}

// Reservation derives GPU index -> runner ids from the runner list.
func Reservation(runners []Runner) map[int][]string {
	res := map[int][]string{}
	for _, r := range runners {
		if r.GPUID != nil {
			res[*r.GPUID] = append(res[*r.GPUID], r.ID)
		}
	}
	return res
}

// ValidateReservation checks that the reservation table is exactly the
// partition of GPU-bound runners by GPU, and that each runner's task fields
// agree with its status.
func ValidateReservation(cfg Config) error {
	var errs []error
	byID := map[string]Runner{}
	for _, r := range cfg.Runners {
		if _, dup := byID[r.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate runner id %s", r.ID))
		}
		byID[r.ID] = r
		running := r.Status == StatusRunning
		if running != (r.CurrentTask != "") {
			errs = append(errs, fmt.Errorf("runner %s: status %s with current_task %q", r.ID, r.Status, r.CurrentTask))
		}
		if running != !r.StartedAt.IsZero() {
			errs = append(errs, fmt.Errorf("runner %s: status %s with started_at %v", r.ID, r.Status, r.StartedAt))
		}
	}
	seen := map[string]int{}
	gpus := make([]int, 0, len(cfg.GPUReservation))
	for g := range cfg.GPUReservation {
		gpus = append(gpus, g)
	}
	sort.Ints(gpus)
	for _, g := range gpus {
		for _, id := range cfg.GPUReservation[g] {
			r, ok := byID[id]
			switch {
			case !ok:
				errs = append(errs, fmt.Errorf("gpu %d reserves unknown runner %s", g, id))
			case r.GPUID == nil:
				errs = append(errs, fmt.Errorf("gpu %d reserves cpu runner %s", g, id))
			case *r.GPUID != g:
				errs = append(errs, fmt.Errorf("gpu %d reserves runner %s bound to gpu %d", g, id, *r.GPUID))
			}
			if prev, dup := seen[id]; dup {
				errs = append(errs, fmt.Errorf("runner %s reserved on gpu %d and gpu %d", id, prev, g))
			}
			seen[id] = g
		}
	}
	for _, r := range cfg.Runners {
		if r.GPUID != nil {
			if _, ok := seen[r.ID]; !ok {
				errs = append(errs, fmt.Errorf("gpu runner %s missing from reservation", r.ID))
			}
		}
	}
	return errors.Join(errs...)
}
