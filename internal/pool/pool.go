package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/shepherd/internal/gpu"
	"github.com/loykin/shepherd/internal/history"
	"github.com/loykin/shepherd/internal/metrics"
	"github.com/loykin/shepherd/internal/statestore"
)

// ErrUnknownRunner is returned by operations that require an existing runner.
var ErrUnknownRunner = errors.New("unknown runner")

// errUnchanged aborts an update cycle without writing.
var errUnchanged = errors.New("unchanged")

// Devices lists GPUs on the host.
type Devices interface {
	Devices(ctx context.Context) []gpu.Device
}

// Pool serializes assignment within the process with a mutex and across
// processes with the document's file lock.
type Pool struct {
	store       *statestore.Store
	mu          sync.Mutex
	log         *slog.Logger
	sink        history.Sink
	gpus        Devices
	now         func() time.Time
	maxParallel int
}

type Option func(*Pool)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}
func WithHistory(s history.Sink) Option     { return func(p *Pool) { p.sink = s } }
func WithGPU(d Devices) Option              { return func(p *Pool) { p.gpus = d } }
func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }

// WithMaxParallel sets max_parallel_workflows written by Initialize.
func WithMaxParallel(n int) Option { return func(p *Pool) { p.maxParallel = n } }

func New(store *statestore.Store, opts ...Option) *Pool {
	p := &Pool{store: store, log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Initialize replaces the persisted pool with runners built from layout. An
// empty layout yields the fallback pool.
func (p *Pool) Initialize(ctx context.Context, layout []LayoutEntry) (Config, error) {
	cfg, err := Build(layout, p.maxParallel)
	if err != nil {
		return Config{}, fmt.Errorf("initialize pool: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out, err := statestore.Update(ctx, p.store, Key, func(c *Config) error {
		*c = cfg
		c.UpdatedAt = p.now().UTC()
		return ValidateReservation(*c)
	})
	if err != nil {
		return Config{}, fmt.Errorf("initialize pool: %w", err)
	}
	metrics.SetRunners(out.counts())
	p.log.Info("runner pool initialized", "runners", len(out.Runners), "gpus", len(out.GPUReservation))
	return out, nil
}

// Load returns the persisted pool; empty when never initialized.
func (p *Pool) Load(ctx context.Context) (Config, error) {
	var c Config
	if err := p.store.Load(ctx, Key, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Available lists idle runners, filtered by profile unless empty.
func (p *Pool) Available(ctx context.Context, profile string) ([]Runner, error) {
	c, err := p.Load(ctx)
	if err != nil {
		return nil, err
	}
	var out []Runner
	for _, r := range c.Runners {
		if r.Status == StatusIdle && (profile == "" || r.Profile == profile) {
			out = append(out, r.clone())
		}
	}
	return out, nil
}

// Assign hands taskID to the first idle runner matching profile ("" matches
// any). It returns (nil, nil) when no runner is free.
func (p *Pool) Assign(ctx context.Context, taskID, profile string) (*Runner, error) {
	if taskID == "" {
		return nil, errors.New("assign: task id required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var picked Runner
	out, err := statestore.Update(ctx, p.store, Key, func(c *Config) error {
		for i := range c.Runners {
			r := &c.Runners[i]
			if r.Status != StatusIdle || (profile != "" && r.Profile != profile) {
				continue
			}
			r.Status = StatusRunning
			r.CurrentTask = taskID
			r.StartedAt = p.now().UTC()
			picked = r.clone()
			c.UpdatedAt = p.now().UTC()
			return ValidateReservation(*c)
		}
		return errUnchanged
	})
	if errors.Is(err, errUnchanged) {
		metrics.IncAssignment(profile, "none")
		p.log.Debug("no idle runner", "task", taskID, "profile", profile)
		return nil, nil
	}
	if err != nil {
		metrics.IncAssignment(profile, "error")
		return nil, fmt.Errorf("assign %s: %w", taskID, err)
	}
	metrics.IncAssignment(profile, "assigned")
	metrics.SetRunners(out.counts())
	p.log.Info("task assigned", "task", taskID, "runner", picked.ID, "profile", picked.Profile)
	history.Emit(ctx, p.sink, history.Event{
		Type:    history.EventTaskAssigned,
		Actor:   "pool",
		Subject: picked.ID,
		Detail:  taskID,
	})
	return &picked, nil
}

// Complete reports the end of the task on runnerID. Unknown runners and
// runners that are not running are ignored.
func (p *Pool) Complete(ctx context.Context, runnerID string, success bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var task string
	out, err := statestore.Update(ctx, p.store, Key, func(c *Config) error {
		r := c.find(runnerID)
		if r == nil || r.Status != StatusRunning {
			return errUnchanged
		}
		task = r.CurrentTask
		if success {
			r.Status = StatusIdle
			r.TasksCompleted++
		} else {
			r.Status = StatusError
			r.LastError = task
		}
		r.CurrentTask = ""
		r.StartedAt = time.Time{}
		c.UpdatedAt = p.now().UTC()
		return ValidateReservation(*c)
	})
	if errors.Is(err, errUnchanged) {
		p.log.Debug("completion ignored", "runner", runnerID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete %s: %w", runnerID, err)
	}
	metrics.IncCompletion(success)
	metrics.SetRunners(out.counts())
	ev := history.Event{Type: history.EventTaskCompleted, Actor: "pool", Subject: runnerID, Detail: task}
	if success {
		p.log.Info("task completed", "runner", runnerID, "task", task)
	} else {
		ev.Type = history.EventTaskFailed
		p.log.Warn("task failed, runner moved to error", "runner", runnerID, "task", task)
	}
	history.Emit(ctx, p.sink, ev)
	return nil
}

// Reset returns a runner in error to idle. Idle runners are left alone;
// running runners are reset too, dropping their task.
func (p *Pool) Reset(ctx context.Context, runnerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var prev Status
	out, err := statestore.Update(ctx, p.store, Key, func(c *Config) error {
		r := c.find(runnerID)
		if r == nil {
			return ErrUnknownRunner
		}
		prev = r.Status
		if prev == StatusIdle {
			return errUnchanged
		}
		r.Status = StatusIdle
		r.CurrentTask = ""
		r.StartedAt = time.Time{}
		c.UpdatedAt = p.now().UTC()
		return ValidateReservation(*c)
	})
	switch {
	case errors.Is(err, errUnchanged):
		return nil
	case errors.Is(err, ErrUnknownRunner):
		return fmt.Errorf("reset %s: %w", runnerID, ErrUnknownRunner)
	case err != nil:
		return fmt.Errorf("reset %s: %w", runnerID, err)
	}
	metrics.SetRunners(out.counts())
	p.log.Info("runner reset", "runner", runnerID, "from", prev)
	history.Emit(ctx, p.sink, history.Event{Type: history.EventRunnerReset, Actor: "pool", Subject: runnerID, Detail: string(prev)})
	return nil
}

// Stale returns running runners whose task started more than olderThan ago.
func (p *Pool) Stale(ctx context.Context, olderThan time.Duration) ([]Runner, error) {
	c, err := p.Load(ctx)
	if err != nil {
		return nil, err
	}
	now := p.now()
	var out []Runner
	for _, r := range c.Runners {
		if r.Status == StatusRunning && !r.StartedAt.IsZero() && now.Sub(r.StartedAt) > olderThan {
			out = append(out, r.clone())
		}
	}
	return out, nil
}
