// Package watchdog probes the supervised services from a separate process and
// restarts them when they are down, whether or not the supervisor is alive.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/shepherd/internal/gate"
	"github.com/loykin/shepherd/internal/history"
	"github.com/loykin/shepherd/internal/mode"
	"github.com/loykin/shepherd/internal/probe"
	"github.com/loykin/shepherd/internal/restart"
	"github.com/loykin/shepherd/internal/service"
	"github.com/loykin/shepherd/internal/statestore"
	"github.com/loykin/shepherd/internal/supervisor"
)

const (
	Key             = "watchdog"
	SingletonName   = "watchdog"
	Actor           = "watchdog"
	DefaultInterval = 30 * time.Second
)

type Config struct {
	Services     []service.Descriptor
	Mode         mode.Mode
	Interval     time.Duration
	ProbeTimeout time.Duration
	Gate         gate.Gate
}

type Deps struct {
	Store   *statestore.Store
	Tracker *restart.Tracker
	History history.Sink
	Logger  *slog.Logger
	Probes  map[string]probe.Probe
}

// ServiceCheck is the last result for one service.
type ServiceCheck struct {
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// State is the persisted watchdog document.
type State struct {
	PID         int                     `json:"pid"`
	Status      string                  `json:"status"`
	StartedAt   time.Time               `json:"started_at,omitzero"`
	StoppedAt   time.Time               `json:"stopped_at,omitzero"`
	LastCheckAt time.Time               `json:"last_check_at,omitzero"`
	Services    map[string]ServiceCheck `json:"services"`
	UpdatedAt   time.Time               `json:"updated_at,omitzero"`
}

// Result of checking one service in one tick.
type Result struct {
	Service string          `json:"service"`
	Healthy bool            `json:"healthy"`
	Detail  string          `json:"detail,omitempty"`
	Outcome restart.Outcome `json:"outcome,omitempty"`
	Err     error           `json:"-"`
}

type Watchdog struct {
	cfg     Config
	store   *statestore.Store
	tracker *restart.Tracker
	sink    history.Sink
	log     *slog.Logger
	probes  map[string]probe.Probe

	mu       sync.Mutex
	launched map[string]*service.Process
}

func New(cfg Config, deps Deps) (*Watchdog, error) {
	if deps.Store == nil {
		return nil, errors.New("watchdog: state store required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = probe.DefaultTimeout
	}
	if cfg.Gate == nil {
		cfg.Gate = gate.AllowAll{}
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	tr := deps.Tracker
	if tr == nil {
		tr = restart.NewTracker(deps.Store, restart.DefaultPolicy(), Actor,
			restart.WithHistory(deps.History), restart.WithLogger(log), restart.WithProbeTimeout(cfg.ProbeTimeout))
	}
	w := &Watchdog{
		cfg:      cfg,
		store:    deps.Store,
		tracker:  tr,
		sink:     deps.History,
		log:      log.With("component", "watchdog"),
		probes:   map[string]probe.Probe{},
		launched: map[string]*service.Process{},
	}
	for _, d := range cfg.Services {
		if !d.Kind.IsProcess() {
			continue
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if p, ok := deps.Probes[d.Name]; ok {
			w.probes[d.Name] = p
			continue
		}
		p, err := d.Probe()
		if err != nil {
			return nil, err
		}
		w.probes[d.Name] = p
	}
	return w, nil
}

// Run holds the watchdog singleton and checks the services every interval
// until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	holder, err := w.store.AcquireSingleton(ctx, SingletonName)
	if err != nil {
		return fmt.Errorf("acquire watchdog singleton: %w", err)
	}
	if holder > 0 {
		return fmt.Errorf("watchdog: %w (pid %d)", supervisor.ErrSingletonHeld, holder)
	}
	w.persistStatus(ctx, "running")
	w.log.Info("watchdog started", "pid", os.Getpid(), "interval", w.cfg.Interval)

	t := time.NewTicker(w.cfg.Interval)
	defer t.Stop()
	for {
		if _, err := w.Check(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn("watchdog check failed", "error", err)
		}
		select {
		case <-ctx.Done():
			// a fresh context so the final writes are not cancelled
			w.persistStatus(context.Background(), "stopped")
			if err := w.store.ClearSingleton(context.Background(), SingletonName); err != nil {
				w.log.Warn("clear watchdog singleton failed", "error", err)
			}
			w.log.Info("watchdog stopped")
			return nil
		case <-t.C:
		}
	}
}

// Check probes every OS-level service once and restarts the unhealthy ones.
// In-process loops live inside the supervisor and are never touched.
func (w *Watchdog) Check(ctx context.Context) (results []Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("watchdog check panicked: %v", r)
		}
	}()
	var services []service.Descriptor
	for _, d := range w.cfg.Services {
		if d.Kind.IsProcess() {
			services = append(services, d)
		}
	}
	results = make([]Result, len(services))
	var g errgroup.Group
	for i, d := range services {
		g.Go(func() error {
			results[i] = w.checkOne(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
	w.persistResults(ctx, results)
	return results, nil
}

func (w *Watchdog) checkOne(ctx context.Context, d service.Descriptor) Result {
	pr := w.probes[d.Name]
	res := Result{Service: d.Name}
	res.Healthy, res.Detail = probe.Check(ctx, pr, w.cfg.ProbeTimeout)
	if res.Healthy {
		return res
	}
	w.log.Warn("service unhealthy", "service", d.Name, "detail", res.Detail)
	out, err := w.tracker.Attempt(ctx, d.Name, pr, func(ctx context.Context) error {
		p, err := service.Launch(ctx, d, service.LaunchOptions{Mode: w.cfg.Mode, Gate: w.cfg.Gate, Detached: true})
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.launched[d.Name] = p
		w.mu.Unlock()
		w.log.Info("service relaunched", "service", d.Name, "pid", p.PID())
		return nil
	})
	res.Outcome, res.Err = out, err
	if out == restart.OutcomeRecovered {
		res.Healthy = true
	}
	return res
}

// Launched returns the processes this watchdog started, by service.
func (w *Watchdog) Launched() map[string]*service.Process {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]*service.Process, len(w.launched))
	for k, v := range w.launched {
		out[k] = v
	}
	return out
}

func (w *Watchdog) persistStatus(ctx context.Context, status string) {
	_, err := statestore.Update(ctx, w.store, Key, func(s *State) error {
		s.PID = os.Getpid()
		s.Status = status
		now := time.Now().UTC()
		if status == "running" {
			s.StartedAt = now
			s.StoppedAt = time.Time{}
		} else {
			s.StoppedAt = now
		}
		return nil
	})
	if err != nil {
		w.log.Warn("persist watchdog state failed", "error", err)
	}
}

func (w *Watchdog) persistResults(ctx context.Context, results []Result) {
	now := time.Now().UTC()
	_, err := statestore.Update(ctx, w.store, Key, func(s *State) error {
		if s.Services == nil {
			s.Services = map[string]ServiceCheck{}
		}
		s.LastCheckAt = now
		for _, r := range results {
			sc := ServiceCheck{Healthy: r.Healthy, Detail: r.Detail, Outcome: string(r.Outcome), CheckedAt: now}
			if r.Err != nil {
				sc.Error = r.Err.Error()
			}
			s.Services[r.Service] = sc
		}
		return nil
	})
	if err != nil {
		w.log.Warn("persist watchdog results failed", "error", err)
	}
}

// LoadState reads the persisted watchdog document and whether a live
// watchdog holds the marker.
func LoadState(ctx context.Context, st *statestore.Store) (State, bool, error) {
	var s State
	if err := st.Load(ctx, Key, &s); err != nil {
		return State{}, false, err
	}
	pid, err := st.Holder(SingletonName)
	if err != nil {
		return s, false, err
	}
	return s, pid > 0, nil
}
