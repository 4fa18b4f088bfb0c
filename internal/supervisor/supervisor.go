// Package supervisor keeps the configured services alive from a single
// long-running process and reports their health to any caller.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/loykin/shepherd/internal/gate"
	"github.com/loykin/shepherd/internal/history"
	"github.com/loykin/shepherd/internal/metrics"
	"github.com/loykin/shepherd/internal/mode"
	"github.com/loykin/shepherd/internal/pool"
	"github.com/loykin/shepherd/internal/probe"
	"github.com/loykin/shepherd/internal/restart"
	"github.com/loykin/shepherd/internal/service"
	"github.com/loykin/shepherd/internal/statestore"
)

var (
	// ErrSingletonHeld is returned by Start when a live supervisor owns the marker.
	ErrSingletonHeld = errors.New("another supervisor is running")
	// ErrNotRunning is returned when stopping a supervisor that is not running.
	ErrNotRunning = errors.New("supervisor not running")
	// ErrAlreadyRunning is returned by Start on a running instance.
	ErrAlreadyRunning = errors.New("supervisor already running")
)

const (
	DefaultInterval   = 5 * time.Second
	DefaultGrace      = 10 * time.Second
	DefaultStaleAfter = 2 * time.Hour
)

// Actor is how the supervisor signs restart counters and history events.
const Actor = "supervisor"

type Config struct {
	Services []service.Descriptor
	Mode     mode.Mode
	// Interval between monitoring ticks.
	Interval time.Duration
	// Grace is how long a stopping service gets before SIGKILL.
	Grace        time.Duration
	ProbeTimeout time.Duration
	// StaleAfter flags pool tasks running longer than this in the
	// workflow monitor.
	StaleAfter time.Duration
	Gate       gate.Gate
}

type Deps struct {
	Store   *statestore.Store
	Tracker *restart.Tracker
	Pool    *pool.Pool
	History history.Sink
	Logger  *slog.Logger
	// Probes override the descriptor-derived probe per service.
	Probes map[string]probe.Probe
	// Loops supply ticks for in-process loops other than the workflow monitor.
	Loops map[string]func(ctx context.Context) error
}

type Supervisor struct {
	cfg     Config
	store   *statestore.Store
	tracker *restart.Tracker
	pool    *pool.Pool
	sink    history.Sink
	log     *slog.Logger
	probes  map[string]probe.Probe
	ticks   map[string]func(ctx context.Context) error

	opMu sync.Mutex // serializes Start and Stop

	mu         sync.Mutex
	state      State
	instanceID string
	startedAt  time.Time
	procs      map[string]*service.Process
	inflight   map[string]bool
	launched   map[string]bool
	loops      map[string]*service.Loop
	cancel     context.CancelFunc
	done       chan struct{}

	wg sync.WaitGroup
	sf singleflight.Group
}

func New(cfg Config, deps Deps) (*Supervisor, error) {
	if deps.Store == nil {
		return nil, errors.New("supervisor: state store required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = probe.DefaultTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Mode == "" {
		cfg.Mode = mode.Prod
	}
	if cfg.Gate == nil {
		cfg.Gate = gate.AllowAll{}
	}
	seen := map[string]bool{}
	for _, d := range cfg.Services {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate service %q", d.Name)
		}
		seen[d.Name] = true
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
	s := &Supervisor{
		cfg:     cfg,
		store:   deps.Store,
		tracker: tr,
		pool:    deps.Pool,
		sink:    deps.History,
		log:     log.With("component", "supervisor"),
		probes:  map[string]probe.Probe{},
		ticks:   map[string]func(ctx context.Context) error{},
		procs:   map[string]*service.Process{},
	}
	for _, d := range cfg.Services {
		if p, ok := deps.Probes[d.Name]; ok {
			s.probes[d.Name] = p
			continue
		}
		p, err := d.Probe()
		if err != nil {
			return nil, err
		}
		if p != nil {
			s.probes[d.Name] = p
		}
	}
	for name, fn := range deps.Loops {
		s.ticks[name] = fn
	}
	return s, nil
}

func (s *Supervisor) Mode() mode.Mode { return s.cfg.Mode }

// Store returns the state store the supervisor persists into.
func (s *Supervisor) Store() *statestore.Store { return s.store }

// Tracker returns the restart tracker shared with status reporting.
func (s *Supervisor) Tracker() *restart.Tracker { return s.tracker }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(to State) {
	from := s.state
	s.state = to
	metrics.RecordStateTransition(from.String(), to.String())
}

// Start acquires the singleton marker, launches every configured service and
// starts the monitoring loop. Launch failures are logged; the monitoring loop
// takes care of them.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StateStopped {
		st := s.state
		s.mu.Unlock()
		if st == StateRunning {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("supervisor is %s", st)
	}
	s.setState(StateStarting)
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.setState(StateStopped)
		s.mu.Unlock()
		return err
	}

	holder, err := s.store.AcquireSingleton(ctx, SingletonName)
	if err != nil {
		return fail(fmt.Errorf("acquire singleton: %w", err))
	}
	if holder > 0 {
		return fail(fmt.Errorf("%w (pid %d)", ErrSingletonHeld, holder))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.instanceID = uuid.NewString()
	s.startedAt = time.Now().UTC()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.procs = map[string]*service.Process{}
	s.inflight = map[string]bool{}
	s.launched = map[string]bool{}
	s.loops = map[string]*service.Loop{}
	s.mu.Unlock()

	s.log.Info("supervisor starting", "pid", os.Getpid(), "mode", s.cfg.Mode, "services", len(s.cfg.Services))

	var g errgroup.Group
	for _, d := range s.cfg.Services {
		if !d.Kind.IsProcess() {
			continue
		}
		g.Go(func() error {
			if err := s.launch(ctx, d); err != nil {
				s.log.Error("service launch failed", "service", d.Name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, d := range s.cfg.Services {
		if d.Kind == service.KindInProcessLoop {
			s.startLoop(runCtx, d)
		}
	}

	if err := s.persist(ctx, "running"); err != nil {
		s.log.Warn("persist supervisor state failed", "error", err)
	}
	s.wg.Add(1)
	go s.monitor(runCtx)

	s.mu.Lock()
	s.setState(StateRunning)
	s.mu.Unlock()
	history.Emit(ctx, s.sink, history.Event{Type: history.EventSupervisorStart, Actor: Actor, Subject: SingletonName, PID: os.Getpid(), Detail: s.instanceID})
	s.log.Info("supervisor running", "instance", s.instanceID)
	return nil
}

// launch starts d and records it as owned.
func (s *Supervisor) launch(ctx context.Context, d service.Descriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := service.Launch(ctx, d, service.LaunchOptions{Mode: s.cfg.Mode, Gate: s.cfg.Gate})
	if err != nil {
		history.Emit(ctx, s.sink, history.Event{Type: history.EventServiceLaunch, Actor: Actor, Subject: d.Name, Detail: "failed: " + err.Error()})
		return err
	}
	s.mu.Lock()
	s.procs[d.Name] = p
	s.launched[d.Name] = true
	s.mu.Unlock()
	s.log.Info("service launched", "service", d.Name, "pid", p.PID())
	history.Emit(ctx, s.sink, history.Event{Type: history.EventServiceLaunch, Actor: Actor, Subject: d.Name, PID: p.PID()})
	return nil
}

func (s *Supervisor) startLoop(ctx context.Context, d service.Descriptor) {
	tick := s.ticks[d.Name]
	if tick == nil && d.Name == service.WorkflowMonitor {
		tick = s.workflowTick
	}
	l := &service.Loop{Name: d.Name, Interval: d.Interval, Tick: tick, Logger: s.log}
	s.mu.Lock()
	s.loops[d.Name] = l
	s.launched[d.Name] = true
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		l.Run(ctx)
	}()
	s.log.Info("in-process loop started", "service", d.Name)
}

// workflowTick flags long-running pool tasks and samples the resource use of
// owned services.
func (s *Supervisor) workflowTick(ctx context.Context) error {
	s.sampleResources(ctx)
	if s.pool == nil {
		return nil
	}
	st, err := s.pool.Status(ctx)
	if err != nil {
		return fmt.Errorf("pool status: %w", err)
	}
	stale, err := s.pool.Stale(ctx, s.cfg.StaleAfter)
	if err != nil {
		return fmt.Errorf("pool stale check: %w", err)
	}
	for _, r := range stale {
		s.log.Warn("task running longer than expected", "runner", r.ID, "task", r.CurrentTask, "started_at", r.StartedAt)
	}
	s.log.Debug("workflow monitor tick", "running", st.Running, "idle", st.Idle, "error", st.Error)
	return nil
}

func (s *Supervisor) sampleResources(ctx context.Context) {
	s.mu.Lock()
	owned := make(map[string]int, len(s.procs))
	for name, p := range s.procs {
		if p != nil && p.Alive() {
			owned[name] = p.PID()
		}
	}
	s.mu.Unlock()
	for name, pid := range owned {
		r, err := metrics.Sample(ctx, pid)
		if err != nil {
			continue
		}
		metrics.SetResources(name, r.CPUPercent, r.MemoryMB)
	}
}

func (s *Supervisor) monitor(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.tick(ctx)
	}
}

// tick checks every process service once. A panic is contained to the tick.
func (s *Supervisor) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("monitor tick panicked", "panic", r)
		}
	}()
	for _, d := range s.cfg.Services {
		if !d.Kind.IsProcess() {
			continue
		}
		s.check(ctx, d)
	}
}

func (s *Supervisor) check(ctx context.Context, d service.Descriptor) {
	s.mu.Lock()
	p := s.procs[d.Name]
	busy := s.inflight[d.Name]
	s.mu.Unlock()
	if busy || (p != nil && p.Alive()) {
		return
	}
	if p != nil {
		s.log.Warn("service exited", "service", d.Name, "pid", p.PID(), "error", p.ExitErr())
	}
	// Someone else (the watchdog, an operator) may have brought it back.
	if pr := s.probes[d.Name]; pr != nil {
		if ok, _ := probe.Check(ctx, pr, s.cfg.ProbeTimeout); ok {
			s.disown(d.Name)
			return
		}
	}
	s.mu.Lock()
	s.inflight[d.Name] = true
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("restart panicked", "service", d.Name, "panic", r)
			}
			s.mu.Lock()
			delete(s.inflight, d.Name)
			s.mu.Unlock()
		}()
		s.restart(ctx, d)
	}()
}

func (s *Supervisor) restart(ctx context.Context, d service.Descriptor) {
	out, err := s.tracker.Attempt(ctx, d.Name, s.probes[d.Name], func(ctx context.Context) error {
		return s.launch(ctx, d)
	})
	switch {
	case errors.Is(err, restart.ErrBudgetExhausted):
		return
	case out == restart.OutcomeRecovered:
		s.disown(d.Name)
	case err != nil && ctx.Err() == nil:
		s.log.Warn("restart failed", "service", d.Name, "outcome", out, "error", err)
	}
	if out == restart.OutcomeLaunched {
		if perr := s.persist(ctx, "running"); perr != nil {
			s.log.Warn("persist supervisor state failed", "error", perr)
		}
	}
}

// disown forgets a dead process once the service is healthy without us.
func (s *Supervisor) disown(name string) {
	s.mu.Lock()
	delete(s.procs, name)
	s.mu.Unlock()
}

// Stop terminates owned services, clears the singleton marker and returns to
// stopped. Calling Stop on a stopped supervisor is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.setState(StateStopping)
	cancel := s.cancel
	s.mu.Unlock()

	s.log.Info("supervisor stopping")
	cancel()
	s.wg.Wait()

	s.mu.Lock()
	procs := make([]*service.Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, p := range procs {
		g.Go(func() error {
			if err := p.Stop(s.cfg.Grace); err != nil {
				s.log.Warn("service stop failed", "service", p.Name(), "error", err)
				return err
			}
			s.log.Info("service stopped", "service", p.Name())
			return nil
		})
	}
	stopErr := g.Wait()

	if err := s.persist(ctx, "stopped"); err != nil {
		s.log.Warn("persist supervisor state failed", "error", err)
	}
	if err := s.store.ClearSingleton(context.Background(), SingletonName); err != nil {
		s.log.Warn("clear singleton failed", "error", err)
	}

	s.mu.Lock()
	s.setState(StateStopped)
	s.procs = map[string]*service.Process{}
	close(s.done)
	s.mu.Unlock()
	history.Emit(ctx, s.sink, history.Event{Type: history.EventSupervisorStop, Actor: Actor, Subject: SingletonName, PID: os.Getpid(), Detail: s.instanceID})
	s.log.Info("supervisor stopped")
	return stopErr
}

// Wait blocks until a started supervisor is stopped again.
func (s *Supervisor) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Supervisor) persist(ctx context.Context, status string) error {
	s.mu.Lock()
	services := make(map[string]bool, len(s.cfg.Services))
	pids := map[string]int{}
	for _, d := range s.cfg.Services {
		services[d.Name] = status == "running" && s.launched[d.Name]
		if p := s.procs[d.Name]; p != nil && p.Alive() && status == "running" {
			pids[d.Name] = p.PID()
		}
	}
	id, started := s.instanceID, s.startedAt
	s.mu.Unlock()

	_, err := statestore.Update(ctx, s.store, Key, func(ps *ProcessState) error {
		ps.PID = os.Getpid()
		ps.InstanceID = id
		ps.Status = status
		ps.Mode = string(s.cfg.Mode)
		ps.StartedAt = started
		ps.Services = services
		ps.PIDs = pids
		if status == "stopped" {
			ps.StoppedAt = time.Now().UTC()
		} else {
			ps.StoppedAt = time.Time{}
		}
		return nil
	})
	return err
}
