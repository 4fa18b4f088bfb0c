// Package shepherd wires the state store, runner pool, supervisor and
// watchdog from one configuration. It is the stable surface for embedding
// and the only thing cmd/shepherd builds on.
package shepherd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/shepherd/internal/config"
	"github.com/loykin/shepherd/internal/gate"
	"github.com/loykin/shepherd/internal/gpu"
	"github.com/loykin/shepherd/internal/history"
	"github.com/loykin/shepherd/internal/history/factory"
	"github.com/loykin/shepherd/internal/logger"
	"github.com/loykin/shepherd/internal/metrics"
	"github.com/loykin/shepherd/internal/mode"
	"github.com/loykin/shepherd/internal/pool"
	"github.com/loykin/shepherd/internal/restart"
	"github.com/loykin/shepherd/internal/server"
	"github.com/loykin/shepherd/internal/service"
	"github.com/loykin/shepherd/internal/statestore"
	"github.com/loykin/shepherd/internal/supervisor"
	"github.com/loykin/shepherd/internal/watchdog"
)

// Re-export core types for external consumers.

type Config = config.Config

type Status = supervisor.Status

type ServiceStatus = supervisor.ServiceStatus

type Runner = pool.Runner

type PoolSummary = pool.Summary

type LayoutEntry = pool.LayoutEntry

type HistorySink = history.Sink

type Mode = mode.Mode

var (
	ErrSingletonHeld = supervisor.ErrSingletonHeld
	ErrNotRunning    = supervisor.ErrNotRunning
	ErrUnknownRunner = pool.ErrUnknownRunner
)

// LoadConfig reads a TOML file; an empty path yields the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

type Option func(*App)

// WithLogger replaces the logger built from the log section.
func WithLogger(l *slog.Logger) Option { return func(a *App) { a.log = l } }

// WithHistory replaces the sink built from history.dsn.
func WithHistory(s HistorySink) Option { return func(a *App) { a.sink = s } }

// WithGPU replaces nvidia-smi detection.
func WithGPU(d pool.Devices) Option { return func(a *App) { a.gpus = d } }

// App holds everything built from one configuration.
type App struct {
	cfg      *Config
	log      *slog.Logger
	mode     mode.Mode
	store    *statestore.Store
	sink     history.Sink
	gpus     pool.Devices
	gate     gate.Gate
	pool     *pool.Pool
	services []service.Descriptor
	closers  []io.Closer
}

// Open prepares the state directory and the shared components. Nothing is
// launched until a supervisor or watchdog is started.
func Open(c *Config, opts ...Option) (*App, error) {
	if c == nil {
		return nil, errors.New("shepherd: nil config")
	}
	a := &App{cfg: c}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		l, closer, err := logger.New(c.LoggerConfig())
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		a.log = l
		a.closers = append(a.closers, closer)
	}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	st, err := statestore.Open(c.StatePath(), statestore.WithLogger(a.log))
	if err != nil {
		return nil, err
	}
	a.store = st

	if a.sink == nil && c.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		a.sink = sink
		if cl, ok := sink.(io.Closer); ok {
			a.closers = append(a.closers, cl)
		}
	}
	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}
	if c.Gate.Command != "" {
		a.gate = gate.Command{Command: c.Gate.Command, Timeout: c.Gate.Timeout}
	}
	if a.gpus == nil {
		a.gpus = &gpu.Detector{}
	}
	a.services, err = c.Launchable()
	if err != nil {
		return nil, err
	}
	var src mode.Source
	a.mode, src = c.ModeSource(os.Getenv)
	a.log.Info("run mode resolved", "mode", a.mode, "source", src)
	a.pool = pool.New(st,
		pool.WithLogger(a.log),
		pool.WithHistory(a.sink),
		pool.WithGPU(a.gpus),
		pool.WithMaxParallel(c.Pool.MaxParallelWorkflows),
	)
	ok = true
	return a, nil
}

func (a *App) Config() *Config                { return a.cfg }
func (a *App) Logger() *slog.Logger           { return a.log }
func (a *App) Mode() Mode                     { return a.mode }
func (a *App) Store() *statestore.Store       { return a.store }
func (a *App) Pool() *pool.Pool               { return a.pool }
func (a *App) Services() []service.Descriptor { return a.services }
func (a *App) History() history.Sink          { return a.sink }

// Tracker returns a restart tracker signing its counters as actor.
func (a *App) Tracker(actor string) *restart.Tracker {
	return restart.NewTracker(a.store, a.cfg.RestartPolicy(), actor,
		restart.WithHistory(a.sink),
		restart.WithLogger(a.log),
		restart.WithProbeTimeout(a.cfg.Supervisor.ProbeTimeout),
	)
}

// Supervisor builds a supervisor over the configured services. Building one
// is cheap; only Start claims the singleton.
func (a *App) Supervisor() (*supervisor.Supervisor, error) {
	return supervisor.New(supervisor.Config{
		Services:     a.services,
		Mode:         a.mode,
		Interval:     a.cfg.Supervisor.Interval,
		Grace:        a.cfg.Supervisor.Grace,
		ProbeTimeout: a.cfg.Supervisor.ProbeTimeout,
		StaleAfter:   a.cfg.Pool.StaleAfter,
		Gate:         a.gate,
	}, supervisor.Deps{
		Store:   a.store,
		Tracker: a.Tracker(supervisor.Actor),
		Pool:    a.pool,
		History: a.sink,
		Logger:  a.log,
	})
}

func (a *App) Watchdog() (*watchdog.Watchdog, error) {
	return watchdog.New(watchdog.Config{
		Services:     a.services,
		Mode:         a.mode,
		Interval:     a.cfg.Watchdog.Interval,
		ProbeTimeout: a.cfg.Supervisor.ProbeTimeout,
		Gate:         a.gate,
	}, watchdog.Deps{
		Store:   a.store,
		Tracker: a.Tracker(watchdog.Actor),
		History: a.sink,
		Logger:  a.log,
	})
}

// InitPool rebuilds the runner pool from layoutPath, falling back to the
// configured layout file and then to the built-in fallback layout.
func (a *App) InitPool(ctx context.Context, layoutPath string) (pool.Config, error) {
	if layoutPath == "" {
		layoutPath = a.cfg.LayoutPath()
	}
	var layout []LayoutEntry
	if layoutPath != "" {
		l, err := pool.LoadLayout(layoutPath)
		if err != nil {
			return pool.Config{}, err
		}
		layout = l
	}
	return a.pool.Initialize(ctx, layout)
}

// Router exposes status and the pool over HTTP.
func (a *App) Router(status server.StatusSource) *server.Router {
	return server.NewRouter(status, a.pool, a.cfg.API.BasePath, a.cfg.Metrics.Enabled)
}

// Serve starts the local API when api.listen is set; nil otherwise.
func (a *App) Serve(status server.StatusSource) (*server.Server, error) {
	if a.cfg.API.Listen == "" {
		return nil, nil
	}
	return server.Start(a.cfg.API.Listen, a.Router(status), a.log)
}

// Close releases log files and history connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
