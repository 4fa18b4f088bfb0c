package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loykin/shepherd"
	"github.com/loykin/shepherd/internal/restart"
	"github.com/loykin/shepherd/internal/supervisor"
)

const (
	defaultConfigName  = "shepherd.toml"
	defaultListen      = "127.0.0.1:8765"
	daemonStartTimeout = 10 * time.Second
	shutdownTimeout    = 5 * time.Second
	// operatorActor signs counters reset from the CLI.
	operatorActor = "operator"
)

type command struct {
	flags *GlobalFlags
	out   io.Writer
}

// configPath is --config, else <root>/shepherd.toml when it exists.
func (c *command) configPath() string {
	if c.flags.ConfigPath != "" {
		return c.flags.ConfigPath
	}
	base := c.flags.Root
	if base == "" {
		base = "."
	}
	candidate := filepath.Join(base, defaultConfigName)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

func (c *command) open() (*shepherd.App, error) {
	cfg, err := shepherd.LoadConfig(c.configPath())
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if c.flags.Root != "" {
		if err := cfg.SetRoot(c.flags.Root); err != nil {
			return nil, err
		}
	}
	return shepherd.Open(cfg)
}

// Start runs the supervisor in the foreground until SIGINT/SIGTERM, or
// hands it to a background daemon.
func (c *command) Start(f StartFlags) error {
	app, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	if f.Daemonize {
		return c.startDaemon(app, f)
	}
	return c.runSupervisor(app, f.JSON)
}

func (c *command) runSupervisor(app *shepherd.App, jsonOut bool) error {
	sup, err := app.Supervisor()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		return err
	}
	srv, err := app.Serve(sup)
	if err != nil {
		_ = sup.Stop(context.Background())
		return fmt.Errorf("control API: %w", err)
	}
	if jsonOut {
		if st, err := sup.Status(ctx); err == nil {
			printJSON(c.writer(), st)
		}
	} else {
		_, _ = fmt.Fprintf(c.writer(), "shepherd supervisor running (pid %d, mode %s)\n", os.Getpid(), app.Mode())
		if srv != nil {
			_, _ = fmt.Fprintf(c.writer(), "control API on http://%s%s\n", srv.Addr(), app.Config().API.BasePath)
		}
	}

	<-ctx.Done()
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = srv.Shutdown(sctx)
		cancel()
	}
	return sup.Stop(context.Background())
}

// startDaemon spawns `shepherd start` in a new session and waits until the
// child holds the supervisor singleton.
func (c *command) startDaemon(app *shepherd.App, f StartFlags) error {
	logFile := f.LogFile
	if logFile == "" {
		logFile = app.Config().LogPath("shepherd.out")
	}
	args, err := c.daemonArgs()
	if err != nil {
		return err
	}
	child, err := daemonize(args, logFile)
	if err != nil {
		return err
	}
	pid := child.Process.Pid
	exited := make(chan error, 1)
	go func() { exited <- child.Wait() }()

	deadline := time.NewTimer(daemonStartTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case err := <-exited:
			return fmt.Errorf("daemon exited during start (%v), see %s", err, logFile)
		case <-deadline.C:
			return fmt.Errorf("daemon pid %d did not start within %s, see %s", pid, daemonStartTimeout, logFile)
		case <-tick.C:
			holder, err := app.Store().Holder(supervisor.SingletonName)
			if err == nil && holder == pid {
				_, _ = fmt.Fprintf(c.writer(), "Daemon started with PID %d\n", pid)
				return nil
			}
		}
	}
}

// daemonArgs rebuilds the command line for the background child with
// absolute paths, since the child may outlive the caller's cwd.
func (c *command) daemonArgs() ([]string, error) {
	args := []string{"start"}
	if p := c.configPath(); p != "" {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		args = append(args, "--config", abs)
	}
	if c.flags.Root != "" {
		abs, err := filepath.Abs(c.flags.Root)
		if err != nil {
			return nil, err
		}
		args = append(args, "--root", abs)
	}
	return args, nil
}

// Stop signals the supervisor named by the singleton marker.
func (c *command) Stop(f StopFlags) error {
	app, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	sup, err := app.Supervisor()
	if err != nil {
		return err
	}
	pid, err := sup.StopRemote(context.Background(), f.Wait)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.writer(), "supervisor stopped (pid %d)\n", pid)
	return nil
}

// Restart stops whatever supervisor is running and starts a new one.
func (c *command) Restart(f RestartFlags) error {
	if err := c.Stop(StopFlags{Wait: f.Wait}); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		return err
	}
	return c.Start(StartFlags{Daemonize: f.Daemonize, LogFile: f.LogFile, JSON: f.JSON})
}

// Status probes every service; counters of ResetRestarts are cleared first.
func (c *command) Status(f StatusFlags) error {
	app, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	ctx := context.Background()

	if len(f.ResetRestarts) > 0 {
		tr := app.Tracker(operatorActor)
		for _, name := range f.ResetRestarts {
			if !hasService(app, name) {
				return fmt.Errorf("unknown service %q", name)
			}
			if err := tr.Reset(ctx, name); err != nil {
				return fmt.Errorf("reset %s: %w", name, err)
			}
		}
	}

	sup, err := app.Supervisor()
	if err != nil {
		return err
	}
	st, err := sup.Status(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(c.writer(), st)
		return nil
	}
	printStatus(c.writer(), st)
	return nil
}

func hasService(app *shepherd.App, name string) bool {
	for _, d := range app.Services() {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Watchdog runs the watchdog loop, or a single check with Once.
func (c *command) Watchdog(f WatchdogFlags) error {
	app, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	w, err := app.Watchdog()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !f.Once {
		return w.Run(ctx)
	}
	results, err := w.Check(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(c.writer(), results)
	} else {
		printWatchdog(c.writer(), results)
	}
	for _, r := range results {
		if r.Err != nil && !errors.Is(r.Err, restart.ErrBudgetExhausted) {
			return fmt.Errorf("restart %s: %w", r.Service, r.Err)
		}
	}
	return nil
}

// Serve exposes status and the pool until SIGINT/SIGTERM.
func (c *command) Serve(f ServeFlags) error {
	app, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	cfg := app.Config()
	switch {
	case f.Listen != "":
		cfg.API.Listen = f.Listen
	case cfg.API.Listen == "":
		cfg.API.Listen = defaultListen
	}
	sup, err := app.Supervisor()
	if err != nil {
		return err
	}
	srv, err := app.Serve(sup)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.writer(), "Starting shepherd API on http://%s%s\n", srv.Addr(), cfg.API.BasePath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	_, _ = fmt.Fprintln(c.writer(), "Shutting down...")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
