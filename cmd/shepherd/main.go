package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	Root       string
}

// buildRoot creates the root command with all subcommands attached
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	shepherdCommand := &command{flags: globalFlags, out: os.Stdout}

	root := createRootCommand(globalFlags, shepherdCommand)
	root.AddCommand(
		createStartCommand(shepherdCommand, &StartFlags{}),
		createStopCommand(shepherdCommand, &StopFlags{}),
		createStatusCommand(shepherdCommand, &StatusFlags{}),
		createRestartCommand(shepherdCommand, &RestartFlags{}),
		createWatchdogCommand(shepherdCommand, &WatchdogFlags{}),
		createPoolCommand(shepherdCommand),
		createServeCommand(shepherdCommand, &ServeFlags{}),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags, c *command) *cobra.Command {
	root := &cobra.Command{
		Use:   "shepherd",
		Short: "Single-host service supervisor and runner pool",
		Long: `Shepherd keeps a fixed set of local services alive, restarts them under a
shared budget, and hands out runners from a persistent pool.

Examples:
  shepherd start --daemonize        # supervise in the background
  shepherd status --json            # probe every service
  shepherd watchdog                 # independent restart loop
  shepherd pool init --layout runners.yaml
  shepherd pool assign --task t1 --profile cpu`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.out = cmd.OutOrStdout()
		},
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default <root>/shepherd.toml when present)")
	root.PersistentFlags().StringVar(&flags.Root, "root", "", "project root holding state and logs (default: config directory or cwd)")
	return root
}

// createStartCommand creates the start subcommand
func createStartCommand(c *command, f *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the supervisor",
		Long: `Start the supervisor in the foreground, or in the background with --daemonize.
Fails when another supervisor already holds the singleton.

Examples:
  shepherd start
  shepherd start --daemonize --logfile /var/log/shepherd.log
  shepherd start --json             # print status once started`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(*f)
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run the supervisor in the background")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "daemon stdout/stderr file (default <log.dir>/shepherd.out)")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print status as JSON once started")
	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(c *command, f *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running supervisor",
		Long: `Stop the supervisor recorded in the singleton marker. Exits non-zero when
nothing is running.

Examples:
  shepherd stop
  shepherd stop --wait=30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(*f)
		},
	}
	cmd.Flags().DurationVar(&f.Wait, "wait", 15*time.Second, "time to wait for graceful shutdown before killing")
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c *command, f *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe every service and show their health",
		Long: `Probe every configured service directly. Works whether or not the supervisor
runs in this process.

Examples:
  shepherd status
  shepherd status --json
  shepherd status --reset-restarts runner   # clear an exhausted budget`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(*f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print status as JSON")
	cmd.Flags().StringSliceVar(&f.ResetRestarts, "reset-restarts", nil, "clear restart counters of these services first")
	return cmd
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(c *command, f *RestartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop the running supervisor, if any, and start a new one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(*f)
		},
	}
	cmd.Flags().DurationVar(&f.Wait, "wait", 15*time.Second, "time to wait for graceful shutdown before killing")
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run the new supervisor in the background")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "daemon stdout/stderr file")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print status as JSON once started")
	return cmd
}

// createWatchdogCommand creates the watchdog subcommand
func createWatchdogCommand(c *command, f *WatchdogFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Probe services on an interval and restart the ones that are down",
		Long: `Run the watchdog loop until interrupted. It restarts process services as
detached processes, sharing the restart budget with the supervisor.

Examples:
  shepherd watchdog
  shepherd watchdog --once --json   # a single check, e.g. from cron`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Watchdog(*f)
		},
	}
	cmd.Flags().BoolVar(&f.Once, "once", false, "run one check and exit")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print --once results as JSON")
	return cmd
}

// createServeCommand creates the serve subcommand
func createServeCommand(c *command, f *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control API without supervising",
		Long: `Serve status and the runner pool over HTTP on a loopback address. The
supervisor serves the same API itself when api.listen is set.

Examples:
  shepherd serve --listen 127.0.0.1:8765`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(*f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "loopback address (default api.listen or 127.0.0.1:8765)")
	return cmd
}

// writer lets tests capture output
func (c *command) writer() io.Writer {
	if c.out == nil {
		return os.Stdout
	}
	return c.out
}
