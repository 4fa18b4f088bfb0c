package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/shepherd/internal/pool"
	"github.com/loykin/shepherd/internal/server"
)

// createPoolCommand groups the runner pool subcommands
func createPoolCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage the runner pool",
		Long: `Initialize, inspect and drive the persistent runner pool.

Examples:
  shepherd pool init --layout runners.yaml
  shepherd pool status
  shepherd pool assign --task build-42 --profile gpu-light
  shepherd pool complete --runner runner-1 --success
  shepherd pool reset --runner runner-3`,
	}
	cmd.AddCommand(
		createPoolInitCommand(c, &PoolInitFlags{}),
		createPoolStatusCommand(c, &PoolStatusFlags{}),
		createPoolAssignCommand(c, &PoolAssignFlags{}),
		createPoolCompleteCommand(c, &PoolCompleteFlags{}),
		createPoolResetCommand(c, &PoolResetFlags{}),
	)
	return cmd
}

func createPoolInitCommand(c *command, f *PoolInitFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Rebuild the pool from a layout, discarding the previous one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.PoolInit(*f)
		},
	}
	cmd.Flags().StringVar(&f.Layout, "layout", "", "YAML layout file (default pool.layout_file, else the built-in layout)")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print the pool as JSON")
	return cmd
}

func createPoolStatusCommand(c *command, f *PoolStatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show runners and GPU reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.PoolStatus(*f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print the pool as JSON")
	return cmd
}

func createPoolAssignCommand(c *command, f *PoolAssignFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a task to the first idle runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.PoolAssign(*f)
		},
	}
	cmd.Flags().StringVar(&f.Task, "task", "", "task id (required)")
	cmd.Flags().StringVar(&f.Profile, "profile", "", "runner profile: gpu-heavy, gpu-light or cpu (default any)")
	if err := cmd.MarkFlagRequired("task"); err != nil {
		panic(err) // This should never happen during setup
	}
	return cmd
}

func createPoolCompleteCommand(c *command, f *PoolCompleteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Report the end of a runner's task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.PoolComplete(*f)
		},
	}
	cmd.Flags().StringVar(&f.Runner, "runner", "", "runner id (required)")
	cmd.Flags().BoolVar(&f.Success, "success", false, "the task succeeded; without it the runner goes to error")
	if err := cmd.MarkFlagRequired("runner"); err != nil {
		panic(err)
	}
	return cmd
}

func createPoolResetCommand(c *command, f *PoolResetFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Return a runner to idle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.PoolReset(*f)
		},
	}
	cmd.Flags().StringVar(&f.Runner, "runner", "", "runner id (required)")
	if err := cmd.MarkFlagRequired("runner"); err != nil {
		panic(err)
	}
	return cmd
}

func (c *command) PoolInit(f PoolInitFlags) error {
	app, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	cfg, err := app.InitPool(context.Background(), f.Layout)
	if err != nil {
		return err
	}
	sum := pool.Summarize(cfg)
	if f.JSON {
		printJSON(c.writer(), sum)
		return nil
	}
	printPool(c.writer(), sum)
	return nil
}

func (c *command) PoolStatus(f PoolStatusFlags) error {
	app, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	sum, err := app.Pool().Status(context.Background())
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(c.writer(), sum)
		return nil
	}
	printPool(c.writer(), sum)
	return nil
}

// PoolAssign prints {"assigned": false} when no runner is idle; that is not
// an error.
func (c *command) PoolAssign(f PoolAssignFlags) error {
	switch f.Profile {
	case "", pool.ProfileGPUHeavy, pool.ProfileGPULight, pool.ProfileCPU:
	default:
		return fmt.Errorf("unknown profile %q", f.Profile)
	}
	app, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	r, err := app.Pool().Assign(context.Background(), f.Task, f.Profile)
	if err != nil {
		return err
	}
	printJSON(c.writer(), server.AssignResponse{Assigned: r != nil, Runner: r})
	return nil
}

func (c *command) PoolComplete(f PoolCompleteFlags) error {
	app, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	if err := app.Pool().Complete(context.Background(), f.Runner, f.Success); err != nil {
		return err
	}
	result := "failed"
	if f.Success {
		result = "succeeded"
	}
	_, _ = fmt.Fprintf(c.writer(), "runner %s: task %s\n", f.Runner, result)
	return nil
}

func (c *command) PoolReset(f PoolResetFlags) error {
	app, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	if err := app.Pool().Reset(context.Background(), f.Runner); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.writer(), "runner %s reset to idle\n", f.Runner)
	return nil
}
