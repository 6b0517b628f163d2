package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/schedulatte/schedulatte/pkg/config"
	"github.com/schedulatte/schedulatte/pkg/process"
	"github.com/schedulatte/schedulatte/pkg/reconciler"
	"github.com/schedulatte/schedulatte/pkg/version"
	"github.com/schedulatte/schedulatte/pkg/windows"
)

const (
	exitOK           = 0
	exitUsage        = 64
	exitConfigError  = 65
	exitProbeError   = 67
	exitRuntimeError = 70
)

var newPlatform = process.NewPlatform

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func withExit(code int, err error) error {
	return &exitError{code: code, err: err}
}

func main() {
	exitCode := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	os.Exit(exitCode)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(stderr, err)
	return exitUsage
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "schedulatte",
		Short:         "Keep a keep-awake utility running during configured time windows",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Usage()
			return withExit(exitUsage, nil)
		},
	}

	root.AddCommand(newRunCmd(stdout, stderr))
	root.AddCommand(newValidateCmd(stdout))
	root.AddCommand(newSimulateCmd(stdout))
	root.AddCommand(newStatusCmd(stdout))
	root.AddCommand(newVersionCmd(stdout))
	return root
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, withExit(exitConfigError, fmt.Errorf("failed to load configuration: %w", err))
	}
	return cfg, nil
}

func newProcessStack(cfg *config.Config) (*process.Probe, *process.Controller, error) {
	platform := newPlatform()
	probe, err := process.NewProbe(platform, cfg.ProcessNames())
	if err != nil {
		return nil, nil, withExit(exitConfigError, fmt.Errorf("failed to initialise probe: %w", err))
	}
	controller, err := process.NewController(platform, probe, cfg.Executable.Dir, cfg.Executable.Args)
	if err != nil {
		return nil, nil, withExit(exitConfigError, fmt.Errorf("failed to initialise controller: %w", err))
	}
	return probe, controller, nil
}

func newValidateCmd(stdout io.Writer) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.Load(configPath); err != nil {
				return withExit(exitConfigError, fmt.Errorf("configuration invalid: %w", err))
			}
			fmt.Fprintf(stdout, "configuration at %s is valid\n", configPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "path to configuration file")
	return cmd
}

func newSimulateCmd(stdout io.Writer) *cobra.Command {
	var (
		configPath string
		at         string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Show the action a reconciliation pass would take without executing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			now := time.Now()
			if at != "" {
				tod, err := windows.ParseTimeOfDay(at)
				if err != nil {
					return withExit(exitUsage, fmt.Errorf("invalid --at value: %w", err))
				}
				y, m, d := now.Date()
				now = time.Date(y, m, d, int(tod)/60, int(tod)%60, 0, 0, now.Location())
			}
			return simulate(cmd.Context(), cfg, now, stdout)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "path to configuration file")
	cmd.Flags().StringVar(&at, "at", "", "evaluate the schedule at HH:MM today instead of now")
	return cmd
}

func simulate(ctx context.Context, cfg *config.Config, now time.Time, stdout io.Writer) error {
	schedule, err := cfg.Schedule()
	if err != nil {
		return withExit(exitConfigError, err)
	}
	probe, controller, err := newProcessStack(cfg)
	if err != nil {
		return err
	}
	rec, err := reconciler.New(schedule, probe, controller,
		reconciler.WithDryRun(true),
		reconciler.WithTimeSource(func() time.Time { return now }),
	)
	if err != nil {
		return withExit(exitConfigError, err)
	}

	out := rec.RunOnce(ctx)

	fmt.Fprintf(stdout, "node %s schedule at %s:\n", cfg.NodeName, windows.Clock(now))
	fmt.Fprintln(stdout, "  windows:")
	if schedule.Len() == 0 {
		fmt.Fprintln(stdout, "    (none, never active)")
	}
	for _, w := range schedule.Windows() {
		fmt.Fprintf(stdout, "    - %s\n", w)
	}
	if out.Window != "" {
		fmt.Fprintf(stdout, "  desired: %s (window %s)\n", out.Desired, out.Window)
	} else {
		fmt.Fprintf(stdout, "  desired: %s\n", out.Desired)
	}
	fmt.Fprintf(stdout, "  actual: %s\n", out.Actual)
	if out.ProbeError != "" {
		fmt.Fprintf(stdout, "  probe error: %s\n", out.ProbeError)
	}
	if path, err := probe.ResolveExecutable(cfg.Executable.Dir); err != nil {
		fmt.Fprintf(stdout, "  executable: missing (%v)\n", err)
	} else {
		fmt.Fprintf(stdout, "  executable: %s\n", path)
	}
	fmt.Fprintf(stdout, "  action: %s\n", out.Action)
	if next, ok := schedule.NextTransition(now); ok {
		fmt.Fprintf(stdout, "  next transition: %s\n", next.Format("2006-01-02 15:04"))
	}
	fmt.Fprintln(stdout, "no process actions performed in simulation mode")
	return nil
}

func newStatusCmd(stdout io.Writer) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display the schedule and whether the managed process is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			schedule, err := cfg.Schedule()
			if err != nil {
				return withExit(exitConfigError, err)
			}
			probe, _, err := newProcessStack(cfg)
			if err != nil {
				return err
			}

			running, procs, probeErr := probe.IsRunning(cmd.Context())
			for _, line := range reconciler.Summary(schedule, cfg.ProcessNames().Label(), running) {
				fmt.Fprintln(stdout, line)
			}
			state := reconciler.DesiredInactive
			if schedule.Contains(time.Now()) {
				state = reconciler.DesiredActive
			}
			fmt.Fprintf(stdout, "Desired: %s\n", state)
			if pids := process.PIDs(procs); len(pids) > 0 {
				fmt.Fprintf(stdout, "PIDs: %s\n", joinInts(pids))
			}
			if probeErr != nil {
				return withExit(exitProbeError, fmt.Errorf("process probe failed: %w", probeErr))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "path to configuration file")
	return cmd
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(stdout, version.String())
		},
	}
}

func joinInts(values []int) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, fmt.Sprintf("%d", v))
	}
	return strings.Join(parts, ", ")
}
