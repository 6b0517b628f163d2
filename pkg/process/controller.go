package process

import (
	"context"
	"errors"
	"fmt"
)

// Result describes what a Start or Stop call did.
type Result struct {
	// Noop is true when the process was already in the requested state.
	Noop bool
	// Executable is the resolved path on Start.
	Executable string
	// PIDs lists the spawned process on Start, or the instances signalled on Stop.
	PIDs []int
}

// Controller converges the managed executable to a target state. It holds no process
// handles between calls; every decision is re-derived from the OS process table.
type Controller struct {
	probe    *Probe
	platform Platform
	dir      string
	args     []string
}

// NewController builds a controller launching executables from dir.
func NewController(platform Platform, probe *Probe, dir string, args []string) (*Controller, error) {
	if platform == nil {
		return nil, errors.New("platform must not be nil")
	}
	if probe == nil {
		return nil, errors.New("probe must not be nil")
	}
	return &Controller{
		probe:    probe,
		platform: platform,
		dir:      dir,
		args:     append([]string(nil), args...),
	}, nil
}

// Dir returns the directory searched for the executable.
func (c *Controller) Dir() string {
	return c.dir
}

// Start launches the managed executable unless an instance is already running.
// A failed probe does not block the launch.
func (c *Controller) Start(ctx context.Context) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	path, err := c.probe.ResolveExecutable(c.dir)
	if err != nil {
		return Result{}, err
	}
	res := Result{Executable: path}

	running, procs, probeErr := c.probe.IsRunning(ctx)
	if probeErr == nil && running {
		res.Noop = true
		res.PIDs = PIDs(procs)
		return res, nil
	}

	pid, err := c.platform.Spawn(path, c.args)
	if err != nil {
		return res, fmt.Errorf("%w: %s: %w", ErrSpawnFailed, path, err)
	}
	res.PIDs = []int{pid}
	return res, nil
}

// Stop terminates every running instance. It is a no-op when nothing is running.
func (c *Controller) Stop(ctx context.Context) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	procs, err := c.probe.Running(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(procs) == 0 {
		return Result{Noop: true}, nil
	}

	var (
		res  Result
		errs []error
	)
	for _, proc := range procs {
		if err := c.platform.Terminate(proc.PID); err != nil {
			errs = append(errs, fmt.Errorf("pid %d (%s): %w", proc.PID, proc.Name, err))
			continue
		}
		res.PIDs = append(res.PIDs, proc.PID)
	}
	if len(errs) > 0 {
		return res, fmt.Errorf("%w: %w", ErrTerminateFailed, errors.Join(errs...))
	}
	return res, nil
}
