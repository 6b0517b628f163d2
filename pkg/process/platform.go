package process

import (
	"context"
	"errors"
)

var (
	// ErrExecutableNotFound reports that neither executable variant exists in the configured directory.
	ErrExecutableNotFound = errors.New("managed executable not found")
	// ErrProbe wraps failures to enumerate the OS process table.
	ErrProbe = errors.New("process enumeration failed")
	// ErrSpawnFailed wraps failures to launch the managed executable.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrTerminateFailed wraps failures to terminate one or more running instances.
	ErrTerminateFailed = errors.New("terminate failed")
	// ErrUnsupported is returned by the platform layer on operating systems without process control support.
	ErrUnsupported = errors.New("process control is not supported on this platform")
)

// Process is a single entry of the OS process table.
type Process struct {
	PID  int
	Name string

	// AltNames are further identities of the same process, such as the script a shell
	// interpreter is running or the program a loader was asked to execute.
	AltNames []string
}

// Identities returns Name followed by AltNames, skipping blanks.
func (p Process) Identities() []string {
	out := make([]string, 0, 1+len(p.AltNames))
	for _, name := range append([]string{p.Name}, p.AltNames...) {
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Platform exposes the OS primitives the probe and controller are built on.
type Platform interface {
	// List enumerates running processes. Name is the base filename of the executable.
	List(ctx context.Context) ([]Process, error)
	// Spawn launches path detached from the calling process and returns its PID.
	Spawn(path string, args []string) (int, error)
	// Terminate stops the process with the given PID. A process that has already exited is not an error.
	Terminate(pid int) error
	// Is64Bit reports whether the host can run 64-bit executables.
	Is64Bit() bool
}

// PlatformFuncs wires plain functions into a Platform. Nil functions report ErrUnsupported.
type PlatformFuncs struct {
	ListFunc      func(context.Context) ([]Process, error)
	SpawnFunc     func(string, []string) (int, error)
	TerminateFunc func(int) error
	Is64BitFunc   func() bool
}

// List implements Platform.
func (f PlatformFuncs) List(ctx context.Context) ([]Process, error) {
	if f.ListFunc == nil {
		return nil, ErrUnsupported
	}
	return f.ListFunc(ctx)
}

// Spawn implements Platform.
func (f PlatformFuncs) Spawn(path string, args []string) (int, error) {
	if f.SpawnFunc == nil {
		return 0, ErrUnsupported
	}
	return f.SpawnFunc(path, args)
}

// Terminate implements Platform.
func (f PlatformFuncs) Terminate(pid int) error {
	if f.TerminateFunc == nil {
		return ErrUnsupported
	}
	return f.TerminateFunc(pid)
}

// Is64Bit implements Platform.
func (f PlatformFuncs) Is64Bit() bool {
	if f.Is64BitFunc == nil {
		return false
	}
	return f.Is64BitFunc()
}

var _ Platform = PlatformFuncs{}
