//go:build darwin

package process

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

type darwinPlatform struct {
	unixProcs
}

// NewPlatform returns the process layer for the running operating system.
func NewPlatform() Platform {
	return &darwinPlatform{}
}

// List reads the kernel process table. Names are the kernel's short command names.
func (p *darwinPlatform) List(ctx context.Context) ([]Process, error) {
	kprocs, err := unix.SysctlKinfoProcSlice("kern.proc.all")
	if err != nil {
		return nil, fmt.Errorf("sysctl kern.proc.all: %w", err)
	}
	out := make([]Process, 0, len(kprocs))
	for i := range kprocs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kp := &kprocs[i]
		name := unix.ByteSliceToString(kp.Proc.P_comm[:])
		if name == "" {
			continue
		}
		out = append(out, Process{PID: int(kp.Proc.P_pid), Name: name})
	}
	return out, nil
}
