//go:build !linux && !darwin && !windows

package process

import "context"

type unsupportedPlatform struct{}

// NewPlatform returns the process layer for the running operating system.
func NewPlatform() Platform {
	return unsupportedPlatform{}
}

func (unsupportedPlatform) List(context.Context) ([]Process, error) { return nil, ErrUnsupported }
func (unsupportedPlatform) Spawn(string, []string) (int, error)     { return 0, ErrUnsupported }
func (unsupportedPlatform) Terminate(int) error                     { return ErrUnsupported }
func (unsupportedPlatform) Is64Bit() bool                           { return is64BitArch(runtimeArch()) }
