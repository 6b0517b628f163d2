//go:build linux

package process

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs"
)

type linuxPlatform struct {
	unixProcs
	mountPoint string
}

// NewPlatform returns the process layer for the running operating system.
func NewPlatform() Platform {
	return &linuxPlatform{mountPoint: procfs.DefaultMountPoint}
}

// List walks /proc. Name is the executable link, or comm when that link is unreadable
// (owned by another user). Interpreted and loader-launched programs show the interpreter
// in the link, so comm and the leading cmdline arguments are kept as AltNames.
func (p *linuxPlatform) List(ctx context.Context) ([]Process, error) {
	fs, err := procfs.NewFS(p.mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	out := make([]Process, 0, len(procs))
	for _, proc := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var names []string
		if exe, err := proc.Executable(); err == nil && exe != "" {
			names = append(names, filepath.Base(strings.TrimSuffix(exe, " (deleted)")))
		}
		if comm, err := proc.Comm(); err == nil {
			names = append(names, comm)
		}
		if argv, err := proc.CmdLine(); err == nil {
			names = append(names, argvNames(argv)...)
		}
		names = dedupeNames(names)
		if len(names) == 0 {
			continue
		}
		out = append(out, Process{PID: proc.PID, Name: names[0], AltNames: names[1:]})
	}
	return out, nil
}

// argvNames returns argv[0] and, when it is not a flag, argv[1]. Paths are kept whole;
// Matches reduces them to a base name, including Windows paths handed to a loader.
func argvNames(argv []string) []string {
	var out []string
	for i, arg := range argv {
		if i > 1 {
			break
		}
		arg = strings.TrimSpace(arg)
		if arg == "" || (i == 1 && strings.HasPrefix(arg, "-")) {
			continue
		}
		out = append(out, arg)
	}
	return out
}

func dedupeNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0]
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
