package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Names identifies the managed executable. Name64 and Name32 are the on-disk variants;
// Aliases are extra process names that count as "running" but are never launched.
type Names struct {
	Name64  string
	Name32  string
	Aliases []string
}

// All returns the distinct names, in lower case, that identify a running instance.
func (n Names) All() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 2+len(n.Aliases))
	for _, name := range append([]string{n.Name64, n.Name32}, n.Aliases...) {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// Label derives a display name from the executable, e.g. "caffeine64.exe" becomes "Caffeine".
func (n Names) Label() string {
	name := strings.TrimSpace(n.Name64)
	if name == "" {
		name = strings.TrimSpace(n.Name32)
	}
	if name == "" && len(n.Aliases) > 0 {
		name = strings.TrimSpace(n.Aliases[0])
	}
	name = strings.TrimSuffix(name, filepath.Ext(name))
	for _, suffix := range []string{"64", "32"} {
		if trimmed := strings.TrimSuffix(name, suffix); trimmed != "" {
			name = trimmed
		}
	}
	name = strings.TrimRight(name, "-_ ")
	if name == "" {
		return ""
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// Probe observes whether the managed executable is running. It never caches; every call
// reads the process table afresh.
type Probe struct {
	platform Platform
	names    Names
	match    map[string]struct{}
	stat     func(string) (os.FileInfo, error)
}

// NewProbe constructs a probe over the provided platform.
func NewProbe(platform Platform, names Names) (*Probe, error) {
	if platform == nil {
		return nil, errors.New("platform must not be nil")
	}
	all := names.All()
	if len(all) == 0 {
		return nil, errors.New("at least one executable name is required")
	}
	if strings.TrimSpace(names.Name64) == "" && strings.TrimSpace(names.Name32) == "" {
		return nil, errors.New("a 64-bit or 32-bit executable name is required")
	}
	match := make(map[string]struct{}, len(all))
	for _, name := range all {
		match[name] = struct{}{}
	}
	return &Probe{platform: platform, names: names, match: match, stat: os.Stat}, nil
}

// Names returns the configured executable names.
func (p *Probe) Names() Names {
	return p.names
}

// PreferredName returns the variant name matching the host architecture.
func (p *Probe) PreferredName() string {
	primary, fallback := p.variants()
	if primary != "" {
		return primary
	}
	return fallback
}

func (p *Probe) variants() (string, string) {
	n64 := strings.TrimSpace(p.names.Name64)
	n32 := strings.TrimSpace(p.names.Name32)
	if p.platform.Is64Bit() {
		return n64, n32
	}
	return n32, n64
}

// ResolveExecutable returns the path of the architecture-appropriate variant inside dir.
// A 64-bit host falls back to the 32-bit variant when only that one is installed; the
// reverse is never attempted. Neither variant existing yields ErrExecutableNotFound.
func (p *Probe) ResolveExecutable(dir string) (string, error) {
	primary, fallback := p.variants()
	candidates := []string{primary}
	if p.platform.Is64Bit() {
		candidates = append(candidates, fallback)
	}

	tried := make([]string, 0, len(candidates))
	for _, name := range candidates {
		if name == "" {
			continue
		}
		path := filepath.Join(dir, name)
		tried = append(tried, path)
		info, err := p.stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("stat %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		return path, nil
	}
	return "", fmt.Errorf("%w: tried %s", ErrExecutableNotFound, strings.Join(tried, ", "))
}

// Running returns every process with an identity whose base filename matches a managed name,
// case-insensitively.
func (p *Probe) Running(ctx context.Context) ([]Process, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	procs, err := p.platform.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProbe, err)
	}
	var matched []Process
	for _, proc := range procs {
		if p.MatchesProcess(proc) {
			matched = append(matched, proc)
		}
	}
	return matched, nil
}

// IsRunning reports whether at least one managed instance is running. On enumeration
// failure it reports false alongside an ErrProbe error; callers treat that as not running.
func (p *Probe) IsRunning(ctx context.Context) (bool, []Process, error) {
	procs, err := p.Running(ctx)
	if err != nil {
		return false, nil, err
	}
	return len(procs) > 0, procs, nil
}

// Matches reports whether name (a path or base filename) identifies the managed executable.
func (p *Probe) Matches(name string) bool {
	base := strings.ToLower(filepath.Base(strings.ReplaceAll(name, `\`, "/")))
	_, ok := p.match[base]
	return ok
}

// MatchesProcess reports whether any identity of proc names the managed executable.
func (p *Probe) MatchesProcess(proc Process) bool {
	for _, name := range proc.Identities() {
		if p.Matches(name) {
			return true
		}
	}
	return false
}

// PIDs extracts process identifiers.
func PIDs(procs []Process) []int {
	if len(procs) == 0 {
		return nil
	}
	pids := make([]int, 0, len(procs))
	for _, proc := range procs {
		pids = append(pids, proc.PID)
	}
	return pids
}
