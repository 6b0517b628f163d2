package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schedulatte/schedulatte/pkg/observability"
	"github.com/schedulatte/schedulatte/pkg/process"
	"github.com/schedulatte/schedulatte/pkg/windows"
)

// DefaultConfigName is the file looked up next to the schedulatte executable.
const DefaultConfigName = "config.yaml"

const (
	defaultCheckIntervalSec = 600
	defaultName64           = "caffeine64.exe"
	defaultName32           = "caffeine32.exe"
	defaultAlias            = "caffeine.exe"
	defaultMetricsListen    = "127.0.0.1:9464"
	defaultLockName         = "schedulatte.lock"
)

// Config represents the runtime configuration for the scheduler daemon.
type Config struct {
	NodeName         string           `yaml:"node_name"`
	Windows          []WindowConfig   `yaml:"windows"`
	Executable       ExecutableConfig `yaml:"executable"`
	CheckIntervalSec int              `yaml:"check_interval_sec"`
	StopOnExit       *bool            `yaml:"stop_on_exit"`
	Log              LogConfig        `yaml:"log"`
	Metrics          MetricsConfig    `yaml:"metrics"`
	LockFile         string           `yaml:"lock_file"`
	DryRun           bool             `yaml:"dry_run"`
}

// WindowConfig is one time-of-day window in HH:MM form.
type WindowConfig struct {
	Name  string `yaml:"name"`
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// ExecutableConfig locates the managed keep-awake executable.
type ExecutableConfig struct {
	Dir     string   `yaml:"dir"`
	Name64  string   `yaml:"name_64"`
	Name32  string   `yaml:"name_32"`
	Aliases []string `yaml:"aliases"`
	Args    []string `yaml:"args"`
}

// LogConfig selects the event log rendering.
type LogConfig struct {
	Format string `yaml:"format"`
}

// MetricsConfig defines observability exposure options.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// DefaultPath returns config.yaml in the directory holding the running executable,
// falling back to the working directory when the executable cannot be located.
func DefaultPath() string {
	dir, err := executableDir()
	if err != nil {
		return DefaultConfigName
	}
	return filepath.Join(dir, DefaultConfigName)
}

var executableDir = func() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}

var hostname = os.Hostname

var tempDir = os.TempDir

// Load reads, parses, and validates a configuration from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks for semantic correctness in the configuration.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	seen := make(map[string]int)
	for i, w := range c.Windows {
		if _, err := windows.NewTimeWindow(w.Name, w.Start, w.End); err != nil {
			problems = append(problems, fmt.Sprintf("windows[%d]: %v", i, err))
		}
		name := strings.ToLower(strings.TrimSpace(w.Name))
		if name == "" {
			continue
		}
		if prev, ok := seen[name]; ok {
			problems = append(problems, fmt.Sprintf("windows[%d]: name %q already used by windows[%d]", i, w.Name, prev))
			continue
		}
		seen[name] = i
	}

	if strings.TrimSpace(c.Executable.Name64) == "" && strings.TrimSpace(c.Executable.Name32) == "" {
		problems = append(problems, "executable.name_64 or executable.name_32 is required")
	}
	for _, name := range append([]string{c.Executable.Name64, c.Executable.Name32}, c.Executable.Aliases...) {
		if strings.ContainsAny(name, `/\`) {
			problems = append(problems, fmt.Sprintf("executable name %q must be a base filename, not a path", name))
		}
	}
	if strings.TrimSpace(c.Executable.Dir) == "" {
		problems = append(problems, "executable.dir is required")
	}
	if c.CheckIntervalSec <= 0 {
		problems = append(problems, "check_interval_sec must be greater than zero")
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case observability.FormatJSON, observability.FormatText:
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not supported (json or text)", c.Log.Format))
	}

	if c.Metrics.Enabled {
		if strings.TrimSpace(c.Metrics.Listen) == "" {
			problems = append(problems, "metrics.listen must be set when metrics.enabled is true")
		} else if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			problems = append(problems, fmt.Sprintf("metrics.listen %q is not a host:port address", c.Metrics.Listen))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.NodeName) == "" {
		if name, err := hostname(); err == nil {
			c.NodeName = name
		}
	}
	if strings.TrimSpace(c.Executable.Dir) == "" {
		if dir, err := executableDir(); err == nil {
			c.Executable.Dir = dir
		}
	}
	if c.Executable.Name64 == "" && c.Executable.Name32 == "" {
		c.Executable.Name64 = defaultName64
		c.Executable.Name32 = defaultName32
		if c.Executable.Aliases == nil {
			c.Executable.Aliases = []string{defaultAlias}
		}
	}
	if c.CheckIntervalSec == 0 {
		c.CheckIntervalSec = defaultCheckIntervalSec
	}
	if c.StopOnExit == nil {
		enabled := true
		c.StopOnExit = &enabled
	}
	if c.Log.Format == "" {
		c.Log.Format = observability.FormatJSON
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = defaultMetricsListen
	}
	if strings.TrimSpace(c.LockFile) == "" {
		c.LockFile = filepath.Join(tempDir(), defaultLockName)
	}
}

// Schedule builds the window schedule. The configuration must have been validated.
func (c *Config) Schedule() (windows.Schedule, error) {
	built := make([]windows.TimeWindow, 0, len(c.Windows))
	for i, w := range c.Windows {
		name := strings.TrimSpace(w.Name)
		if name == "" {
			name = fmt.Sprintf("window-%d", i)
		}
		tw, err := windows.NewTimeWindow(name, w.Start, w.End)
		if err != nil {
			return windows.Schedule{}, fmt.Errorf("windows[%d]: %w", i, err)
		}
		built = append(built, tw)
	}
	return windows.NewSchedule(built...), nil
}

// ProcessNames returns the executable identity used by the probe.
func (c *Config) ProcessNames() process.Names {
	return process.Names{
		Name64:  strings.TrimSpace(c.Executable.Name64),
		Name32:  strings.TrimSpace(c.Executable.Name32),
		Aliases: append([]string(nil), c.Executable.Aliases...),
	}
}

// CheckInterval returns how long the reconciler waits between passes.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

// StopOnExitEnabled reports whether the managed process is stopped during shutdown.
func (c *Config) StopOnExitEnabled() bool {
	if c == nil || c.StopOnExit == nil {
		return true
	}
	return *c.StopOnExit
}
