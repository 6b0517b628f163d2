package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/schedulatte/schedulatte/pkg/observability"
	"github.com/schedulatte/schedulatte/pkg/process"
	"github.com/schedulatte/schedulatte/pkg/windows"
)

// Schedule answers which window, if any, contains an instant.
type Schedule interface {
	Match(time.Time) (windows.TimeWindow, bool)
}

// Probe observes whether the managed process is running.
type Probe interface {
	IsRunning(ctx context.Context) (bool, []process.Process, error)
}

// Controller drives the managed process towards a target state.
type Controller interface {
	Start(ctx context.Context) (process.Result, error)
	Stop(ctx context.Context) (process.Result, error)
}

// DesiredState is derived from the schedule.
type DesiredState string

const (
	DesiredActive   DesiredState = "active"
	DesiredInactive DesiredState = "inactive"
)

// ActualState is observed from the OS process table.
type ActualState string

const (
	ActualRunning    ActualState = "running"
	ActualNotRunning ActualState = "not_running"
)

// Action is the corrective step taken by a pass.
type Action string

const (
	ActionNone  Action = "none"
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// Result summarises whether the action succeeded.
type Result string

const (
	ResultOK      Result = "ok"
	ResultFailed  Result = "failed"
	ResultSkipped Result = "skipped"
)

// Outcome records a single reconciliation pass.
type Outcome struct {
	Timestamp  time.Time
	Desired    DesiredState
	Actual     ActualState
	Action     Action
	Result     Result
	Reason     string
	Window     string
	Executable string
	PIDs       []int
	ProbeError string
	Duration   time.Duration
	DryRun     bool
	// ExecutableMissing marks a start skipped because neither variant is installed.
	ExecutableMissing bool
}

// Failed reports whether the pass ended in an error.
func (o Outcome) Failed() bool {
	return o.Result == ResultFailed
}

// Clone returns a deep copy safe to hand to observers.
func (o Outcome) Clone() Outcome {
	clone := o
	if o.PIDs != nil {
		clone.PIDs = append([]int(nil), o.PIDs...)
	}
	return clone
}

// Reconciler runs one desired-versus-actual comparison per call and issues the minimal
// corrective action. It keeps no state between passes.
type Reconciler struct {
	schedule   Schedule
	probe      Probe
	controller Controller
	reporter   Reporter
	now        func() time.Time
	dryRun     bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithReporter attaches an observability reporter to the reconciler.
func WithReporter(rep Reporter) Option {
	return func(r *Reconciler) {
		if rep != nil {
			r.reporter = rep
		}
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(r *Reconciler) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithDryRun makes passes compute and report actions without invoking the controller.
func WithDryRun(enabled bool) Option {
	return func(r *Reconciler) {
		r.dryRun = enabled
	}
}

// New constructs a Reconciler with the provided collaborators.
func New(schedule Schedule, probe Probe, controller Controller, opts ...Option) (*Reconciler, error) {
	if schedule == nil {
		return nil, errors.New("schedule must not be nil")
	}
	if probe == nil {
		return nil, errors.New("probe must not be nil")
	}
	if controller == nil {
		return nil, errors.New("controller must not be nil")
	}

	r := &Reconciler{
		schedule:   schedule,
		probe:      probe,
		controller: controller,
		reporter:   NoopReporter{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.reporter == nil {
		r.reporter = NoopReporter{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Desired evaluates the schedule at t.
func (r *Reconciler) Desired(t time.Time) (DesiredState, string) {
	if w, ok := r.schedule.Match(t); ok {
		return DesiredActive, w.Name()
	}
	return DesiredInactive, ""
}

// RunOnce executes one reconciliation pass. Probe and controller failures are folded
// into the returned outcome; RunOnce itself never fails.
func (r *Reconciler) RunOnce(ctx context.Context) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	start := r.now()
	out := Outcome{Timestamp: start, DryRun: r.dryRun}
	out.Desired, out.Window = r.Desired(start)

	running, procs, probeErr := r.probe.IsRunning(ctx)
	if probeErr != nil {
		running = false
		out.ProbeError = probeErr.Error()
		r.recordProbeFailure(ctx, probeErr)
	}
	out.Actual = actualFrom(running)
	out.PIDs = process.PIDs(procs)

	switch {
	case out.Desired == DesiredActive && out.Actual == ActualNotRunning:
		out.Action = ActionStart
		r.apply(ctx, &out, r.controller.Start)
	case out.Desired == DesiredInactive && out.Actual == ActualRunning:
		out.Action = ActionStop
		r.apply(ctx, &out, r.controller.Stop)
	default:
		out.Action = ActionNone
		out.Result = ResultOK
	}

	out.Duration = r.now().Sub(start)
	r.recordOutcome(ctx, out)
	return out
}

// StopManaged performs the best-effort shutdown stop. The outcome is reported like a pass.
func (r *Reconciler) StopManaged(ctx context.Context) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	start := r.now()
	out := Outcome{
		Timestamp: start,
		Desired:   DesiredInactive,
		Action:    ActionStop,
		Reason:    "shutdown",
		DryRun:    r.dryRun,
	}
	r.apply(ctx, &out, r.controller.Stop)
	// Actual is only what the stop itself observed: instances it signalled, or none at all.
	// A failed enumeration or a dry run observes nothing and leaves it empty.
	switch {
	case out.Result == ResultOK && out.Reason == "already stopped":
		out.Actual = ActualNotRunning
	case len(out.PIDs) > 0:
		out.Actual = ActualRunning
	}
	out.Duration = r.now().Sub(start)
	r.recordOutcome(ctx, out)
	return out
}

func (r *Reconciler) apply(ctx context.Context, out *Outcome, fn func(context.Context) (process.Result, error)) {
	if r.dryRun {
		out.Result = ResultSkipped
		out.Reason = "dry run"
		return
	}

	res, err := fn(ctx)
	if res.Executable != "" {
		out.Executable = res.Executable
	}
	if len(res.PIDs) > 0 {
		out.PIDs = append([]int(nil), res.PIDs...)
	}
	if err != nil {
		out.Result = ResultFailed
		out.Reason = err.Error()
		if errors.Is(err, process.ErrExecutableNotFound) {
			out.ExecutableMissing = true
			r.recordExecutableMissing(ctx, err)
		}
		return
	}
	out.Result = ResultOK
	if res.Noop {
		if out.Action == ActionStart {
			out.Reason = "already running"
		} else {
			out.Reason = "already stopped"
		}
	}
}

func actualFrom(running bool) ActualState {
	if running {
		return ActualRunning
	}
	return ActualNotRunning
}

func (r *Reconciler) recordProbeFailure(ctx context.Context, err error) {
	r.reporter.RecordMetric(observability.Metric{
		Name:        "probe_failures_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Description: "Number of process table enumerations that failed.",
	})
	r.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelWarn,
		Event:   "probe_failed",
		Message: "process enumeration failed; assuming not running",
		Fields:  map[string]interface{}{"error": err.Error()},
	})
}

func (r *Reconciler) recordExecutableMissing(ctx context.Context, err error) {
	r.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelWarn,
		Event:   "executable_missing",
		Message: "start skipped until the executable is installed",
		Fields:  map[string]interface{}{"error": err.Error()},
	})
}

func (r *Reconciler) recordOutcome(ctx context.Context, out Outcome) {
	level := observability.LevelInfo
	switch {
	case out.Result == ResultFailed:
		level = observability.LevelError
		if out.ExecutableMissing {
			level = observability.LevelWarn
		}
	case out.ProbeError != "":
		level = observability.LevelWarn
	}

	fields := map[string]interface{}{
		"desired":     string(out.Desired),
		"action":      string(out.Action),
		"result":      string(out.Result),
		"duration_ms": out.Duration.Milliseconds(),
	}
	if out.Actual != "" {
		fields["actual"] = string(out.Actual)
	}
	if out.Window != "" {
		fields["window"] = out.Window
	}
	if out.Reason != "" {
		fields["reason"] = out.Reason
	}
	if out.Executable != "" {
		fields["executable"] = out.Executable
	}
	if len(out.PIDs) > 0 {
		fields["pids"] = out.PIDs
	}
	if out.ProbeError != "" {
		fields["probe_error"] = out.ProbeError
	}
	if out.DryRun {
		fields["dry_run"] = true
	}

	labels := map[string]string{"action": string(out.Action), "result": string(out.Result)}
	r.reporter.RecordMetric(observability.Metric{
		Name:        "pass_outcomes_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      labels,
		Description: "Number of reconciliation passes grouped by action and result.",
	})
	r.reporter.RecordMetric(observability.Metric{
		Name:        "reconcile_pass_seconds",
		Type:        observability.MetricHistogram,
		Value:       out.Duration.Seconds(),
		Labels:      labels,
		Description: "Duration of reconciliation passes.",
		Unit:        "seconds",
	})
	r.reporter.RecordMetric(observability.Metric{
		Name:        "desired_active",
		Type:        observability.MetricGauge,
		Value:       observability.BoolValue(out.Desired == DesiredActive),
		Description: "Whether the schedule currently wants the managed process running.",
	})
	if out.Actual != "" {
		r.reporter.RecordMetric(observability.Metric{
			Name:        "actual_running",
			Type:        observability.MetricGauge,
			Value:       observability.BoolValue(out.Actual == ActualRunning),
			Description: "Whether the managed process was observed running at the start of the last pass.",
		})
	}

	r.reporter.RecordEvent(ctx, observability.Event{
		Level:   level,
		Event:   "pass_outcome",
		Message: describe(out),
		Fields:  fields,
	})
}

func describe(out Outcome) string {
	switch out.Action {
	case ActionStart, ActionStop:
		return fmt.Sprintf("%s %s", out.Action, out.Result)
	default:
		return fmt.Sprintf("no action (desired %s, actual %s)", out.Desired, out.Actual)
	}
}
