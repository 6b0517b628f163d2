package reconciler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schedulatte/schedulatte/pkg/observability"
	"github.com/schedulatte/schedulatte/pkg/process"
	"github.com/schedulatte/schedulatte/pkg/windows"
)

type fakeProbe struct {
	mu      sync.Mutex
	running bool
	procs   []process.Process
	err     error
	calls   int
}

func (f *fakeProbe) IsRunning(ctx context.Context) (bool, []process.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, nil, f.err
	}
	return f.running, append([]process.Process(nil), f.procs...), nil
}

type fakeController struct {
	mu        sync.Mutex
	startRes  process.Result
	startErr  error
	stopRes   process.Result
	stopErr   error
	starts    int
	stops     int
	probe     *fakeProbe
	startHook func()
}

func (f *fakeController) Start(ctx context.Context) (process.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startHook != nil {
		f.startHook()
	}
	if f.startErr == nil && f.probe != nil {
		f.probe.mu.Lock()
		f.probe.running = true
		f.probe.mu.Unlock()
	}
	return f.startRes, f.startErr
}

func (f *fakeController) Stop(ctx context.Context) (process.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.stopErr == nil && f.probe != nil {
		f.probe.mu.Lock()
		f.probe.running = false
		f.probe.mu.Unlock()
	}
	return f.stopRes, f.stopErr
}

func (f *fakeController) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type recordingReporter struct {
	mu      sync.Mutex
	events  []observability.Event
	metrics []observability.Metric
}

func (r *recordingReporter) RecordEvent(ctx context.Context, event observability.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event.Clone())
}

func (r *recordingReporter) RecordMetric(metric observability.Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, metric)
}

func (r *recordingReporter) eventsNamed(name string) []observability.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []observability.Event
	for _, ev := range r.events {
		if ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recordingReporter) metricsNamed(name string) []observability.Metric {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []observability.Metric
	for _, m := range r.metrics {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

func workdaySchedule() windows.Schedule {
	return windows.NewSchedule(
		windows.MustTimeWindow("morning", "08:30", "12:00"),
		windows.MustTimeWindow("afternoon", "13:00", "18:00"),
	)
}

func clockAt(h, m int) func() time.Time {
	return func() time.Time {
		return time.Date(2024, time.March, 4, h, m, 0, 0, time.Local)
	}
}

func newTestReconciler(t *testing.T, probe Probe, ctrl Controller, opts ...Option) *Reconciler {
	t.Helper()
	r, err := New(workdaySchedule(), probe, ctrl, opts...)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return r
}

func TestNewValidatesCollaborators(t *testing.T) {
	probe := &fakeProbe{}
	ctrl := &fakeController{}
	if _, err := New(nil, probe, ctrl); err == nil {
		t.Fatal("expected error for nil schedule")
	}
	if _, err := New(workdaySchedule(), nil, ctrl); err == nil {
		t.Fatal("expected error for nil probe")
	}
	if _, err := New(workdaySchedule(), probe, nil); err == nil {
		t.Fatal("expected error for nil controller")
	}
}

func TestRunOnceStartsInsideWindow(t *testing.T) {
	probe := &fakeProbe{}
	ctrl := &fakeController{startRes: process.Result{Executable: "/opt/caffeine64.exe", PIDs: []int{42}}}
	r := newTestReconciler(t, probe, ctrl, WithTimeSource(clockAt(9, 0)))

	out := r.RunOnce(context.Background())
	if out.Desired != DesiredActive || out.Actual != ActualNotRunning {
		t.Fatalf("unexpected states: %+v", out)
	}
	if out.Action != ActionStart || out.Result != ResultOK {
		t.Fatalf("expected start ok, got %s %s", out.Action, out.Result)
	}
	if out.Window != "morning" {
		t.Fatalf("expected morning window, got %q", out.Window)
	}
	if out.Executable != "/opt/caffeine64.exe" || len(out.PIDs) != 1 || out.PIDs[0] != 42 {
		t.Fatalf("unexpected start details: %+v", out)
	}
	if starts, stops := ctrl.counts(); starts != 1 || stops != 0 {
		t.Fatalf("expected one start, got starts=%d stops=%d", starts, stops)
	}
}

func TestRunOnceStopsOutsideWindow(t *testing.T) {
	probe := &fakeProbe{running: true, procs: []process.Process{{PID: 7, Name: "caffeine64.exe"}}}
	ctrl := &fakeController{stopRes: process.Result{PIDs: []int{7}}}
	r := newTestReconciler(t, probe, ctrl, WithTimeSource(clockAt(12, 30)))

	out := r.RunOnce(context.Background())
	if out.Desired != DesiredInactive || out.Actual != ActualRunning {
		t.Fatalf("unexpected states: %+v", out)
	}
	if out.Action != ActionStop || out.Result != ResultOK {
		t.Fatalf("expected stop ok, got %s %s", out.Action, out.Result)
	}
	if starts, stops := ctrl.counts(); starts != 0 || stops != 1 {
		t.Fatalf("expected exactly one stop, got starts=%d stops=%d", starts, stops)
	}
}

func TestRunOnceNoActionWhenStatesAgree(t *testing.T) {
	cases := []struct {
		name    string
		running bool
		clock   func() time.Time
	}{
		{name: "active and running", running: true, clock: clockAt(14, 0)},
		{name: "inactive and stopped", running: false, clock: clockAt(19, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			probe := &fakeProbe{running: tc.running}
			ctrl := &fakeController{}
			r := newTestReconciler(t, probe, ctrl, WithTimeSource(tc.clock))
			out := r.RunOnce(context.Background())
			if out.Action != ActionNone || out.Result != ResultOK {
				t.Fatalf("expected no action, got %s %s", out.Action, out.Result)
			}
			if starts, stops := ctrl.counts(); starts != 0 || stops != 0 {
				t.Fatalf("controller must not be called, got starts=%d stops=%d", starts, stops)
			}
		})
	}
}

func TestRunOnceWindowBoundaries(t *testing.T) {
	cases := []struct {
		h, m int
		want DesiredState
	}{
		{8, 29, DesiredInactive},
		{8, 30, DesiredActive},
		{11, 59, DesiredActive},
		{12, 0, DesiredInactive},
		{13, 0, DesiredActive},
		{18, 0, DesiredInactive},
	}
	for _, tc := range cases {
		r := newTestReconciler(t, &fakeProbe{}, &fakeController{}, WithTimeSource(clockAt(tc.h, tc.m)), WithDryRun(true))
		out := r.RunOnce(context.Background())
		if out.Desired != tc.want {
			t.Fatalf("%02d:%02d: expected %s, got %s", tc.h, tc.m, tc.want, out.Desired)
		}
	}
}

func TestRunOnceTreatsProbeFailureAsNotRunning(t *testing.T) {
	probe := &fakeProbe{err: errors.New("snapshot denied")}
	ctrl := &fakeController{}
	rep := &recordingReporter{}
	r := newTestReconciler(t, probe, ctrl, WithTimeSource(clockAt(9, 0)), WithReporter(rep))

	out := r.RunOnce(context.Background())
	if out.Actual != ActualNotRunning || out.Action != ActionStart {
		t.Fatalf("expected start after probe failure, got %+v", out)
	}
	if out.ProbeError == "" {
		t.Fatal("expected probe error recorded on outcome")
	}
	if len(rep.eventsNamed("probe_failed")) != 1 {
		t.Fatal("expected probe_failed event")
	}
	if len(rep.metricsNamed("probe_failures_total")) != 1 {
		t.Fatal("expected probe failure counter")
	}
}

func TestRunOnceProbeFailureOutsideWindowDoesNothing(t *testing.T) {
	probe := &fakeProbe{err: errors.New("snapshot denied")}
	ctrl := &fakeController{}
	r := newTestReconciler(t, probe, ctrl, WithTimeSource(clockAt(20, 0)))

	out := r.RunOnce(context.Background())
	if out.Action != ActionNone {
		t.Fatalf("expected no action, got %s", out.Action)
	}
	if starts, stops := ctrl.counts(); starts != 0 || stops != 0 {
		t.Fatalf("controller must not be called, got starts=%d stops=%d", starts, stops)
	}
}

func TestRunOnceReportsFailures(t *testing.T) {
	probe := &fakeProbe{}
	ctrl := &fakeController{startErr: process.ErrSpawnFailed}
	rep := &recordingReporter{}
	r := newTestReconciler(t, probe, ctrl, WithTimeSource(clockAt(9, 0)), WithReporter(rep))

	out := r.RunOnce(context.Background())
	if !out.Failed() {
		t.Fatalf("expected failed outcome, got %+v", out)
	}
	events := rep.eventsNamed("pass_outcome")
	if len(events) != 1 || events[0].Level != observability.LevelError {
		t.Fatalf("expected one error pass_outcome event, got %+v", events)
	}
	counters := rep.metricsNamed("pass_outcomes_total")
	if len(counters) != 1 || counters[0].Labels["action"] != "start" || counters[0].Labels["result"] != "failed" {
		t.Fatalf("unexpected counter: %+v", counters)
	}
}

func TestRunOnceExecutableMissingIsWarning(t *testing.T) {
	probe := &fakeProbe{}
	ctrl := &fakeController{startErr: process.ErrExecutableNotFound}
	rep := &recordingReporter{}
	r := newTestReconciler(t, probe, ctrl, WithTimeSource(clockAt(9, 0)), WithReporter(rep))

	out := r.RunOnce(context.Background())
	if !out.Failed() || !out.ExecutableMissing {
		t.Fatalf("expected failed outcome flagged as missing executable, got %+v", out)
	}
	if len(rep.eventsNamed("executable_missing")) != 1 {
		t.Fatal("expected executable_missing event")
	}
	events := rep.eventsNamed("pass_outcome")
	if len(events) != 1 || events[0].Level != observability.LevelWarn {
		t.Fatalf("expected warn pass_outcome, got %+v", events)
	}
}

func TestRunOnceDryRunSkipsController(t *testing.T) {
	probe := &fakeProbe{}
	ctrl := &fakeController{}
	r := newTestReconciler(t, probe, ctrl, WithTimeSource(clockAt(9, 0)), WithDryRun(true))

	out := r.RunOnce(context.Background())
	if out.Action != ActionStart || out.Result != ResultSkipped || !out.DryRun {
		t.Fatalf("expected skipped start, got %+v", out)
	}
	if starts, _ := ctrl.counts(); starts != 0 {
		t.Fatalf("dry run must not start, got %d", starts)
	}
}

func TestRunOnceReportsNoopController(t *testing.T) {
	probe := &fakeProbe{}
	ctrl := &fakeController{startRes: process.Result{Noop: true, PIDs: []int{9}}}
	r := newTestReconciler(t, probe, ctrl, WithTimeSource(clockAt(9, 0)))

	out := r.RunOnce(context.Background())
	if out.Result != ResultOK || out.Reason != "already running" {
		t.Fatalf("expected already running, got %+v", out)
	}
}

func TestStopManaged(t *testing.T) {
	probe := &fakeProbe{running: true}
	ctrl := &fakeController{stopRes: process.Result{PIDs: []int{3}}}
	r := newTestReconciler(t, probe, ctrl)

	out := r.StopManaged(context.Background())
	if out.Action != ActionStop || out.Result != ResultOK || out.Reason != "shutdown" {
		t.Fatalf("unexpected shutdown outcome: %+v", out)
	}
	if out.Actual != ActualRunning {
		t.Fatalf("expected signalled instances to be reported running, got %q", out.Actual)
	}

	ctrl = &fakeController{stopRes: process.Result{Noop: true}}
	r = newTestReconciler(t, probe, ctrl)
	out = r.StopManaged(context.Background())
	if out.Actual != ActualNotRunning || out.Reason != "already stopped" {
		t.Fatalf("expected already stopped, got %+v", out)
	}
}

func TestStopManagedFailureLeavesActualUnknown(t *testing.T) {
	ctrl := &fakeController{stopErr: fmt.Errorf("%w: access denied", process.ErrProbe)}
	rep := &recordingReporter{}
	r := newTestReconciler(t, &fakeProbe{}, ctrl, WithReporter(rep))

	out := r.StopManaged(context.Background())
	if out.Result != ResultFailed {
		t.Fatalf("expected failed shutdown stop, got %+v", out)
	}
	if out.Actual != "" {
		t.Fatalf("expected actual to stay unobserved, got %q", out.Actual)
	}
	if len(rep.metricsNamed("actual_running")) != 0 {
		t.Fatal("unexpected actual_running gauge for an unobserved stop")
	}
	events := rep.eventsNamed("pass_outcome")
	if len(events) != 1 {
		t.Fatalf("expected one pass_outcome event, got %d", len(events))
	}
	if _, ok := events[0].Fields["actual"]; ok {
		t.Fatalf("expected no actual field, got %v", events[0].Fields["actual"])
	}

	board := newStatusBoard(func() time.Time { return time.Unix(0, 0) }, nil)
	board.recordOutcome(Outcome{Desired: DesiredActive, Actual: ActualNotRunning, Action: ActionNone, Result: ResultOK}, true)
	board.recordOutcome(out, false)
	if got := board.snapshot().Actual; got != ActualNotRunning {
		t.Fatalf("failed stop must not overwrite the last observation, got %q", got)
	}
}

func TestStructuredReporterStampsEvents(t *testing.T) {
	var (
		mu     sync.Mutex
		logged []observability.Event
		seen   []observability.Metric
	)
	logger := observability.LoggerFunc(func(ctx context.Context, ev observability.Event) error {
		mu.Lock()
		defer mu.Unlock()
		logged = append(logged, ev)
		return nil
	})
	metrics := observability.MetricsCollectorFunc(func(m observability.Metric) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, m)
	})
	rep := NewStructuredReporter("desk-01", logger, metrics)
	if len(rep.Session()) != 36 {
		t.Fatalf("expected uuid session, got %q", rep.Session())
	}
	if other := NewStructuredReporter("desk-01", logger, metrics); other.Session() == rep.Session() {
		t.Fatal("expected distinct sessions per reporter")
	}

	r := newTestReconciler(t, &fakeProbe{running: true}, &fakeController{}, WithTimeSource(clockAt(9, 0)), WithReporter(rep))
	r.RunOnce(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(logged) != 1 {
		t.Fatalf("expected one event, got %d", len(logged))
	}
	ev := logged[0]
	if ev.Node != "desk-01" || ev.Session != rep.Session() || ev.Component != "reconciler" {
		t.Fatalf("event not stamped: %+v", ev)
	}
	if len(seen) != 4 {
		t.Fatalf("expected four metrics per pass, got %d", len(seen))
	}
}

// memoryTable is a process table shared by a process.PlatformFuncs.
type memoryTable struct {
	mu    sync.Mutex
	procs []process.Process
	next  int
}

func (m *memoryTable) platform() process.Platform {
	return process.PlatformFuncs{
		ListFunc: func(context.Context) ([]process.Process, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			return append([]process.Process(nil), m.procs...), nil
		},
		SpawnFunc: func(path string, args []string) (int, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.next++
			pid := 500 + m.next
			m.procs = append(m.procs, process.Process{PID: pid, Name: filepath.Base(path)})
			return pid, nil
		},
		TerminateFunc: func(pid int) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			kept := m.procs[:0]
			for _, p := range m.procs {
				if p.PID != pid {
					kept = append(kept, p)
				}
			}
			m.procs = kept
			return nil
		},
		Is64BitFunc: func() bool { return true },
	}
}

func (m *memoryTable) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.procs {
		if strings.EqualFold(p.Name, name) {
			n++
		}
	}
	return n
}

func TestReconcilerConvergesThroughProcessTable(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "caffeine64.exe"), []byte("bin"), 0o755); err != nil {
		t.Fatalf("write executable: %v", err)
	}
	table := &memoryTable{}
	platform := table.platform()
	probe, err := process.NewProbe(platform, process.Names{Name64: "caffeine64.exe", Name32: "caffeine32.exe"})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	ctrl, err := process.NewController(platform, probe, dir, nil)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}

	now := clockAt(9, 0)()
	clock := func() time.Time { return now }
	r := newTestReconciler(t, probe, ctrl, WithTimeSource(clock))

	// Repeated passes inside the window spawn exactly one instance.
	for i := 0; i < 3; i++ {
		out := r.RunOnce(context.Background())
		if out.Failed() {
			t.Fatalf("pass %d failed: %s", i, out.Reason)
		}
	}
	if got := table.count("caffeine64.exe"); got != 1 {
		t.Fatalf("expected one running instance, got %d", got)
	}

	// A manual duplicate is stopped together with the managed instance once the window closes.
	table.mu.Lock()
	table.procs = append(table.procs, process.Process{PID: 99, Name: "CAFFEINE64.EXE"})
	table.mu.Unlock()

	now = clockAt(12, 0)()
	out := r.RunOnce(context.Background())
	if out.Action != ActionStop || out.Result != ResultOK {
		t.Fatalf("expected stop ok, got %+v", out)
	}
	if got := table.count("caffeine64.exe"); got != 0 {
		t.Fatalf("expected no instances, got %d", got)
	}
	out = r.RunOnce(context.Background())
	if out.Action != ActionNone {
		t.Fatalf("expected converged state, got %+v", out)
	}
}
