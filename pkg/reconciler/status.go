package reconciler

import (
	"fmt"
	"sync"
	"time"

	"github.com/schedulatte/schedulatte/pkg/windows"
)

// EngineState is the lifecycle state of the loop.
type EngineState string

const (
	StateIdle         EngineState = "idle"
	StateRunning      EngineState = "running"
	StateShuttingDown EngineState = "shutting_down"
	StateStopped      EngineState = "stopped"
)

// Status is a read-only snapshot of the last known engine state.
type Status struct {
	State       EngineState
	Desired     DesiredState
	Actual      ActualState
	Window      string
	Passes      int
	Failures    int
	LastOutcome *Outcome
	UpdatedAt   time.Time
}

// Clone returns a deep copy of the status.
func (s Status) Clone() Status {
	clone := s
	if s.LastOutcome != nil {
		out := s.LastOutcome.Clone()
		clone.LastOutcome = &out
	}
	return clone
}

// Observer receives status snapshots whenever the engine, desired or actual state changes.
// Observers get copies and cannot influence the engine.
type Observer interface {
	Observe(Status)
}

// ObserverFunc adapts a function into an Observer.
type ObserverFunc func(Status)

// Observe implements Observer.
func (f ObserverFunc) Observe(s Status) {
	f(s)
}

// ChannelObserver forwards snapshots to ch without blocking; snapshots are dropped
// while the receiver is busy.
func ChannelObserver(ch chan<- Status) Observer {
	return ObserverFunc(func(s Status) {
		select {
		case ch <- s:
		default:
		}
	})
}

// statusBoard holds the snapshot shared between the loop and readers.
type statusBoard struct {
	mu        sync.RWMutex
	status    Status
	observers []Observer
	now       func() time.Time
}

func newStatusBoard(now func() time.Time, observers []Observer) *statusBoard {
	return &statusBoard{
		status:    Status{State: StateIdle},
		observers: append([]Observer(nil), observers...),
		now:       now,
	}
}

func (b *statusBoard) snapshot() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status.Clone()
}

func (b *statusBoard) setState(state EngineState) {
	b.update(func(s *Status) {
		s.State = state
	})
}

// recordOutcome folds an outcome into the status. Only scheduled passes count towards Passes.
func (b *statusBoard) recordOutcome(out Outcome, pass bool) {
	b.update(func(s *Status) {
		if pass {
			s.Passes++
		}
		if out.Failed() {
			s.Failures++
		}
		if out.Desired != "" {
			s.Desired = out.Desired
		}
		if out.Actual != "" {
			s.Actual = out.Actual
		}
		// A successful corrective action means the process is now in the desired state.
		if out.Result == ResultOK {
			switch out.Action {
			case ActionStart:
				s.Actual = ActualRunning
			case ActionStop:
				s.Actual = ActualNotRunning
			}
		}
		s.Window = out.Window
		clone := out.Clone()
		s.LastOutcome = &clone
	})
}

func (b *statusBoard) update(mutate func(*Status)) {
	b.mu.Lock()
	before := b.status
	mutate(&b.status)
	b.status.UpdatedAt = b.now()
	changed := before.State != b.status.State ||
		before.Desired != b.status.Desired ||
		before.Actual != b.status.Actual
	snapshot := b.status.Clone()
	observers := b.observers
	b.mu.Unlock()

	if !changed {
		return
	}
	for _, o := range observers {
		o.Observe(snapshot.Clone())
	}
}

// Summary renders status lines for a display: one line per window followed by the
// managed process state.
func Summary(schedule windows.Schedule, label string, running bool) []string {
	lines := make([]string, 0, schedule.Len()+1)
	for _, w := range schedule.Windows() {
		name := w.Name()
		if name == "" {
			name = "Window"
		}
		lines = append(lines, fmt.Sprintf("%s: %s - %s", titleCase(name), w.Start(), w.End()))
	}
	state := "Inactive"
	if running {
		state = "Active"
	}
	if label == "" {
		label = "Process"
	}
	lines = append(lines, fmt.Sprintf("%s: %s", label, state))
	return lines
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	first := s[0]
	if first >= 'a' && first <= 'z' {
		first -= 'a' - 'A'
	}
	return string(first) + s[1:]
}
