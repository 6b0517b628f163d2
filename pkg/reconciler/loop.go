package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/schedulatte/schedulatte/pkg/observability"
)

const (
	defaultLoopInterval    = 10 * time.Minute
	defaultShutdownTimeout = 10 * time.Second
)

// PassRunner abstracts the single-pass reconciler for reuse in the loop.
type PassRunner interface {
	RunOnce(ctx context.Context) Outcome
	StopManaged(ctx context.Context) Outcome
}

// Loop drives reconciliation passes on a fixed cadence until the context is cancelled.
type Loop struct {
	runner          PassRunner
	interval        time.Duration
	sleep           func(time.Duration)
	iterationHook   func(Outcome)
	reporter        Reporter
	stopOnExit      bool
	shutdownTimeout time.Duration
	now             func() time.Time
	observers       []Observer
	board           *statusBoard
}

// LoopOption customises loop behaviour.
type LoopOption func(*Loop)

// WithLoopSleepFunc overrides the sleep implementation between iterations. Without one the
// loop waits on a timer that is stopped as soon as the context is cancelled.
func WithLoopSleepFunc(fn func(time.Duration)) LoopOption {
	return func(l *Loop) {
		l.sleep = fn
	}
}

// WithLoopIterationHook registers a callback invoked after each pass.
func WithLoopIterationHook(fn func(Outcome)) LoopOption {
	return func(l *Loop) {
		l.iterationHook = fn
	}
}

// WithLoopInterval sets the delay between the end of one pass and the start of the next.
func WithLoopInterval(d time.Duration) LoopOption {
	return func(l *Loop) {
		l.interval = d
	}
}

// WithLoopReporter attaches a reporter for lifecycle events.
func WithLoopReporter(rep Reporter) LoopOption {
	return func(l *Loop) {
		l.reporter = rep
	}
}

// WithStopOnExit controls whether the managed process is stopped when the loop exits.
func WithStopOnExit(enabled bool) LoopOption {
	return func(l *Loop) {
		l.stopOnExit = enabled
	}
}

// WithShutdownTimeout bounds the best-effort stop performed on exit.
func WithShutdownTimeout(d time.Duration) LoopOption {
	return func(l *Loop) {
		l.shutdownTimeout = d
	}
}

// WithObserver registers an observer notified when the status changes.
func WithObserver(o Observer) LoopOption {
	return func(l *Loop) {
		if o != nil {
			l.observers = append(l.observers, o)
		}
	}
}

// WithLoopTimeSource injects the clock used for status timestamps.
func WithLoopTimeSource(fn func() time.Time) LoopOption {
	return func(l *Loop) {
		l.now = fn
	}
}

// NewLoop constructs a Loop backed by the provided runner.
func NewLoop(runner PassRunner, opts ...LoopOption) (*Loop, error) {
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}

	loop := &Loop{
		runner:          runner,
		interval:        defaultLoopInterval,
		reporter:        NoopReporter{},
		stopOnExit:      true,
		shutdownTimeout: defaultShutdownTimeout,
		now:             time.Now,
	}

	for _, opt := range opts {
		opt(loop)
	}

	if loop.interval <= 0 {
		loop.interval = defaultLoopInterval
	}
	if loop.reporter == nil {
		loop.reporter = NoopReporter{}
	}
	if loop.shutdownTimeout <= 0 {
		loop.shutdownTimeout = defaultShutdownTimeout
	}
	if loop.now == nil {
		loop.now = time.Now
	}
	loop.board = newStatusBoard(loop.now, loop.observers)

	return loop, nil
}

// Status returns a copy of the most recent engine status. It is safe to call concurrently with Run.
func (l *Loop) Status() Status {
	return l.board.snapshot()
}

// Run executes an immediate pass and then one pass per interval until ctx is cancelled.
// A pass in flight when ctx is cancelled completes before Run returns. Run returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	l.board.setState(StateRunning)
	l.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelInfo,
		Event:   "engine_started",
		Message: "reconciliation loop started",
		Fields: map[string]interface{}{
			"interval_sec": int64(l.interval / time.Second),
			"stop_on_exit": l.stopOnExit,
		},
	})

	var err error
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
		default:
		}
		if err != nil {
			break
		}

		outcome := l.runPass(ctx)
		l.board.recordOutcome(outcome, true)
		if l.iterationHook != nil {
			l.iterationHook(outcome)
		}

		if err = l.sleepWithContext(ctx, l.interval); err != nil {
			break
		}
	}

	l.shutdown()
	return err
}

func (l *Loop) runPass(ctx context.Context) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{
				Timestamp: l.now(),
				Action:    ActionNone,
				Result:    ResultFailed,
				Reason:    fmt.Sprintf("pass panicked: %v", r),
			}
			l.reporter.RecordEvent(ctx, observability.Event{
				Level:   observability.LevelError,
				Event:   "pass_panicked",
				Message: outcome.Reason,
			})
		}
	}()
	return l.runner.RunOnce(ctx)
}

func (l *Loop) shutdown() {
	l.board.setState(StateShuttingDown)

	// The caller's context is already cancelled; the stop gets its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
	defer cancel()

	if l.stopOnExit {
		outcome := l.stopManaged(ctx)
		l.board.recordOutcome(outcome, false)
		level := observability.LevelInfo
		if outcome.Failed() {
			level = observability.LevelWarn
		}
		l.reporter.RecordEvent(ctx, observability.Event{
			Level:   level,
			Event:   "shutdown_stop",
			Message: fmt.Sprintf("shutdown stop %s", outcome.Result),
			Fields: map[string]interface{}{
				"result": string(outcome.Result),
				"reason": outcome.Reason,
			},
		})
	}

	l.board.setState(StateStopped)
	status := l.board.snapshot()
	l.reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelInfo,
		Event:   "engine_stopped",
		Message: "reconciliation loop stopped",
		Fields: map[string]interface{}{
			"passes":   status.Passes,
			"failures": status.Failures,
		},
	})
}

func (l *Loop) stopManaged(ctx context.Context) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{
				Timestamp: l.now(),
				Desired:   DesiredInactive,
				Action:    ActionStop,
				Result:    ResultFailed,
				Reason:    fmt.Sprintf("shutdown stop panicked: %v", r),
			}
		}
	}()
	return l.runner.StopManaged(ctx)
}

func (l *Loop) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if l.sleep == nil {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	done := make(chan struct{})
	go func() {
		l.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

var _ PassRunner = (*Reconciler)(nil)
