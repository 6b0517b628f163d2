package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/schedulatte/schedulatte/pkg/config"
	"github.com/schedulatte/schedulatte/pkg/lock"
	"github.com/schedulatte/schedulatte/pkg/observability"
	"github.com/schedulatte/schedulatte/pkg/reconciler"
	"github.com/schedulatte/schedulatte/pkg/windows"
)

const httpShutdownTimeout = 5 * time.Second

var sdNotify = daemon.SdNotify

type runOptions struct {
	configPath string
	dryRun     bool
	interval   time.Duration
	logFormat  string
}

func newRunCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the reconciliation daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), opts, stdout, stderr)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", config.DefaultPath(), "path to configuration file")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "log intended actions without starting or stopping processes")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "override check_interval_sec (e.g. 30s)")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "", "override log.format (json or text)")
	return cmd
}

func runDaemon(ctx context.Context, opts runOptions, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.interval < 0 {
		return withExit(exitUsage, errors.New("--interval must not be negative"))
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.dryRun {
		cfg.DryRun = true
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	interval := cfg.CheckInterval()
	if opts.interval > 0 {
		interval = opts.interval
	}

	logger, err := observability.NewLogger(cfg.Log.Format, stdout)
	if err != nil {
		return withExit(exitUsage, err)
	}

	var (
		collector *observability.PrometheusCollector
		metrics   observability.MetricsCollector
	)
	if cfg.Metrics.Enabled {
		collector = observability.NewPrometheusCollector()
		if err := collector.RegisterProcessCollectors(); err != nil {
			return withExit(exitRuntimeError, err)
		}
		metrics = collector
	}
	reporter := reconciler.NewStructuredReporter(cfg.NodeName, logger, metrics)

	schedule, err := cfg.Schedule()
	if err != nil {
		return withExit(exitConfigError, err)
	}
	probe, controller, err := newProcessStack(cfg)
	if err != nil {
		return err
	}
	rec, err := reconciler.New(schedule, probe, controller,
		reconciler.WithReporter(reporter),
		reconciler.WithDryRun(cfg.DryRun),
	)
	if err != nil {
		return withExit(exitConfigError, err)
	}
	loop, err := reconciler.NewLoop(rec,
		reconciler.WithLoopInterval(interval),
		reconciler.WithStopOnExit(cfg.StopOnExitEnabled()),
		reconciler.WithLoopReporter(reporter),
		reconciler.WithObserver(stateChangeLogger(reporter)),
	)
	if err != nil {
		return withExit(exitConfigError, err)
	}

	locker, err := lock.NewManager(cfg.LockFile)
	if err != nil {
		return withExit(exitConfigError, err)
	}
	lease, guarded, err := lock.AcquireOrFallback(ctx, locker)
	if err != nil {
		return withExit(exitRuntimeError, fmt.Errorf("another instance appears to be running: %w", err))
	}
	defer lease.Release(context.Background())
	if !guarded {
		event := "instance_lock_unsupported"
		if _, disabled := locker.(*lock.NoopManager); disabled {
			event = "instance_lock_disabled"
		}
		reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelWarn,
			Event:   event,
			Message: "running without single-instance protection",
			Fields:  map[string]interface{}{"lock_file": cfg.LockFile},
		})
	}

	reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelInfo,
		Event:   "schedule_loaded",
		Message: fmt.Sprintf("%d window(s) configured", schedule.Len()),
		Fields: map[string]interface{}{
			"windows":    windowStrings(schedule),
			"executable": probe.PreferredName(),
			"dir":        cfg.Executable.Dir,
			"dry_run":    cfg.DryRun,
		},
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := loop.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	if collector != nil {
		server := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           newHTTPHandler(cfg.NodeName, collector, loop, schedule, cfg.ProcessNames().Label()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	notify(stderr, daemon.SdNotifyReady)
	g.Go(func() error {
		<-gctx.Done()
		notify(stderr, daemon.SdNotifyStopping)
		return nil
	})

	if err := g.Wait(); err != nil {
		return withExit(exitRuntimeError, err)
	}
	return nil
}

func notify(stderr io.Writer, state string) {
	if _, err := sdNotify(false, state); err != nil {
		fmt.Fprintf(stderr, "systemd notify %q failed: %v\n", state, err)
	}
}

func stateChangeLogger(rep reconciler.Reporter) reconciler.Observer {
	return reconciler.ObserverFunc(func(s reconciler.Status) {
		fields := map[string]interface{}{"state": string(s.State)}
		if s.Desired != "" {
			fields["desired"] = string(s.Desired)
		}
		if s.Actual != "" {
			fields["actual"] = string(s.Actual)
		}
		rep.RecordEvent(context.Background(), observability.Event{
			Level:   observability.LevelInfo,
			Event:   "state_changed",
			Message: fmt.Sprintf("engine %s", s.State),
			Fields:  fields,
		})
	})
}

func windowStrings(schedule windows.Schedule) []string {
	ws := schedule.Windows()
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.String())
	}
	return out
}

type statusView struct {
	Node       string    `json:"node"`
	State      string    `json:"state"`
	Desired    string    `json:"desired,omitempty"`
	Actual     string    `json:"actual,omitempty"`
	Window     string    `json:"window,omitempty"`
	Passes     int       `json:"passes"`
	Failures   int       `json:"failures"`
	LastAction string    `json:"last_action,omitempty"`
	LastResult string    `json:"last_result,omitempty"`
	LastReason string    `json:"last_reason,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	Summary    []string  `json:"summary"`
}

type statusSource interface {
	Status() reconciler.Status
}

func newHTTPHandler(node string, collector *observability.PrometheusCollector, source statusSource, schedule windows.Schedule, label string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s := source.Status()
		view := statusView{
			Node:      node,
			State:     string(s.State),
			Desired:   string(s.Desired),
			Actual:    string(s.Actual),
			Window:    s.Window,
			Passes:    s.Passes,
			Failures:  s.Failures,
			UpdatedAt: s.UpdatedAt,
			Summary:   reconciler.Summary(schedule, label, s.Actual == reconciler.ActualRunning),
		}
		if s.LastOutcome != nil {
			view.LastAction = string(s.LastOutcome.Action)
			view.LastResult = string(s.LastOutcome.Result)
			view.LastReason = s.LastOutcome.Reason
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view)
	})
	return mux
}
