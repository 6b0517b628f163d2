package reconciler

import (
	"context"

	"github.com/google/uuid"

	"github.com/schedulatte/schedulatte/pkg/observability"
)

// Reporter consumes reconciliation events and metrics for logging or aggregation.
type Reporter interface {
	RecordEvent(context.Context, observability.Event)
	RecordMetric(observability.Metric)
}

// ReporterFuncs wires plain functions into a Reporter implementation.
type ReporterFuncs struct {
	OnEvent  func(context.Context, observability.Event)
	OnMetric func(observability.Metric)
}

// RecordEvent implements Reporter.
func (r ReporterFuncs) RecordEvent(ctx context.Context, event observability.Event) {
	if r.OnEvent != nil {
		r.OnEvent(ctx, event)
	}
}

// RecordMetric implements Reporter.
func (r ReporterFuncs) RecordMetric(metric observability.Metric) {
	if r.OnMetric != nil {
		r.OnMetric(metric)
	}
}

// NoopReporter discards all events and metrics.
type NoopReporter struct{}

// RecordEvent implements Reporter.
func (NoopReporter) RecordEvent(context.Context, observability.Event) {}

// RecordMetric implements Reporter.
func (NoopReporter) RecordMetric(observability.Metric) {}

// StructuredReporter forwards events to the provided logger and metrics collector,
// stamping each event with the node name and a per-process session identifier.
type StructuredReporter struct {
	node      string
	session   string
	component string
	logger    observability.Logger
	metrics   observability.MetricsCollector
}

// NewStructuredReporter builds a reporter that enriches events with node and session context.
// A nil metrics collector is allowed.
func NewStructuredReporter(nodeName string, logger observability.Logger, metrics observability.MetricsCollector) *StructuredReporter {
	return &StructuredReporter{
		node:      nodeName,
		session:   uuid.NewString(),
		component: "reconciler",
		logger:    logger,
		metrics:   metrics,
	}
}

// Session returns the identifier attached to every event from this reporter.
func (r *StructuredReporter) Session() string {
	if r == nil {
		return ""
	}
	return r.session
}

// RecordEvent implements Reporter.
func (r *StructuredReporter) RecordEvent(ctx context.Context, event observability.Event) {
	if r == nil || r.logger == nil {
		return
	}
	cloned := event.Clone()
	if cloned.Node == "" {
		cloned.Node = r.node
	}
	if cloned.Session == "" {
		cloned.Session = r.session
	}
	if cloned.Component == "" {
		cloned.Component = r.component
	}
	_ = r.logger.Log(ctx, cloned)
}

// RecordMetric implements Reporter.
func (r *StructuredReporter) RecordMetric(metric observability.Metric) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.Collect(metric)
}

var _ Reporter = ReporterFuncs{}
var _ Reporter = NoopReporter{}
var _ Reporter = (*StructuredReporter)(nil)
