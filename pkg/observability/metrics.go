package observability

// MetricType enumerates the supported metric kinds.
type MetricType string

const (
	// MetricCounter accumulates monotonically increasing values.
	MetricCounter MetricType = "counter"
	// MetricHistogram records observations into buckets.
	MetricHistogram MetricType = "histogram"
	// MetricGauge records the latest value of a measurement.
	MetricGauge MetricType = "gauge"
)

// Metric is a single measurement emitted by the engine.
type Metric struct {
	Name        string
	Type        MetricType
	Value       float64
	Labels      map[string]string
	Description string
	Unit        string
}

// MetricsCollector receives metrics for aggregation or export.
type MetricsCollector interface {
	Collect(Metric)
}

// MetricsCollectorFunc adapts a function into a MetricsCollector.
type MetricsCollectorFunc func(Metric)

// Collect implements MetricsCollector.
func (f MetricsCollectorFunc) Collect(metric Metric) {
	f(metric)
}

// BoolValue converts a boolean into the 0/1 value used for state gauges.
func BoolValue(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
