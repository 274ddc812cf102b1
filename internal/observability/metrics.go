package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus instrumentation for the kernel's message
// lifecycle, tool validation, and maintenance sweeps.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordDispatch("coding-agent", "subagent")
//	defer metrics.ObserveFoldDuration(time.Since(start).Seconds())
type Metrics struct {
	// DispatchCounter counts messages dispatched between listeners.
	// Labels: from, to
	DispatchCounter *prometheus.CounterVec

	// DeliveredCounter counts journal entries marked Delivered.
	// Labels: listener
	DeliveredCounter *prometheus.CounterVec

	// FailedCounter counts journal entries marked Failed.
	// Labels: listener, reason
	FailedCounter *prometheus.CounterVec

	// ToolValidationCounter counts tool-call JSON-Schema validations.
	// Labels: tool, outcome (valid|rejected)
	ToolValidationCounter *prometheus.CounterVec

	// SweepCounter counts journal entries removed by the cron sweep.
	SweepCounter prometheus.Counter

	// ActiveThreads is a gauge tracking live ThreadTable entries.
	ActiveThreads prometheus.Gauge

	// FoldDuration measures how long FoldThread takes to concatenate and
	// summarize a child thread's context.
	// Buckets: 1ms, 5ms, 10ms, 50ms, 100ms, 500ms, 1s, 5s
	FoldDuration prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at process startup.
func NewMetrics() *Metrics {
	return &Metrics{
		DispatchCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexuskernel_messages_dispatched_total",
				Help: "Total number of messages dispatched between listeners",
			},
			[]string{"from", "to"},
		),

		DeliveredCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexuskernel_messages_delivered_total",
				Help: "Total number of journal entries marked delivered",
			},
			[]string{"listener"},
		),

		FailedCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexuskernel_messages_failed_total",
				Help: "Total number of journal entries marked failed, by reason",
			},
			[]string{"listener", "reason"},
		),

		ToolValidationCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexuskernel_tool_validations_total",
				Help: "Total number of tool-call schema validations by outcome",
			},
			[]string{"tool", "outcome"},
		),

		SweepCounter: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nexuskernel_journal_sweep_entries_total",
				Help: "Total number of journal entries removed by the cron sweep",
			},
		),

		ActiveThreads: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nexuskernel_active_threads",
				Help: "Current number of live thread-table entries",
			},
		),

		FoldDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nexuskernel_fold_duration_seconds",
				Help:    "Duration of FoldThread context concatenation and summarization",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
	}
}

// RecordDispatch increments the dispatch counter for a listener pair.
func (m *Metrics) RecordDispatch(from, to string) {
	m.DispatchCounter.WithLabelValues(from, to).Inc()
}

// RecordDelivered increments the delivered counter for a listener.
func (m *Metrics) RecordDelivered(listener string) {
	m.DeliveredCounter.WithLabelValues(listener).Inc()
}

// RecordFailed increments the failed counter for a listener and reason.
func (m *Metrics) RecordFailed(listener, reason string) {
	m.FailedCounter.WithLabelValues(listener, reason).Inc()
}

// RecordToolValidation records a tool-call schema validation outcome.
func (m *Metrics) RecordToolValidation(tool string, valid bool) {
	outcome := "valid"
	if !valid {
		outcome = "rejected"
	}
	m.ToolValidationCounter.WithLabelValues(tool, outcome).Inc()
}

// RecordSweep adds removed to the sweep counter.
func (m *Metrics) RecordSweep(removed int) {
	if removed > 0 {
		m.SweepCounter.Add(float64(removed))
	}
}

// SetActiveThreads sets the active threads gauge.
func (m *Metrics) SetActiveThreads(n int) {
	m.ActiveThreads.Set(float64(n))
}

// ObserveFoldDuration records a FoldThread duration observation.
func (m *Metrics) ObserveFoldDuration(seconds float64) {
	m.FoldDuration.Observe(seconds)
}
