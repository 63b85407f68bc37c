package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the responder. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	AlertsRead       prometheus.Counter
	AlertsFiltered   prometheus.Counter
	AlertsSkipped    *prometheus.CounterVec
	PlannerRequests  *prometheus.CounterVec
	PlansReceived    prometheus.Counter
	Dispatches       *prometheus.CounterVec
	SessionActions   *prometheus.CounterVec
	Completions      *prometheus.CounterVec
	ExecutionSeconds prometheus.Histogram
	InFlight         prometheus.Gauge
	PersistErrors    prometheus.Counter
}

// NewMetrics registers all metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		AlertsRead: f.NewCounter(prometheus.CounterOpts{
			Name: "autoresponder_alerts_read_total",
			Help: "Total number of alerts read from the alert source",
		}),
		AlertsFiltered: f.NewCounter(prometheus.CounterOpts{
			Name: "autoresponder_alerts_filtered_total",
			Help: "Total number of alerts dropped as not actionable",
		}),
		AlertsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autoresponder_alerts_skipped_total",
			Help: "Actionable alerts not sent to the planner, by reason",
		}, []string{"reason"}),
		PlannerRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autoresponder_planner_requests_total",
			Help: "Planner requests by result",
		}, []string{"result"}),
		PlansReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "autoresponder_plans_received_total",
			Help: "Total number of plans returned by the planner",
		}),
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autoresponder_dispatches_total",
			Help: "Plan dispatches by machine and result",
		}, []string{"machine", "result"}),
		SessionActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autoresponder_session_actions_total",
			Help: "Session acquisitions by action",
		}, []string{"action"}),
		Completions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autoresponder_completions_total",
			Help: "Execution completions by outcome",
		}, []string{"outcome"}),
		ExecutionSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "autoresponder_execution_seconds",
			Help:    "Time from dispatch to observed completion",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "autoresponder_dispatches_in_flight",
			Help: "Dispatch units currently running",
		}),
		PersistErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "autoresponder_persist_errors_total",
			Help: "Failed dedup state writes",
		}),
	}
}

// IncAlertsRead adds n read alerts.
func (m *Metrics) IncAlertsRead(n int) {
	if m == nil {
		return
	}
	m.AlertsRead.Add(float64(n))
}

// IncFiltered counts an alert dropped by the confidence filter.
func (m *Metrics) IncFiltered() {
	if m == nil {
		return
	}
	m.AlertsFiltered.Inc()
}

// IncSkipped counts an alert skipped for reason.
func (m *Metrics) IncSkipped(reason string) {
	if m == nil {
		return
	}
	m.AlertsSkipped.WithLabelValues(reason).Inc()
}

// ObservePlanner counts one planner request and the plans it returned.
func (m *Metrics) ObservePlanner(err error, plans int) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PlannerRequests.WithLabelValues(result).Inc()
	m.PlansReceived.Add(float64(plans))
}

// ObserveDispatch counts one dispatch attempt.
func (m *Metrics) ObserveDispatch(machine string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.Dispatches.WithLabelValues(machine, result).Inc()
}

// ObserveSessionAction counts one session acquisition.
func (m *Metrics) ObserveSessionAction(action string) {
	if m == nil {
		return
	}
	m.SessionActions.WithLabelValues(action).Inc()
}

// ObserveCompletion counts a finished execution and its duration.
func (m *Metrics) ObserveCompletion(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Completions.WithLabelValues(outcome).Inc()
	m.ExecutionSeconds.Observe(seconds)
}

// SetInFlight sets the in-flight gauge.
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

// IncPersistErrors counts a failed state write.
func (m *Metrics) IncPersistErrors() {
	if m == nil {
		return
	}
	m.PersistErrors.Inc()
}
