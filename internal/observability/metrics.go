package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's prometheus collectors
type Metrics struct {
	DecisionsTotal    *prometheus.CounterVec
	DecisionDuration  *prometheus.HistogramVec
	StoreErrorsTotal  *prometheus.CounterVec
	DecisionCache     *prometheus.CounterVec
	AuditBufferFill   prometheus.Gauge
	ThrottledRequests *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. A nil reg uses a private
// registry that nothing scrapes.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oap_decisions_total",
			Help: "Decisions issued, by policy, outcome and leading reason code.",
		}, []string{"policy_id", "allow", "reason"}),

		DecisionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oap_decision_duration_seconds",
			Help:    "Time to evaluate and build a decision.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"policy_id"}),

		StoreErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oap_store_errors_total",
			Help: "Failed calls to backing stores.",
		}, []string{"store", "op"}),

		DecisionCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oap_decision_cache_total",
			Help: "Decision cache lookups by result (hit, miss, bypass).",
		}, []string{"result"}),

		AuditBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "oap_audit_buffer_utilization",
			Help: "Fraction of the audit buffer in use.",
		}),

		ThrottledRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "oap_throttled_requests_total",
			Help: "Decide calls rejected by the per-agent rate limiter.",
		}, []string{"route"}),
	}
}

// ObserveDecision records one decision
func (m *Metrics) ObserveDecision(policyID string, allow bool, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(policyID, strconv.FormatBool(allow), reason).Inc()
	m.DecisionDuration.WithLabelValues(policyID).Observe(elapsed.Seconds())
}

// StoreError counts a failed store call. Its signature matches resilience.WithErrorHook.
func (m *Metrics) StoreError(store, op string) {
	if m == nil {
		return
	}
	m.StoreErrorsTotal.WithLabelValues(store, op).Inc()
}

// CacheResult counts a decision cache lookup
func (m *Metrics) CacheResult(result string) {
	if m == nil {
		return
	}
	m.DecisionCache.WithLabelValues(result).Inc()
}

// SetAuditBuffer reports audit buffer utilization in [0, 1]
func (m *Metrics) SetAuditBuffer(used, capacity int) {
	if m == nil || capacity <= 0 {
		return
	}
	m.AuditBufferFill.Set(float64(used) / float64(capacity))
}

// Throttled counts a rate-limited request
func (m *Metrics) Throttled(route string) {
	if m == nil {
		return
	}
	m.ThrottledRequests.WithLabelValues(route).Inc()
}
