// Package metrics provides Prometheus metrics for the safety pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline metrics. A nil *Metrics is a valid no-op
// receiver so components can run without a registry in tests.
type Metrics struct {
	UpstreamRequests       *prometheus.CounterVec
	CacheHits              prometheus.Counter
	CacheMisses            prometheus.Counter
	RateLimitRejections    prometheus.Counter
	ChecksRun              prometheus.Counter
	CheckDuration          prometheus.Histogram
	AlertsGenerated        *prometheus.CounterVec
	AlertsSuppressed       prometheus.Counter
	ScanCycles             prometheus.Counter
	NotificationsDelivered *prometheus.CounterVec
	NotificationsDropped   prometheus.Counter
	QuietHoursQueueDepth   prometheus.Gauge
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	m := &Metrics{
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openfda_requests_total",
			Help: "Upstream regulatory-data requests by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openfda_cache_hits_total",
			Help: "Gateway response cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openfda_cache_misses_total",
			Help: "Gateway response cache misses",
		}),
		RateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openfda_rate_limit_rejections_total",
			Help: "Requests refused by the gateway admission counters",
		}),
		ChecksRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safety_checks_total",
			Help: "Per-user safety checks executed",
		}),
		CheckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "safety_check_duration_seconds",
			Help:    "Duration of one per-user safety check",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		AlertsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safety_alerts_generated_total",
			Help: "Safety alerts generated by type and severity",
		}, []string{"type", "severity"}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safety_alerts_suppressed_total",
			Help: "Alerts suppressed because an active one already exists",
		}),
		ScanCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_scan_cycles_total",
			Help: "Dispatcher scan/delivery cycles completed",
		}),
		NotificationsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_delivered_total",
			Help: "Notifications delivered per channel",
		}, []string{"channel"}),
		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Notifications dropped by the severity floor",
		}),
		QuietHoursQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notifications_quiet_hours_queued",
			Help: "Notifications waiting for the quiet-hours window to end",
		}),
	}

	prometheus.MustRegister(
		m.UpstreamRequests,
		m.CacheHits,
		m.CacheMisses,
		m.RateLimitRejections,
		m.ChecksRun,
		m.CheckDuration,
		m.AlertsGenerated,
		m.AlertsSuppressed,
		m.ScanCycles,
		m.NotificationsDelivered,
		m.NotificationsDropped,
		m.QuietHoursQueueDepth,
	)

	return m
}

// IncUpstream records one upstream request outcome.
func (m *Metrics) IncUpstream(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(endpoint, outcome).Inc()
}

// IncCache records a cache lookup result.
func (m *Metrics) IncCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

// IncRateLimited records an admission rejection.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitRejections.Inc()
}

// ObserveCheck records one completed per-user check.
func (m *Metrics) ObserveCheck(seconds float64) {
	if m == nil {
		return
	}
	m.ChecksRun.Inc()
	m.CheckDuration.Observe(seconds)
}

// IncAlert records a generated alert.
func (m *Metrics) IncAlert(alertType, severity string) {
	if m == nil {
		return
	}
	m.AlertsGenerated.WithLabelValues(alertType, severity).Inc()
}

// IncSuppressed records a deduplicated alert.
func (m *Metrics) IncSuppressed() {
	if m == nil {
		return
	}
	m.AlertsSuppressed.Inc()
}

// IncScan records a completed dispatcher cycle.
func (m *Metrics) IncScan() {
	if m == nil {
		return
	}
	m.ScanCycles.Inc()
}

// IncDelivered records a successful channel delivery.
func (m *Metrics) IncDelivered(channel string) {
	if m == nil {
		return
	}
	m.NotificationsDelivered.WithLabelValues(channel).Inc()
}

// IncDropped records a severity-gated notification.
func (m *Metrics) IncDropped() {
	if m == nil {
		return
	}
	m.NotificationsDropped.Inc()
}

// SetQueueDepth records the quiet-hours queue size.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QuietHoursQueueDepth.Set(float64(n))
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
