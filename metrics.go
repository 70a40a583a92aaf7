package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the counters this package reports. A nil *Metrics is a
// valid no-op so components can be built without a registry.
type Metrics struct {
	logins      *prometheus.CounterVec
	issued      *prometheus.CounterVec
	redemptions *prometheus.CounterVec
	sweeps      *prometheus.CounterVec
	swept       *prometheus.CounterVec

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_auth_logins_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_user_tokens_issued_total",
			Help: "Single-use tokens issued by type and outcome.",
		}, []string{"type", "outcome"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_user_tokens_redeemed_total",
			Help: "Single-use token redemptions by type and outcome.",
		}, []string{"type", "outcome"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_sweep_runs_total",
			Help: "Scheduled job runs by job and outcome.",
		}, []string{"job", "outcome"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskhub_sweep_deleted_total",
			Help: "Rows removed by scheduled jobs.",
		}, []string{"job"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.logins, m.issued, m.redemptions, m.sweeps, m.swept,
			m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		)
	}

	return m
}

func (m *Metrics) LoginAttempt(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TokenIssued(typ UserTokenType, outcome string) {
	if m == nil {
		return
	}
	m.issued.WithLabelValues(string(typ), outcome).Inc()
}

func (m *Metrics) TokenRedeemed(typ UserTokenType, outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(string(typ), outcome).Inc()
}

func (m *Metrics) SweepRun(job, outcome string, deleted int64) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(job, outcome).Inc()
	if deleted > 0 {
		m.swept.WithLabelValues(job).Add(float64(deleted))
	}
}

func (m *Metrics) requestStarted() {
	if m == nil {
		return
	}
	m.httpInFlight.Inc()
}

func (m *Metrics) requestFinished(method, path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpInFlight.Dec()
	m.httpRequestDuration.WithLabelValues(method, path, status).Observe(seconds)
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
}
