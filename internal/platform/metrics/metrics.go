package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the session and verification
// lifecycle. A nil *Metrics is valid and records nothing.
type Metrics struct {
	AuthTransitions      *prometheus.CounterVec
	RefreshRequests      prometheus.Counter
	RefreshJoined        prometheus.Counter
	RefreshFailures      prometheus.Counter
	RefreshWaiters       prometheus.Gauge
	OTPRequests          *prometheus.CounterVec
	OTPVerifications     *prometheus.CounterVec
	JobPollAttempts      prometheus.Counter
	JobOutcomes          *prometheus.CounterVec
	APIRequestDurationMs *prometheus.HistogramVec
	BackendDegraded      prometheus.Gauge
}

// New creates the collectors and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry() to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AuthTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "advisor_auth_transitions_total",
			Help: "Auth state transitions applied, by resulting state",
		}, []string{"state"}),
		RefreshRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "advisor_session_refresh_requests_total",
			Help: "Token refresh requests sent to the server",
		}),
		RefreshJoined: f.NewCounter(prometheus.CounterOpts{
			Name: "advisor_session_refresh_joined_total",
			Help: "Refresh callers that shared an in-flight refresh instead of sending their own",
		}),
		RefreshFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "advisor_session_refresh_failures_total",
			Help: "Refresh attempts that failed closed",
		}),
		RefreshWaiters: f.NewGauge(prometheus.GaugeOpts{
			Name: "advisor_session_refresh_waiters",
			Help: "Callers currently waiting on a token refresh",
		}),
		OTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "advisor_otp_code_requests_total",
			Help: "Verification code send/resend requests, by kind and outcome",
		}, []string{"kind", "outcome"}),
		OTPVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "advisor_otp_verifications_total",
			Help: "Verification code submissions, by outcome",
		}, []string{"outcome"}),
		JobPollAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "advisor_job_poll_attempts_total",
			Help: "Job status fetches performed by the poller",
		}),
		JobOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "advisor_job_outcomes_total",
			Help: "Terminal poll outcomes, by outcome",
		}, []string{"outcome"}),
		APIRequestDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "advisor_api_request_duration_ms",
			Help:    "Latency of advising API calls in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"endpoint", "status"}),
		BackendDegraded: f.NewGauge(prometheus.GaugeOpts{
			Name: "advisor_backend_degraded",
			Help: "1 while the API circuit breaker is open",
		}),
	}
}

func (m *Metrics) ObserveAuthTransition(state string) {
	if m == nil {
		return
	}
	m.AuthTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) IncrementRefreshRequests() {
	if m == nil {
		return
	}
	m.RefreshRequests.Inc()
}

func (m *Metrics) IncrementRefreshJoined() {
	if m == nil {
		return
	}
	m.RefreshJoined.Inc()
}

func (m *Metrics) IncrementRefreshFailures() {
	if m == nil {
		return
	}
	m.RefreshFailures.Inc()
}

func (m *Metrics) AddRefreshWaiters(delta float64) {
	if m == nil {
		return
	}
	m.RefreshWaiters.Add(delta)
}

func (m *Metrics) ObserveOTPRequest(kind, outcome string) {
	if m == nil {
		return
	}
	m.OTPRequests.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveOTPVerification(outcome string) {
	if m == nil {
		return
	}
	m.OTPVerifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementJobPollAttempts() {
	if m == nil {
		return
	}
	m.JobPollAttempts.Inc()
}

func (m *Metrics) ObserveJobOutcome(outcome string) {
	if m == nil {
		return
	}
	m.JobOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAPIRequest(endpoint, status string, durationMs float64) {
	if m == nil {
		return
	}
	m.APIRequestDurationMs.WithLabelValues(endpoint, status).Observe(durationMs)
}

func (m *Metrics) SetBackendDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.BackendDegraded.Set(1)
		return
	}
	m.BackendDegraded.Set(0)
}
