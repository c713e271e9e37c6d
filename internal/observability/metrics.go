package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the broker's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can be built in
// tests without a registry.
type Metrics struct {
	// WorkerConnections is the number of channels with a bound worker.
	WorkerConnections prometheus.Gauge

	// Registrations counts worker registration attempts.
	// Labels: result (accepted|duplicate|unknown_channel|invalid)
	Registrations *prometheus.CounterVec

	// RequestsSubmitted counts requester submissions.
	// Labels: kind (push|poll), result (accepted|unavailable|throttled|quota|error)
	RequestsSubmitted *prometheus.CounterVec

	// QueueDepth is the number of requests waiting for dispatch.
	// Labels: channel
	QueueDepth *prometheus.GaugeVec

	// DispatchDuration measures the time to hand a request to its worker.
	DispatchDuration prometheus.Histogram

	// Results counts terminal results by status.
	// Labels: status (completed|failed)
	Results *prometheus.CounterVec

	// UnknownResults counts results for request ids the correlator does not know.
	UnknownResults prometheus.Counter

	// QuotaDenied counts quota rejections.
	// Labels: resource
	QuotaDenied *prometheus.CounterVec

	// QuotaRefunds counts compensating decrements.
	// Labels: resource
	QuotaRefunds *prometheus.CounterVec

	// PollJobs counts polling-job transitions.
	// Labels: result (started|success|failed|start_error)
	PollJobs *prometheus.CounterVec

	// ProviderDuration measures third-party provider calls.
	// Labels: op (submit|poll|download)
	ProviderDuration *prometheus.HistogramVec

	// Uploads counts artifact uploads.
	// Labels: mode (presigned|proxied|rehost), result (success|error|fallback)
	Uploads *prometheus.CounterVec

	// RecordsEvicted counts correlation records dropped by TTL or capacity.
	// Labels: reason
	RecordsEvicted *prometheus.CounterVec

	// MaintenanceRuns counts scheduled sweep runs.
	// Labels: job, result (ok|error)
	MaintenanceRuns *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WorkerConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spacebroker_worker_connections",
			Help: "Number of channels with a bound worker",
		}),
		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spacebroker_registrations_total",
			Help: "Worker registration attempts by result",
		}, []string{"result"}),
		RequestsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spacebroker_requests_submitted_total",
			Help: "Requester submissions by job kind and admission result",
		}, []string{"kind", "result"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spacebroker_queue_depth",
			Help: "Requests waiting for dispatch by channel",
		}, []string{"channel"}),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "spacebroker_dispatch_duration_seconds",
			Help:    "Time to push a request to its worker",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		Results: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spacebroker_results_total",
			Help: "Terminal results recorded by status",
		}, []string{"status"}),
		UnknownResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "spacebroker_unknown_results_total",
			Help: "Results received for unknown request ids",
		}),
		QuotaDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spacebroker_quota_denied_total",
			Help: "Daily quota rejections by resource class",
		}, []string{"resource"}),
		QuotaRefunds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spacebroker_quota_refunds_total",
			Help: "Quota refunds after downstream failures by resource class",
		}, []string{"resource"}),
		PollJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spacebroker_poll_jobs_total",
			Help: "Polling job transitions by result",
		}, []string{"result"}),
		ProviderDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spacebroker_provider_request_duration_seconds",
			Help:    "Duration of provider HTTP calls",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"op"}),
		Uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spacebroker_uploads_total",
			Help: "Artifact uploads by mode and result",
		}, []string{"mode", "result"}),
		RecordsEvicted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spacebroker_records_evicted_total",
			Help: "Correlation records evicted by reason",
		}, []string{"reason"}),
		MaintenanceRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spacebroker_maintenance_runs_total",
			Help: "Scheduled maintenance runs by job and result",
		}, []string{"job", "result"}),
	}
}

// WorkerConnected adjusts the connection gauge.
func (m *Metrics) WorkerConnected(delta float64) {
	if m == nil {
		return
	}
	m.WorkerConnections.Add(delta)
}

// Registration records a registration attempt.
func (m *Metrics) Registration(result string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(result).Inc()
}

// Submitted records an admission outcome.
func (m *Metrics) Submitted(kind, result string) {
	if m == nil {
		return
	}
	m.RequestsSubmitted.WithLabelValues(kind, result).Inc()
}

// Dispatched records dispatch latency.
func (m *Metrics) Dispatched(d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchDuration.Observe(d.Seconds())
}

// Result records a terminal result.
func (m *Metrics) Result(status string) {
	if m == nil {
		return
	}
	m.Results.WithLabelValues(status).Inc()
}

// UnknownResult records a result for an unknown request id.
func (m *Metrics) UnknownResult() {
	if m == nil {
		return
	}
	m.UnknownResults.Inc()
}

// QuotaDenial records a quota rejection.
func (m *Metrics) QuotaDenial(resource string) {
	if m == nil {
		return
	}
	m.QuotaDenied.WithLabelValues(resource).Inc()
}

// QuotaRefund records a compensating decrement.
func (m *Metrics) QuotaRefund(resource string) {
	if m == nil {
		return
	}
	m.QuotaRefunds.WithLabelValues(resource).Inc()
}

// PollJob records a polling-job transition.
func (m *Metrics) PollJob(result string) {
	if m == nil {
		return
	}
	m.PollJobs.WithLabelValues(result).Inc()
}

// ProviderCall records provider latency for op.
func (m *Metrics) ProviderCall(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderDuration.WithLabelValues(op).Observe(d.Seconds())
}

// Upload records an artifact upload.
func (m *Metrics) Upload(mode, result string) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(mode, result).Inc()
}

// RecordEvicted records a correlation record eviction.
func (m *Metrics) RecordEvicted(reason string) {
	if m == nil {
		return
	}
	m.RecordsEvicted.WithLabelValues(reason).Inc()
}

// Queued sets the dispatch queue depth of a channel.
func (m *Metrics) Queued(channelID string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(channelID).Set(float64(depth))
}

// MaintenanceRun records a scheduled job run.
func (m *Metrics) MaintenanceRun(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.MaintenanceRuns.WithLabelValues(job, result).Inc()
}
