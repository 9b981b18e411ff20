package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zeitec_verifier"

var (
	// Command metrics
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "total",
			Help:      "Total number of handled commands by outcome",
		},
		[]string{"routing_key", "outcome"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Command handling duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"routing_key"},
	)

	CommandReplaysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "replays_total",
			Help:      "Redelivered commands answered from the idempotency store",
		},
	)

	// Ledger metrics
	LedgerDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "decisions_total",
			Help:      "Ledger check-and-insert decisions by outcome",
		},
		[]string{"outcome"},
	)

	LedgerReleasedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "released_total",
			Help:      "Ledger entries released by rejected or deleted submissions",
		},
	)

	// Ingestion metrics
	IngestionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "submissions_total",
			Help:      "Ingested issuance submissions by resulting status",
		},
		[]string{"status"},
	)

	IngestionRows = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "rows",
			Help:      "Rows per ingested issuance submission",
			Buckets:   []float64{10, 100, 500, 1000, 2500, 5000, 10000},
		},
	)

	IngestionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "duration_seconds",
			Help:      "Issuance ingestion duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// Review metrics
	ReviewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "review",
			Name:      "transitions_total",
			Help:      "Submission state transitions by target status",
		},
		[]string{"to"},
	)

	// Snapshot gauges
	SubmissionsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "submissions",
			Help:      "Issuance submissions by status",
		},
		[]string{"status"},
	)

	DevicesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "devices",
			Help:      "Registered devices by status",
		},
		[]string{"status"},
	)

	RegistrantsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "registrants",
			Help:      "Registrants by status",
		},
		[]string{"status"},
	)

	ApprovedKWh = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "approved_kwh",
			Help:      "Total kWh of approved submissions",
		},
	)

	// Scheduler metrics
	SchedulerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs_total",
			Help:      "Total number of scheduled jobs executed",
		},
		[]string{"job_name", "status"},
	)

	SchedulerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Scheduled job execution duration in seconds",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60},
		},
		[]string{"job_name"},
	)
)

// Metrics provides convenience methods for recording metrics
type Metrics struct{}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordCommand records a handled command. outcome is "ok" or an error kind.
func (m *Metrics) RecordCommand(routingKey, outcome string, duration time.Duration) {
	CommandsTotal.WithLabelValues(routingKey, outcome).Inc()
	CommandDuration.WithLabelValues(routingKey).Observe(duration.Seconds())
}

// RecordCommandReplay counts a redelivery answered from the idempotency store
func (m *Metrics) RecordCommandReplay() {
	CommandReplaysTotal.Inc()
}

// RecordLedgerDecision counts one ledger decision
func (m *Metrics) RecordLedgerDecision(outcome string) {
	LedgerDecisionsTotal.WithLabelValues(outcome).Inc()
}

// RecordLedgerReleased counts released ledger entries
func (m *Metrics) RecordLedgerReleased(n int64) {
	LedgerReleasedTotal.Add(float64(n))
}

// RecordIngestion records a finished ingestion
func (m *Metrics) RecordIngestion(status string, rows int, duration time.Duration) {
	IngestionsTotal.WithLabelValues(status).Inc()
	IngestionRows.Observe(float64(rows))
	IngestionDuration.Observe(duration.Seconds())
}

// RecordTransition counts a submission state transition
func (m *Metrics) RecordTransition(to string) {
	ReviewsTotal.WithLabelValues(to).Inc()
}

// SetSubmissions updates the submissions gauge for a status
func (m *Metrics) SetSubmissions(status string, n int64) {
	SubmissionsByStatus.WithLabelValues(status).Set(float64(n))
}

// SetDevices updates the devices gauge for a status
func (m *Metrics) SetDevices(status string, n int64) {
	DevicesByStatus.WithLabelValues(status).Set(float64(n))
}

// SetRegistrants updates the registrants gauge for a status
func (m *Metrics) SetRegistrants(status string, n int64) {
	RegistrantsByStatus.WithLabelValues(status).Set(float64(n))
}

// SetApprovedKWh updates the approved energy gauge
func (m *Metrics) SetApprovedKWh(kwh float64) {
	ApprovedKWh.Set(kwh)
}

// RecordSchedulerJob records a scheduler job execution
func (m *Metrics) RecordSchedulerJob(jobName string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	SchedulerJobsTotal.WithLabelValues(jobName, status).Inc()
	SchedulerJobDuration.WithLabelValues(jobName).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
