package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	DiscoveryCandidates prometheus.Counter
	BodyProbes          prometheus.Counter
	Enqueued            prometheus.Counter
	SkippedExisting     prometheus.Counter
	Retried             prometheus.Counter
	Capped              *prometheus.CounterVec
	ExtractionOutcomes  *prometheus.CounterVec
	JobsClaimed         prometheus.Counter
	Cancellations       prometheus.Counter
	QueuePending        prometheus.Gauge
	QueueInflight       prometheus.Gauge
	DispatchDuration    prometheus.Histogram
}

// NewMetrics creates new Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		DiscoveryCandidates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "invoice_ingest_discovery_candidates_total",
			Help: "Total number of candidate messages inspected by discovery",
		}),
		BodyProbes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "invoice_ingest_body_probes_total",
			Help: "Total number of message bodies fetched to settle inconclusive candidates",
		}),
		Enqueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "invoice_ingest_enqueued_total",
			Help: "Total number of messages reserved and submitted to the task queue",
		}),
		SkippedExisting: promauto.NewCounter(prometheus.CounterOpts{
			Name: "invoice_ingest_skipped_existing_total",
			Help: "Total number of candidates skipped because a reservation already existed",
		}),
		Retried: promauto.NewCounter(prometheus.CounterOpts{
			Name: "invoice_ingest_retried_total",
			Help: "Total number of retryable reservations reclaimed and re-enqueued",
		}),
		Capped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_ingest_capped_total",
			Help: "Total number of dispatch truncations by cap scope",
		}, []string{"scope"}),
		ExtractionOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_ingest_extraction_outcomes_total",
			Help: "Total number of worker completions by final reservation state",
		}, []string{"state"}),
		JobsClaimed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "invoice_ingest_jobs_claimed_total",
			Help: "Total number of async jobs claimed by the polling worker",
		}),
		Cancellations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "invoice_ingest_cancellations_total",
			Help: "Total number of cancellation attempts against active work items",
		}),
		QueuePending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_ingest_queue_pending",
			Help: "Number of task queue items waiting for a worker",
		}),
		QueueInflight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_ingest_queue_inflight",
			Help: "Number of task queue items currently being processed",
		}),
		DispatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoice_ingest_dispatch_duration_seconds",
			Help:    "Time spent in one discovery and dispatch run",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
