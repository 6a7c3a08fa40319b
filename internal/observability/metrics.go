package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	// Job metrics
	JobsTotal     *prometheus.CounterVec
	JobsActive    prometheus.Gauge
	JobDuration   prometheus.Histogram
	JobRetries    prometheus.Counter
	QueueWaiting  prometheus.Gauge
	QueueRejected prometheus.Counter

	// Chunk metrics
	ChunksAnalyzedTotal *prometheus.CounterVec
	ChunkDuration       prometheus.Histogram
	ChunkRetries        prometheus.Counter

	// Credential pool metrics
	PoolInFlight       prometheus.Gauge
	PoolCooldownsTotal prometheus.Counter
	PoolAcquireWait    prometheus.Histogram

	// Upload metrics
	UploadBytesTotal   prometheus.Counter
	UploadsTotal       *prometheus.CounterVec
	UploadWaitDuration prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

// NewTestMetrics creates metrics on a private registry, for tests.
func NewTestMetrics() *Metrics {
	return newMetrics(prometheus.NewRegistry())
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vidsift_jobs_total",
				Help: "Jobs reaching a terminal state",
			},
			[]string{"status"},
		),

		JobsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vidsift_jobs_active",
				Help: "Jobs currently leased by a worker",
			},
		),

		JobDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vidsift_job_duration_seconds",
				Help:    "Job completion time distribution",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 900, 1200, 1800},
			},
		),

		JobRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vidsift_job_retries_total",
				Help: "Retriable failures re-enqueued with backoff",
			},
		),

		QueueWaiting: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vidsift_queue_waiting",
				Help: "Jobs waiting in the queue",
			},
		),

		QueueRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vidsift_queue_rejected_total",
				Help: "Submissions rejected because the queue was full",
			},
		),

		ChunksAnalyzedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vidsift_chunks_analyzed_total",
				Help: "Chunk analyses by outcome",
			},
			[]string{"status"},
		),

		ChunkDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vidsift_chunk_duration_seconds",
				Help:    "Per-chunk generate-call latency",
				Buckets: []float64{5, 15, 30, 60, 120, 240, 480},
			},
		),

		ChunkRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vidsift_chunk_retries_total",
				Help: "Chunk analyses retried within a job",
			},
		),

		PoolInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vidsift_pool_in_flight",
				Help: "Generate-calls currently holding a credential lease",
			},
		),

		PoolCooldownsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vidsift_pool_cooldowns_total",
				Help: "Credentials placed in rate-limit cooldown",
			},
		),

		PoolAcquireWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vidsift_pool_acquire_wait_seconds",
				Help:    "Time spent waiting for a credential lease",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
		),

		UploadBytesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vidsift_upload_bytes_total",
				Help: "Bytes streamed to the file-intake endpoint",
			},
		),

		UploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vidsift_uploads_total",
				Help: "Resumable uploads by outcome",
			},
			[]string{"status"},
		),

		UploadWaitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vidsift_upload_wait_seconds",
				Help:    "Time from finalize until the file became ACTIVE",
				Buckets: []float64{1, 5, 15, 45, 90, 180, 450, 900},
			},
		),
	}
}

// Handler returns the Prometheus scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
