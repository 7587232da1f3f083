package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics.
type Metrics struct {
	// Raw upload ingestion metrics
	RawUploadsTotal    *prometheus.CounterVec
	RawUploadsDuration *prometheus.HistogramVec

	// Upload event processing metrics
	UploadsProcessedTotal *prometheus.CounterVec
	ProcessingDuration    *prometheus.HistogramVec

	// Event publishing metrics
	EventPublishTotal *prometheus.CounterVec

	// Replay reconstruction metrics
	ReplayBytes       prometheus.Histogram
	GamesUnifiedTotal *prometheus.CounterVec
	PlayerClassTotal  *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety.
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		RawUploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_raw_uploads_total",
			Help: "Total number of raw upload ingestion attempts",
		}, []string{"result"}),

		RawUploadsDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_raw_upload_duration_seconds",
			Help:    "Raw upload ingestion duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),

		UploadsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_uploads_processed_total",
			Help: "Total number of processed upload events by terminal status",
		}, []string{"status"}),

		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_processing_duration_seconds",
			Help:    "Upload event processing duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		ReplayBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_replay_bytes",
			Help:    "Size of serialized replay artifacts in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),

		GamesUnifiedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_games_unified_total",
			Help: "Total number of global game resolutions by outcome",
		}, []string{"outcome"}),

		PlayerClassTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_player_class_total",
			Help: "Hero class distribution across successfully processed games",
		}, []string{"class"}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

// registerMetrics registers all metrics with the default registry.
func registerMetrics(m *Metrics) {
	registerOrGet(m.RawUploadsTotal)
	registerOrGet(m.RawUploadsDuration)
	registerOrGet(m.UploadsProcessedTotal)
	registerOrGet(m.ProcessingDuration)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.ReplayBytes)
	registerOrGet(m.GamesUnifiedTotal)
	registerOrGet(m.PlayerClassTotal)
}

// registerOrGet tries to register a metric, returning the existing one
// if already registered.
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
