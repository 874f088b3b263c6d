package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ledger metrics
	LedgerEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnet_ledger_entries_total",
			Help: "Total number of ledger entries written",
		},
	)

	LedgerSequence = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildnet_ledger_sequence",
			Help: "Highest ledger sequence number written",
		},
	)

	LedgerWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buildnet_ledger_write_duration_seconds",
			Help:    "Time taken to record a ledger change in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Registry metrics
	ResourcesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "buildnet_resources_total",
			Help: "Total number of resources by type and status",
		},
		[]string{"type", "status"},
	)

	HeartbeatsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnet_heartbeats_received_total",
			Help: "Total number of resource heartbeats received",
		},
	)

	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildnet_sessions_active",
			Help: "Number of currently active sessions",
		},
	)

	SessionsTimedOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnet_sessions_timed_out_total",
			Help: "Total number of sessions ended by the timeout scanner",
		},
	)

	// Watcher metrics
	FileEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnet_file_events_total",
			Help: "Total number of filesystem events observed",
		},
	)

	ChangeBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildnet_change_batches_total",
			Help: "Total number of change batches by impact",
		},
		[]string{"impact"},
	)

	// Orchestrator metrics
	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildnet_builds_total",
			Help: "Total number of builds by status",
		},
		[]string{"status"},
	)

	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buildnet_build_duration_seconds",
			Help:    "Wall-clock build duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BundlesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnet_bundles_scheduled_total",
			Help: "Total number of bundles assigned to workers",
		},
	)

	BundlesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnet_bundles_failed_total",
			Help: "Total number of bundles that failed after retries",
		},
	)

	BundleRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnet_bundle_retries_total",
			Help: "Total number of bundle execution retries",
		},
	)

	// Tracker metrics
	TrackerSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildnet_tracker_subscribers",
			Help: "Number of active dashboard subscribers",
		},
	)

	TrackerBroadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildnet_tracker_broadcasts_total",
			Help: "Total number of tracker broadcasts by kind",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildnet_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "buildnet_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(LedgerEntriesTotal)
	prometheus.MustRegister(LedgerSequence)
	prometheus.MustRegister(LedgerWriteDuration)
	prometheus.MustRegister(ResourcesTotal)
	prometheus.MustRegister(HeartbeatsReceived)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionsTimedOut)
	prometheus.MustRegister(FileEventsTotal)
	prometheus.MustRegister(ChangeBatchesTotal)
	prometheus.MustRegister(BuildsTotal)
	prometheus.MustRegister(BuildDuration)
	prometheus.MustRegister(BundlesScheduled)
	prometheus.MustRegister(BundlesFailed)
	prometheus.MustRegister(BundleRetries)
	prometheus.MustRegister(TrackerSubscribers)
	prometheus.MustRegister(TrackerBroadcasts)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
