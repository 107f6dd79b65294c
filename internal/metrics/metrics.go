// Package metrics exposes recorder metrics for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petguard/edge-recorder/internal/recording"
)

// Metrics owns the registry and all recorder collectors.
type Metrics struct {
	registry *prometheus.Registry

	framesProcessed   *prometheus.CounterVec
	framesRejected    *prometheus.CounterVec
	detectionDuration prometheus.Histogram
	detectionErrors   prometheus.Counter
	bothPresent       prometheus.Counter

	sessionsOpened   *prometheus.CounterVec
	sessionsRefused  *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	framesWritten    prometheus.Counter
	framesDropped    prometheus.Counter
	recordingsPruned prometheus.Counter

	proximityReadings prometheus.Counter
	proximityClose    prometheus.Gauge
}

// New creates the metrics and registers them, together with the Go and
// process collectors, on a private registry.
func New() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.initMetrics()

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.framesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_frames_processed_total",
		Help: "Frames that went through detection",
	}, []string{"source"})

	m.framesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_frames_rejected_total",
		Help: "Pushed frames that were not accepted",
	}, []string{"reason"}) // decode, busy

	m.detectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "recorder_detection_duration_seconds",
		Help:    "Time spent in the detector per frame",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	})

	m.detectionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recorder_detection_errors_total",
		Help: "Frames skipped because the detector failed",
	})

	m.bothPresent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recorder_trigger_frames_total",
		Help: "Frames in which both trigger classes were present",
	})

	m.sessionsOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_sessions_opened_total",
		Help: "Recording sessions opened",
	}, []string{"trigger"})

	m.sessionsRefused = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_sessions_refused_total",
		Help: "Recording sessions that could not be opened",
	}, []string{"reason"})

	m.sessionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recorder_session_duration_seconds",
		Help:    "Length of finished recording sessions",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"trigger"})

	m.framesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recorder_frames_written_total",
		Help: "Frames written to recordings",
	})

	m.framesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recorder_frames_dropped_total",
		Help: "Frames dropped because the write queue was full",
	})

	m.recordingsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recorder_recordings_pruned_total",
		Help: "Recordings deleted by retention",
	})

	m.proximityReadings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recorder_proximity_readings_total",
		Help: "Proximity readings received",
	})

	m.proximityClose = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "recorder_proximity_close",
		Help: "1 while the beacon is close",
	})
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.framesProcessed, m.framesRejected, m.detectionDuration, m.detectionErrors, m.bothPresent,
		m.sessionsOpened, m.sessionsRefused, m.sessionDuration, m.framesWritten, m.framesDropped,
		m.recordingsPruned, m.proximityReadings, m.proximityClose,
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// FrameProcessed records one frame that went through detection.
func (m *Metrics) FrameProcessed(source string, detection time.Duration, failed, both bool) {
	m.framesProcessed.WithLabelValues(source).Inc()
	m.detectionDuration.Observe(detection.Seconds())
	if failed {
		m.detectionErrors.Inc()
	}
	if both {
		m.bothPresent.Inc()
	}
}

// FrameRejected records a pushed frame that was not accepted.
func (m *Metrics) FrameRejected(reason string) {
	m.framesRejected.WithLabelValues(reason).Inc()
}

// ProximityReading records a reading and the resulting close state.
func (m *Metrics) ProximityReading(isClose bool) {
	m.proximityReadings.Inc()
	if isClose {
		m.proximityClose.Set(1)
	} else {
		m.proximityClose.Set(0)
	}
}

// RecordingsPruned records files deleted by retention.
func (m *Metrics) RecordingsPruned(n int) {
	m.recordingsPruned.Add(float64(n))
}

// SessionOpened implements recording.Observer.
func (m *Metrics) SessionOpened(trigger recording.Trigger) {
	m.sessionsOpened.WithLabelValues(string(trigger)).Inc()
}

// SessionClosed implements recording.Observer.
func (m *Metrics) SessionClosed(trigger recording.Trigger, duration time.Duration, stats recording.QueueStats) {
	m.sessionDuration.WithLabelValues(string(trigger)).Observe(duration.Seconds())
	m.framesWritten.Add(float64(stats.Written))
}

// SessionRefused implements recording.Observer.
func (m *Metrics) SessionRefused(reason string) {
	m.sessionsRefused.WithLabelValues(reason).Inc()
}

// FrameDropped implements recording.Observer.
func (m *Metrics) FrameDropped() {
	m.framesDropped.Inc()
}

var _ recording.Observer = (*Metrics)(nil)
