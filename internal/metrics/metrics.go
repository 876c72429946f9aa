package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FeedMetrics tracks one duplex feed connection.
type FeedMetrics struct {
	BytesReceived    atomic.Uint64
	MessagesReceived atomic.Uint64
	FramesReceived   atomic.Uint64
	FramingErrors    atomic.Uint64
	MessagesSent     atomic.Uint64
	SendsDropped     atomic.Uint64
	Reconnects       atomic.Uint64
	State            atomic.Uint64 // feed.State value
}

// Metrics holds all application metrics
type Metrics struct {
	Camera FeedMetrics
	AI     FeedMetrics

	// Decode / render
	FramesDecoded  atomic.Uint64
	FramesDropped  atomic.Uint64 // decoder busy
	DecodeErrors   atomic.Uint64
	StaleFrames    atomic.Uint64 // completions older than the last drawn frame
	FramesRendered atomic.Uint64

	// Detection
	DetectionRequests  atomic.Uint64
	DetectionFailures  atomic.Uint64
	DetectionsStale    atomic.Uint64
	DetectionsSkipped  atomic.Uint64 // sampled while MaxInFlight requests were pending
	DetectionLatencyMs atomic.Uint64
	OverlaysRendered   atomic.Uint64
	RelayFramesSent    atomic.Uint64
	PublishFailures    atomic.Uint64

	// Control channel
	ControlSent   atomic.Uint64
	ControlFailed atomic.Uint64
	ControlActive atomic.Uint64 // 0 = idle, 1 = active

	// HTTP viewers
	StreamClients atomic.Int64
	EventClients  atomic.Int64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

// Feed returns the counters for the named feed ("camera" or "ai").
func (m *Metrics) Feed(name string) *FeedMetrics {
	if name == "ai" {
		return &m.AI
	}
	return &m.Camera
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	))
}

func (m *Metrics) registerFeed(name string, f *FeedMetrics) {
	labels := prometheus.Labels{"feed": name}
	register := func(metric, help string, v *atomic.Uint64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: metric, Help: help, ConstLabels: labels},
			func() float64 { return float64(v.Load()) },
		))
	}

	register("lms_feed_bytes_received_total", "Total bytes received on the feed connection", &f.BytesReceived)
	register("lms_feed_messages_received_total", "Total transport messages received", &f.MessagesReceived)
	register("lms_feed_frames_received_total", "Total complete frames reassembled", &f.FramesReceived)
	register("lms_feed_framing_errors_total", "Total fatal framing errors", &f.FramingErrors)
	register("lms_feed_messages_sent_total", "Total messages written to the feed connection", &f.MessagesSent)
	register("lms_feed_sends_dropped_total", "Total outbound messages dropped because the writer was busy", &f.SendsDropped)
	register("lms_feed_reconnects_total", "Total reconnection attempts", &f.Reconnects)
	register("lms_feed_state", "Connection state (0=connecting, 1=open, 2=closed, 3=errored)", &f.State)
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.registerFeed("camera", &m.Camera)
	m.registerFeed("ai", &m.AI)

	// Decode / render metrics
	m.gauge("lms_frames_decoded_total", "Total frames decoded",
		func() float64 { return float64(m.FramesDecoded.Load()) })
	m.gauge("lms_frames_dropped_total", "Total frames dropped because the decoder was busy",
		func() float64 { return float64(m.FramesDropped.Load()) })
	m.gauge("lms_decode_errors_total", "Total frames that failed to decode",
		func() float64 { return float64(m.DecodeErrors.Load()) })
	m.gauge("lms_stale_frames_total", "Total decoded frames discarded as older than the displayed frame",
		func() float64 { return float64(m.StaleFrames.Load()) })
	m.gauge("lms_frames_rendered_total", "Total frames drawn on the primary surface",
		func() float64 { return float64(m.FramesRendered.Load()) })

	// Detection metrics
	m.gauge("lms_detection_requests_total", "Total inference requests issued",
		func() float64 { return float64(m.DetectionRequests.Load()) })
	m.gauge("lms_detection_failures_total", "Total failed inference requests",
		func() float64 { return float64(m.DetectionFailures.Load()) })
	m.gauge("lms_detection_stale_total", "Total inference responses discarded as stale",
		func() float64 { return float64(m.DetectionsStale.Load()) })
	m.gauge("lms_detection_skipped_total", "Total sampled frames skipped while requests were pending",
		func() float64 { return float64(m.DetectionsSkipped.Load()) })
	m.gauge("lms_detection_latency_ms", "Latency of the last inference request in milliseconds",
		func() float64 { return float64(m.DetectionLatencyMs.Load()) })
	m.gauge("lms_overlays_rendered_total", "Total overlay redraws",
		func() float64 { return float64(m.OverlaysRendered.Load()) })
	m.gauge("lms_relay_frames_sent_total", "Total frames forwarded to the detection feed",
		func() float64 { return float64(m.RelayFramesSent.Load()) })
	m.gauge("lms_publish_failures_total", "Total detection results that failed to publish",
		func() float64 { return float64(m.PublishFailures.Load()) })

	// Control metrics
	m.gauge("lms_control_sent_total", "Total direction commands delivered",
		func() float64 { return float64(m.ControlSent.Load()) })
	m.gauge("lms_control_failed_total", "Total direction commands that failed",
		func() float64 { return float64(m.ControlFailed.Load()) })
	m.gauge("lms_control_active", "Control dispatcher active (0=idle, 1=active)",
		func() float64 { return float64(m.ControlActive.Load()) })

	// Viewer metrics
	m.gauge("lms_stream_clients", "Number of connected MJPEG clients",
		func() float64 { return float64(m.StreamClients.Load()) })
	m.gauge("lms_event_clients", "Number of connected SSE clients",
		func() float64 { return float64(m.EventClients.Load()) })
}

// UpdateDetectionLatency records the latency of the last inference call
func (m *Metrics) UpdateDetectionLatency(d time.Duration) {
	m.DetectionLatencyMs.Store(uint64(d.Milliseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
