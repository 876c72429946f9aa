package monitor

import (
	"sync"
	"time"

	"github.com/lightning-sagar/LMS/internal/metrics"
)

const historySize = 8

// Monitor aggregates the view status, pipeline counters and recent
// detection events into status payloads.
type Monitor struct {
	view    View
	metrics *metrics.Metrics

	mu         sync.Mutex
	lastSample time.Time
	lastFrames uint64
	fps        float64
	latest     *DetectionEvent
	history    []DetectionEvent
	detections int
}

// NewMonitor creates a Monitor over view.
func NewMonitor(view View, m *metrics.Metrics) *Monitor {
	return &Monitor{view: view, metrics: m, lastSample: time.Now()}
}

// Snapshot returns the current status payload.
func (m *Monitor) Snapshot() StatusPayload {
	st := m.view.Status()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(m.lastSample); elapsed >= 500*time.Millisecond {
		frames := st.FramesRendered
		if frames >= m.lastFrames {
			m.fps = float64(frames-m.lastFrames) / elapsed.Seconds()
		}
		m.lastFrames = frames
		m.lastSample = now
	}

	stats := MonitorStats{
		FramesReceived:    m.metrics.Camera.FramesReceived.Load(),
		FramesRendered:    st.FramesRendered,
		FramesDropped:     m.metrics.FramesDropped.Load(),
		CurrentFPS:        m.fps,
		DetectionCount:    m.detections,
		DetectionRequests: m.metrics.DetectionRequests.Load(),
		DetectionFailures: m.metrics.DetectionFailures.Load(),
		ControlSent:       m.metrics.ControlSent.Load(),
		ControlFailed:     m.metrics.ControlFailed.Load(),
		StreamClients:     m.metrics.StreamClients.Load(),
		EventClients:      m.metrics.EventClients.Load(),
	}

	history := make([]DetectionEvent, len(m.history))
	copy(history, m.history)

	return StatusPayload{
		Viewer:           st,
		Monitor:          stats,
		LatestDetection:  m.latest,
		DetectionHistory: history,
		Timestamp:        float64(now.Unix()),
	}
}

// Record stores a detection event. Events with boxes enter the history.
func (m *Monitor) Record(ev DetectionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latest = &ev
	m.detections = len(ev.Detections)
	if len(ev.Detections) > 0 {
		m.history = append([]DetectionEvent{ev}, m.history...)
		if len(m.history) > historySize {
			m.history = m.history[:historySize]
		}
	}
}
