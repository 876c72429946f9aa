package monitor

import (
	"github.com/lightning-sagar/LMS/internal/detection"
	"github.com/lightning-sagar/LMS/internal/viewer"
)

// BoundingBox is a top-left anchored box in frame pixels.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Detection is one box in a DetectionEvent.
type Detection struct {
	ClassName  string      `json:"class_name"`
	ClassID    int         `json:"class_id"`
	Confidence float64     `json:"confidence"`
	Label      string      `json:"label"`
	BBox       BoundingBox `json:"bbox"`
}

// DetectionEvent is the payload for /api/detections/stream.
type DetectionEvent struct {
	FrameNumber uint64      `json:"frame_number"`
	Timestamp   float64     `json:"timestamp"`
	RequestID   string      `json:"request_id"`
	Feed        string      `json:"feed"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	LatencyMs   int64       `json:"latency_ms"`
	Detections  []Detection `json:"detections"`
}

// MonitorStats summarises the pipeline counters for the status API.
type MonitorStats struct {
	FramesReceived    uint64  `json:"frames_received"`
	FramesRendered    uint64  `json:"frames_rendered"`
	FramesDropped     uint64  `json:"frames_dropped"`
	CurrentFPS        float64 `json:"current_fps"`
	DetectionCount    int     `json:"detection_count"`
	DetectionRequests uint64  `json:"detection_requests"`
	DetectionFailures uint64  `json:"detection_failures"`
	ControlSent       uint64  `json:"control_sent"`
	ControlFailed     uint64  `json:"control_failed"`
	StreamClients     int64   `json:"stream_clients"`
	EventClients      int64   `json:"event_clients"`
}

// StatusPayload is the body of /api/status and each /api/status/stream event.
type StatusPayload struct {
	Viewer           viewer.Status    `json:"viewer"`
	Monitor          MonitorStats     `json:"monitor"`
	LatestDetection  *DetectionEvent  `json:"latest_detection"`
	DetectionHistory []DetectionEvent `json:"detection_history"`
	Timestamp        float64          `json:"timestamp"`
}

func newDetectionEvent(r detection.Result) DetectionEvent {
	dets := make([]Detection, len(r.Predictions))
	for i, p := range r.Predictions {
		box := p.Box()
		dets[i] = Detection{
			ClassName:  p.Class,
			ClassID:    p.ClassID,
			Confidence: p.Confidence,
			Label:      p.Label(),
			BBox:       BoundingBox{X: box.Min.X, Y: box.Min.Y, W: box.Dx(), H: box.Dy()},
		}
	}
	return DetectionEvent{
		FrameNumber: r.FrameSeq,
		Timestamp:   float64(r.Timestamp.UnixMilli()) / 1000,
		RequestID:   r.RequestID,
		Feed:        r.Feed,
		Width:       r.Width,
		Height:      r.Height,
		LatencyMs:   r.LatencyMs,
		Detections:  dets,
	}
}
