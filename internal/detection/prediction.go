// Package detection forwards sampled frames to an inference backend and
// renders the returned bounding boxes onto the overlay surface.
package detection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"math"
	"time"
)

// Prediction is one detected object. (X, Y) is the box center in
// source-frame pixels; Width and Height are full extents.
type Prediction struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Confidence  float64 `json:"confidence"`
	Class       string  `json:"class"`
	ClassID     int     `json:"class_id"`
	DetectionID string  `json:"detection_id,omitempty"`
}

// Box returns the axis-aligned rectangle the prediction covers, top-left
// anchored: {x:100, y:50, w:40, h:20} covers (80,40)-(120,60).
func (p Prediction) Box() image.Rectangle {
	left := int(math.Round(p.X - p.Width/2))
	top := int(math.Round(p.Y - p.Height/2))
	w := int(math.Round(p.Width))
	h := int(math.Round(p.Height))
	return image.Rect(left, top, left+w, top+h)
}

// Label formats the confidence as a percentage with one decimal.
func (p Prediction) Label() string {
	return fmt.Sprintf("%.1f%%", p.Confidence*100)
}

// ParsePredictions accepts either a bare JSON array of predictions or an
// object with a "predictions" array.
func ParsePredictions(data []byte) ([]Prediction, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty inference response")
	}
	if data[0] == '[' {
		var preds []Prediction
		if err := json.Unmarshal(data, &preds); err != nil {
			return nil, fmt.Errorf("decode predictions: %w", err)
		}
		return preds, nil
	}
	var wrapped struct {
		Predictions []Prediction `json:"predictions"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode predictions: %w", err)
	}
	return wrapped.Predictions, nil
}

// Result is one completed inference round.
type Result struct {
	RequestID   string        `json:"request_id"`
	Feed        string        `json:"feed"`
	FrameSeq    uint64        `json:"frame_seq"`
	Width       int           `json:"width"`
	Height      int           `json:"height"`
	Predictions []Prediction  `json:"predictions"`
	Latency     time.Duration `json:"-"`
	LatencyMs   int64         `json:"latency_ms"`
	Timestamp   time.Time     `json:"timestamp"`
}
