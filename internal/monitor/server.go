// Package monitor serves a mounted feed view over HTTP: MJPEG streams of the
// camera and overlay surfaces, status and detection event streams, and the
// control API.
package monitor

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/lightning-sagar/LMS/internal/control"
	"github.com/lightning-sagar/LMS/internal/detection"
	"github.com/lightning-sagar/LMS/internal/logger"
	"github.com/lightning-sagar/LMS/internal/metrics"
	"github.com/lightning-sagar/LMS/internal/render"
	"github.com/lightning-sagar/LMS/internal/viewer"
)

var log = logger.Module("monitor")

// View is the part of a mounted viewer the server uses.
type View interface {
	Status() viewer.Status
	Surfaces() (camera, overlay *render.Surface)
	Detections() (<-chan detection.Result, func())
	StartDirection(dir control.Direction) error
	StopDirection() error
}

// Config defines the runtime configuration for the monitor server.
type Config struct {
	Addr              string
	AssetsDir         string // optional directory served under /assets/
	JPEGQuality       int
	StatusInterval    time.Duration
	MJPEGKeepalive    time.Duration // placeholder resend when no frame arrives
	EventKeepalive    time.Duration // SSE comment interval
	PlaceholderWidth  int
	PlaceholderHeight int
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8090",
		JPEGQuality:       80,
		StatusInterval:    2 * time.Second,
		MJPEGKeepalive:    5 * time.Second,
		EventKeepalive:    30 * time.Second,
		PlaceholderWidth:  render.DefaultWidth,
		PlaceholderHeight: render.DefaultHeight,
	}
}

// Server serves the monitor endpoints.
type Server struct {
	cfg     Config
	view    View
	metrics *metrics.Metrics
	monitor *Monitor

	camera     *FrameBroadcaster
	overlay    *FrameBroadcaster
	detections *DetectionBroadcaster

	cameraBlank  []byte
	overlayBlank []byte
}

// NewServer creates a server over view and starts its broadcasters.
func NewServer(cfg Config, view View, m *metrics.Metrics) (*Server, error) {
	def := DefaultConfig()
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.MJPEGKeepalive <= 0 {
		cfg.MJPEGKeepalive = def.MJPEGKeepalive
	}
	if cfg.EventKeepalive <= 0 {
		cfg.EventKeepalive = def.EventKeepalive
	}
	if cfg.PlaceholderWidth <= 0 || cfg.PlaceholderHeight <= 0 {
		cfg.PlaceholderWidth, cfg.PlaceholderHeight = def.PlaceholderWidth, def.PlaceholderHeight
	}
	if m == nil {
		m = metrics.New()
	}

	cameraBlank, err := blankJPEG(cfg.PlaceholderWidth, cfg.PlaceholderHeight, viewer.StatusCameraConnecting)
	if err != nil {
		return nil, err
	}
	overlayBlank, err := blankJPEG(cfg.PlaceholderWidth, cfg.PlaceholderHeight, detection.StatusWaiting)
	if err != nil {
		return nil, err
	}

	camera, overlay := view.Surfaces()
	mon := NewMonitor(view, m)
	s := &Server{
		cfg:          cfg,
		view:         view,
		metrics:      m,
		monitor:      mon,
		camera:       NewFrameBroadcaster("camera", camera, cfg.JPEGQuality),
		overlay:      NewFrameBroadcaster("overlay", overlay, cfg.JPEGQuality),
		detections:   NewDetectionBroadcaster(view, mon),
		cameraBlank:  cameraBlank,
		overlayBlank: overlayBlank,
	}
	s.camera.Start()
	s.overlay.Start()
	s.detections.Start()
	return s, nil
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	if s.cfg.AssetsDir != "" {
		mux.Handle("/assets/", http.StripPrefix("/assets/", newAssetHandler(s.cfg.AssetsDir)))
	}
	mux.HandleFunc("/stream", s.handleStream(s.camera, s.cameraBlank))
	mux.HandleFunc("/overlay", s.handleStream(s.overlay, s.overlayBlank))
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/detections/stream", s.handleDetectionsStream)
	mux.HandleFunc("/api/control", s.handleControl)
	mux.Handle("/metrics", s.metrics.Handler())

	return mux
}

// Close stops the broadcasters; open streams end.
func (s *Server) Close() {
	s.camera.Stop()
	s.overlay.Stop()
	s.detections.Stop()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(fb *FrameBroadcaster, placeholder []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.metrics.StreamClients.Add(1)
		defer s.metrics.StreamClients.Add(-1)

		id, frameCh := fb.Subscribe()
		defer fb.Unsubscribe(id)
		streamMJPEGFromChannel(w, r, frameCh, placeholder, s.cfg.MJPEGKeepalive)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.monitor.Snapshot())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	s.metrics.EventClients.Add(1)
	defer s.metrics.EventClients.Add(-1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.monitor.Snapshot()); err != nil {
			return
		}
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleDetectionsStream(w http.ResponseWriter, r *http.Request) {
	s.metrics.EventClients.Add(1)
	defer s.metrics.EventClients.Add(-1)

	id, eventCh := s.detections.Subscribe()
	defer s.detections.Unsubscribe(id)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamEventsFromChannel(w, r, eventCh, useProtobuf, s.cfg.EventKeepalive)
}

type controlRequest struct {
	Direction string `json:"direction"`
	Action    string `json:"action"` // start (default) or stop
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req controlRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid control request"}, http.StatusBadRequest)
		return
	}

	var err error
	switch strings.ToLower(req.Action) {
	case "", "start":
		dir, perr := control.ParseDirection(req.Direction)
		if perr != nil {
			writeJSONWithStatus(w, map[string]any{"error": perr.Error()}, http.StatusBadRequest)
			return
		}
		err = s.view.StartDirection(dir)
	case "stop":
		err = s.view.StopDirection()
	default:
		writeJSONWithStatus(w, map[string]any{"error": "action must be start or stop"}, http.StatusBadRequest)
		return
	}

	if err != nil {
		status := http.StatusServiceUnavailable
		if !errors.Is(err, viewer.ErrUnmounted) {
			status = http.StatusConflict
		}
		log.Warn("control %s %s rejected: %v", req.Action, req.Direction, err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	writeJSON(w, map[string]any{
		"status":  "ok",
		"control": s.view.Status().Control,
	})
}
