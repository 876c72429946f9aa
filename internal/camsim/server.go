package camsim

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lightning-sagar/LMS/internal/control"
	"github.com/lightning-sagar/LMS/internal/detection"
	"github.com/lightning-sagar/LMS/internal/framing"
	"github.com/lightning-sagar/LMS/internal/render"
)

// Config defines the simulator's picture, transports and endpoints.
type Config struct {
	Addr        string // camera feed, inference, control
	RelayAddr   string // AI relay; may equal Addr
	GRPCAddr    string
	Width       int
	Height      int
	FPS         int
	JPEGQuality int
	// ChunkSize splits each frame across transport messages of at most this
	// many bytes.
	ChunkSize    int
	MaxFrameSize int
	APIKey       string // required as ?api_key= on /detect when set
	Class        string
	MaxPeers     int
	STUNServers  []string
	AllowOrigin  string // CORS origin for browser viewers
}

// DefaultConfig returns the simulator defaults the viewer's defaults point at.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8000",
		RelayAddr:    ":8080",
		GRPCAddr:     ":50051",
		Width:        render.DefaultWidth,
		Height:       render.DefaultHeight,
		FPS:          15,
		JPEGQuality:  75,
		ChunkSize:    16 * 1024,
		MaxFrameSize: framing.DefaultMaxFrameSize,
		Class:        "target",
		MaxPeers:     10,
		AllowOrigin:  "*",
	}
}

const writeTimeout = 10 * time.Second

// Server is the simulated camera and detection service.
type Server struct {
	cfg      Config
	scene    *Scene
	detector Detector
	frames   *frameHub
	peers    *peerHub
	upgrader websocket.Upgrader
	style    detection.Style

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	commands map[control.Direction]uint64
	relayed  uint64
}

// NewServer creates a simulator. Call Start to begin producing frames.
func NewServer(cfg Config) *Server {
	def := DefaultConfig()
	if cfg.FPS <= 0 {
		cfg.FPS = def.FPS
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = def.MaxPeers
	}

	scene := NewScene(cfg.Width, cfg.Height, cfg.JPEGQuality)
	frames := newFrameHub(scene, cfg.FPS)
	style := detection.DefaultStyle()
	style.ShowClass = true

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		scene:    scene,
		detector: Detector{Class: cfg.Class},
		frames:   frames,
		peers:    newPeerHub(frames, cfg.STUNServers, cfg.MaxPeers, cfg.ChunkSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		style:    style,
		ctx:      ctx,
		cancel:   cancel,
		commands: make(map[control.Direction]uint64),
	}
}

// Detector returns the detector behind /detect and the gRPC service.
func (s *Server) Detector() Detector { return s.detector }

// Scene returns the simulated picture.
func (s *Server) Scene() *Scene { return s.scene }

// Start begins frame production.
func (s *Server) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.frames.run(s.ctx)
	}()
	log.Info("simulating %dx%d at %d fps (chunk %d bytes)", s.cfg.Width, s.cfg.Height, s.cfg.FPS, s.cfg.ChunkSize)
}

// Close stops frame production and disconnects every client.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
	s.peers.Close()
}

// Handler exposes every simulator endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/share", s.handleShare)
	mux.HandleFunc("/ws", s.handleRelay)
	mux.HandleFunc("/offer", s.cors(s.handleOffer))
	mux.HandleFunc("/detect", s.cors(s.handleDetect))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.cors(s.handleControl))
	return mux
}

func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AllowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.cfg.AllowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, ngrok-skip-browser-warning")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// handleShare streams the camera feed, each frame split across messages.
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("share upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	id, frames := s.frames.subscribe()
	defer s.frames.unsubscribe(id)
	log.Info("feed client %s connected", r.RemoteAddr)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			log.Info("feed client %s disconnected", r.RemoteAddr)
			return
		case <-s.ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case frame := <-frames:
			if err := s.writeChunks(ws, frame); err != nil {
				log.Warn("feed client %s write failed: %v", r.RemoteAddr, err)
				return
			}
		}
	}
}

// handleRelay answers every received frame with an annotated frame.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("relay upgrade failed: %v", err)
		return
	}
	defer ws.Close()
	log.Info("relay client %s connected", r.RemoteAddr)

	buf := framing.NewBuffer(s.cfg.MaxFrameSize)
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			log.Info("relay client %s disconnected: %v", r.RemoteAddr, err)
			return
		}
		buf.Append(msg)
		for payload, err := range buf.Frames() {
			if err != nil {
				log.Warn("relay client %s: %v", r.RemoteAddr, err)
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "frame too large"),
					time.Now().Add(time.Second))
				return
			}
			annotated, err := s.Annotate(payload)
			if err != nil {
				log.Warn("relay: %v", err)
				continue
			}
			if err := s.writeChunks(ws, framing.AppendFrame(nil, annotated)); err != nil {
				log.Warn("relay client %s write failed: %v", r.RemoteAddr, err)
				return
			}
			s.mu.Lock()
			s.relayed++
			s.mu.Unlock()
		}
	}
}

// Annotate decodes payload, draws the detected target and re-encodes it.
func (s *Server) Annotate(payload []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	b := img.Bounds()
	out := render.NewSurface(b.Dx(), b.Dy())
	preds := s.detector.predict(img)
	out.Update(func(c render.Canvas) {
		detection.DrawOverlay(c, img, preds, s.style)
	})
	return out.EncodeJPEG(s.cfg.JPEGQuality)
}

func (s *Server) writeChunks(ws *websocket.Conn, frame []byte) error {
	for _, chunk := range framing.Split(frame, s.cfg.ChunkSize) {
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := ws.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	offerJSON, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	answerJSON, err := s.peers.HandleOffer(offerJSON)
	if err != nil {
		log.Warn("WebRTC offer error: %v", err)
		http.Error(w, fmt.Sprintf("Failed to handle offer: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answerJSON)
}

// handleDetect accepts a base64 body (or raw image bytes) and answers with a
// JSON array of predictions.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.APIKey != "" && r.URL.Query().Get("api_key") != s.cfg.APIKey {
		writeJSONWithStatus(w, map[string]any{"error": "invalid api_key"}, http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, int64(s.cfg.MaxFrameSize)*2))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	data := body
	if decoded, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(body))); err == nil {
		data = decoded
	}

	preds, err := s.detector.Detect(r.Context(), data)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, preds)
}

type commandRequest struct {
	Direction string `json:"direction"`
}

// handleControl is the device command endpoint: POST / {"direction": ...}.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req commandRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "invalid command"}, http.StatusBadRequest)
		return
	}
	dir, err := control.ParseDirection(req.Direction)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	s.scene.Steer(dir)
	s.mu.Lock()
	s.commands[dir]++
	s.mu.Unlock()
	log.Debug("command %s", dir)

	target := s.scene.Target()
	writeJSON(w, map[string]any{
		"status":    "ok",
		"direction": dir,
		"target":    map[string]int{"x": target.Min.X, "y": target.Min.Y},
	})
}

// Commands returns how many times each direction was received.
func (s *Server) Commands() map[control.Direction]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[control.Direction]uint64, len(s.commands))
	for k, v := range s.commands {
		out[k] = v
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sent, dropped := s.frames.stats()
	s.mu.Lock()
	relayed := s.relayed
	s.mu.Unlock()
	writeJSON(w, map[string]any{
		"status":         "ok",
		"feed_clients":   s.frames.count(),
		"webrtc_clients": s.peers.count(),
		"frames":         s.scene.Seq(),
		"frames_sent":    sent,
		"frames_dropped": dropped,
		"relayed":        relayed,
		"commands":       s.Commands(),
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn("write response: %v", err)
	}
}
