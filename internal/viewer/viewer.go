// Package viewer composes one mounted feed view: the camera feed, its decoder
// and surface, the detection overlay (inference pipeline or annotated relay)
// and the control dispatcher, all confined to one event loop.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightning-sagar/LMS/internal/config"
	"github.com/lightning-sagar/LMS/internal/control"
	"github.com/lightning-sagar/LMS/internal/decode"
	"github.com/lightning-sagar/LMS/internal/detection"
	"github.com/lightning-sagar/LMS/internal/emitter"
	"github.com/lightning-sagar/LMS/internal/eventloop"
	"github.com/lightning-sagar/LMS/internal/feed"
	"github.com/lightning-sagar/LMS/internal/logger"
	"github.com/lightning-sagar/LMS/internal/metrics"
	"github.com/lightning-sagar/LMS/internal/render"
)

// Camera status strings shown to the viewer.
const (
	StatusCameraConnecting   = "Connecting..."
	StatusCameraConnected    = "Connected to Camera"
	StatusCameraDisconnected = "Disconnected from Camera"

	StatusDetectionDisabled = "Detection disabled"
)

// ErrUnmounted is returned by operations on an unmounted view.
var ErrUnmounted = errors.New("viewer: unmounted")

var log = logger.Module("viewer")

// Options overrides the components Mount would build from config. Zero
// values mean "build from config".
type Options struct {
	Metrics      *metrics.Metrics
	CameraDialer feed.Dialer
	AIDialer     feed.Dialer
	Detector     detection.Detector
	Sender       control.Sender
	Publisher    detection.Publisher
	// OnStatus runs on the loop after every status change.
	OnStatus func(Status)
}

// ControlStatus describes the dispatcher.
type ControlStatus struct {
	Enabled   bool   `json:"enabled"`
	Active    bool   `json:"active"`
	Direction string `json:"direction,omitempty"`
	Mode      string `json:"mode"`
}

// Status is a point-in-time view of the mounted feed.
type Status struct {
	Camera          string            `json:"camera"`
	CameraState     string            `json:"camera_state"`
	SessionID       string            `json:"session_id,omitempty"`
	Backend         string            `json:"backend"`
	Detection       string            `json:"detection"`
	FramesRendered  uint64            `json:"frames_rendered"`
	ProcessedFrames uint64            `json:"processed_frames"`
	LastResult      *detection.Result `json:"last_result,omitempty"`
	Control         ControlStatus     `json:"control"`
	Mounted         bool              `json:"mounted"`
	Timestamp       time.Time         `json:"timestamp"`
}

// View is one mounted feed. Its exported methods are safe from any
// goroutine; the components it owns run on its loop.
type View struct {
	cfg     config.Config
	opts    Options
	loop    *eventloop.Loop
	metrics *metrics.Metrics
	ctx     context.Context
	cancel  context.CancelFunc

	camera  *render.Surface
	overlay *render.Surface

	// loop-confined
	client     *feed.Client
	decoder    *decode.Decoder
	renderer   *render.FrameRenderer
	pipeline   *detection.Pipeline
	relay      *detection.Relay
	dispatcher *control.Dispatcher
	cameraText string
	detectText string
	last       *detection.Result
	rendered   atomic.Uint64 // camera frames drawn

	closers []func()
	mqtt    *emitter.MQTTEmitter

	mu      sync.RWMutex
	status  Status
	subs    map[chan detection.Result]struct{}
	unmount sync.Once
	done    bool
}

// Mount builds every component from cfg, connects the feeds and returns the
// running view.
func Mount(cfg config.Config, opts Options) (*View, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	v := &View{
		cfg:        cfg,
		opts:       opts,
		loop:       eventloop.New(),
		metrics:    opts.Metrics,
		ctx:        ctx,
		cancel:     cancel,
		camera:     render.NewSurface(render.DefaultWidth, render.DefaultHeight),
		overlay:    render.NewSurface(render.DefaultWidth, render.DefaultHeight),
		cameraText: StatusCameraConnecting,
		subs:       make(map[chan detection.Result]struct{}),
	}

	detector, err := v.buildDetector()
	if err != nil {
		cancel()
		v.loop.Stop()
		return nil, err
	}
	sender := v.buildSender()
	mode, err := control.ParseMode(cfg.Control.Mode)
	if err != nil {
		mode = control.Repeat
	}

	if err := v.loop.Do(func() { v.build(detector, sender, mode) }); err != nil {
		v.shutdown()
		return nil, err
	}

	log.Info("mounted camera feed %s (transport %s, detection backend %s)",
		cfg.Camera.URL, transportName(cfg.Camera), cfg.Detection.Backend)
	return v, nil
}

// build runs on the loop.
func (v *View) build(detector detection.Detector, sender control.Sender, mode control.Mode) {
	cfg := v.cfg

	v.client = feed.NewClient(v.loop, feed.Options{
		Name:         "camera",
		Dialer:       v.dialer(v.opts.CameraDialer, cfg.Camera),
		MaxFrameSize: cfg.MaxFrameSize,
		Retry:        retryPolicy(cfg.Camera.Retry),
		Metrics:      v.metrics,
		OnState:      v.onCameraState,
		OnFrame:      v.onCameraFrame,
	})
	v.decoder = decode.NewDecoder(v.client.Context(), v.loop, decode.Options{
		Metrics:   v.metrics,
		OnDecoded: v.onDecoded,
		OnError: func(seq uint64, err error) {
			log.Debug("frame %d not decodable: %v", seq, err)
		},
	})
	v.renderer = render.NewFrameRenderer(v.camera, v.metrics)

	switch cfg.Detection.Backend {
	case "relay":
		v.relay = detection.NewRelay(v.loop, v.overlay, detection.RelayOptions{
			Dialer:       v.dialer(v.opts.AIDialer, cfg.AI),
			Every:        cfg.Detection.Every,
			MaxFrameSize: cfg.MaxFrameSize,
			Retry:        retryPolicy(cfg.AI.Retry),
			Metrics:      v.metrics,
			OnStatus:     v.onDetectionStatus,
		})
		v.detectText = v.relay.Status()
	case "http", "grpc":
		style := detection.DefaultStyle()
		style.ShowClass = cfg.Detection.ShowClass
		v.pipeline = detection.NewPipeline(v.ctx, v.loop, detector, v.overlay, detection.PipelineOptions{
			Feed:        "camera",
			Every:       cfg.Detection.Every,
			MaxInFlight: cfg.Detection.MaxInFlight,
			Style:       style,
			Metrics:     v.metrics,
			Publisher:   v.publisher(),
			OnStatus:    v.onDetectionStatus,
			OnResult:    v.onResult,
		})
		v.detectText = v.pipeline.Status()
	default:
		v.detectText = StatusDetectionDisabled
	}

	if sender != nil {
		v.dispatcher = control.NewDispatcher(v.loop, sender, control.Options{
			Mode:     mode,
			Interval: cfg.Control.Interval,
			Timeout:  cfg.Control.Timeout,
			Metrics:  v.metrics,
			OnSend: func(control.Direction, error) {
				v.refresh()
			},
		})
	}

	v.client.Connect()
	if v.relay != nil {
		v.relay.Connect()
	}
	v.refresh()
}

func (v *View) buildDetector() (detection.Detector, error) {
	if v.opts.Detector != nil {
		return v.opts.Detector, nil
	}
	d := v.cfg.Detection
	switch d.Backend {
	case "http":
		return detection.NewHTTPDetector(d.Endpoint, d.APIKey, d.Timeout), nil
	case "grpc":
		g, err := detection.NewGRPCDetector(d.GRPCTarget, d.Timeout)
		if err != nil {
			return nil, fmt.Errorf("grpc detector: %w", err)
		}
		v.closers = append(v.closers, func() { _ = g.Close() })
		return g, nil
	}
	return nil, nil
}

func (v *View) buildSender() control.Sender {
	if v.opts.Sender != nil {
		return v.opts.Sender
	}
	if v.cfg.Control.URL == "" {
		return nil
	}
	return control.NewHTTPSender(v.cfg.Control.URL, v.cfg.Control.Timeout)
}

func (v *View) publisher() detection.Publisher {
	if v.opts.Publisher != nil {
		return v.opts.Publisher
	}
	mc := v.cfg.MQTT
	if mc.Broker == "" {
		return nil
	}
	v.mqtt = emitter.NewMQTTEmitter(emitter.Options{
		Broker:   mc.Broker,
		ClientID: mc.ClientID,
		Topic:    mc.Topic,
		QoS:      mc.QoS,
	})
	go func() {
		if err := v.mqtt.Connect(v.ctx); err != nil {
			log.Warn("MQTT publishing unavailable: %v", err)
		}
	}()
	return v.mqtt
}

func (v *View) dialer(override feed.Dialer, fc config.FeedConfig) feed.Dialer {
	if override != nil {
		return override
	}
	if fc.Transport == "webrtc" {
		return feed.DataChannelDialer{
			SignalURL:  fc.URL,
			ICEServers: fc.ICEServers,
		}
	}
	return feed.WebSocketDialer{
		URL:              fc.URL,
		HandshakeTimeout: fc.HandshakeTimeout,
		ReadLimit:        int64(fc.MaxMessageSize),
	}
}

func retryPolicy(rc config.RetryConfig) feed.RetryPolicy {
	if !rc.Enabled {
		return feed.NoRetry{}
	}
	return feed.Backoff{Initial: rc.InitialDelay, Max: rc.MaxDelay, MaxRetries: rc.MaxRetries}
}

func transportName(fc config.FeedConfig) string {
	if fc.Transport == "" {
		return "websocket"
	}
	return fc.Transport
}

func (v *View) onCameraState(st feed.State, err error) {
	switch st {
	case feed.Connecting:
		v.cameraText = StatusCameraConnecting
	case feed.Open:
		v.cameraText = StatusCameraConnected
	case feed.Closed, feed.Errored:
		v.cameraText = StatusCameraDisconnected
		if err != nil {
			log.Warn("camera feed ended: %v", err)
		}
	}
	v.refresh()
}

func (v *View) onCameraFrame(payload []byte) {
	if v.relay != nil {
		v.relay.Forward(payload)
	}
	v.decoder.Submit(payload)
}

func (v *View) onDecoded(r decode.Raster) {
	if !v.renderer.Render(r) {
		return
	}
	v.rendered.Add(1)
	if v.pipeline != nil {
		v.pipeline.Offer(r)
	}
}

func (v *View) onDetectionStatus(s string) {
	v.detectText = s
	v.refresh()
}

func (v *View) onResult(r detection.Result) {
	v.last = &r
	v.refresh()

	v.mu.RLock()
	defer v.mu.RUnlock()
	for ch := range v.subs {
		select {
		case ch <- r:
		default:
		}
	}
}

// refresh runs on the loop and republishes the status snapshot.
func (v *View) refresh() {
	st := Status{
		Camera:         v.cameraText,
		CameraState:    v.client.State().String(),
		SessionID:      v.client.SessionID(),
		Backend:        v.cfg.Detection.Backend,
		Detection:      v.detectText,
		FramesRendered: v.rendered.Load(),
		LastResult:     v.last,
		Mounted:        true,
		Timestamp:      time.Now(),
	}
	if v.dispatcher != nil {
		st.Control = ControlStatus{
			Enabled: true,
			Active:  v.dispatcher.Active(),
			Mode:    v.dispatcher.Mode().String(),
		}
		if st.Control.Active {
			st.Control.Direction = string(v.dispatcher.Direction())
		}
	}

	v.mu.Lock()
	v.status = st
	v.mu.Unlock()

	if v.opts.OnStatus != nil {
		v.opts.OnStatus(st)
	}
}

// Status returns the latest status snapshot.
func (v *View) Status() Status {
	v.mu.RLock()
	defer v.mu.RUnlock()
	st := v.status
	st.FramesRendered = v.rendered.Load()
	st.ProcessedFrames = v.metrics.OverlaysRendered.Load()
	st.Mounted = !v.done
	return st
}

// Surfaces returns the camera and overlay surfaces.
func (v *View) Surfaces() (camera, overlay *render.Surface) {
	return v.camera, v.overlay
}

// Metrics returns the view's metrics.
func (v *View) Metrics() *metrics.Metrics {
	return v.metrics
}

// StartDirection activates a control direction.
func (v *View) StartDirection(dir control.Direction) error {
	return v.onLoop(func() error {
		if v.dispatcher == nil {
			return errors.New("viewer: control endpoint not configured")
		}
		v.dispatcher.Start(dir)
		v.refresh()
		return nil
	})
}

// StopDirection returns the dispatcher to idle.
func (v *View) StopDirection() error {
	return v.onLoop(func() error {
		if v.dispatcher != nil {
			v.dispatcher.Stop()
			v.refresh()
		}
		return nil
	})
}

func (v *View) onLoop(fn func() error) error {
	var err error
	if derr := v.loop.Do(func() { err = fn() }); derr != nil {
		return ErrUnmounted
	}
	return err
}

// Detections subscribes to applied detection results. Slow subscribers miss
// results. Call the returned func to unsubscribe.
func (v *View) Detections() (<-chan detection.Result, func()) {
	ch := make(chan detection.Result, 8)
	v.mu.Lock()
	v.subs[ch] = struct{}{}
	v.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, ch)
			v.mu.Unlock()
		})
	}
}

// Unmount closes both feeds, clears the repeat timer, discards in-flight
// work and stops the loop. Idempotent.
func (v *View) Unmount() {
	v.unmount.Do(func() {
		_ = v.loop.Do(func() {
			if v.dispatcher != nil {
				v.dispatcher.Close()
			}
			if v.pipeline != nil {
				v.pipeline.Close()
			}
			if v.relay != nil {
				v.relay.Close()
			}
			v.decoder.Close()
			v.client.Close()
			v.refresh()
		})
		v.shutdown()
		log.Info("unmounted camera feed %s", v.cfg.Camera.URL)
	})
}

func (v *View) shutdown() {
	v.loop.Stop()
	v.cancel()
	for _, c := range v.closers {
		c()
	}
	if v.mqtt != nil {
		v.mqtt.Disconnect()
	}
	v.mu.Lock()
	v.done = true
	v.mu.Unlock()
}
