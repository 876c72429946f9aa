package detection

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"time"

	"github.com/google/uuid"

	"github.com/lightning-sagar/LMS/internal/decode"
	"github.com/lightning-sagar/LMS/internal/eventloop"
	"github.com/lightning-sagar/LMS/internal/logger"
	"github.com/lightning-sagar/LMS/internal/metrics"
	"github.com/lightning-sagar/LMS/internal/render"
)

const (
	defaultEvery       = 5
	defaultMaxInFlight = 1

	StatusWaiting = "Waiting for frames..."
)

var log = logger.Module("detection")

// Publisher receives every applied result. Publish runs off the loop.
type Publisher interface {
	Publish(ctx context.Context, r Result) error
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Feed        string
	Every       int // sample every Nth decoded frame
	MaxInFlight int
	Style       Style
	Metrics     *metrics.Metrics
	Publisher   Publisher
	OnStatus    func(status string)
	OnResult    func(r Result)
}

// Pipeline samples decoded frames, sends them to a Detector and redraws the
// overlay surface from each result. Confined to its loop.
type Pipeline struct {
	loop     *eventloop.Loop
	detector Detector
	overlay  *render.Surface
	opts     PipelineOptions
	ctx      context.Context
	cancel   context.CancelFunc

	offered  uint64
	inFlight int
	applied  decode.Sequencer
	status   string
	last     *Result
	closed   bool
}

// NewPipeline creates a pipeline whose requests are cancelled with parent.
func NewPipeline(parent context.Context, loop *eventloop.Loop, detector Detector, overlay *render.Surface, opts PipelineOptions) *Pipeline {
	if opts.Every <= 0 {
		opts.Every = defaultEvery
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}
	if opts.Style == (Style{}) {
		opts.Style = DefaultStyle()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Feed == "" {
		opts.Feed = "camera"
	}
	ctx, cancel := context.WithCancel(parent)
	return &Pipeline{
		loop:     loop,
		detector: detector,
		overlay:  overlay,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		status:   StatusWaiting,
	}
}

// Offer is called for every decoded frame; every Nth one (starting with the
// first) is submitted. It reports whether a request was started.
func (p *Pipeline) Offer(r decode.Raster) bool {
	p.offered++
	if (p.offered-1)%uint64(p.opts.Every) != 0 {
		return false
	}
	return p.Submit(r) == nil
}

// Submit starts an inference request for r unless MaxInFlight requests are
// already pending.
func (p *Pipeline) Submit(r decode.Raster) error {
	if p.closed {
		return context.Canceled
	}
	if p.inFlight >= p.opts.MaxInFlight {
		p.opts.Metrics.DetectionsSkipped.Add(1)
		return ErrBusy
	}
	p.inFlight++
	p.opts.Metrics.DetectionRequests.Add(1)

	id := uuid.NewString()
	go func() {
		start := time.Now()
		payload := r.Payload
		if len(payload) == 0 {
			var err error
			if payload, err = encodeRaster(r); err != nil {
				p.loop.Post(func() { p.complete(id, r, nil, err, 0) })
				return
			}
		}
		preds, err := p.detector.Detect(WithRequestID(p.ctx, id), payload)
		latency := time.Since(start)
		p.loop.Post(func() { p.complete(id, r, preds, err, latency) })
	}()
	return nil
}

func (p *Pipeline) complete(id string, r decode.Raster, preds []Prediction, err error, latency time.Duration) {
	p.inFlight--
	if p.closed {
		return
	}
	p.opts.Metrics.UpdateDetectionLatency(latency)

	if err != nil {
		p.opts.Metrics.DetectionFailures.Add(1)
		log.Warn("request %s for frame %d failed: %v", id, r.Seq, err)
		p.setStatus(fmt.Sprintf("Detection failed: %v", err))
		return
	}

	// A response for a frame older than the one on the overlay is dropped.
	if !p.applied.Accept(r.Seq) {
		p.opts.Metrics.DetectionsStale.Add(1)
		log.Debug("request %s for frame %d is stale (overlay at %d)", id, r.Seq, p.applied.Last())
		return
	}

	p.overlay.Update(func(c render.Canvas) {
		DrawOverlay(c, r.Image, preds, p.opts.Style)
	})
	p.opts.Metrics.OverlaysRendered.Add(1)

	res := Result{
		RequestID:   id,
		Feed:        p.opts.Feed,
		FrameSeq:    r.Seq,
		Width:       r.Width,
		Height:      r.Height,
		Predictions: preds,
		Latency:     latency,
		LatencyMs:   latency.Milliseconds(),
		Timestamp:   time.Now(),
	}
	p.last = &res
	p.setStatus(fmt.Sprintf("%d objects detected", len(preds)))

	if p.opts.OnResult != nil {
		p.opts.OnResult(res)
	}
	if pub := p.opts.Publisher; pub != nil {
		go func() {
			if err := pub.Publish(p.ctx, res); err != nil {
				p.opts.Metrics.PublishFailures.Add(1)
				log.Warn("publish %s: %v", res.RequestID, err)
			}
		}()
	}
}

func (p *Pipeline) setStatus(s string) {
	if s == p.status {
		return
	}
	p.status = s
	if p.opts.OnStatus != nil {
		p.opts.OnStatus(s)
	}
}

// Status returns the human-readable detection status.
func (p *Pipeline) Status() string {
	return p.status
}

// Last returns the most recently applied result.
func (p *Pipeline) Last() (Result, bool) {
	if p.last == nil {
		return Result{}, false
	}
	return *p.last, true
}

// InFlight returns the number of pending requests.
func (p *Pipeline) InFlight() int {
	return p.inFlight
}

// Close cancels pending requests and discards their responses. Idempotent.
func (p *Pipeline) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.cancel()
}

// encodeRaster re-serializes a raster that arrived without its payload.
func encodeRaster(r decode.Raster) ([]byte, error) {
	if r.Image == nil {
		return nil, fmt.Errorf("frame %d has no image", r.Seq)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, r.Image, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode frame %d: %w", r.Seq, err)
	}
	return buf.Bytes(), nil
}
