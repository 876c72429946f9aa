package detection

import (
	"github.com/lightning-sagar/LMS/internal/decode"
	"github.com/lightning-sagar/LMS/internal/eventloop"
	"github.com/lightning-sagar/LMS/internal/feed"
	"github.com/lightning-sagar/LMS/internal/metrics"
	"github.com/lightning-sagar/LMS/internal/render"
)

// Detection feed status strings shown to the viewer.
const (
	StatusAIConnecting   = "Initializing AI detection system..."
	StatusAIConnected    = "Connected to AI Detection Service"
	StatusAIError        = "Error connecting to AI Detection"
	StatusAIDisconnected = "AI Detection Disconnected"
)

// RelayOptions configures a Relay.
type RelayOptions struct {
	Dialer       feed.Dialer
	Every        int // forward every Nth payload; 1 forwards all
	MaxFrameSize int
	Retry        feed.RetryPolicy
	Metrics      *metrics.Metrics
	OnStatus     func(status string)
}

// Relay forwards raw camera payloads over a second duplex feed to a
// detection service that answers with annotated frames in the same
// length-prefixed format. Annotated frames replace the overlay surface.
// Confined to its loop.
type Relay struct {
	loop     *eventloop.Loop
	client   *feed.Client
	decoder  *decode.Decoder
	renderer *render.FrameRenderer
	opts     RelayOptions

	offered   uint64
	processed uint64
	status    string
	closed    bool
}

// NewRelay creates a relay drawing onto overlay. Call Connect to dial.
func NewRelay(loop *eventloop.Loop, overlay *render.Surface, opts RelayOptions) *Relay {
	if opts.Every <= 0 {
		opts.Every = 1
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	r := &Relay{
		loop:     loop,
		opts:     opts,
		renderer: render.NewFrameRenderer(overlay, opts.Metrics),
		status:   StatusAIConnecting,
	}
	r.client = feed.NewClient(loop, feed.Options{
		Name:         "ai",
		Dialer:       opts.Dialer,
		MaxFrameSize: opts.MaxFrameSize,
		Retry:        opts.Retry,
		Metrics:      opts.Metrics,
		OnState:      r.onState,
		OnFrame:      r.onAnnotated,
	})
	r.decoder = decode.NewDecoder(r.client.Context(), loop, decode.Options{
		Metrics:   opts.Metrics,
		OnDecoded: r.onDecoded,
	})
	return r
}

// Connect dials the detection feed.
func (r *Relay) Connect() {
	r.client.Connect()
}

// Forward sends a raw camera payload to the detection service when the
// detection feed is open and the payload is sampled.
func (r *Relay) Forward(payload []byte) bool {
	if r.closed || r.client.State() != feed.Open {
		return false
	}
	r.offered++
	if (r.offered-1)%uint64(r.opts.Every) != 0 {
		return false
	}
	if err := r.client.Send(payload); err != nil {
		return false
	}
	r.opts.Metrics.RelayFramesSent.Add(1)
	return true
}

func (r *Relay) onState(st feed.State, err error) {
	switch st {
	case feed.Connecting:
		r.setStatus(StatusAIConnecting)
	case feed.Open:
		r.setStatus(StatusAIConnected)
	case feed.Errored:
		r.setStatus(StatusAIError)
	case feed.Closed:
		r.setStatus(StatusAIDisconnected)
	}
}

func (r *Relay) onAnnotated(payload []byte) {
	r.decoder.Submit(payload)
}

func (r *Relay) onDecoded(raster decode.Raster) {
	if r.renderer.Render(raster) {
		r.processed++
		r.opts.Metrics.OverlaysRendered.Add(1)
	}
}

func (r *Relay) setStatus(s string) {
	if s == r.status {
		return
	}
	r.status = s
	if r.opts.OnStatus != nil {
		r.opts.OnStatus(s)
	}
}

// Status returns the detection feed status string.
func (r *Relay) Status() string { return r.status }

// Processed returns the number of annotated frames drawn.
func (r *Relay) Processed() uint64 { return r.processed }

// State returns the detection feed connection state.
func (r *Relay) State() feed.State { return r.client.State() }

// Close closes the detection feed and discards pending decodes. Idempotent.
func (r *Relay) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.decoder.Close()
	r.client.Close()
}
