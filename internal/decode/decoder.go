// Package decode turns frame payloads into rasters off the event loop.
package decode

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/lightning-sagar/LMS/internal/eventloop"
	"github.com/lightning-sagar/LMS/internal/logger"
	"github.com/lightning-sagar/LMS/internal/metrics"
)

const defaultMaxInFlight = 2

var log = logger.Module("decode")

// Raster is a decoded payload. Seq orders rasters by submission.
type Raster struct {
	Seq     uint64
	Image   image.Image
	Width   int
	Height  int
	Format  string
	Payload []byte // the encoded bytes the raster came from
}

// Decode decodes one encoded still (JPEG, PNG, WebP or BMP).
func Decode(payload []byte) (Raster, error) {
	img, format, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return Raster{}, fmt.Errorf("decode %d bytes: %w", len(payload), err)
	}
	b := img.Bounds()
	return Raster{
		Image:   img,
		Width:   b.Dx(),
		Height:  b.Dy(),
		Format:  format,
		Payload: payload,
	}, nil
}

// Options configures a Decoder.
type Options struct {
	MaxInFlight int
	Metrics     *metrics.Metrics
	// OnDecoded and OnError run on the loop. Completions arrive in no
	// particular order; use a Sequencer to discard regressions.
	OnDecoded func(Raster)
	OnError   func(seq uint64, err error)
}

// Decoder decodes payloads on worker goroutines and posts completions back
// to its loop. All methods must be called on the loop.
type Decoder struct {
	loop     *eventloop.Loop
	opts     Options
	ctx      context.Context
	cancel   context.CancelFunc
	seq      uint64
	inFlight int
	closed   bool
}

// NewDecoder creates a decoder whose work is cancelled when parent is done.
func NewDecoder(parent context.Context, loop *eventloop.Loop, opts Options) *Decoder {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Decoder{loop: loop, opts: opts, ctx: ctx, cancel: cancel}
}

// Submit tags payload with the next sequence number and starts decoding it.
// ok is false when the decoder is closed or MaxInFlight decodes are running;
// the frame is dropped in that case.
func (d *Decoder) Submit(payload []byte) (seq uint64, ok bool) {
	if d.closed {
		return 0, false
	}
	d.seq++
	seq = d.seq
	if d.inFlight >= d.opts.MaxInFlight {
		d.opts.Metrics.FramesDropped.Add(1)
		log.Debug("frame %d dropped, %d decodes in flight", seq, d.inFlight)
		return seq, false
	}
	d.inFlight++

	go func() {
		r, err := Decode(payload)
		r.Seq = seq
		if d.ctx.Err() != nil {
			// Closed while decoding; still release the slot.
			d.loop.Post(func() { d.inFlight-- })
			return
		}
		d.loop.Post(func() { d.complete(seq, r, err) })
	}()
	return seq, true
}

func (d *Decoder) complete(seq uint64, r Raster, err error) {
	d.inFlight--
	if d.closed {
		return
	}
	if err != nil {
		d.opts.Metrics.DecodeErrors.Add(1)
		log.Warn("frame %d skipped: %v", seq, err)
		if d.opts.OnError != nil {
			d.opts.OnError(seq, err)
		}
		return
	}
	d.opts.Metrics.FramesDecoded.Add(1)
	if d.opts.OnDecoded != nil {
		d.opts.OnDecoded(r)
	}
}

// InFlight returns the number of decodes running.
func (d *Decoder) InFlight() int {
	return d.inFlight
}

// Close discards all pending completions. Idempotent.
func (d *Decoder) Close() {
	if d.closed {
		return
	}
	d.closed = true
	d.cancel()
}

// Sequencer discards completions that are not newer than the last accepted
// one. Sequence numbers start at 1.
type Sequencer struct {
	last uint64
}

// Accept reports whether seq is newer than everything accepted so far and,
// if so, records it.
func (s *Sequencer) Accept(seq uint64) bool {
	if seq <= s.last {
		return false
	}
	s.last = seq
	return true
}

// Last returns the newest accepted sequence number.
func (s *Sequencer) Last() uint64 {
	return s.last
}
