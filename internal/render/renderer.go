package render

import (
	"github.com/lightning-sagar/LMS/internal/decode"
	"github.com/lightning-sagar/LMS/internal/metrics"
)

// FrameRenderer draws decoded rasters onto the primary surface, sized to
// each raster. It never draws a raster older than one already drawn.
// Must be used from a single goroutine (the loop).
type FrameRenderer struct {
	surface *Surface
	seq     decode.Sequencer
	m       *metrics.Metrics
}

func NewFrameRenderer(s *Surface, m *metrics.Metrics) *FrameRenderer {
	if m == nil {
		m = metrics.New()
	}
	return &FrameRenderer{surface: s, m: m}
}

// Render draws r and reports whether it was drawn.
func (fr *FrameRenderer) Render(r decode.Raster) bool {
	if !fr.seq.Accept(r.Seq) {
		fr.m.StaleFrames.Add(1)
		return false
	}
	fr.surface.Update(func(c Canvas) {
		c.Resize(r.Width, r.Height)
		c.DrawImage(r.Image)
	})
	fr.m.FramesRendered.Add(1)
	return true
}

// LastSeq returns the sequence number of the frame on screen.
func (fr *FrameRenderer) LastSeq() uint64 {
	return fr.seq.Last()
}

// Surface returns the surface the renderer draws on.
func (fr *FrameRenderer) Surface() *Surface {
	return fr.surface
}
