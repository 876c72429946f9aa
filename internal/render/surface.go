// Package render holds the drawing surfaces frames and overlays are
// composited onto.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	DefaultWidth  = 640
	DefaultHeight = 480
)

// Surface is an RGBA drawing surface with a single producer. Readers
// (Snapshot, EncodeJPEG, Version) are safe from any goroutine.
type Surface struct {
	mu      sync.RWMutex
	img     *image.RGBA
	version uint64

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}
}

// NewSurface creates a cleared surface. Non-positive sizes select 640x480.
func NewSurface(w, h int) *Surface {
	if w <= 0 || h <= 0 {
		w, h = DefaultWidth, DefaultHeight
	}
	return &Surface{
		img:  image.NewRGBA(image.Rect(0, 0, w, h)),
		subs: make(map[chan struct{}]struct{}),
	}
}

// Canvas mutates a surface inside Update. It must not escape the callback.
type Canvas struct {
	s *Surface
}

// Update applies fn as one mutation: readers see either the state before or
// after fn, and Version advances once.
func (s *Surface) Update(fn func(c Canvas)) {
	s.mu.Lock()
	fn(Canvas{s: s})
	s.version++
	s.mu.Unlock()
	s.notify()
}

// Bounds returns the surface rectangle.
func (c Canvas) Bounds() image.Rectangle {
	return c.s.img.Bounds()
}

// Resize sets the surface size. Like a canvas element, resizing clears it,
// even when the size is unchanged.
func (c Canvas) Resize(w, h int) {
	if w <= 0 || h <= 0 {
		return
	}
	if c.s.img.Bounds().Dx() == w && c.s.img.Bounds().Dy() == h {
		c.Clear()
		return
	}
	c.s.img = image.NewRGBA(image.Rect(0, 0, w, h))
}

// Clear sets every pixel to transparent.
func (c Canvas) Clear() {
	clear(c.s.img.Pix)
}

// DrawImage draws src at the origin at its natural size.
func (c Canvas) DrawImage(src image.Image) {
	b := src.Bounds()
	draw.Draw(c.s.img, image.Rect(0, 0, b.Dx(), b.Dy()), src, b.Min, draw.Src)
}

// FillRect fills r with col.
func (c Canvas) FillRect(r image.Rectangle, col color.Color) {
	draw.Draw(c.s.img, r.Intersect(c.s.img.Bounds()), image.NewUniform(col), image.Point{}, draw.Over)
}

// StrokeRect outlines r with a border of the given width drawn inside r.
func (c Canvas) StrokeRect(r image.Rectangle, col color.Color, width int) {
	r = r.Canon()
	if width <= 0 {
		width = 1
	}
	if r.Dx() <= 2*width || r.Dy() <= 2*width {
		c.FillRect(r, col)
		return
	}
	c.FillRect(image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width), col)
	c.FillRect(image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y), col)
	c.FillRect(image.Rect(r.Min.X, r.Min.Y+width, r.Min.X+width, r.Max.Y-width), col)
	c.FillRect(image.Rect(r.Max.X-width, r.Min.Y+width, r.Max.X, r.Max.Y-width), col)
}

// DrawText draws s with its baseline at (x, y) in the 7x13 bitmap face.
func (c Canvas) DrawText(x, y int, s string, col color.Color) {
	d := &font.Drawer{
		Dst:  c.s.img,
		Src:  image.NewUniform(col),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(s)
}

// TextHeight is the line height of the face DrawText uses.
func TextHeight() int {
	return basicfont.Face7x13.Height
}

// TextWidth returns the advance of s in the face DrawText uses.
func TextWidth(s string) int {
	return font.MeasureString(basicfont.Face7x13, s).Ceil()
}

// Resize is Update with a single Canvas.Resize.
func (s *Surface) Resize(w, h int) {
	s.Update(func(c Canvas) { c.Resize(w, h) })
}

// DrawImage is Update with a single Canvas.DrawImage.
func (s *Surface) DrawImage(img image.Image) {
	s.Update(func(c Canvas) { c.DrawImage(img) })
}

// Size returns the current width and height.
func (s *Surface) Size() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

// Version increases with every Update.
func (s *Surface) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot returns a copy of the current pixels.
func (s *Surface) Snapshot() *image.RGBA {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := image.NewRGBA(s.img.Bounds())
	copy(out.Pix, s.img.Pix)
	return out
}

// EncodeJPEG encodes the current pixels. Transparent areas come out black.
func (s *Surface) EncodeJPEG(quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	snap := s.Snapshot()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, snap, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Subscribe returns a channel that receives a signal after updates. Signals
// coalesce: a slow reader sees one pending signal, not one per update.
func (s *Surface) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

// Unsubscribe removes a channel returned by Subscribe.
func (s *Surface) Unsubscribe(ch chan struct{}) {
	s.subMu.Lock()
	delete(s.subs, ch)
	s.subMu.Unlock()
}

func (s *Surface) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
