// Package camsim is a development peer for the feed viewer: a simulated
// camera feed, an annotating AI relay, an inference endpoint, a gRPC
// detector and a control endpoint that steers the simulated target.
package camsim

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/lightning-sagar/LMS/internal/control"
	"github.com/lightning-sagar/LMS/internal/logger"
	"github.com/lightning-sagar/LMS/internal/render"
)

var log = logger.Module("camsim")

// Bars are drawn at 75% intensity so the full-intensity target is the only
// saturated magenta in the picture.
var bars = []color.RGBA{
	{R: 191, G: 191, B: 191, A: 255},
	{R: 191, G: 191, B: 0, A: 255},
	{R: 0, G: 191, B: 191, A: 255},
	{R: 0, G: 191, B: 0, A: 255},
	{R: 191, G: 0, B: 191, A: 255},
	{R: 191, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 191, A: 255},
}

// TargetColor is the fill of the moving target Locate looks for.
var TargetColor = color.RGBA{R: 255, G: 0, B: 255, A: 255}

// Scene renders the simulated camera picture: colour bars, a moving target
// and a frame counter. Steer changes the target's velocity.
type Scene struct {
	mu      sync.Mutex
	surface *render.Surface
	quality int
	step    float64

	x, y   float64 // target center
	vx, vy float64
	tw, th int
	seq    uint64
}

// NewScene creates a w x h scene whose target drifts diagonally until steered.
func NewScene(w, h, quality int) *Scene {
	surface := render.NewSurface(w, h)
	w, h = surface.Size()
	step := float64(max(w/64, 2))
	return &Scene{
		surface: surface,
		quality: quality,
		step:    step,
		x:       float64(w) / 2,
		y:       float64(h) / 2,
		vx:      step,
		vy:      step / 2,
		tw:      max(w/8, 8),
		th:      max(h/6, 8),
	}
}

// Steer applies a control direction. Stop holds the target still.
func (s *Scene) Steer(dir control.Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch dir {
	case control.Forward:
		s.vx, s.vy = 0, -s.step
	case control.Backward:
		s.vx, s.vy = 0, s.step
	case control.Left:
		s.vx, s.vy = -s.step, 0
	case control.Right:
		s.vx, s.vy = s.step, 0
	case control.Stop:
		s.vx, s.vy = 0, 0
	}
}

// Target returns the current target rectangle.
func (s *Scene) Target() image.Rectangle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetLocked()
}

func (s *Scene) targetLocked() image.Rectangle {
	left := int(s.x) - s.tw/2
	top := int(s.y) - s.th/2
	return image.Rect(left, top, left+s.tw, top+s.th)
}

// Seq returns the number of frames rendered so far.
func (s *Scene) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Next advances the target one step, bouncing off the edges, and returns the
// frame number and JPEG of the new picture.
func (s *Scene) Next() (uint64, []byte, error) {
	s.mu.Lock()
	w, h := s.surface.Size()
	s.x, s.vx = bounce(s.x+s.vx, s.vx, float64(s.tw)/2, float64(w)-float64(s.tw)/2)
	s.y, s.vy = bounce(s.y+s.vy, s.vy, float64(s.th)/2, float64(h)-float64(s.th)/2)
	s.seq++
	seq := s.seq
	target := s.targetLocked()
	s.mu.Unlock()

	s.surface.Update(func(c render.Canvas) {
		bw := (w + len(bars) - 1) / len(bars)
		for i, col := range bars {
			c.FillRect(image.Rect(i*bw, 0, (i+1)*bw, h), col)
		}
		label := fmt.Sprintf("frame %d", seq)
		c.FillRect(image.Rect(0, 0, render.TextWidth(label)+8, render.TextHeight()+6), color.RGBA{A: 255})
		c.DrawText(4, render.TextHeight()+1, label, color.RGBA{R: 255, G: 255, B: 255, A: 255})

		c.FillRect(target, TargetColor)
	})

	data, err := s.surface.EncodeJPEG(s.quality)
	if err != nil {
		return seq, nil, fmt.Errorf("encode frame %d: %w", seq, err)
	}
	return seq, data, nil
}

func bounce(pos, v, lo, hi float64) (float64, float64) {
	if hi < lo {
		return lo, 0
	}
	switch {
	case pos < lo:
		return lo + (lo - pos), -v
	case pos > hi:
		return hi - (pos - hi), -v
	}
	return pos, v
}

// Locate finds the bounding rectangle of target-coloured pixels. JPEG noise
// is tolerated; at least minPixels must match.
func Locate(img image.Image) (image.Rectangle, float64, bool) {
	const minPixels = 16
	b := img.Bounds()
	box := image.Rectangle{Min: b.Max, Max: b.Min}
	matched := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			if r>>8 < 224 || bl>>8 < 224 || g>>8 > 64 {
				continue
			}
			matched++
			box.Min.X = min(box.Min.X, x)
			box.Min.Y = min(box.Min.Y, y)
			box.Max.X = max(box.Max.X, x+1)
			box.Max.Y = max(box.Max.Y, y+1)
		}
	}
	if matched < minPixels {
		return image.Rectangle{}, 0, false
	}
	fill := float64(matched) / float64(box.Dx()*box.Dy())
	return box, min(fill, 1), true
}
