package render

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/lightning-sagar/LMS/internal/decode"
)

var red = color.RGBA{R: 255, A: 255}

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestNewSurfaceDefaults(t *testing.T) {
	s := NewSurface(0, 0)
	w, h := s.Size()
	if w != DefaultWidth || h != DefaultHeight {
		t.Fatalf("default size %dx%d", w, h)
	}
}

func TestResizeClears(t *testing.T) {
	s := NewSurface(10, 10)
	s.Update(func(c Canvas) { c.FillRect(c.Bounds(), red) })
	s.Resize(10, 10)
	snap := s.Snapshot()
	if snap.RGBAAt(5, 5) != (color.RGBA{}) {
		t.Fatalf("resize to the same size did not clear")
	}
	s.Resize(20, 5)
	if w, h := s.Size(); w != 20 || h != 5 {
		t.Fatalf("size after resize %dx%d", w, h)
	}
}

func TestStrokeRectOutlinesOnly(t *testing.T) {
	s := NewSurface(100, 100)
	s.Update(func(c Canvas) { c.StrokeRect(image.Rect(10, 20, 50, 40), red, 2) })
	snap := s.Snapshot()

	for _, p := range []image.Point{{10, 20}, {49, 20}, {10, 39}, {49, 39}, {11, 30}, {48, 30}} {
		if snap.RGBAAt(p.X, p.Y) != red {
			t.Fatalf("border pixel %v not stroked", p)
		}
	}
	if snap.RGBAAt(30, 30) != (color.RGBA{}) {
		t.Fatalf("interior was filled")
	}
	if snap.RGBAAt(9, 20) != (color.RGBA{}) || snap.RGBAAt(50, 20) != (color.RGBA{}) {
		t.Fatalf("stroke leaked outside the rectangle")
	}
}

func TestDrawTextMarksPixels(t *testing.T) {
	s := NewSurface(80, 20)
	s.Update(func(c Canvas) { c.DrawText(2, 14, "87.0%", red) })
	snap := s.Snapshot()
	lit := 0
	for i := 0; i < len(snap.Pix); i += 4 {
		if snap.Pix[i] == 255 {
			lit++
		}
	}
	if lit == 0 {
		t.Fatalf("no text pixels drawn")
	}
	if TextWidth("87.0%") != 5*7 {
		t.Fatalf("unexpected text width %d", TextWidth("87.0%"))
	}
}

func TestVersionAndNotify(t *testing.T) {
	s := NewSurface(4, 4)
	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	s.Update(func(c Canvas) {})
	s.Update(func(c Canvas) {})
	if s.Version() != 2 {
		t.Fatalf("version = %d", s.Version())
	}
	select {
	case <-ch:
	default:
		t.Fatalf("no change signal")
	}
	select {
	case <-ch:
		t.Fatalf("signals did not coalesce")
	default:
	}
}

func TestEncodeJPEG(t *testing.T) {
	s := NewSurface(16, 16)
	s.DrawImage(solid(16, 16, red))
	data, err := s.EncodeJPEG(90)
	if err != nil {
		t.Fatalf("EncodeJPEG: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != 16 {
		t.Fatalf("encoded width %d", img.Bounds().Dx())
	}
}

func TestFrameRendererSizesAndRejectsStale(t *testing.T) {
	s := NewSurface(0, 0)
	fr := NewFrameRenderer(s, nil)

	newer := decode.Raster{Seq: 2, Image: solid(32, 16, red), Width: 32, Height: 16}
	older := decode.Raster{Seq: 1, Image: solid(8, 8, color.White), Width: 8, Height: 8}

	if !fr.Render(newer) {
		t.Fatalf("fresh raster rejected")
	}
	if w, h := s.Size(); w != 32 || h != 16 {
		t.Fatalf("surface not sized to raster: %dx%d", w, h)
	}
	if fr.Render(older) {
		t.Fatalf("stale raster drawn over a newer one")
	}
	if s.Snapshot().RGBAAt(1, 1) != red {
		t.Fatalf("surface regressed to an older frame")
	}
	if fr.LastSeq() != 2 {
		t.Fatalf("LastSeq = %d", fr.LastSeq())
	}
}
