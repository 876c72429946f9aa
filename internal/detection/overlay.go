package detection

import (
	"fmt"
	"image"
	"image/color"

	"github.com/lightning-sagar/LMS/internal/render"
)

// Style is the fixed look of rendered boxes.
type Style struct {
	Stroke      color.RGBA
	StrokeWidth int
	LabelColor  color.RGBA
	ShowClass   bool // prefix the label with the class name
}

// DefaultStyle draws 2px red boxes with red labels.
func DefaultStyle() Style {
	return Style{
		Stroke:      color.RGBA{R: 255, A: 255},
		StrokeWidth: 2,
		LabelColor:  color.RGBA{R: 255, A: 255},
	}
}

func (s Style) label(p Prediction) string {
	if s.ShowClass && p.Class != "" {
		return fmt.Sprintf("%s %s", p.Class, p.Label())
	}
	return p.Label()
}

// DrawOverlay replaces the canvas contents with base and the predictions.
// Nothing from a previous round survives.
func DrawOverlay(c render.Canvas, base image.Image, preds []Prediction, style Style) {
	b := base.Bounds()
	c.Resize(b.Dx(), b.Dy())
	c.DrawImage(base)
	for _, p := range preds {
		box := p.Box()
		c.StrokeRect(box, style.Stroke, style.StrokeWidth)

		// Label sits above the box, or just inside it at the top edge.
		x, y := box.Min.X, box.Min.Y-4
		if y-render.TextHeight() < 0 {
			y = box.Min.Y + render.TextHeight()
		}
		c.DrawText(x, y, style.label(p), style.LabelColor)
	}
}
