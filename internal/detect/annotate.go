package detect

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
)

var (
	subjectColor = color.RGBA{R: 0, G: 200, B: 0, A: 255}
	targetColor  = color.RGBA{R: 255, G: 140, B: 0, A: 255}
	otherColor   = color.RGBA{R: 80, G: 160, B: 255, A: 255}
)

// Annotator draws detection boxes and labels onto a copy of a frame.
type Annotator struct {
	Trigger   Trigger
	LineWidth float64
}

// Annotate returns a new image; img is not modified. With no detections
// img itself is returned.
func (a Annotator) Annotate(img image.Image, dets []Detection) image.Image {
	if len(dets) == 0 {
		return img
	}
	lw := a.LineWidth
	if lw <= 0 {
		lw = 2
	}

	dc := gg.NewContextForImage(img)
	dc.SetLineWidth(lw)
	for _, d := range dets {
		c := a.colorFor(d.Class)
		w, h := d.Box.X2-d.Box.X1, d.Box.Y2-d.Box.Y1
		if w <= 0 || h <= 0 {
			continue
		}
		dc.SetColor(c)
		dc.DrawRectangle(d.Box.X1, d.Box.Y1, w, h)
		dc.Stroke()

		label := fmt.Sprintf("%s %.2f", d.Class, d.Confidence)
		tw, th := dc.MeasureString(label)
		ly := d.Box.Y1 - th - 4
		if ly < 0 {
			ly = d.Box.Y1
		}
		dc.DrawRectangle(d.Box.X1, ly, tw+4, th+4)
		dc.Fill()
		dc.SetColor(color.White)
		dc.DrawStringAnchored(label, d.Box.X1+2, ly+2, 0, 1)
	}
	return dc.Image()
}

func (a Annotator) colorFor(class string) color.Color {
	switch class {
	case a.Trigger.Subject:
		return subjectColor
	case a.Trigger.Target:
		return targetColor
	default:
		return otherColor
	}
}
