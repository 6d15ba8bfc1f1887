// Package source provides render sources that fill a pipeline's render
// target: a moving test pattern and a still image.
package source

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/openfluke/camsensor/compute"
)

// TestPattern renders a checkerboard over a color gradient that scrolls one
// cell per frame, with the frame number burned into the top-left corner.
// Straight lines in the checkerboard make lens distortion easy to see.
type TestPattern struct {
	// Cell is the checkerboard cell size in pixels. Zero uses 32.
	Cell int
	// Label disables the frame number overlay when false.
	Label bool

	frame uint64
	img   *image.RGBA
}

// NewTestPattern returns a labelled pattern with 32 pixel cells.
func NewTestPattern() *TestPattern {
	return &TestPattern{Cell: 32, Label: true}
}

// Frame is the number of frames rendered so far.
func (p *TestPattern) Frame() uint64 { return p.frame }

func (p *TestPattern) Render(target compute.Surface) error {
	w, h := target.Width(), target.Height()
	if p.img == nil || p.img.Rect.Dx() != w || p.img.Rect.Dy() != h {
		p.img = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	p.frame++
	p.draw(p.img, p.frame)
	return target.Upload(p.img.Pix)
}

func (p *TestPattern) draw(img *image.RGBA, frame uint64) {
	cell := p.Cell
	if cell <= 0 {
		cell = 32
	}
	w, h := img.Rect.Dx(), img.Rect.Dy()
	shift := int(frame % uint64(2*cell))

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			r := uint8(x * 255 / max(w-1, 1))
			g := uint8(y * 255 / max(h-1, 1))
			b := uint8(frame * 4)
			if ((x+shift)/cell+y/cell)%2 == 0 {
				r, g, b = r/2, g/2, b/2
			}
			i := x * 4
			row[i+0], row[i+1], row[i+2], row[i+3] = r, g, b, 255
		}
	}

	if p.Label {
		d := &font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(color.White),
			Face: basicfont.Face7x13,
			Dot:  fixed.Point26_6{X: fixed.I(8), Y: fixed.I(20)},
		}
		d.DrawString(fmt.Sprintf("frame %d", frame))
	}
}
