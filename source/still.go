package source

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/openfluke/camsensor/compute"
)

// StillImage renders the same picture every frame, scaled to the render
// target. The scaled copy is cached until the target size changes.
type StillImage struct {
	src    image.Image
	scaler xdraw.Scaler
	scaled *image.RGBA
}

// NewStillImage wraps img. A nil scaler uses CatmullRom.
func NewStillImage(img image.Image, scaler xdraw.Scaler) *StillImage {
	if scaler == nil {
		scaler = xdraw.CatmullRom
	}
	return &StillImage{src: img, scaler: scaler}
}

// LoadStillImage decodes a PNG, JPEG or WEBP file.
func LoadStillImage(path string) (*StillImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", path, err)
	}
	return NewStillImage(img, nil), nil
}

// Bounds returns the size of the source image.
func (s *StillImage) Bounds() image.Rectangle { return s.src.Bounds() }

func (s *StillImage) Render(target compute.Surface) error {
	w, h := target.Width(), target.Height()
	if s.scaled == nil || s.scaled.Rect.Dx() != w || s.scaled.Rect.Dy() != h {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		if s.src.Bounds().Dx() == w && s.src.Bounds().Dy() == h {
			draw.Draw(dst, dst.Bounds(), s.src, s.src.Bounds().Min, draw.Src)
		} else {
			s.scaler.Scale(dst, dst.Bounds(), s.src, s.src.Bounds(), draw.Src, nil)
		}
		s.scaled = dst
	}
	return target.Upload(s.scaled.Pix)
}
