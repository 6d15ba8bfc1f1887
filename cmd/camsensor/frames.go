package main

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/openfluke/camsensor/pipeline"
)

// frameWriter saves delivered BGR frames as PNG files.
type frameWriter struct {
	dir string
	img *image.RGBA
}

func newFrameWriter(dir string) (*frameWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &frameWriter{dir: dir}, nil
}

func (w *frameWriter) Write(out pipeline.OutputData) error {
	width, height := out.Params.Width, out.Params.Height
	if w.img == nil || w.img.Rect.Dx() != width || w.img.Rect.Dy() != height {
		w.img = image.NewRGBA(image.Rect(0, 0, width, height))
	}
	bgrToRGBA(w.img.Pix, out.Bytes)

	name := filepath.Join(w.dir, fmt.Sprintf("frame_%06d.png", out.Sequence))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := png.Encode(f, w.img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func bgrToRGBA(dst, bgr []byte) {
	for i, j := 0, 0; j+2 < len(bgr) && i+3 < len(dst); i, j = i+4, j+3 {
		dst[i], dst[i+1], dst[i+2], dst[i+3] = bgr[j+2], bgr[j+1], bgr[j], 255
	}
}
