package pipeline

import (
	"github.com/openfluke/camsensor/camera"
	"github.com/openfluke/camsensor/compute"
)

func testParams() camera.Parameters {
	return camera.Parameters{
		Width:        256,
		Height:       256,
		SensorWidth:  10,
		SensorHeight: 10,
		FocalLength:  5,
	}
}

// framePattern is a deterministic RGBA frame that differs per frame index.
func framePattern(w, h, frame int) []byte {
	pix := make([]byte, w*h*4)
	for i := 0; i < w*h; i++ {
		pix[i*4+0] = byte(i + frame)
		pix[i*4+1] = byte(i*3 + frame*5)
		pix[i*4+2] = byte(frame*11 + i/w)
		pix[i*4+3] = 255
	}
	return pix
}

func toBGR(rgba []byte) []byte {
	out := make([]byte, 0, len(rgba)/4*3)
	for i := 0; i < len(rgba); i += 4 {
		out = append(out, rgba[i+2], rgba[i+1], rgba[i])
	}
	return out
}

type patternSource struct {
	frames   int
	failNext bool
	onRender func()
}

func (s *patternSource) Render(target compute.Surface) error {
	if s.onRender != nil {
		s.onRender()
	}
	if s.failNext {
		s.failNext = false
		return errRenderFailed
	}
	s.frames++
	return target.Upload(framePattern(target.Width(), target.Height(), s.frames))
}

type recordingSink struct {
	frames    []OutputData
	onDeliver func(OutputData)
}

func (s *recordingSink) Deliver(out OutputData) {
	s.frames = append(s.frames, out.Clone())
	if s.onDeliver != nil {
		s.onDeliver(out)
	}
}

type renderError string

func (e renderError) Error() string { return string(e) }

const errRenderFailed = renderError("render failed")
