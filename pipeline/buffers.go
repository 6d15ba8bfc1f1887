package pipeline

import (
	"go.uber.org/multierr"

	"github.com/openfluke/camsensor/camera"
	"github.com/openfluke/camsensor/compute"
)

// FrameBufferSet owns the surface chain and the packed/output buffers of one
// camera pipeline. All surfaces share the same dimensions.
type FrameBufferSet struct {
	dev        compute.Device
	correction bool

	width, height int

	render     compute.Surface
	sharpen    compute.Surface
	distort    compute.Surface
	correct    compute.Surface
	packed     compute.WordBuffer
	output     []byte
	generation uint64
}

// NewFrameBufferSet creates an empty set. The correction surface is only
// allocated when withCorrection is true.
func NewFrameBufferSet(dev compute.Device, withCorrection bool) *FrameBufferSet {
	return &FrameBufferSet{dev: dev, correction: withCorrection}
}

// Allocated reports whether every buffer exists.
func (b *FrameBufferSet) Allocated() bool { return b.render != nil }

// EnsureAllocated sizes every buffer for p. It does nothing when the
// current buffers already match p's dimensions. On failure nothing stays
// allocated and *compute.AllocationError is returned.
func (b *FrameBufferSet) EnsureAllocated(p camera.Parameters) error {
	if b.Allocated() && b.width == p.Width && b.height == p.Height {
		return nil
	}
	if err := b.Release(); err != nil {
		return &compute.AllocationError{Resource: "previous frame buffers", Err: err}
	}

	w, h := p.Width, p.Height
	surfaces := []struct {
		label string
		dst   *compute.Surface
		skip  bool
	}{
		{"camera_render", &b.render, false},
		{"camera_sharpen", &b.sharpen, false},
		{"camera_distort", &b.distort, false},
		{"camera_correct", &b.correct, !b.correction},
	}
	for _, s := range surfaces {
		if s.skip {
			continue
		}
		surf, err := b.dev.NewSurface(s.label, w, h)
		if err != nil {
			b.Release()
			return asAllocationError(s.label, err)
		}
		*s.dst = surf
	}

	packed, err := b.dev.NewWordBuffer("camera_packed", p.PackedWords())
	if err != nil {
		b.Release()
		return asAllocationError("camera_packed", err)
	}
	b.packed = packed
	b.output = make([]byte, p.FrameBytes())
	b.width, b.height = w, h
	b.generation++
	return nil
}

// Release frees every device resource and the output buffer. Calling it on
// an empty set is a no-op.
func (b *FrameBufferSet) Release() error {
	var err error
	for _, s := range []*compute.Surface{&b.render, &b.sharpen, &b.distort, &b.correct} {
		if *s != nil {
			err = multierr.Append(err, (*s).Release())
			*s = nil
		}
	}
	if b.packed != nil {
		err = multierr.Append(err, b.packed.Release())
		b.packed = nil
	}
	b.output = nil
	b.width, b.height = 0, 0
	return err
}

func (b *FrameBufferSet) Width() int  { return b.width }
func (b *FrameBufferSet) Height() int { return b.height }

// Generation increments on every reallocation.
func (b *FrameBufferSet) Generation() uint64 { return b.generation }

func (b *FrameBufferSet) RenderTarget() compute.Surface     { return b.render }
func (b *FrameBufferSet) SharpenTarget() compute.Surface    { return b.sharpen }
func (b *FrameBufferSet) DistortTarget() compute.Surface    { return b.distort }
func (b *FrameBufferSet) CorrectionTarget() compute.Surface { return b.correct }
func (b *FrameBufferSet) Packed() compute.WordBuffer        { return b.packed }

// Output is the delivered byte buffer. It is reused across frames.
func (b *FrameBufferSet) Output() []byte { return b.output }

func asAllocationError(label string, err error) error {
	if _, ok := err.(*compute.AllocationError); ok {
		return err
	}
	return &compute.AllocationError{Resource: label, Err: err}
}
