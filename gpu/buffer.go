package gpu

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/camsensor/compute"
)

var errReleased = errors.New("resource released")

// Surface is an RGBA8 image held in a storage buffer, one u32 per pixel.
type Surface struct {
	dev   *Device
	label string
	w, h  int
	buf   *wgpu.Buffer
}

func (s *Surface) Label() string { return s.label }
func (s *Surface) Width() int    { return s.w }
func (s *Surface) Height() int   { return s.h }

// Upload writes a full RGBA frame through the queue. It is ordered before
// the next Submit.
func (s *Surface) Upload(rgba []byte) error {
	if s.buf == nil {
		return errReleased
	}
	if len(rgba) != s.w*s.h*4 {
		return fmt.Errorf("upload %s: got %d bytes, want %d", s.label, len(rgba), s.w*s.h*4)
	}
	s.dev.ctx.Queue.WriteBuffer(s.buf, 0, rgba)
	return nil
}

func (s *Surface) Release() error {
	if s.buf == nil {
		return nil
	}
	s.dev.dropBindings(s)
	s.buf.Destroy()
	s.buf.Release()
	s.buf = nil
	return nil
}

// WordBuffer is the packed output buffer and the staging buffer it is
// copied into for readback.
type WordBuffer struct {
	dev     *Device
	label   string
	words   int
	buf     *wgpu.Buffer
	staging *wgpu.Buffer
	host    []byte
	pending *readback
}

func (b *WordBuffer) Label() string { return b.label }
func (b *WordBuffer) Len() int      { return b.words }

func (b *WordBuffer) Release() error {
	if b.buf == nil {
		return nil
	}
	if b.pending != nil {
		b.pending.Cancel()
		b.pending = nil
	}
	b.dev.dropBindings(b)
	b.buf.Destroy()
	b.buf.Release()
	b.staging.Destroy()
	b.staging.Release()
	b.buf, b.staging, b.host = nil, nil, nil
	return nil
}

func (b *WordBuffer) size() uint64 { return uint64(b.words * 4) }

const (
	mapPending int32 = iota
	mapDone
	mapFailed
)

// readback tracks one MapAsync of a word buffer's staging buffer. The map
// callback fires from Device.Poll.
type readback struct {
	buf       *WordBuffer
	status    atomic.Int32
	mapStatus wgpu.BufferMapAsyncStatus
	cancelled bool
	finished  bool
}

func (r *readback) Poll() ([]byte, bool, error) {
	if r.cancelled {
		return nil, false, compute.ErrReadbackCancelled
	}
	if r.finished {
		return r.buf.host, true, nil
	}
	r.buf.dev.ctx.Device.Poll(false, nil)

	switch r.status.Load() {
	case mapPending:
		return nil, false, nil
	case mapFailed:
		r.buf.pending = nil
		return nil, false, &compute.ReadbackError{Err: fmt.Errorf("map %s: status %v", r.buf.label, r.mapStatus)}
	}

	size := r.buf.size()
	data := r.buf.staging.GetMappedRange(0, uint(size))
	if data == nil {
		r.buf.staging.Unmap()
		r.buf.pending = nil
		return nil, false, &compute.ReadbackError{Err: errors.New("failed to get mapped range")}
	}
	copy(r.buf.host, data)
	r.buf.staging.Unmap()
	r.buf.pending = nil
	r.finished = true
	return r.buf.host, true, nil
}

// Cancel abandons the readback. A map still in progress is left to finish;
// the next readback of the same buffer waits for it and unmaps.
func (r *readback) Cancel() {
	r.cancelled = true
}

// settle makes the staging buffer mappable again after a cancelled
// readback.
func (r *readback) settle() {
	for r.status.Load() == mapPending {
		r.buf.dev.ctx.Device.Poll(true, nil)
	}
	if r.status.Load() == mapDone && !r.finished {
		r.buf.staging.Unmap()
	}
}
