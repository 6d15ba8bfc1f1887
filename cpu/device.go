// Package cpu runs the camera pipeline kernels in Go. It is the fallback
// device on machines without a WebGPU adapter and the device tests run on.
// Readbacks complete after a configurable number of polls and faults can be
// injected to exercise the pipeline's error paths.
package cpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/openfluke/camsensor/compute"
	"github.com/openfluke/camsensor/gpu/wgsl"
)

var (
	// ErrInjected is the cause of every fault injected into the device.
	ErrInjected = errors.New("injected device fault")
	errReleased = errors.New("resource released")
)

// Options configure a Device.
type Options struct {
	// ReadbackLatency is the number of Polls a readback stays pending
	// before it completes. Zero completes on the first Poll.
	ReadbackLatency int
	// Library overrides the kernel library entry points are resolved from.
	Library string
}

// Device is a compute.Device backed by host memory.
type Device struct {
	mu      sync.Mutex
	opts    Options
	entries map[string]wgsl.Workgroup

	failAllocs    int
	failReadbacks int
	live          int
	submits       int
	closed        bool
}

// New creates a CPU device.
func New(opts Options) *Device {
	lib := opts.Library
	if lib == "" {
		lib = wgsl.Source
	}
	return &Device{
		opts:    opts,
		entries: wgsl.EntryPoints(lib),
	}
}

func (d *Device) Name() string { return "cpu" }

// FailAllocations makes the next n surface or buffer creations fail.
func (d *Device) FailAllocations(n int) {
	d.mu.Lock()
	d.failAllocs = n
	d.mu.Unlock()
}

// FailReadbacks makes the next n readbacks fail when they complete.
func (d *Device) FailReadbacks(n int) {
	d.mu.Lock()
	d.failReadbacks = n
	d.mu.Unlock()
}

// Live is the number of surfaces, buffers and kernels not yet released.
func (d *Device) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// Submits is the number of batches run so far.
func (d *Device) Submits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submits
}

func (d *Device) allocate(label string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return &compute.AllocationError{Resource: label, Err: errors.New("device closed")}
	}
	if d.failAllocs > 0 {
		d.failAllocs--
		return &compute.AllocationError{Resource: label, Err: ErrInjected}
	}
	d.live++
	return nil
}

func (d *Device) free() {
	d.mu.Lock()
	d.live--
	d.mu.Unlock()
}

func (d *Device) NewSurface(label string, width, height int) (compute.Surface, error) {
	if width <= 0 || height <= 0 {
		return nil, &compute.AllocationError{Resource: label, Err: fmt.Errorf("invalid size %dx%d", width, height)}
	}
	if err := d.allocate(label); err != nil {
		return nil, err
	}
	return &Surface{dev: d, label: label, w: width, h: height, pix: make([]uint32, width*height)}, nil
}

func (d *Device) NewWordBuffer(label string, words int) (compute.WordBuffer, error) {
	if words <= 0 {
		return nil, &compute.AllocationError{Resource: label, Err: fmt.Errorf("invalid word count %d", words)}
	}
	if err := d.allocate(label); err != nil {
		return nil, err
	}
	return &WordBuffer{dev: d, label: label, words: make([]uint32, words)}, nil
}

func (d *Device) ResolveKernel(stage compute.Stage, entry string) (compute.Kernel, error) {
	wg, ok := d.entries[entry]
	if !ok {
		return nil, &compute.KernelResolutionError{Stage: stage, Entry: entry, Err: compute.ErrEntryPointMissing}
	}
	if err := d.allocate("kernel_" + entry); err != nil {
		return nil, err
	}
	return &kernel{dev: d, stage: stage, entry: entry, wg: wg}, nil
}

// Submit runs each dispatch of b synchronously, in order.
func (d *Device) Submit(b *compute.Batch) error {
	for i, dp := range b.Dispatches {
		k, ok := dp.Kernel.(*kernel)
		if !ok || k.dev != d {
			return fmt.Errorf("dispatch %d: %w", i, compute.ErrForeignResource)
		}
		if err := d.run(k, dp); err != nil {
			return fmt.Errorf("dispatch %d (%s): %w", i, k.stage, err)
		}
	}
	d.mu.Lock()
	d.submits++
	d.mu.Unlock()
	return nil
}

func (d *Device) run(k *kernel, dp compute.Dispatch) error {
	src, ok := dp.Src.(*Surface)
	if !ok || src.dev != d {
		return compute.ErrForeignResource
	}
	if src.pix == nil {
		return errReleased
	}

	if k.stage == compute.StagePack {
		dst, ok := dp.Words.(*WordBuffer)
		if !ok || dst.dev != d {
			return compute.ErrForeignResource
		}
		if dst.words == nil {
			return errReleased
		}
		limit := int(dp.GroupsX * k.wg.X)
		pack(src.pix, dst.words, dp.Params, limit)
		return nil
	}

	dst, ok := dp.Dst.(*Surface)
	if !ok || dst.dev != d {
		return compute.ErrForeignResource
	}
	if dst.pix == nil {
		return errReleased
	}
	if dst == src {
		return errors.New("stage reads and writes the same surface")
	}
	cols := int(dp.GroupsX * k.wg.X)
	rows := int(dp.GroupsY * k.wg.Y)
	switch k.stage {
	case compute.StageSharpen:
		sharpen(src.pix, dst.pix, dp.Params, cols, rows)
	case compute.StageDistort:
		p := dp.Params
		remap(src.pix, dst.pix, p, cols, rows, p.K1, p.K2, p.K3, p.P1, p.P2)
	case compute.StageCorrect:
		p := dp.Params
		remap(src.pix, dst.pix, p, cols, rows, -p.K1, -p.K2, -p.K3, p.P1, -p.P2)
	default:
		return fmt.Errorf("unknown stage %d", k.stage)
	}
	return nil
}

// RequestReadback snapshots buf the way a copy queued behind the frame's
// dispatches would, then completes after ReadbackLatency polls.
func (d *Device) RequestReadback(buf compute.WordBuffer) (compute.Readback, error) {
	wb, ok := buf.(*WordBuffer)
	if !ok || wb.dev != d {
		return nil, &compute.ReadbackError{Err: compute.ErrForeignResource}
	}
	if wb.words == nil {
		return nil, &compute.ReadbackError{Err: errReleased}
	}
	if len(wb.staging) != len(wb.words)*4 {
		wb.staging = make([]byte, len(wb.words)*4)
	}
	for i, w := range wb.words {
		binary.LittleEndian.PutUint32(wb.staging[i*4:], w)
	}

	d.mu.Lock()
	fail := d.failReadbacks > 0
	if fail {
		d.failReadbacks--
	}
	d.mu.Unlock()

	return &readback{data: wb.staging, remaining: d.opts.ReadbackLatency, fail: fail}, nil
}

// WaitIdle returns immediately; Submit is synchronous.
func (d *Device) WaitIdle() {}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Surface is a host-memory RGBA8 surface.
type Surface struct {
	dev   *Device
	label string
	w, h  int
	pix   []uint32
}

func (s *Surface) Label() string { return s.label }
func (s *Surface) Width() int    { return s.w }
func (s *Surface) Height() int   { return s.h }

// Pixels exposes the packed RGBA8 words for inspection.
func (s *Surface) Pixels() []uint32 { return s.pix }

func (s *Surface) Upload(rgba []byte) error {
	if s.pix == nil {
		return errReleased
	}
	if len(rgba) != s.w*s.h*4 {
		return fmt.Errorf("upload %s: got %d bytes, want %d", s.label, len(rgba), s.w*s.h*4)
	}
	for i := range s.pix {
		s.pix[i] = binary.LittleEndian.Uint32(rgba[i*4:])
	}
	return nil
}

func (s *Surface) Release() error {
	if s.pix == nil {
		return nil
	}
	s.pix = nil
	s.dev.free()
	return nil
}

// WordBuffer is a host-memory word buffer.
type WordBuffer struct {
	dev     *Device
	label   string
	words   []uint32
	staging []byte
}

func (b *WordBuffer) Label() string { return b.label }
func (b *WordBuffer) Len() int      { return len(b.words) }

// Words exposes the buffer contents for inspection.
func (b *WordBuffer) Words() []uint32 { return b.words }

func (b *WordBuffer) Release() error {
	if b.words == nil {
		return nil
	}
	b.words = nil
	b.staging = nil
	b.dev.free()
	return nil
}

type kernel struct {
	dev      *Device
	stage    compute.Stage
	entry    string
	wg       wgsl.Workgroup
	released bool
}

func (k *kernel) Stage() compute.Stage       { return k.stage }
func (k *kernel) Entry() string              { return k.entry }
func (k *kernel) GroupSize() (uint32, uint32) { return k.wg.X, k.wg.Y }

func (k *kernel) Release() error {
	if k.released {
		return nil
	}
	k.released = true
	k.dev.free()
	return nil
}

type readback struct {
	data      []byte
	remaining int
	fail      bool
	cancelled bool
	finished  bool
}

func (r *readback) Poll() ([]byte, bool, error) {
	if r.cancelled {
		return nil, false, compute.ErrReadbackCancelled
	}
	if r.finished {
		return r.data, true, nil
	}
	if r.remaining > 0 {
		r.remaining--
		return nil, false, nil
	}
	if r.fail {
		return nil, false, &compute.ReadbackError{Err: ErrInjected}
	}
	r.finished = true
	return r.data, true, nil
}

func (r *readback) Cancel() { r.cancelled = true }
