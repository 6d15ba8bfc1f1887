package gpu

import (
	"errors"
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/sirupsen/logrus"

	"github.com/openfluke/camsensor/compute"
	"github.com/openfluke/camsensor/gpu/wgsl"
)

// Options configure a Device.
type Options struct {
	Context ContextOptions
	// Library overrides the kernel library. Empty uses wgsl.Source.
	Library string
	Log     logrus.FieldLogger
}

// Device is a compute.Device on the process WebGPU context. It compiles the
// kernel library once and creates one compute pipeline per resolved entry
// point.
type Device struct {
	ctx     *Context
	log     *logrus.Entry
	module  *wgpu.ShaderModule
	entries map[string]wgsl.Workgroup
	groups  map[bindKey]*wgpu.BindGroup
	closed  bool
}

type bindKey struct {
	kernel *kernel
	src    *Surface
	dst    any
}

// Open compiles the kernel library on the shared context.
func Open(opts Options) (*Device, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Context.Log == nil {
		opts.Context.Log = log
	}
	c, err := GetContext(opts.Context)
	if err != nil {
		return nil, err
	}

	lib := opts.Library
	if lib == "" {
		lib = wgsl.Source
	}
	module, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "camera_kernels",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: lib},
	})
	if err != nil {
		return nil, fmt.Errorf("compile kernel library: %w", err)
	}

	d := &Device{
		ctx:     c,
		log:     log.WithField("device", "gpu"),
		module:  module,
		entries: wgsl.EntryPoints(lib),
		groups:  make(map[bindKey]*wgpu.BindGroup),
	}
	d.log.WithField("entry_points", len(d.entries)).Debug("kernel library compiled")
	return d, nil
}

func (d *Device) Name() string { return "gpu:" + d.ctx.Info.Name }

// Limits returns the adapter limits.
func (d *Device) Limits() Limits { return d.ctx.Limits }

func (d *Device) NewSurface(label string, width, height int) (compute.Surface, error) {
	if d.closed {
		return nil, &compute.AllocationError{Resource: label, Err: errors.New("device closed")}
	}
	if width <= 0 || height <= 0 {
		return nil, &compute.AllocationError{Resource: label, Err: fmt.Errorf("invalid size %dx%d", width, height)}
	}
	size := uint64(width * height * 4)
	if err := d.ctx.Limits.CheckBinding(size); err != nil {
		return nil, &compute.AllocationError{Resource: label, Err: err}
	}
	buf, err := d.ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, &compute.AllocationError{Resource: label, Err: err}
	}
	return &Surface{dev: d, label: label, w: width, h: height, buf: buf}, nil
}

func (d *Device) NewWordBuffer(label string, words int) (compute.WordBuffer, error) {
	if d.closed {
		return nil, &compute.AllocationError{Resource: label, Err: errors.New("device closed")}
	}
	if words <= 0 {
		return nil, &compute.AllocationError{Resource: label, Err: fmt.Errorf("invalid word count %d", words)}
	}
	size := uint64(words * 4)
	if err := d.ctx.Limits.CheckBinding(size); err != nil {
		return nil, &compute.AllocationError{Resource: label, Err: err}
	}
	buf, err := d.ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, &compute.AllocationError{Resource: label, Err: err}
	}
	staging, err := d.ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label + "_staging",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		buf.Destroy()
		buf.Release()
		return nil, &compute.AllocationError{Resource: label + "_staging", Err: err}
	}
	return &WordBuffer{dev: d, label: label, words: words, buf: buf, staging: staging, host: make([]byte, size)}, nil
}

func (d *Device) ResolveKernel(stage compute.Stage, entry string) (compute.Kernel, error) {
	wg, ok := d.entries[entry]
	if !ok {
		return nil, &compute.KernelResolutionError{Stage: stage, Entry: entry, Err: compute.ErrEntryPointMissing}
	}
	if err := d.ctx.Limits.CheckWorkgroup(wg); err != nil {
		return nil, &compute.KernelResolutionError{Stage: stage, Entry: entry, Err: err}
	}

	pipeline, err := d.ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   "camera_" + entry,
		Compute: wgpu.ProgrammableStageDescriptor{Module: d.module, EntryPoint: entry},
	})
	if err != nil {
		return nil, &compute.KernelResolutionError{Stage: stage, Entry: entry, Err: err}
	}
	uniforms, err := d.ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "camera_" + entry + "_params",
		Size:  uniformSize,
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		pipeline.Release()
		return nil, &compute.KernelResolutionError{Stage: stage, Entry: entry, Err: err}
	}

	d.log.WithFields(logrus.Fields{"stage": stage, "entry": entry, "workgroup": fmt.Sprintf("%dx%d", wg.X, wg.Y)}).Debug("kernel resolved")
	return &kernel{dev: d, stage: stage, entry: entry, wg: wg, pipeline: pipeline, uniforms: uniforms}, nil
}

// Submit records every dispatch of b into one command buffer, each in its own
// compute pass, and submits it. Uniforms are written through the queue first.
func (d *Device) Submit(b *compute.Batch) error {
	if d.closed {
		return errors.New("device closed")
	}
	encoder, err := d.ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("failed to create command encoder: %w", err)
	}

	for i, dp := range b.Dispatches {
		k, ok := dp.Kernel.(*kernel)
		if !ok || k.dev != d || k.pipeline == nil {
			encoder.Release()
			return fmt.Errorf("dispatch %d: %w", i, compute.ErrForeignResource)
		}
		if err := d.ctx.Limits.CheckGroups(dp.GroupsX, dp.GroupsY); err != nil {
			encoder.Release()
			return fmt.Errorf("dispatch %d (%s): %w", i, k.stage, err)
		}
		bg, err := d.bindGroup(k, dp)
		if err != nil {
			encoder.Release()
			return fmt.Errorf("dispatch %d (%s): %w", i, k.stage, err)
		}
		d.ctx.Queue.WriteBuffer(k.uniforms, 0, wgpu.ToBytes(uniformBlocks(dp.Params)))

		pass := encoder.BeginComputePass(&wgpu.ComputePassDescriptor{Label: "camera_" + k.stage.String()})
		pass.SetPipeline(k.pipeline)
		pass.SetBindGroup(0, bg, nil)
		pass.DispatchWorkgroups(dp.GroupsX, dp.GroupsY, 1)
		pass.End()
	}

	cmd, err := encoder.Finish(nil)
	if err != nil {
		encoder.Release()
		return fmt.Errorf("failed to finish command: %w", err)
	}
	encoder.Release()
	d.ctx.Queue.Submit(cmd)
	cmd.Release()
	return nil
}

// bindGroup returns the cached bind group for k reading dp.Src and writing
// dp.Dst or dp.Words. Image stages bind 0, 1, 2; pack binds 0, 1, 3.
func (d *Device) bindGroup(k *kernel, dp compute.Dispatch) (*wgpu.BindGroup, error) {
	src, ok := dp.Src.(*Surface)
	if !ok || src.dev != d {
		return nil, compute.ErrForeignResource
	}
	if src.buf == nil {
		return nil, errReleased
	}

	entries := []wgpu.BindGroupEntry{
		{Binding: 0, Buffer: k.uniforms, Size: k.uniforms.GetSize()},
		{Binding: 1, Buffer: src.buf, Size: src.buf.GetSize()},
	}
	key := bindKey{kernel: k, src: src}
	if k.stage == compute.StagePack {
		dst, ok := dp.Words.(*WordBuffer)
		if !ok || dst.dev != d {
			return nil, compute.ErrForeignResource
		}
		if dst.buf == nil {
			return nil, errReleased
		}
		key.dst = dst
		entries = append(entries, wgpu.BindGroupEntry{Binding: 3, Buffer: dst.buf, Size: dst.buf.GetSize()})
	} else {
		dst, ok := dp.Dst.(*Surface)
		if !ok || dst.dev != d {
			return nil, compute.ErrForeignResource
		}
		if dst.buf == nil {
			return nil, errReleased
		}
		if dst == src {
			return nil, errors.New("stage reads and writes the same surface")
		}
		key.dst = dst
		entries = append(entries, wgpu.BindGroupEntry{Binding: 2, Buffer: dst.buf, Size: dst.buf.GetSize()})
	}

	if bg, ok := d.groups[key]; ok {
		return bg, nil
	}
	bg, err := d.ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   fmt.Sprintf("camera_%s_bind_%d", k.stage, len(d.groups)),
		Layout:  k.pipeline.GetBindGroupLayout(0),
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("create bind group: %w", err)
	}
	d.groups[key] = bg
	return bg, nil
}

// dropBindings releases the cached bind groups that reference res.
func (d *Device) dropBindings(res any) {
	for key, bg := range d.groups {
		if any(key.kernel) == res || any(key.src) == res || key.dst == res {
			bg.Release()
			delete(d.groups, key)
		}
	}
}

// RequestReadback copies buf into its staging buffer behind the frame's
// dispatches and starts mapping it. Poll completes the readback.
func (d *Device) RequestReadback(buf compute.WordBuffer) (compute.Readback, error) {
	wb, ok := buf.(*WordBuffer)
	if !ok || wb.dev != d {
		return nil, &compute.ReadbackError{Err: compute.ErrForeignResource}
	}
	if wb.buf == nil {
		return nil, &compute.ReadbackError{Err: errReleased}
	}
	if wb.pending != nil {
		wb.pending.settle()
		wb.pending = nil
	}

	encoder, err := d.ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, &compute.ReadbackError{Err: fmt.Errorf("failed to create command encoder: %w", err)}
	}
	encoder.CopyBufferToBuffer(wb.buf, 0, wb.staging, 0, wb.size())
	cmd, err := encoder.Finish(nil)
	if err != nil {
		encoder.Release()
		return nil, &compute.ReadbackError{Err: fmt.Errorf("failed to finish command: %w", err)}
	}
	encoder.Release()
	d.ctx.Queue.Submit(cmd)
	cmd.Release()

	rb := &readback{buf: wb}
	err = wb.staging.MapAsync(wgpu.MapModeRead, 0, wb.size(), func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			rb.mapStatus = status
			rb.status.Store(mapFailed)
			return
		}
		rb.status.Store(mapDone)
	})
	if err != nil {
		return nil, &compute.ReadbackError{Err: fmt.Errorf("MapAsync failed: %w", err)}
	}
	wb.pending = rb
	return rb, nil
}

// WaitIdle blocks until all submitted work is done.
func (d *Device) WaitIdle() {
	d.ctx.Device.Poll(true, nil)
}

// Close releases the kernel library and cached bind groups. The shared
// context stays open for the process.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.WaitIdle()
	for key, bg := range d.groups {
		bg.Release()
		delete(d.groups, key)
	}
	d.module.Release()
	return nil
}

type kernel struct {
	dev      *Device
	stage    compute.Stage
	entry    string
	wg       wgsl.Workgroup
	pipeline *wgpu.ComputePipeline
	uniforms *wgpu.Buffer
}

func (k *kernel) Stage() compute.Stage        { return k.stage }
func (k *kernel) Entry() string               { return k.entry }
func (k *kernel) GroupSize() (uint32, uint32) { return k.wg.X, k.wg.Y }

func (k *kernel) Release() error {
	if k.pipeline == nil {
		return nil
	}
	k.dev.dropBindings(k)
	k.pipeline.Release()
	k.uniforms.Destroy()
	k.uniforms.Release()
	k.pipeline, k.uniforms = nil, nil
	return nil
}
