package pipeline

import (
	"errors"
	"fmt"

	"github.com/openfluke/camsensor/camera"
	"github.com/openfluke/camsensor/compute"
)

var errSameSurface = errors.New("stage input and output are the same surface")

// StageExecutor wraps one compute stage: its kernel, workgroup size and the
// uniforms bound for the current frame.
type StageExecutor struct {
	stage    compute.Stage
	entry    string
	kernel   compute.Kernel
	groupX   uint32
	groupY   uint32
	uniforms compute.Uniforms
}

// NewStageExecutor creates an executor for stage using its default entry
// point.
func NewStageExecutor(stage compute.Stage) *StageExecutor {
	return &StageExecutor{stage: stage, entry: stage.EntryPoint()}
}

func (s *StageExecutor) Stage() compute.Stage { return s.stage }

// Configure resolves the kernel and its workgroup size once.
func (s *StageExecutor) Configure(dev compute.Device) error {
	k, err := dev.ResolveKernel(s.stage, s.entry)
	if err != nil {
		var kerr *compute.KernelResolutionError
		if errors.As(err, &kerr) {
			return err
		}
		return &compute.KernelResolutionError{Stage: s.stage, Entry: s.entry, Err: err}
	}
	s.kernel = k
	s.groupX, s.groupY = k.GroupSize()
	return nil
}

// BindParameters builds the uniforms for the next dispatch from p.
//
// k1, k2, k3 and p2 are uploaded negated, p1 as stored. The distort and
// correct kernels both assume this sign convention.
func (s *StageExecutor) BindParameters(p camera.Parameters) {
	s.uniforms = compute.Uniforms{
		Width:     uint32(p.Width),
		Height:    uint32(p.Height),
		Words:     uint32(p.PackedWords()),
		Fx:        float32(p.Fx),
		Fy:        float32(p.Fy),
		Cx:        float32(p.Cx),
		Cy:        float32(p.Cy),
		K1:        float32(-p.K1),
		K2:        float32(-p.K2),
		K3:        float32(-p.K3),
		P1:        float32(p.P1),
		P2:        float32(-p.P2),
		Sharpness: float32(p.Sharpness),
	}
}

// Uniforms returns the values bound by the last BindParameters.
func (s *StageExecutor) Uniforms() compute.Uniforms { return s.uniforms }

// GroupCounts returns the dispatch domain for a width×height frame. Image
// stages cover the frame in 2D; the pack stage covers its output words in 1D.
func (s *StageExecutor) GroupCounts(width, height int) (x, y uint32) {
	if s.stage == compute.StagePack {
		words := width * height * camera.BytesPerPixel / camera.WordSize
		return compute.GroupCount(words, s.groupX), 1
	}
	return compute.GroupCount(width, s.groupX), compute.GroupCount(height, s.groupY)
}

// DispatchImage records one 2D dispatch from in to out.
func (s *StageExecutor) DispatchImage(b *compute.Batch, in, out compute.Surface) error {
	if s.kernel == nil {
		return fmt.Errorf("%s stage not configured", s.stage)
	}
	if s.stage == compute.StagePack {
		return fmt.Errorf("%s stage writes words, not surfaces", s.stage)
	}
	if in == nil || out == nil {
		return fmt.Errorf("%s stage: missing surface", s.stage)
	}
	if in == out {
		return fmt.Errorf("%s stage: %w", s.stage, errSameSurface)
	}
	gx, gy := s.GroupCounts(in.Width(), in.Height())
	b.Add(compute.Dispatch{
		Kernel:  s.kernel,
		Params:  s.uniforms,
		Src:     in,
		Dst:     out,
		GroupsX: gx,
		GroupsY: gy,
	})
	return nil
}

// DispatchPack records the 1D pack dispatch from in to out.
func (s *StageExecutor) DispatchPack(b *compute.Batch, in compute.Surface, out compute.WordBuffer) error {
	if s.kernel == nil {
		return fmt.Errorf("%s stage not configured", s.stage)
	}
	if s.stage != compute.StagePack {
		return fmt.Errorf("%s stage writes surfaces, not words", s.stage)
	}
	if in == nil || out == nil {
		return fmt.Errorf("%s stage: missing buffer", s.stage)
	}
	gx, gy := s.GroupCounts(in.Width(), in.Height())
	b.Add(compute.Dispatch{
		Kernel:  s.kernel,
		Params:  s.uniforms,
		Src:     in,
		Words:   out,
		GroupsX: gx,
		GroupsY: gy,
	})
	return nil
}

// Release frees the stage kernel.
func (s *StageExecutor) Release() error {
	if s.kernel == nil {
		return nil
	}
	err := s.kernel.Release()
	s.kernel = nil
	return err
}
