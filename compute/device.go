// Package compute defines the device abstraction the camera pipeline runs on.
// A device owns image surfaces, packed word buffers and the compiled kernels
// for each pipeline stage; gpu.Device runs them on WebGPU, cpu.Device in Go.
package compute

// Stage identifies one compute pass of the camera pipeline.
type Stage int

const (
	StageSharpen Stage = iota
	StageDistort
	StageCorrect
	StagePack
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{StageSharpen, StageDistort, StageCorrect, StagePack}

var stageNames = [...]string{"sharpen", "distort", "correct", "pack"}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// EntryPoint is the kernel entry point name the stage resolves by default.
func (s Stage) EntryPoint() string {
	return s.String() + "_main"
}

// Surface is a Width×Height RGBA8 image resident on the device.
type Surface interface {
	Label() string
	Width() int
	Height() int
	// Upload replaces the surface contents with Width*Height*4 RGBA bytes.
	Upload(rgba []byte) error
	Release() error
}

// WordBuffer is a linear buffer of 32-bit words resident on the device.
type WordBuffer interface {
	Label() string
	Len() int
	Release() error
}

// Kernel is a compiled stage entry point.
type Kernel interface {
	Stage() Stage
	Entry() string
	// GroupSize is the workgroup size declared by the entry point.
	GroupSize() (x, y uint32)
	Release() error
}

// Uniforms are the scalar parameters pushed to a stage before dispatch.
type Uniforms struct {
	Width  uint32
	Height uint32
	Words  uint32

	Fx, Fy, Cx, Cy float32
	K1, K2, K3     float32
	P1, P2         float32
	Sharpness      float32
}

// Dispatch is one recorded compute pass. Image stages write Dst, the pack
// stage writes Words.
type Dispatch struct {
	Kernel  Kernel
	Params  Uniforms
	Src     Surface
	Dst     Surface
	Words   WordBuffer
	GroupsX uint32
	GroupsY uint32
}

// Batch collects the dispatches of one frame so they are submitted together.
type Batch struct {
	Dispatches []Dispatch
}

// Add appends d to the batch.
func (b *Batch) Add(d Dispatch) { b.Dispatches = append(b.Dispatches, d) }

// Len is the number of recorded dispatches.
func (b *Batch) Len() int { return len(b.Dispatches) }

// Reset empties the batch, keeping its storage.
func (b *Batch) Reset() { b.Dispatches = b.Dispatches[:0] }

// Readback is a pending device-to-host copy of a WordBuffer.
type Readback interface {
	// Poll checks for completion without blocking. Once done is true, data
	// holds the buffer bytes and stays valid until the next readback on the
	// same buffer is requested.
	Poll() (data []byte, done bool, err error)
	// Cancel abandons the request. Later Polls return ErrReadbackCancelled
	// and the completion is ignored.
	Cancel()
}

// Device creates resources and runs batches.
type Device interface {
	Name() string
	NewSurface(label string, width, height int) (Surface, error)
	NewWordBuffer(label string, words int) (WordBuffer, error)
	// ResolveKernel looks up entry in the kernel library once. A missing
	// entry point returns *KernelResolutionError.
	ResolveKernel(stage Stage, entry string) (Kernel, error)
	// Submit queues every dispatch of b in order.
	Submit(b *Batch) error
	// RequestReadback starts an asynchronous copy of buf to host memory.
	RequestReadback(buf WordBuffer) (Readback, error)
	// WaitIdle blocks until all submitted work has finished.
	WaitIdle()
	Close() error
}

// GroupCount returns ceil(n / size).
func GroupCount(n int, size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	return (uint32(n) + size - 1) / size
}
