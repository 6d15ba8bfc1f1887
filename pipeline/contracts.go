package pipeline

import (
	"github.com/google/uuid"

	"github.com/openfluke/camsensor/camera"
	"github.com/openfluke/camsensor/compute"
)

// RenderSource produces the raw color frame the first stage reads. Render
// must fill target completely, typically via target.Upload.
type RenderSource interface {
	Render(target compute.Surface) error
}

// RenderFunc adapts a function to RenderSource.
type RenderFunc func(target compute.Surface) error

func (f RenderFunc) Render(target compute.Surface) error { return f(target) }

// Sink receives completed frames. Deliver is called synchronously from
// Orchestrator.Tick, at most once per triggered frame.
type Sink interface {
	Deliver(out OutputData)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(out OutputData)

func (f SinkFunc) Deliver(out OutputData) { f(out) }

// OutputData is one completed frame.
//
// Bytes is row-major BGR, 3 bytes per pixel, without padding. It aliases the
// pipeline's reused output buffer and is only valid during Deliver; use Clone
// to keep a frame.
type OutputData struct {
	Bytes    []byte
	Params   camera.Parameters
	Sequence uint64
	Sensor   uuid.UUID
}

// Clone returns a copy that does not share the output buffer.
func (o OutputData) Clone() OutputData {
	c := o
	c.Bytes = append([]byte(nil), o.Bytes...)
	return c
}
