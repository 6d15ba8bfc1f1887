// Package pipeline sequences the camera sensor's compute stages for each
// frame and delivers the packed result to a sink.
//
// One Orchestrator drives one sensor. It is not safe for concurrent use: the
// host calls Trigger and Tick from its own loop, and the state machine
// guarantees at most one frame is in flight.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/openfluke/camsensor/camera"
	"github.com/openfluke/camsensor/compute"
)

var (
	// ErrBusy is returned by Trigger when a request is dropped because a
	// frame is in flight.
	ErrBusy = errors.New("pipeline: frame in flight")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pipeline: closed")
	// ErrHalted is returned while frame buffers could not be allocated.
	// The next Reconfigure retries the allocation.
	ErrHalted = errors.New("pipeline: image production halted")
)

// State is the per-frame state of an Orchestrator.
type State int

const (
	Idle State = iota
	Rendering
	Dispatching
	ReadbackPending
	Delivering
)

var stateNames = [...]string{"idle", "rendering", "dispatching", "readback_pending", "delivering"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

type inflight struct {
	seq    uint64
	params camera.Parameters
	polls  int
}

// Orchestrator runs Idle → Rendering → Dispatching → ReadbackPending →
// Delivering → Idle for one camera sensor.
type Orchestrator struct {
	id     uuid.UUID
	dev    compute.Device
	source RenderSource
	sink   Sink
	opts   options
	log    *logrus.Entry

	params  camera.Parameters
	staged  *camera.Parameters
	buffers *FrameBufferSet

	sharpen *StageExecutor
	distort *StageExecutor
	correct *StageExecutor
	pack    *StageExecutor
	batch   compute.Batch

	state    State
	deferred int
	readback compute.Readback
	frame    inflight
	seq      uint64
	halted   error
	closed   bool
}

// New validates params, resolves every stage kernel and allocates the frame
// buffers. Invalid parameters and missing kernels are fatal. A failed buffer
// allocation is not: the orchestrator starts halted and recovers on the next
// Reconfigure.
func New(dev compute.Device, params camera.Parameters, source RenderSource, sink Sink, opts ...Option) (*Orchestrator, error) {
	if dev == nil || source == nil || sink == nil {
		return nil, errors.New("pipeline: device, render source and sink are required")
	}
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New()
	o := &Orchestrator{
		id:      id,
		dev:     dev,
		source:  source,
		sink:    sink,
		opts:    cfg,
		log:     cfg.log.WithField("sensor", id.String()),
		sharpen: NewStageExecutor(compute.StageSharpen),
		distort: NewStageExecutor(compute.StageDistort),
		pack:    NewStageExecutor(compute.StagePack),
	}
	if cfg.correction {
		o.correct = NewStageExecutor(compute.StageCorrect)
	}

	for _, w := range params.Derive() {
		o.log.WithError(w).Warn("camera parameter mismatch")
	}
	if err := params.CheckDerived(); err != nil {
		return nil, err
	}
	o.params = params

	for _, s := range o.stages() {
		if err := s.Configure(dev); err != nil {
			o.releaseStages()
			return nil, err
		}
	}

	o.buffers = NewFrameBufferSet(dev, cfg.correction)
	if err := o.buffers.EnsureAllocated(params); err != nil {
		o.halt(err)
	}

	o.log.WithFields(logrus.Fields{
		"device":     dev.Name(),
		"width":      params.Width,
		"height":     params.Height,
		"correction": cfg.correction,
		"busy":       cfg.busy,
	}).Info("camera pipeline ready")
	return o, nil
}

// ID identifies the sensor in logs and OutputData.
func (o *Orchestrator) ID() uuid.UUID { return o.id }

// State returns the current state.
func (o *Orchestrator) State() State { return o.state }

// Params returns the parameters the next frame will render with.
func (o *Orchestrator) Params() camera.Parameters { return o.params }

// Buffers exposes the frame buffer set.
func (o *Orchestrator) Buffers() *FrameBufferSet { return o.buffers }

// Deferred is the number of queued render requests.
func (o *Orchestrator) Deferred() int { return o.deferred }

// Halted returns the allocation error that stopped image production, if any.
func (o *Orchestrator) Halted() error { return o.halted }

// Trigger requests one frame. From Idle it renders and dispatches the frame
// synchronously and returns with the readback pending. Otherwise the busy
// policy either queues the request or drops it with ErrBusy.
func (o *Orchestrator) Trigger() error {
	if o.closed {
		return ErrClosed
	}
	o.opts.metrics.RenderRequested()

	if o.state != Idle {
		if o.opts.busy == BusyDefer && o.deferred < o.opts.maxDeferred {
			o.deferred++
			o.log.WithFields(logrus.Fields{"state": o.state, "deferred": o.deferred}).Debug("render request deferred")
			return nil
		}
		o.opts.metrics.FrameDropped(DropBusy)
		o.log.WithField("state", o.state).Debug("render request dropped")
		return ErrBusy
	}
	return o.startFrame()
}

// Tick advances the pipeline once. It polls a pending readback and delivers
// the frame when it completes. Back in Idle it applies staged parameters and
// starts one deferred request.
func (o *Orchestrator) Tick() {
	if o.closed {
		return
	}
	if o.state == ReadbackPending {
		o.poll()
	}
	if o.state != Idle || o.closed {
		return
	}
	o.applyStaged()
	if o.deferred > 0 {
		o.deferred--
		_ = o.startFrame() // logged by startFrame
	}
}

// Reconfigure validates p and makes it the parameter set for later frames.
// While a frame is in flight the change is staged and applied once the frame
// is delivered or dropped, so the in-flight frame keeps its snapshot.
func (o *Orchestrator) Reconfigure(p camera.Parameters) error {
	if o.closed {
		return ErrClosed
	}
	if err := p.Validate(); err != nil {
		return err
	}

	for _, w := range p.Derive() {
		o.log.WithError(w).Warn("camera parameter mismatch")
	}
	if err := p.CheckDerived(); err != nil {
		return err
	}
	if !p.SameDimensions(o.params) {
		o.log.WithFields(logrus.Fields{"width": p.Width, "height": p.Height}).Info("frame size change requested")
	}

	if o.state != Idle {
		o.staged = &p
		o.log.WithField("state", o.state).Debug("reconfigure staged until frame completes")
		return nil
	}
	return o.apply(p)
}

// Close abandons any pending readback, waits for the device and releases
// every kernel and buffer. Later calls do nothing.
func (o *Orchestrator) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true

	if o.readback != nil {
		o.readback.Cancel()
		o.readback = nil
		o.opts.metrics.FrameDropped(DropClosed)
		o.log.WithField("seq", o.frame.seq).Debug("pending readback abandoned")
	}
	o.dev.WaitIdle()

	err := o.releaseStages()
	if o.buffers != nil {
		err = multierr.Append(err, o.buffers.Release())
	}
	o.state = Idle
	o.deferred = 0
	o.staged = nil
	if err != nil {
		o.log.WithError(err).Error("camera pipeline release failed")
	}
	return err
}

func (o *Orchestrator) stages() []*StageExecutor {
	s := []*StageExecutor{o.sharpen, o.distort}
	if o.correct != nil {
		s = append(s, o.correct)
	}
	return append(s, o.pack)
}

func (o *Orchestrator) releaseStages() error {
	var err error
	for _, s := range o.stages() {
		err = multierr.Append(err, s.Release())
	}
	return err
}

func (o *Orchestrator) startFrame() error {
	if o.halted != nil {
		o.opts.metrics.FrameDropped(DropHalted)
		o.log.WithError(o.halted).Warn("frame dropped: pipeline halted")
		return fmt.Errorf("%w: %v", ErrHalted, o.halted)
	}

	o.seq++
	frame := inflight{seq: o.seq, params: o.params}
	log := o.log.WithField("seq", frame.seq)

	o.state = Rendering
	if err := o.source.Render(o.buffers.RenderTarget()); err != nil {
		return o.fail(log, DropRender, fmt.Errorf("render: %w", err))
	}

	o.state = Dispatching
	if err := o.dispatch(frame.params); err != nil {
		return o.fail(log, DropDispatch, fmt.Errorf("dispatch: %w", err))
	}

	rb, err := o.dev.RequestReadback(o.buffers.Packed())
	if err != nil {
		return o.fail(log, DropReadback, asReadbackError(err))
	}
	o.readback = rb
	o.frame = frame
	o.state = ReadbackPending
	log.Debug("readback requested")
	return nil
}

// dispatch records sharpen, distort, the optional correction and pack, each
// reading the previous stage's surface, and submits them as one batch.
func (o *Orchestrator) dispatch(p camera.Parameters) error {
	o.batch.Reset()

	type link struct {
		stage *StageExecutor
		out   compute.Surface
	}
	chain := []link{
		{o.sharpen, o.buffers.SharpenTarget()},
		{o.distort, o.buffers.DistortTarget()},
	}
	if o.correct != nil {
		chain = append(chain, link{o.correct, o.buffers.CorrectionTarget()})
	}

	in := o.buffers.RenderTarget()
	for _, c := range chain {
		c.stage.BindParameters(p)
		if err := c.stage.DispatchImage(&o.batch, in, c.out); err != nil {
			return err
		}
		in = c.out
	}

	o.pack.BindParameters(p)
	if err := o.pack.DispatchPack(&o.batch, in, o.buffers.Packed()); err != nil {
		return err
	}

	if err := o.dev.Submit(&o.batch); err != nil {
		return err
	}
	for _, d := range o.batch.Dispatches {
		o.opts.metrics.StageDispatched(d.Kernel.Stage())
	}
	return nil
}

func (o *Orchestrator) poll() {
	log := o.log.WithField("seq", o.frame.seq)
	data, done, err := o.readback.Poll()
	o.frame.polls++

	if err != nil {
		o.readback = nil
		o.fail(log, DropReadback, asReadbackError(err))
		return
	}
	if !done {
		if o.opts.readbackTimeout > 0 && o.frame.polls >= o.opts.readbackTimeout {
			o.readback.Cancel()
			o.readback = nil
			o.fail(log, DropTimeout, &compute.ReadbackError{
				Err: fmt.Errorf("still pending after %d ticks", o.frame.polls),
			})
		}
		return
	}

	o.readback = nil
	o.opts.metrics.ReadbackCompleted()
	out := o.buffers.Output()
	if len(data) < len(out) {
		o.fail(log, DropReadback, &compute.ReadbackError{
			Err: fmt.Errorf("short transfer: got %d bytes, want %d", len(data), len(out)),
		})
		return
	}

	o.state = Delivering
	copy(out, data[:len(out)])
	o.sink.Deliver(OutputData{
		Bytes:    out,
		Params:   o.frame.params,
		Sequence: o.frame.seq,
		Sensor:   o.id,
	})
	o.opts.metrics.Delivered()
	o.state = Idle
	log.Debug("frame delivered")
}

func (o *Orchestrator) fail(log *logrus.Entry, reason DropReason, err error) error {
	o.state = Idle
	o.opts.metrics.FrameDropped(reason)
	log.WithError(err).WithField("reason", reason).Warn("frame dropped")
	return err
}

func (o *Orchestrator) applyStaged() {
	if o.staged == nil {
		return
	}
	p := *o.staged
	o.staged = nil
	_ = o.apply(p) // logged by halt
}

func (o *Orchestrator) apply(p camera.Parameters) error {
	o.params = p
	if err := o.buffers.EnsureAllocated(p); err != nil {
		o.halt(err)
		return err
	}
	if o.halted != nil {
		o.log.Info("frame buffers allocated, image production resumed")
	}
	o.halted = nil
	return nil
}

func (o *Orchestrator) halt(err error) {
	o.halted = err
	o.log.WithError(err).Error("frame buffer allocation failed, image production halted until reconfigured")
}

func asReadbackError(err error) error {
	var rerr *compute.ReadbackError
	if errors.As(err, &rerr) {
		return err
	}
	return &compute.ReadbackError{Err: err}
}
