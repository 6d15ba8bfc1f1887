package pipeline

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/camsensor/camera"
	"github.com/openfluke/camsensor/compute"
	"github.com/openfluke/camsensor/cpu"
	"github.com/openfluke/camsensor/gpu/wgsl"
)

type harness struct {
	dev     *cpu.Device
	source  *patternSource
	sink    *recordingSink
	metrics *Counters
	hook    *logtest.Hook
	orch    *Orchestrator
}

func newHarness(t *testing.T, devOpts cpu.Options, opts ...Option) *harness {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	h := &harness{
		dev:     cpu.New(devOpts),
		source:  &patternSource{},
		sink:    &recordingSink{},
		metrics: NewCounters(),
		hook:    hook,
	}
	opts = append([]Option{WithLogger(logger), WithMetrics(h.metrics)}, opts...)
	orch, err := New(h.dev, testParams(), h.source, h.sink, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { orch.Close() })
	h.orch = orch
	return h
}

// drain ticks until nothing is in flight or queued.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if h.orch.State() == Idle && h.orch.Deferred() == 0 {
			return
		}
		h.orch.Tick()
	}
	t.Fatal("pipeline did not drain")
}

func (h *harness) dropLogs(reason DropReason) int {
	n := 0
	for _, e := range h.hook.AllEntries() {
		if e.Message == "frame dropped" && e.Data["reason"] == reason {
			n++
		}
	}
	return n
}

func TestDeliversIdentityFrame(t *testing.T) {
	h := newHarness(t, cpu.Options{})

	require.NoError(t, h.orch.Trigger())
	assert.Equal(t, ReadbackPending, h.orch.State())
	assert.Empty(t, h.sink.frames, "delivery waits for a tick")

	h.orch.Tick()
	require.Len(t, h.sink.frames, 1)
	assert.Equal(t, Idle, h.orch.State())

	out := h.sink.frames[0]
	assert.Equal(t, uint64(1), out.Sequence)
	assert.Equal(t, h.orch.ID(), out.Sensor)
	assert.Len(t, out.Bytes, 256*256*3)
	assert.True(t, bytes.Equal(toBGR(framePattern(256, 256, 1)), out.Bytes), "identity pipeline delivers the render as BGR")
	assert.Empty(t, cmp.Diff(h.orch.Params(), out.Params, cmp.AllowUnexported(camera.Parameters{})))

	s := h.metrics.Snapshot()
	assert.Equal(t, uint64(1), s.RenderRequested)
	assert.Equal(t, uint64(1), s.ReadbackCompleted)
	assert.Equal(t, uint64(1), s.Delivered)
	assert.Equal(t, uint64(1), s.StagesDispatched["sharpen"])
	assert.Equal(t, uint64(0), s.StagesDispatched["correct"])
	assert.Equal(t, uint64(1), s.StagesDispatched["pack"])
	assert.Zero(t, s.TotalDropped())
}

func TestFramesDeliveredInOrder(t *testing.T) {
	h := newHarness(t, cpu.Options{ReadbackLatency: 1}, WithMaxDeferred(16))

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, h.orch.Trigger())
		h.orch.Tick()
	}
	h.drain(t)

	require.Len(t, h.sink.frames, n)
	for i, f := range h.sink.frames {
		assert.Equal(t, uint64(i+1), f.Sequence)
		assert.True(t, bytes.Equal(toBGR(framePattern(256, 256, i+1)), f.Bytes), "frame %d", i+1)
	}
	assert.Equal(t, n, h.dev.Submits())
}

func TestAtMostOneFrameInFlight(t *testing.T) {
	h := newHarness(t, cpu.Options{ReadbackLatency: 2}, WithMaxDeferred(16))

	inFlight := false
	h.source.onRender = func() {
		assert.False(t, inFlight, "render started while a frame was in flight")
		inFlight = true
	}
	h.sink.onDeliver = func(OutputData) { inFlight = false }

	for i := 0; i < 5; i++ {
		require.NoError(t, h.orch.Trigger())
		require.NoError(t, h.orch.Trigger())
		h.orch.Tick()
	}
	h.drain(t)
	assert.Len(t, h.sink.frames, 10)
}

func TestBusyDropPolicy(t *testing.T) {
	h := newHarness(t, cpu.Options{ReadbackLatency: 1}, WithBusyPolicy(BusyDrop))

	require.NoError(t, h.orch.Trigger())
	assert.ErrorIs(t, h.orch.Trigger(), ErrBusy)
	assert.Equal(t, 0, h.orch.Deferred())

	h.drain(t)
	assert.Len(t, h.sink.frames, 1)
	assert.Equal(t, 1, h.source.frames, "dropped request never renders")
	assert.Equal(t, uint64(1), h.metrics.Snapshot().Dropped["busy"])
}

func TestBusyDeferBound(t *testing.T) {
	h := newHarness(t, cpu.Options{ReadbackLatency: 1})

	require.NoError(t, h.orch.Trigger())
	require.NoError(t, h.orch.Trigger())
	assert.Equal(t, 1, h.orch.Deferred())
	assert.ErrorIs(t, h.orch.Trigger(), ErrBusy, "queue is bounded by DefaultMaxDeferred")

	h.drain(t)
	require.Len(t, h.sink.frames, 2)
	assert.Equal(t, uint64(2), h.sink.frames[1].Sequence)
}

func TestReadbackFailureIsolated(t *testing.T) {
	h := newHarness(t, cpu.Options{})

	require.NoError(t, h.orch.Trigger())
	h.orch.Tick()
	require.Len(t, h.sink.frames, 1)

	h.dev.FailReadbacks(1)
	require.NoError(t, h.orch.Trigger())
	h.orch.Tick()
	assert.Len(t, h.sink.frames, 1, "failed frame is not delivered")
	assert.Equal(t, Idle, h.orch.State())
	assert.Equal(t, 1, h.dropLogs(DropReadback))

	require.NoError(t, h.orch.Trigger())
	h.orch.Tick()
	require.Len(t, h.sink.frames, 2)
	next := h.sink.frames[1]
	assert.Equal(t, uint64(3), next.Sequence)
	assert.True(t, bytes.Equal(toBGR(framePattern(256, 256, 3)), next.Bytes), "frame after a failure is intact")

	s := h.metrics.Snapshot()
	assert.Equal(t, uint64(1), s.Dropped["readback"])
	assert.Equal(t, uint64(2), s.Delivered)
}

func TestRenderFailureDropsFrame(t *testing.T) {
	h := newHarness(t, cpu.Options{})

	h.source.failNext = true
	err := h.orch.Trigger()
	assert.ErrorIs(t, err, errRenderFailed)
	assert.Equal(t, Idle, h.orch.State())
	assert.Equal(t, 0, h.dev.Submits(), "nothing is dispatched for a failed render")

	require.NoError(t, h.orch.Trigger())
	h.orch.Tick()
	require.Len(t, h.sink.frames, 1)
	assert.Equal(t, 1, h.dropLogs(DropRender))
}

func TestReadbackTimeout(t *testing.T) {
	h := newHarness(t, cpu.Options{ReadbackLatency: 10}, WithReadbackTimeout(3))

	require.NoError(t, h.orch.Trigger())
	h.orch.Tick()
	h.orch.Tick()
	assert.Equal(t, ReadbackPending, h.orch.State())
	h.orch.Tick()
	assert.Equal(t, Idle, h.orch.State())
	assert.Empty(t, h.sink.frames)
	assert.Equal(t, uint64(1), h.metrics.Snapshot().Dropped["timeout"])

	for i := 0; i < 20; i++ {
		h.orch.Tick()
	}
	assert.Empty(t, h.sink.frames, "abandoned readback never delivers")
}

func TestCloseAbandonsPendingReadback(t *testing.T) {
	h := newHarness(t, cpu.Options{ReadbackLatency: 1})
	assert.NotZero(t, h.dev.Live())

	require.NoError(t, h.orch.Trigger())
	require.NoError(t, h.orch.Close())
	h.orch.Tick()
	h.orch.Tick()

	assert.Empty(t, h.sink.frames)
	assert.Equal(t, 0, h.dev.Live(), "every kernel and buffer is released")
	assert.ErrorIs(t, h.orch.Trigger(), ErrClosed)
	assert.ErrorIs(t, h.orch.Reconfigure(testParams()), ErrClosed)
	assert.NoError(t, h.orch.Close())
	assert.Equal(t, uint64(1), h.metrics.Snapshot().Dropped["closed"])
}

func TestReconfigureWhileInFlightIsStaged(t *testing.T) {
	h := newHarness(t, cpu.Options{ReadbackLatency: 1})
	before := h.orch.Params()

	require.NoError(t, h.orch.Trigger())

	next := h.orch.Params()
	next.Width = 512
	next.K1 = 0.2
	require.NoError(t, h.orch.Reconfigure(next))
	assert.Empty(t, cmp.Diff(before, h.orch.Params(), cmp.AllowUnexported(camera.Parameters{})),
		"staged parameters do not apply mid-frame")

	h.drain(t)
	require.Len(t, h.sink.frames, 1)
	first := h.sink.frames[0]
	assert.Empty(t, cmp.Diff(before, first.Params, cmp.AllowUnexported(camera.Parameters{})))
	assert.Len(t, first.Bytes, 256*256*3)

	applied := h.orch.Params()
	assert.Equal(t, 512, applied.Width)
	assert.Equal(t, 0.2, applied.K1)
	assert.InDelta(t, 256, applied.Fx, 1e-9, "derived fx follows the new width")
	assert.InDelta(t, 256.5, applied.Cx, 1e-9)
	assert.Equal(t, 512, h.orch.Buffers().Width())

	require.NoError(t, h.orch.Trigger())
	h.drain(t)
	require.Len(t, h.sink.frames, 2)
	assert.Len(t, h.sink.frames[1].Bytes, 512*256*3)
	assert.Equal(t, 0.2, h.sink.frames[1].Params.K1)
}

func TestReconfigureWhileIdleKeepsBuffers(t *testing.T) {
	h := newHarness(t, cpu.Options{})
	gen := h.orch.Buffers().Generation()

	p := h.orch.Params()
	require.NoError(t, p.SetDistortion(0.1, 0, 0, 0, 0))
	require.NoError(t, p.SetSharpness(1))
	require.NoError(t, h.orch.Reconfigure(p))

	assert.Equal(t, gen, h.orch.Buffers().Generation())
	assert.Equal(t, 0.1, h.orch.Params().K1)
}

func TestReconfigureRejectsInvalid(t *testing.T) {
	h := newHarness(t, cpu.Options{})

	p := h.orch.Params()
	p.K1 = 3
	err := h.orch.Reconfigure(p)
	var cerr *camera.ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "k1", cerr.Field)
	assert.Equal(t, 0.0, h.orch.Params().K1)
}

func TestReconfigureDerivesZeroFocalLength(t *testing.T) {
	h := newHarness(t, cpu.Options{})

	p := h.orch.Params()
	require.InDelta(t, 128.0, p.Fx, 1e-9)
	p.Fx = 0
	require.NoError(t, h.orch.Reconfigure(p))
	assert.InDelta(t, 128.0, h.orch.Params().Fx, 1e-9)

	require.NoError(t, h.orch.Trigger())
	h.orch.Tick()
	require.Len(t, h.sink.frames, 1)
	assert.InDelta(t, 128.0, h.sink.frames[0].Params.Fx, 1e-9)
	assert.True(t, bytes.Equal(toBGR(framePattern(256, 256, 1)), h.sink.frames[0].Bytes))

	p = h.orch.Params()
	p.FocalLength = 10
	p.Fx = 0
	require.NoError(t, h.orch.Reconfigure(p))
	assert.InDelta(t, 256.0, h.orch.Params().Fx, 1e-9)
	assert.InDelta(t, 256.0, h.orch.Params().Fy, 1e-9)
}

func TestReconfigureRejectsUnusableFocalLength(t *testing.T) {
	h := newHarness(t, cpu.Options{})

	p := h.orch.Params()
	p.Fx, p.Fy = 0, 0
	p.FocalLength, p.SensorWidth = 1e300, 1e-10
	err := h.orch.Reconfigure(p)
	var cerr *camera.ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "fx/fy", cerr.Field)
	assert.InDelta(t, 128.0, h.orch.Params().Fx, 1e-9)

	_, err = New(cpu.New(cpu.Options{}), p, &patternSource{}, &recordingSink{})
	assert.True(t, errors.As(err, &cerr))
}

func TestAllocationFailureHaltsUntilReconfigured(t *testing.T) {
	h := newHarness(t, cpu.Options{})

	p := h.orch.Params()
	p.Width = 512
	h.dev.FailAllocations(1)
	err := h.orch.Reconfigure(p)
	var aerr *compute.AllocationError
	require.True(t, errors.As(err, &aerr))
	require.Error(t, h.orch.Halted())

	assert.ErrorIs(t, h.orch.Trigger(), ErrHalted)
	h.orch.Tick()
	assert.Empty(t, h.sink.frames)
	assert.Equal(t, uint64(1), h.metrics.Snapshot().Dropped["halted"])

	require.NoError(t, h.orch.Reconfigure(p))
	assert.NoError(t, h.orch.Halted())
	require.NoError(t, h.orch.Trigger())
	h.orch.Tick()
	require.Len(t, h.sink.frames, 1)
	assert.Len(t, h.sink.frames[0].Bytes, 512*256*3)
}

func TestNewStartsHaltedOnAllocationFailure(t *testing.T) {
	dev := &flakyDevice{Device: cpu.New(cpu.Options{})}
	sink := &recordingSink{}
	logger, _ := logtest.NewNullLogger()

	orch, err := New(dev, testParams(), &patternSource{}, sink, WithLogger(logger))
	require.NoError(t, err)
	defer orch.Close()
	require.Error(t, orch.Halted())
	assert.ErrorIs(t, orch.Trigger(), ErrHalted)

	dev.failAfter = 100
	require.NoError(t, orch.Reconfigure(orch.Params()))
	require.NoError(t, orch.Trigger())
	orch.Tick()
	assert.Len(t, sink.frames, 1)
}

func TestNewRejectsInvalidParameters(t *testing.T) {
	dev := cpu.New(cpu.Options{})
	p := testParams()
	p.Width = 100

	_, err := New(dev, p, &patternSource{}, &recordingSink{})
	var cerr *camera.ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "width", cerr.Field)
	assert.Equal(t, 0, dev.Live())

	_, err = New(nil, testParams(), &patternSource{}, &recordingSink{})
	assert.Error(t, err)
}

func TestNewFailsOnMissingKernel(t *testing.T) {
	lib := strings.Replace(wgsl.Source, "fn correct_main", "fn correct_main_v2", 1)
	logger, _ := logtest.NewNullLogger()

	dev := cpu.New(cpu.Options{Library: lib})
	_, err := New(dev, testParams(), &patternSource{}, &recordingSink{}, WithCorrection(true), WithLogger(logger))
	var kerr *compute.KernelResolutionError
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, compute.StageCorrect, kerr.Stage)
	assert.Equal(t, 0, dev.Live(), "kernels resolved before the failure are released")

	orch, err := New(dev, testParams(), &patternSource{}, &recordingSink{}, WithLogger(logger))
	require.NoError(t, err, "the correction kernel is only needed when enabled")
	require.NoError(t, orch.Close())
}

func TestCorrectionStage(t *testing.T) {
	h := newHarness(t, cpu.Options{}, WithCorrection(true))
	require.NotNil(t, h.orch.Buffers().CorrectionTarget())

	require.NoError(t, h.orch.Trigger())
	h.orch.Tick()
	require.Len(t, h.sink.frames, 1)
	assert.True(t, bytes.Equal(toBGR(framePattern(256, 256, 1)), h.sink.frames[0].Bytes))
	assert.Equal(t, uint64(1), h.metrics.Snapshot().StagesDispatched["correct"])
}

// smoothFrame is a gradient with no wraparound, so resampling error tracks
// geometric error.
func smoothFrame(w, h int) []byte {
	pix := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 4
			pix[i+0] = byte(x * 255 / (w - 1))
			pix[i+1] = byte(y * 255 / (h - 1))
			pix[i+2] = 128
			pix[i+3] = 255
		}
	}
	return pix
}

func deliverSmoothFrame(t *testing.T, k1 float64, correction bool) []byte {
	t.Helper()
	p := testParams()
	p.K1 = k1
	frame := smoothFrame(p.Width, p.Height)
	logger, _ := logtest.NewNullLogger()

	var got []byte
	src := RenderFunc(func(target compute.Surface) error { return target.Upload(frame) })
	sink := SinkFunc(func(out OutputData) { got = out.Clone().Bytes })
	orch, err := New(cpu.New(cpu.Options{}), p, src, sink, WithLogger(logger), WithCorrection(correction))
	require.NoError(t, err)
	defer orch.Close()

	require.NoError(t, orch.Trigger())
	orch.Tick()
	require.NotNil(t, got)
	return got
}

// centreMSE compares the middle half of two 256x256 BGR frames.
func centreMSE(a, b []byte) float64 {
	var sum float64
	n := 0
	for y := 64; y < 192; y++ {
		for x := 64; x < 192; x++ {
			for c := 0; c < 3; c++ {
				i := (y*256+x)*3 + c
				d := float64(a[i]) - float64(b[i])
				sum += d * d
				n++
			}
		}
	}
	return sum / float64(n)
}

func TestCorrectionUndoesDistortion(t *testing.T) {
	want := toBGR(smoothFrame(256, 256))

	assert.Zero(t, centreMSE(want, deliverSmoothFrame(t, 0, false)))

	distorted := centreMSE(want, deliverSmoothFrame(t, 0.2, false))
	corrected := centreMSE(want, deliverSmoothFrame(t, 0.2, true))
	assert.Greater(t, distorted, 0.5, "k1 moves pixels")
	assert.Less(t, corrected*4, distorted, "correction restores most of the geometry")
}

func TestTriggerFromSink(t *testing.T) {
	h := newHarness(t, cpu.Options{})

	h.sink.onDeliver = func(out OutputData) {
		assert.Equal(t, Delivering, h.orch.State())
		if out.Sequence < 3 {
			assert.NoError(t, h.orch.Trigger())
		}
	}

	require.NoError(t, h.orch.Trigger())
	h.orch.Tick()
	assert.Len(t, h.sink.frames, 1)
	assert.Equal(t, ReadbackPending, h.orch.State(), "request from the sink starts on the same tick")

	h.drain(t)
	require.Len(t, h.sink.frames, 3)
	assert.Equal(t, uint64(3), h.sink.frames[2].Sequence)
}

func TestLogsCarrySensorID(t *testing.T) {
	h := newHarness(t, cpu.Options{})
	require.NoError(t, h.orch.Trigger())
	h.orch.Tick()

	entries := h.hook.AllEntries()
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, h.orch.ID().String(), e.Data["sensor"], e.Message)
	}
}
