package pipeline

import (
	"sync/atomic"

	"github.com/openfluke/camsensor/compute"
)

// DropReason says why a frame was not delivered.
type DropReason int

const (
	DropBusy DropReason = iota
	DropHalted
	DropRender
	DropDispatch
	DropReadback
	DropTimeout
	DropClosed
	numDropReasons
)

var dropNames = [...]string{"busy", "halted", "render", "dispatch", "readback", "timeout", "closed"}

func (r DropReason) String() string {
	if r < 0 || r >= numDropReasons {
		return "unknown"
	}
	return dropNames[r]
}

// Metrics receives the orchestrator's liveness counters. The orchestrator
// reports through these calls only; nothing reads them back for control flow.
type Metrics interface {
	RenderRequested()
	StageDispatched(stage compute.Stage)
	ReadbackCompleted()
	Delivered()
	FrameDropped(reason DropReason)
}

// Counters is a lock-free Metrics implementation. Snapshot may be called
// from any goroutine.
type Counters struct {
	renderRequested   atomic.Uint64
	stagesDispatched  [4]atomic.Uint64
	readbackCompleted atomic.Uint64
	delivered         atomic.Uint64
	dropped           [numDropReasons]atomic.Uint64
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters { return &Counters{} }

func (c *Counters) RenderRequested() { c.renderRequested.Add(1) }

func (c *Counters) StageDispatched(stage compute.Stage) {
	if stage >= 0 && int(stage) < len(c.stagesDispatched) {
		c.stagesDispatched[stage].Add(1)
	}
}

func (c *Counters) ReadbackCompleted() { c.readbackCompleted.Add(1) }
func (c *Counters) Delivered()         { c.delivered.Add(1) }

func (c *Counters) FrameDropped(reason DropReason) {
	if reason >= 0 && reason < numDropReasons {
		c.dropped[reason].Add(1)
	}
}

// MetricsSnapshot is a point-in-time copy of Counters.
type MetricsSnapshot struct {
	RenderRequested   uint64
	StagesDispatched  map[string]uint64
	ReadbackCompleted uint64
	Delivered         uint64
	Dropped           map[string]uint64
}

// TotalDropped sums drops over every reason.
func (s MetricsSnapshot) TotalDropped() uint64 {
	var n uint64
	for _, v := range s.Dropped {
		n += v
	}
	return n
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		RenderRequested:   c.renderRequested.Load(),
		StagesDispatched:  make(map[string]uint64, len(c.stagesDispatched)),
		ReadbackCompleted: c.readbackCompleted.Load(),
		Delivered:         c.delivered.Load(),
		Dropped:           make(map[string]uint64),
	}
	for i := range c.stagesDispatched {
		s.StagesDispatched[compute.Stage(i).String()] = c.stagesDispatched[i].Load()
	}
	for i := range c.dropped {
		if v := c.dropped[i].Load(); v > 0 {
			s.Dropped[DropReason(i).String()] = v
		}
	}
	return s
}

type nopMetrics struct{}

func (nopMetrics) RenderRequested()              {}
func (nopMetrics) StageDispatched(compute.Stage) {}
func (nopMetrics) ReadbackCompleted()            {}
func (nopMetrics) Delivered()                    {}
func (nopMetrics) FrameDropped(DropReason)       {}
