package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openfluke/camsensor/compute"
)

func TestCountersSnapshot(t *testing.T) {
	c := NewCounters()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RenderRequested()
				c.StageDispatched(compute.StagePack)
			}
		}()
	}
	wg.Wait()

	c.Delivered()
	c.ReadbackCompleted()
	c.FrameDropped(DropBusy)
	c.FrameDropped(DropBusy)
	c.FrameDropped(DropTimeout)
	c.FrameDropped(DropReason(99))
	c.StageDispatched(compute.Stage(-1))

	s := c.Snapshot()
	assert.Equal(t, uint64(800), s.RenderRequested)
	assert.Equal(t, uint64(800), s.StagesDispatched["pack"])
	assert.Equal(t, uint64(0), s.StagesDispatched["sharpen"])
	assert.Len(t, s.StagesDispatched, len(compute.Stages))
	assert.Equal(t, uint64(1), s.Delivered)
	assert.Equal(t, uint64(1), s.ReadbackCompleted)
	assert.Equal(t, map[string]uint64{"busy": 2, "timeout": 1}, s.Dropped)
	assert.Equal(t, uint64(3), s.TotalDropped())
}

func TestStateAndReasonNames(t *testing.T) {
	assert.Equal(t, "readback_pending", ReadbackPending.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.Equal(t, "halted", DropHalted.String())
	assert.Equal(t, "unknown", DropReason(-1).String())
	assert.Equal(t, "drop", BusyDrop.String())
	assert.Equal(t, "defer", BusyDefer.String())
}
