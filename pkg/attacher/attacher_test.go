package attacher

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrepareCircuitThenStream(t *testing.T) {
	a := New()

	streamID, ready := a.PrepareCircuit(5000, "circ-1")
	assert.False(t, ready)
	assert.Empty(t, streamID)
	assert.Equal(t, 1, a.Pending())

	circuitID, ready := a.PrepareStream(5000, "stream-9")
	assert.True(t, ready)
	assert.Equal(t, "circ-1", circuitID)
	assert.Equal(t, 0, a.Pending())
}

func TestPrepareStreamThenCircuit(t *testing.T) {
	a := New()

	circuitID, ready := a.PrepareStream(5001, "stream-1")
	assert.False(t, ready)
	assert.Empty(t, circuitID)

	streamID, ready := a.PrepareCircuit(5001, "circ-2")
	assert.True(t, ready)
	assert.Equal(t, "stream-1", streamID)
	assert.Equal(t, 0, a.Pending())
}

// TestPrepareRaceIsAtomic exercises spec P1: whichever of PrepareCircuit or
// PrepareStream arrives second for a given port always completes exactly
// once, with no lost or duplicated attach.
func TestPrepareRaceIsAtomic(t *testing.T) {
	const rounds = 500
	for i := 0; i < rounds; i++ {
		a := New()
		port := 6000 + i

		var wg sync.WaitGroup
		var circuitResult, streamResult struct {
			id    string
			ready bool
		}

		wg.Add(2)
		go func() {
			defer wg.Done()
			id, ready := a.PrepareCircuit(port, "circ")
			circuitResult.id, circuitResult.ready = id, ready
		}()
		go func() {
			defer wg.Done()
			id, ready := a.PrepareStream(port, "stream")
			streamResult.id, streamResult.ready = id, ready
		}()
		wg.Wait()

		// Exactly one side observes the join (ready=true); the other
		// registered first and never resolves on its own.
		readyCount := 0
		if circuitResult.ready {
			readyCount++
			assert.Equal(t, "stream", circuitResult.id)
		}
		if streamResult.ready {
			readyCount++
			assert.Equal(t, "circ", streamResult.id)
		}
		assert.Equal(t, 1, readyCount, "exactly one side must observe the completed attach")
		assert.Equal(t, 0, a.Pending(), "the slot must be fully consumed after the race resolves")
	}
}

func TestAbandonRemovesPendingSlot(t *testing.T) {
	a := New()
	a.PrepareCircuit(7000, "circ-3")
	assert.Equal(t, 1, a.Pending())

	a.Abandon(7000)
	assert.Equal(t, 0, a.Pending())

	// A stream arriving after abandonment finds nothing waiting.
	circuitID, ready := a.PrepareStream(7000, "stream-late")
	assert.False(t, ready)
	assert.Empty(t, circuitID)
}

func TestDistinctPortsDoNotInterfere(t *testing.T) {
	a := New()
	a.PrepareCircuit(1, "circ-a")
	a.PrepareCircuit(2, "circ-b")
	assert.Equal(t, 2, a.Pending())

	circuitID, ready := a.PrepareStream(2, "stream-b")
	assert.True(t, ready)
	assert.Equal(t, "circ-b", circuitID)
	assert.Equal(t, 1, a.Pending())
}
