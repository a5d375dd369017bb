// Package attacher implements the Attacher (spec §4.2): the single
// atomic race/join point where a circuit's identity (known from the control
// event loop) and a stream's local SOCKS source port (known from the
// SOCKS-intercept layer) are matched up, whichever arrives first. It holds
// no per-slot timers — a slot simply never resolves if its counterpart
// never shows up, and is abandoned when the owning Probe Worker exits.
package attacher

import "sync"

// slot is whichever half of a (circuit id, stream id) pairing arrived
// first for a given local port.
type slot struct {
	circuitID string
	streamID  string
}

// Attacher matches STREAM events to the circuit that should carry them,
// keyed on the stream's local SOCKS source port — the only value both the
// control event loop (which knows circuit ids) and the SOCKS-intercept
// layer (which knows local ports) share.
type Attacher struct {
	mu    sync.Mutex
	slots map[int]slot
}

// New creates an empty Attacher.
func New() *Attacher {
	return &Attacher{slots: make(map[int]slot)}
}

// PrepareCircuit records that circuitID is waiting for a stream to attach
// to it at the given local port. If a stream already arrived for this port,
// it returns that stream's id and completes the attach (removing the slot);
// otherwise it registers the circuit side and waits for PrepareStream.
func (a *Attacher) PrepareCircuit(port int, circuitID string) (streamID string, ready bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, ok := a.slots[port]
	if ok && existing.streamID != "" {
		delete(a.slots, port)
		return existing.streamID, true
	}

	a.slots[port] = slot{circuitID: circuitID}
	return "", false
}

// PrepareStream records that streamID arrived on the given local port. If a
// circuit already claimed this port, it returns that circuit's id and
// completes the attach (removing the slot); otherwise it registers the
// stream side and waits for PrepareCircuit.
func (a *Attacher) PrepareStream(port int, streamID string) (circuitID string, ready bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, ok := a.slots[port]
	if ok && existing.circuitID != "" {
		delete(a.slots, port)
		return existing.circuitID, true
	}

	a.slots[port] = slot{streamID: streamID}
	return "", false
}

// Abandon removes any pending slot for a port, e.g. when a Probe Worker is
// killed before its stream ever attached. Stale slots are otherwise never
// reaped proactively — they simply sit unresolved, which is harmless since
// ports are a bounded, reused resource and a new PrepareCircuit/PrepareStream
// call for the same port overwrites the stale entry with a fresh one where
// appropriate (the old circuit and a future circuit never share a port
// concurrently in practice).
func (a *Attacher) Abandon(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.slots, port)
}

// Pending returns the number of unresolved slots, for diagnostics.
func (a *Attacher) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}
