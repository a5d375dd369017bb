// Package registry implements the Statistics & Circuit Registry (spec §4.7,
// §3): the mutex-guarded bookkeeping table that tracks in-flight circuits
// from construction request through resolution and completion, and
// accumulates the run-level counters used for the termination predicate and
// the final summary.
package registry

import (
	"sync"
	"time"
)

// CircuitFailureReasons maps the raw CIRC FAILED/CLOSED reason token Tor
// reports to a friendly, stable token for logging and result aggregation.
// Grounded on the friendly-reason mapping table from spec §7; unrecognized
// raw reasons fall back to "circuit_failed".
var CircuitFailureReasons = map[string]string{
	"TIMEOUT":             "circuit_timeout",
	"CONNECTFAILED":       "relay_connect_failed",
	"NOPATH":              "circuit_no_path",
	"RESOURCELIMIT":       "relay_resource_limit",
	"HIBERNATING":         "relay_hibernating",
	"DESTROYED":           "circuit_destroyed",
	"FINISHED":            "circuit_finished",
	"OR_CONN_CLOSED":      "relay_connection_closed",
	"CHANNEL_CLOSED":      "channel_closed",
	"IOERROR":             "io_error",
	"TORPROTOCOL":         "tor_protocol_error",
	"INTERNAL":            "tor_internal_error",
	"REQUESTED":           "circuit_requested",
	"NOSUCHSERVICE":       "no_such_service",
	"MEASUREMENT_EXPIRED": "measurement_expired",
	"GUARD_LIMIT":         "guard_limit",
	"CIRCUIT_CREATION":    "circuit_creation_failed",
}

// FriendlyFailureReason maps a raw Tor reason token to its stable friendly
// name, falling back to "circuit_failed" for anything unrecognized.
func FriendlyFailureReason(raw string) string {
	if friendly, ok := CircuitFailureReasons[raw]; ok {
		return friendly
	}
	return "circuit_failed"
}

// PendingCircuit tracks a circuit from construction request through its
// Probe Worker's completion (spec §3's `{circuit_id -> (first_hop_fp,
// exit_fp, created_at)}`). It stays in the Registry's table (Built set
// true) after a successful CIRC BUILT so later CLOSED events for the same
// circuit id are recognized as ordinary teardown rather than re-reported
// as immediate failures.
type PendingCircuit struct {
	CircuitID   string
	Fingerprint string
	FirstHopFP  string
	CreatedAt   time.Time
	Built       bool
}

// FailedCircuitRelay is one entry of spec §3's `failed_circuit_relays`
// map: the friendly and raw forms of a circuit's failure reason, the first
// hop it was (or would have been) built through, and when it was recorded.
type FailedCircuitRelay struct {
	ReasonKey       string
	FriendlyMessage string
	RawReason       string
	FirstHopFP      string
	Timestamp       time.Time
}

// Statistics accumulates the run-level counters spec §3/§8 (P2) define.
type Statistics struct {
	TotalCircuits       int
	SuccessfulCircuits  int
	FailedCircuits      int
	FinishedStreams     int
	FailedCircuitRelays map[string]FailedCircuitRelay // exit fp (or UNRESOLVED_<cid>) -> failure record
}

// Registry is the statistics and circuit table. Its mutating methods are
// called from the Controller Event Loop, the orchestrator's circuit-build
// loop (RegisterCircuit) and Probe Worker goroutines (CompleteCircuit);
// every method takes the mutex, so writes are serialized and read-only
// callers observe consistent state.
type Registry struct {
	mu sync.Mutex

	pending map[string]PendingCircuit // circuit id -> pending entry
	stats   Statistics
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		pending: make(map[string]PendingCircuit),
		stats: Statistics{
			FailedCircuitRelays: make(map[string]FailedCircuitRelay),
		},
	}
}

// RegisterCircuit records a newly requested circuit as pending and bumps
// total_circuits. firstHopFP is the pinned/chosen first hop if known at
// request time ("" when Tor is left to pick one at random); BUILT's
// reported path is the authoritative source and overwrites it in
// ResolveCircuit.
func (r *Registry) RegisterCircuit(circuitID, fingerprint, firstHopFP string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.TotalCircuits++
	r.pending[circuitID] = PendingCircuit{
		CircuitID:   circuitID,
		Fingerprint: fingerprint,
		FirstHopFP:  firstHopFP,
		CreatedAt:   time.Now(),
	}
}

// RecordImmediateFailure handles a CIRC FAILED/CLOSED event for a circuit
// that never reached BUILT. It removes the pending entry (if any), bumps
// failed_circuits, and records the failure against the circuit's exit
// fingerprint (spec §3's failed_circuit_relays is keyed by exit relay, not
// circuit id), or a synthetic UNRESOLVED_<cid> key if the circuit id was
// never registered (e.g. a failure reported before our own register call
// returned).
func (r *Registry) RecordImmediateFailure(circuitID, rawReason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	friendly := FriendlyFailureReason(rawReason)
	r.stats.FailedCircuits++

	entry, ok := r.pending[circuitID]
	key := entry.Fingerprint
	if !ok || key == "" {
		key = "UNRESOLVED_" + circuitID
	}
	delete(r.pending, circuitID)
	r.stats.FailedCircuitRelays[key] = FailedCircuitRelay{
		ReasonKey:       friendly,
		FriendlyMessage: friendly,
		RawReason:       rawReason,
		FirstHopFP:      entry.FirstHopFP,
		Timestamp:       time.Now(),
	}
}

// ResolveCircuit handles a CIRC BUILT event: it bumps successful_circuits,
// records the first hop reported in the built path (pathFirstHop, the
// authoritative source per spec §9 even when a first hop was pinned), and
// returns the pending entry so the caller can spawn the matching Probe
// Worker. The pending entry remains in the table (keyed by circuit id)
// until CompleteCircuit is called, so stream attach lookups can still find
// it.
func (r *Registry) ResolveCircuit(circuitID, pathFirstHop string) (PendingCircuit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.pending[circuitID]
	if !ok {
		return PendingCircuit{}, false
	}
	r.stats.SuccessfulCircuits++
	entry.Built = true
	if pathFirstHop != "" {
		entry.FirstHopFP = pathFirstHop
	}
	r.pending[circuitID] = entry
	return entry, true
}

// CompleteCircuit handles the Probe Worker's completion token: it bumps
// finished_streams and removes the circuit's pending entry.
func (r *Registry) CompleteCircuit(circuitID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.FinishedStreams++
	delete(r.pending, circuitID)
}

// Lookup returns the pending entry for a circuit id without mutating state,
// for stream-to-circuit correlation in the event loop.
func (r *Registry) Lookup(circuitID string) (PendingCircuit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.pending[circuitID]
	return entry, ok
}

// PendingCount returns the number of circuits still awaiting resolution or
// completion, for health checks and the max-pending-circuits gate.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Snapshot returns a copy of the current statistics.
func (r *Registry) Snapshot() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	relays := make(map[string]FailedCircuitRelay, len(r.stats.FailedCircuitRelays))
	for k, v := range r.stats.FailedCircuitRelays {
		relays[k] = v
	}

	return Statistics{
		TotalCircuits:       r.stats.TotalCircuits,
		SuccessfulCircuits:  r.stats.SuccessfulCircuits,
		FailedCircuits:      r.stats.FailedCircuits,
		FinishedStreams:     r.stats.FinishedStreams,
		FailedCircuitRelays: relays,
	}
}

// CircuitsDone reports whether every requested circuit has either built
// successfully or failed (spec §4.3's circs_done predicate).
func (r *Registry) CircuitsDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats.SuccessfulCircuits+r.stats.FailedCircuits == r.stats.TotalCircuits
}

// StreamsDone reports whether every successfully built circuit has reported
// a finished stream. Corrected per spec §9's Open Question: the original
// predicate (finished_streams >= successful_circuits - failed_circuits)
// could fire early whenever any circuit failed; the right comparison is
// against successful_circuits alone, since finished_streams only increments
// for circuits that built (and therefore got a Probe Worker) in the first
// place.
func (r *Registry) StreamsDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats.FinishedStreams == r.stats.SuccessfulCircuits
}

// Finished reports whether the scan run has no more work to do: every
// circuit has been decided and every successful one has finished its
// stream (spec §4.3, P6).
func (r *Registry) Finished() bool {
	return r.CircuitsDone() && r.StreamsDone()
}
