package controller

import (
	"fmt"
	"strconv"
	"strings"
)

// CircuitEvent is a parsed "650 CIRC ..." control-protocol line. Field
// layout mirrors the teacher's own CircuitEvent type (originally used to
// format outgoing events for its control-protocol server); here it is
// populated by parsing an incoming raw line from a real Tor process
// instead.
type CircuitEvent struct {
	CircuitID string
	Status    string // LAUNCHED, BUILT, EXTENDED, FAILED, CLOSED
	Path      string
	Reason    string // set on FAILED/CLOSED
}

// StreamEvent is a parsed "650 STREAM ..." control-protocol line.
type StreamEvent struct {
	StreamID  string
	Status    string // NEW, NEWRESOLVE, REMAP, SUCCEEDED, FAILED, CLOSED, DETACHED
	CircuitID string
	Target    string // host:port
	Reason    string
	SourceAddr string // SOURCE_ADDR=ip:port, when present
}

// parseCircuitEvent parses a raw "650 CIRC <id> <status> ..." line.
// Trailing KEY=VALUE fields (PATH, REASON, BUILD_FLAGS, PURPOSE, ...) are
// scanned for the ones this scanner cares about; unrecognized fields are
// ignored, matching Tor's forward-compatible event grammar.
func parseCircuitEvent(line string) (*CircuitEvent, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[0] != "650" || fields[1] != "CIRC" {
		return nil, fmt.Errorf("not a CIRC event: %q", line)
	}

	ev := &CircuitEvent{
		CircuitID: fields[2],
		Status:    fields[3],
	}

	for _, field := range fields[4:] {
		switch {
		case strings.HasPrefix(field, "REASON="):
			ev.Reason = strings.TrimPrefix(field, "REASON=")
		case strings.Contains(field, "~") || strings.Contains(field, ","):
			if ev.Path == "" {
				ev.Path = field
			}
		}
	}

	return ev, nil
}

// parseStreamEvent parses a raw "650 STREAM <id> <status> <circid> <target> ..." line.
func parseStreamEvent(line string) (*StreamEvent, error) {
	fields := strings.Fields(line)
	if len(fields) < 6 || fields[0] != "650" || fields[1] != "STREAM" {
		return nil, fmt.Errorf("not a STREAM event: %q", line)
	}

	ev := &StreamEvent{
		StreamID:  fields[2],
		Status:    fields[3],
		CircuitID: fields[4],
		Target:    fields[5],
	}

	for _, field := range fields[6:] {
		switch {
		case strings.HasPrefix(field, "REASON="):
			ev.Reason = strings.TrimPrefix(field, "REASON=")
		case strings.HasPrefix(field, "SOURCE_ADDR="):
			ev.SourceAddr = strings.TrimPrefix(field, "SOURCE_ADDR=")
		}
	}

	return ev, nil
}

// firstHopFingerprint extracts the first hop's fingerprint from a BUILT
// event's comma-separated path field, of the form
// "$AAAA...~nick1,$BBBB...~nick2". Returns "" if Path is empty or
// malformed, matching the original's circ_event.path[0][0] lookup
// (eventhandler.new_circuit).
func (e *CircuitEvent) firstHopFingerprint() string {
	if e.Path == "" {
		return ""
	}
	hops := strings.Split(e.Path, ",")
	first := strings.TrimPrefix(hops[0], "$")
	if idx := strings.Index(first, "~"); idx >= 0 {
		first = first[:idx]
	}
	return first
}

// sourcePort extracts the local port number from a STREAM event's
// SOURCE_ADDR=ip:port field, which is how the control protocol reports the
// SOCKS client's local source port for NEW/NEWRESOLVE streams — the same
// port the SOCKS-intercept layer observed on its side of the same
// connection, and the correlation key the Attacher matches on.
func (e *StreamEvent) sourcePort() (int, bool) {
	if e.SourceAddr == "" {
		return 0, false
	}
	idx := strings.LastIndex(e.SourceAddr, ":")
	if idx < 0 {
		return 0, false
	}
	port, err := strconv.Atoi(e.SourceAddr[idx+1:])
	if err != nil {
		return 0, false
	}
	return port, true
}
