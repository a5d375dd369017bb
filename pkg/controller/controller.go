// Package controller implements the Controller Event Loop (spec §4.3): the
// single goroutine that consumes CIRC and STREAM events from the overlay's
// control connection, drives the Statistics & Circuit Registry and the
// Attacher, spawns Probe Workers on successful circuit builds, and decides
// when the scan run has nothing left to do.
package controller

import (
	"context"
	"time"

	"github.com/cretz/bine/control"

	"github.com/opd-ai/go-exitmap/pkg/attacher"
	"github.com/opd-ai/go-exitmap/pkg/logger"
	"github.com/opd-ai/go-exitmap/pkg/metrics"
	"github.com/opd-ai/go-exitmap/pkg/registry"
)

// SpawnFunc launches the Probe Worker for a circuit that just finished
// building. It must not block the event loop — implementations spawn their
// own goroutine.
type SpawnFunc func(pending registry.PendingCircuit)

// Controller drives the event loop over a single scan run.
type Controller struct {
	conn     *control.Conn
	registry *registry.Registry
	attacher *attacher.Attacher
	spawn    SpawnFunc

	terminateStragglers func()

	graceTimeout time.Duration
	log          *logger.Logger
	metrics      *metrics.Metrics
}

// New creates a Controller bound to a control connection, the run's
// Registry and Attacher, a spawn callback, and a straggler-termination
// callback invoked if the grace window expires before every Probe Worker
// reports completion.
func New(conn *control.Conn, reg *registry.Registry, att *attacher.Attacher, spawn SpawnFunc, terminateStragglers func(), graceTimeout time.Duration, log *logger.Logger, m *metrics.Metrics) *Controller {
	return &Controller{
		conn:                 conn,
		registry:             reg,
		attacher:             att,
		spawn:                spawn,
		terminateStragglers:  terminateStragglers,
		graceTimeout:         graceTimeout,
		log:                  log.Component("controller"),
		metrics:              m,
	}
}

// Run subscribes to CIRC and STREAM events and processes them until either
// the run finishes naturally (every circuit decided, every successful
// circuit's stream finished) or ctx is canceled. It returns nil on normal
// completion, including completion forced by grace-window expiry.
func (c *Controller) Run(ctx context.Context) error {
	evCh := make(chan *control.Event, 128)
	if err := c.conn.AddEventListener(evCh, control.EventCodeCirc, control.EventCodeStream); err != nil {
		return err
	}
	defer c.conn.RemoveEventListener(evCh, control.EventCodeCirc, control.EventCodeStream)

	var graceTimer *time.Timer
	var graceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if graceTimer != nil {
				graceTimer.Stop()
			}
			return ctx.Err()

		case ev, ok := <-evCh:
			if !ok {
				return nil
			}
			c.dispatch(ev)

			if c.registry.Finished() {
				c.log.Info("scan run finished", "stats", c.registry.Snapshot())
				if graceTimer != nil {
					graceTimer.Stop()
				}
				return nil
			}
			if graceCh == nil && c.registry.CircuitsDone() {
				c.log.Info("all circuits decided, waiting for stragglers", "timeout", c.graceTimeout)
				graceTimer = time.NewTimer(c.graceTimeout)
				graceCh = graceTimer.C
			}

		case <-graceCh:
			c.log.Warn("grace window expired, forcing termination", "stats", c.registry.Snapshot())
			if c.terminateStragglers != nil {
				c.terminateStragglers()
			}
			return nil
		}
	}
}

// dispatch routes one control event's raw lines to the circuit or stream
// handler.
func (c *Controller) dispatch(ev *control.Event) {
	for _, raw := range ev.RawLines {
		switch ev.Type {
		case control.EventCodeCirc:
			c.handleCircuit(raw)
		case control.EventCodeStream:
			c.handleStream(raw)
		}
	}
}

func (c *Controller) handleCircuit(raw string) {
	ev, err := parseCircuitEvent(raw)
	if err != nil {
		c.log.Debug("unparsed circuit line", "line", raw)
		return
	}
	clog := c.log.Circuit(ev.CircuitID)

	switch ev.Status {
	case "BUILT":
		pending, ok := c.registry.ResolveCircuit(ev.CircuitID, ev.firstHopFingerprint())
		if !ok {
			clog.Warn("BUILT event for unregistered circuit")
			return
		}
		clog.Info("circuit built", "fingerprint", pending.Fingerprint, "first_hop", pending.FirstHopFP, "path", ev.Path)
		c.metrics.RecordCircuitBuild(true, 0)
		c.spawn(pending)

	case "FAILED":
		friendly := registry.FriendlyFailureReason(ev.Reason)
		c.registry.RecordImmediateFailure(ev.CircuitID, ev.Reason)
		clog.Warn("circuit failed", "reason", friendly, "raw_reason", ev.Reason)
		c.metrics.RecordCircuitBuild(false, 0)

	case "CLOSED":
		pending, known := c.registry.Lookup(ev.CircuitID)
		if known && pending.Built {
			clog.Debug("circuit closed after build", "reason", ev.Reason)
			return
		}
		friendly := registry.FriendlyFailureReason(ev.Reason)
		c.registry.RecordImmediateFailure(ev.CircuitID, ev.Reason)
		clog.Warn("circuit closed before building", "reason", friendly, "raw_reason", ev.Reason)
		c.metrics.RecordCircuitBuild(false, 0)

	default:
		clog.Debug("circuit event", "status", ev.Status)
	}
}

func (c *Controller) handleStream(raw string) {
	ev, err := parseStreamEvent(raw)
	if err != nil {
		c.log.Debug("unparsed stream line", "line", raw)
		return
	}

	switch ev.Status {
	case "NEW", "NEWRESOLVE":
		port, ok := ev.sourcePort()
		if !ok {
			c.log.Warn("stream event missing SOURCE_ADDR", "stream", ev.StreamID)
			return
		}

		circuitID, ready := c.attacher.PrepareStream(port, ev.StreamID)
		if !ready {
			c.log.Debug("stream waiting for circuit attach", "stream", ev.StreamID, "port", port)
			return
		}

		if _, err := c.conn.SendRequest("ATTACHSTREAM %s %s", ev.StreamID, circuitID); err != nil {
			c.log.Warn("failed to attach stream", "stream", ev.StreamID, "circuit", circuitID, "error", err)
			return
		}
		c.metrics.AttachesCompleted.Inc()
		c.log.Stream(ev.StreamID).Info("stream attached", "circuit", circuitID, "port", port)

	default:
		c.log.Debug("stream event", "stream", ev.StreamID, "status", ev.Status)
	}
}
