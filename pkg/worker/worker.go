// Package worker implements the Probe Worker lifecycle (spec §4.4): one
// isolated unit of execution per built circuit, running a single probe
// module's measurement against a single exit relay under a hard deadline.
//
// Per the redesign notes (spec §9), isolation here means a goroutine with
// an injected I/O façade and panic recovery plus a watchdog goroutine that
// enforces the hard timeout — not a re-exec'd OS process. A probe module
// that ignores context cancellation cannot be killed outright (Go has no
// safe way to force-terminate a goroutine), but the watchdog still reports
// the relay as hard_timeout and moves on rather than blocking the run.
package worker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/go-exitmap/pkg/consensus"
	"github.com/opd-ai/go-exitmap/pkg/logger"
	"github.com/opd-ai/go-exitmap/pkg/metrics"
	"github.com/opd-ai/go-exitmap/pkg/probe"
	"github.com/opd-ai/go-exitmap/pkg/registry"
	"github.com/opd-ai/go-exitmap/pkg/selector"
	"github.com/opd-ai/go-exitmap/pkg/socksintercept"
)

// ResultFunc persists one relay's probe outcome, e.g. to the Result Sink.
type ResultFunc func(circuitID string, relay *consensus.Relay, outcome probe.Outcome)

// CompleteFunc reports a circuit's Probe Worker as finished to the
// Statistics & Circuit Registry, regardless of whether it succeeded, erred,
// or hit the hard timeout.
type CompleteFunc func(circuitID string)

// Pool runs Probe Workers for a single scan module.
type Pool struct {
	module      probe.Module
	hardTimeout time.Duration
	socksAddr   string
	log         *logger.Logger
	metrics     *metrics.Metrics
	onResult    ResultFunc
	onComplete  CompleteFunc
}

// New creates a Pool bound to one probe module for the life of a scan run.
func New(module probe.Module, hardTimeout time.Duration, socksAddr string, log *logger.Logger, m *metrics.Metrics, onResult ResultFunc, onComplete CompleteFunc) *Pool {
	return &Pool{
		module:      module,
		hardTimeout: hardTimeout,
		socksAddr:   socksAddr,
		log:         log.Component("worker"),
		metrics:     m,
		onResult:    onResult,
		onComplete:  onComplete,
	}
}

// Spawn launches the Probe Worker for a single built circuit. It returns
// immediately; the probe runs in its own goroutine and reports through
// onResult/onComplete when it finishes, errors, or hits the hard timeout.
func (p *Pool) Spawn(pending registry.PendingCircuit, relay *consensus.Relay, destinations []selector.Destination, attachHook socksintercept.AttachHook) {
	p.metrics.ProbesStarted.Inc()
	go p.run(pending, relay, destinations, attachHook)
}

func (p *Pool) run(pending registry.PendingCircuit, relay *consensus.Relay, destinations []selector.Destination, attachHook socksintercept.AttachHook) {
	start := time.Now()
	relayLog := p.log.Relay(relay.Fingerprint).Circuit(pending.CircuitID)

	defer p.onComplete(pending.CircuitID)

	ctx, cancel := context.WithTimeout(context.Background(), p.hardTimeout)
	defer cancel()

	var connMu sync.Mutex
	var activeConn net.Conn
	var closedByWatchdog bool

	pctx := probe.Context{
		Exit:         relay,
		FirstHopFP:   pending.FirstHopFP,
		Destinations: destinations,
		CircuitID:    pending.CircuitID,
		SocksAddr:    p.socksAddr,
		AttachHook:   attachHook,
		Log:          relayLog,
		RegisterConn: func(conn net.Conn) {
			connMu.Lock()
			defer connMu.Unlock()
			activeConn = conn
		},
	}

	outcomeCh := make(chan probe.Outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				relayLog.Error("probe module panicked", "panic", r)
				outcomeCh <- probe.Outcome{
					Status:      "exception",
					Fingerprint: relay.Fingerprint,
					Nickname:    relay.Nickname,
				}
			}
		}()

		outcomeCh <- p.module.Probe(ctx, pctx)
	}()

	select {
	case outcome := <-outcomeCh:
		p.metrics.RecordProbe(time.Since(start))
		p.onResult(pending.CircuitID, relay, outcome)

	case <-ctx.Done():
		p.metrics.ProbesTerminated.Inc()
		relayLog.Warn("probe hit hard timeout")

		connMu.Lock()
		if activeConn != nil {
			activeConn.Close()
			closedByWatchdog = true
		}
		connMu.Unlock()
		if closedByWatchdog {
			relayLog.Warn("watchdog force-closed SOCKS connection")
		}

		elapsed := time.Since(start)
		var outcome probe.Outcome
		if tp, ok := p.module.(probe.TimeoutOutcomeProvider); ok {
			outcome = tp.TimeoutOutcome(pctx, elapsed)
		} else {
			outcome = probe.Outcome{
				Status:      "hard_timeout",
				Fingerprint: relay.Fingerprint,
				Nickname:    relay.Nickname,
			}
		}
		p.onResult(pending.CircuitID, relay, outcome)
	}
}
