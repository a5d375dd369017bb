// Package orchestrator implements the Orchestrator (spec §4.3, §6): the
// top-level driver that loads configuration, starts the overlay client,
// loads the consensus, selects exit candidates, builds one circuit per
// candidate (respecting the redundancy and pacing settings), and runs the
// Controller Event Loop until the scan finishes or the grace window
// expires.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/go-exitmap/pkg/attacher"
	"github.com/opd-ai/go-exitmap/pkg/bine"
	"github.com/opd-ai/go-exitmap/pkg/config"
	"github.com/opd-ai/go-exitmap/pkg/consensus"
	"github.com/opd-ai/go-exitmap/pkg/controller"
	"github.com/opd-ai/go-exitmap/pkg/errors"
	"github.com/opd-ai/go-exitmap/pkg/health"
	"github.com/opd-ai/go-exitmap/pkg/logger"
	"github.com/opd-ai/go-exitmap/pkg/metrics"
	"github.com/opd-ai/go-exitmap/pkg/probe"
	"github.com/opd-ai/go-exitmap/pkg/registry"
	"github.com/opd-ai/go-exitmap/pkg/resultsink"
	"github.com/opd-ai/go-exitmap/pkg/selector"
	"github.com/opd-ai/go-exitmap/pkg/socksintercept"
	"github.com/opd-ai/go-exitmap/pkg/worker"
)

// Orchestrator wires every component together for a single scan run.
type Orchestrator struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Metrics

	consensusMu    sync.Mutex
	consensusStats health.ConsensusStats
}

// New creates an Orchestrator for the given configuration.
func New(cfg *config.Config, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		log:     log.Component("orchestrator"),
		metrics: metrics.New(),
	}
}

// Metrics exposes the run's metrics instance, e.g. for an HTTP metrics server.
func (o *Orchestrator) Metrics() *metrics.Metrics { return o.metrics }

// ConsensusStats reports the most recently loaded consensus's size and age,
// for the Consensus Health Checker (spec §4.8). Before a run's first
// successful load it reports a zero-value ConsensusStats.
func (o *Orchestrator) ConsensusStats() health.ConsensusStats {
	o.consensusMu.Lock()
	defer o.consensusMu.Unlock()
	return o.consensusStats
}

// Run executes a complete scan: connect, load consensus, select candidates,
// build circuits, run every configured module's probes, and write results.
// It returns the result directory and an error if the overlay connection,
// consensus load, result sink or exit selection fails; a module whose run
// fails is logged and does not make Run return an error.
func (o *Orchestrator) Run(ctx context.Context, runID string) (string, error) {
	client, err := bine.ConnectWithOptionsContext(ctx, &bine.Options{
		DataDirectory:      o.cfg.DataDir,
		MaxPendingCircuits: o.cfg.MaxPendingCircuits,
	})
	if err != nil {
		return "", errors.ConnectionError("start overlay client", err)
	}
	defer client.Close()

	loader := consensus.NewLoader(o.log)
	relays, err := loader.Load(client.DataDir())
	if err != nil {
		return "", err
	}
	o.recordConsensusStats(relays)

	sink, err := resultsink.New(o.cfg.AnalysisDir, runID, o.log)
	if err != nil {
		return "", err
	}

	sel := selector.New(o.cfg)
	reg := registry.New()
	att := attacher.New()

	destinations := o.resolveDestinations()

	candidates, err := sel.Select(relays, destinations)
	if err != nil {
		return sink.Dir(), err
	}
	o.log.Info("selected exit candidates", "count", len(candidates))

	for _, moduleName := range o.cfg.Modules {
		if err := o.runModule(ctx, moduleName, runID, client, reg, att, sink, candidates); err != nil {
			o.log.Error("module run failed", "module", moduleName, "error", err)
		}
	}

	return sink.Dir(), nil
}

// runModule drives one probe module across every selected candidate,
// respecting the redundancy (circuits per exit) and build pacing settings,
// then runs the Controller Event Loop until the module's circuits are all
// decided and their streams finished.
func (o *Orchestrator) runModule(ctx context.Context, moduleName string, runID string, client *bine.Client, reg *registry.Registry, att *attacher.Attacher, sink *resultsink.Sink, candidates []selector.Candidate) error {
	module, err := probe.New(moduleName)
	if err != nil {
		return err
	}
	if rc, ok := module.(probe.RunConfigurable); ok {
		rc.ConfigureRun(runID)
	}
	if err := module.Setup(ctx); err != nil {
		return fmt.Errorf("module %s setup: %w", moduleName, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var terminated atomic.Bool
	pool := worker.New(module, o.hardTimeout(module), client.SocksAddr(), o.log, o.metrics,
		func(circuitID string, relay *consensus.Relay, outcome probe.Outcome) {
			if err := sink.Write(moduleName, relay.Fingerprint, outcome); err != nil {
				o.log.Error("failed to write result", "circuit", circuitID, "error", err)
			}
		},
		func(circuitID string) {
			reg.CompleteCircuit(circuitID)
		},
	)

	byFingerprint := make(map[string]selector.Candidate, len(candidates))
	for _, cand := range candidates {
		byFingerprint[cand.Relay.Fingerprint] = cand
	}

	spawn := func(pending registry.PendingCircuit) {
		cand, ok := byFingerprint[pending.Fingerprint]
		if !ok {
			o.log.Warn("spawn for unknown fingerprint", "fingerprint", pending.Fingerprint)
			return
		}
		attachHook := func(localAddr string, localPort int) {
			if streamID, ready := att.PrepareCircuit(localPort, pending.CircuitID); ready {
				o.log.Debug("circuit pre-claimed stream", "circuit", pending.CircuitID, "stream", streamID)
			}
		}
		pool.Spawn(pending, cand.Relay, cand.Destinations, attachHook)
	}

	ctrl := controller.New(client.Control(), reg, att, spawn, func() { terminated.Store(true); cancel() }, o.cfg.GraceTimeout, o.log, o.metrics)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return ctrl.Run(gctx) })

	if err := o.buildCircuits(gctx, client, reg, candidates); err != nil {
		return err
	}

	err = g.Wait()
	module.Teardown(terminated.Load())
	return err
}

// buildCircuits requests one EXTENDCIRCUIT per candidate (times
// Redundancy), pacing requests by BuildDelay plus up to BuildJitter and capping
// concurrent pending circuits at MaxPendingCircuits.
func (o *Orchestrator) buildCircuits(ctx context.Context, client *bine.Client, reg *registry.Registry, candidates []selector.Candidate) error {
	firstHop := o.cfg.FixedFirstHop
	if firstHop == "" {
		firstHop = o.cfg.FirstHopFP
	}

	for _, cand := range candidates {
		for i := 0; i < o.cfg.Redundancy; i++ {
			for reg.PendingCount() >= o.cfg.MaxPendingCircuits {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(100 * time.Millisecond):
				}
			}

			path := cand.Relay.Fingerprint
			if firstHop != "" {
				path = firstHop + "," + path
			}

			resp, err := client.Control().SendRequest("EXTENDCIRCUIT 0 %s purpose=general", path)
			if err != nil {
				o.log.Warn("circuit request failed", "fingerprint", cand.Relay.Fingerprint, "error", err)
				continue
			}
			circuitID := parseCircuitID(resp.RawLines)
			reg.RegisterCircuit(circuitID, cand.Relay.Fingerprint, firstHop)

			if err := o.pace(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// pace sleeps BuildDelay plus up to BuildJitter between circuit requests,
// respecting context cancellation.
func (o *Orchestrator) pace(ctx context.Context) error {
	delay := o.cfg.BuildDelay
	if o.cfg.BuildJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(o.cfg.BuildJitter)))
	}
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// hardTimeout returns a module's own hard timeout when it implements
// probe.HardTimeoutProvider, falling back to a conservative default.
func (o *Orchestrator) hardTimeout(module probe.Module) time.Duration {
	if hp, ok := module.(probe.HardTimeoutProvider); ok {
		if d := hp.HardTimeout(); d > 0 {
			return d
		}
	}
	return 180 * time.Second
}

// recordConsensusStats updates the stats the Consensus Health Checker reads,
// called right after a consensus load succeeds.
func (o *Orchestrator) recordConsensusStats(relays map[string]*consensus.Relay) {
	exitCount := 0
	for _, r := range relays {
		if r.IsExit() {
			exitCount++
		}
	}

	o.consensusMu.Lock()
	o.consensusStats = health.ConsensusStats{
		LoadedAt:   time.Now(),
		RelayCount: len(relays),
		ExitCount:  exitCount,
	}
	o.consensusMu.Unlock()
}

// resolveDestinations translates the configured destination override into
// the Destination list the Selector filters exit policies against. Unless
// both DestHost and DestPort are set, it returns the placeholder 0.0.0.0:53.
func (o *Orchestrator) resolveDestinations() []selector.Destination {
	if o.cfg.DestHost != "" && o.cfg.DestPort != 0 {
		return []selector.Destination{{Host: o.cfg.DestHost, Port: o.cfg.DestPort}}
	}
	return []selector.Destination{{Host: "0.0.0.0", Port: 53}}
}

// parseCircuitID extracts the circuit id from an EXTENDCIRCUIT reply's raw
// lines, of the form "250 EXTENDED <id>".
func parseCircuitID(rawLines []string) string {
	if len(rawLines) == 0 {
		return ""
	}
	var id string
	fmt.Sscanf(rawLines[0], "250 EXTENDED %s", &id)
	return id
}
