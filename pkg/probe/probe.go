// Package probe defines the capability interface every scan module
// implements (spec §4.4, §9: an explicit interface in place of the
// original's dynamic dispatch over a loosely-typed module object) and the
// registry scan modules register themselves into by name.
package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/go-exitmap/pkg/consensus"
	"github.com/opd-ai/go-exitmap/pkg/logger"
	"github.com/opd-ai/go-exitmap/pkg/selector"
	"github.com/opd-ai/go-exitmap/pkg/socksintercept"
)

// Context carries everything a Probe's Probe method needs to run one
// measurement against one exit relay: the relay itself, the destinations
// it's been cleared to reach, the SOCKS address to dial through, and a
// hook the probe's dialer must call immediately after connecting so the
// Attacher can pair the resulting stream to this circuit.
type Context struct {
	Exit         *consensus.Relay
	FirstHopFP   string
	Destinations []selector.Destination
	CircuitID    string
	SocksAddr    string
	AttachHook   socksintercept.AttachHook
	// RegisterConn, when set, is called with the just-dialed SOCKS
	// connection so the Probe Worker's hard-timeout watchdog can force it
	// closed and unblock a probe stuck in a blocking read (spec §9).
	RegisterConn func(net.Conn)
	Log          *logger.Logger
}

// Outcome is one probe's result for one relay, persisted by the Result
// Sink as a single JSON object (spec §3).
type Outcome struct {
	Status     string                 `json:"status"`
	Fingerprint string                `json:"fingerprint"`
	Nickname   string                 `json:"nickname"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// Module is the capability interface every probe implements.
type Module interface {
	// Name returns the module's registry name, e.g. "dnshealth".
	Name() string

	// Setup runs once before any relay is probed, e.g. to resolve the
	// module's own configured destinations. Returning an error aborts the run.
	Setup(ctx context.Context) error

	// Probe runs the module's measurement over one circuit. It must respect
	// ctx's deadline and return promptly when canceled.
	Probe(ctx context.Context, pctx Context) Outcome

	// Teardown runs once after the run finishes (or is forcibly
	// terminated); terminated is true if the Controller Event Loop's grace
	// window expired before every probe finished. A probe that hits its own
	// hard timeout does not set it.
	Teardown(terminated bool)
}

// RunConfigurable is implemented by modules that need to know the current
// run id, e.g. to stamp it into their result Extra fields. The orchestrator
// calls ConfigureRun once, right after instantiating the module, when a
// module implements this optional interface.
type RunConfigurable interface {
	ConfigureRun(runID string)
}

// HardTimeoutProvider is implemented by modules that need a non-default
// per-probe hard timeout (spec §4.4). The orchestrator consults this
// optional interface when building the module's worker pool, falling back
// to its own default when a module doesn't implement it.
type HardTimeoutProvider interface {
	HardTimeout() time.Duration
}

// TimeoutOutcomeProvider is implemented by modules that want to shape the
// Outcome recorded when the hard-timeout watchdog fires before Probe
// returns (spec §8 S6: latency_ms and attempt must still be populated),
// instead of the Probe Worker's bare fallback record.
type TimeoutOutcomeProvider interface {
	TimeoutOutcome(pctx Context, elapsed time.Duration) Outcome
}

var registry = make(map[string]func() Module)

// Register adds a module constructor to the global registry, normally
// called from a module package's init function.
func Register(name string, ctor func() Module) {
	registry[name] = ctor
}

// New instantiates a registered module by name.
func New(name string) (Module, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown probe module %q", name)
	}
	return ctor(), nil
}

// Names returns every registered module name, for CLI usage/help text.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
