package consensus

import (
	"fmt"
	"net"
	"time"
)

// Relay is a single consensus entry: fingerprint, nickname, primary address,
// flags, and (once joined with its descriptor) an exit policy. Materialized
// once at load time and immutable afterward.
type Relay struct {
	Nickname    string
	Fingerprint string // 40-hex digest
	Address     string
	ORPort      int
	DirPort     int
	Flags       []string
	Published   time.Time
	Policy      ExitPolicy
}

// HasFlag checks if a relay has a specific consensus flag.
func (r *Relay) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// IsExit returns true if the relay carries the EXIT flag.
func (r *Relay) IsExit() bool { return r.HasFlag("Exit") }

// IsBadExit returns true if the relay carries the BADEXIT flag.
func (r *Relay) IsBadExit() bool { return r.HasFlag("BadExit") }

// IsRunning returns true if the relay carries the RUNNING flag.
func (r *Relay) IsRunning() bool { return r.HasFlag("Running") }

// IsStable returns true if the relay carries the STABLE flag.
func (r *Relay) IsStable() bool { return r.HasFlag("Stable") }

// IsGuard returns true if the relay carries the GUARD flag.
func (r *Relay) IsGuard() bool { return r.HasFlag("Guard") }

// IsValid returns true if the relay carries the VALID flag.
func (r *Relay) IsValid() bool { return r.HasFlag("Valid") }

// String returns a human-readable identifier for logging.
func (r *Relay) String() string {
	return fmt.Sprintf("%s (%s:%d)", r.Nickname, r.Address, r.ORPort)
}

// MetricsURL returns the relay's page on Tor Metrics, the external
// dashboard a ProbeResult's exiturl field links to (spec §3).
func (r *Relay) MetricsURL() string {
	return fmt.Sprintf("https://metrics.torproject.org/rs.html#details/%s", r.Fingerprint)
}

// PolicyAction is either accept or reject.
type PolicyAction int

const (
	// PolicyAccept means the rule's (address, port) range is forwarded.
	PolicyAccept PolicyAction = iota
	// PolicyReject means the rule's (address, port) range is refused.
	PolicyReject
)

// PolicyRule is one ordered accept/reject rule over an address pattern and
// a port range, e.g. "accept *:80" or "reject 10.0.0.0/8:*".
type PolicyRule struct {
	Action  PolicyAction
	Network *net.IPNet // nil means "*" (match any address)
	PortLo  int        // 0 means "*" (match any port) together with PortHi == 0
	PortHi  int
}

// Matches reports whether the rule's address/port pattern covers (ip, port).
func (rule *PolicyRule) Matches(ip net.IP, port int) bool {
	if rule.Network != nil && !rule.Network.Contains(ip) {
		return false
	}
	if rule.PortLo == 0 && rule.PortHi == 0 {
		return true
	}
	return port >= rule.PortLo && port <= rule.PortHi
}

// ExitPolicy is a relay's ordered accept/reject rule list, as declared in
// its descriptor. The first matching rule wins; if no rule matches, the
// implicit default is reject (per the real Tor directory specification).
type ExitPolicy struct {
	Rules []PolicyRule
}

// Accepts implements can_exit_to(ip, port): walks the ordered rule list and
// returns true iff the first matching rule is an accept rule.
func (p ExitPolicy) Accepts(ip net.IP, port int) bool {
	for _, rule := range p.Rules {
		if rule.Matches(ip, port) {
			return rule.Action == PolicyAccept
		}
	}
	return false
}
