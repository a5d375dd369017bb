// Package selector implements the Exit Selector (spec §4.1): it narrows the
// loaded consensus down to the candidate exit relays a scan run will build
// circuits through, applying flag, country, and explicit-fingerprint
// criteria plus per-candidate exit-policy filtering against each probe
// module's declared destinations.
package selector

import (
	"math/rand"
	"net"

	"github.com/opd-ai/go-exitmap/pkg/config"
	"github.com/opd-ai/go-exitmap/pkg/consensus"
	"github.com/opd-ai/go-exitmap/pkg/errors"
)

// Destination is a single (host, port) pair a probe module needs to reach
// through its assigned exit relay.
type Destination struct {
	Host string
	Port int
}

// Candidate is a selected exit relay paired with the subset of a module's
// destinations it is actually willing to carry, per its exit policy.
type Candidate struct {
	Relay        *consensus.Relay
	Destinations []Destination
}

// Selector narrows a loaded consensus to usable exit candidates.
type Selector struct {
	cfg *config.Config
}

// New creates a Selector bound to the given scan configuration.
func New(cfg *config.Config) *Selector {
	return &Selector{cfg: cfg}
}

// Select runs the full Exit Selector algorithm (spec §4.1) against relays,
// filtering each candidate's destinations through its exit policy and
// dropping any candidate left with no reachable destination. Returns a
// CategorySelection error (errors.SelectionError) if the resulting
// candidate list is empty.
func (s *Selector) Select(relays map[string]*consensus.Relay, destinations []Destination) ([]Candidate, error) {
	base := s.baseSet(relays)

	var candidates []Candidate
	for _, relay := range base {
		reachable := s.filterDestinations(relay, destinations)
		if len(reachable) == 0 {
			continue
		}
		candidates = append(candidates, Candidate{Relay: relay, Destinations: reachable})
	}

	if len(candidates) == 0 {
		return nil, errors.SelectionError("no candidate exit relays remain after filtering")
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	return candidates, nil
}

// baseSet applies the flag, country, and explicit-fingerprint criteria,
// independent of per-destination exit-policy filtering.
func (s *Selector) baseSet(relays map[string]*consensus.Relay) []*consensus.Relay {
	var fpFilter map[string]bool
	if len(s.cfg.ExitFPList) > 0 {
		fpFilter = make(map[string]bool, len(s.cfg.ExitFPList))
		for _, fp := range s.cfg.ExitFPList {
			fpFilter[fp] = true
		}
	}

	var out []*consensus.Relay
	for _, relay := range relays {
		if !relay.IsRunning() || !relay.IsExit() {
			continue
		}

		switch s.cfg.ExitMode {
		case config.ExitModeBadOnly:
			if !relay.IsBadExit() {
				continue
			}
		case config.ExitModeAll:
			// no BADEXIT filtering
		default: // ExitModeGoodOnly
			if relay.IsBadExit() {
				continue
			}
		}

		if fpFilter != nil && !fpFilter[relay.Fingerprint] {
			continue
		}

		if s.cfg.Country != "" && !relayInCountry(relay, s.cfg.Country) {
			continue
		}

		out = append(out, relay)
	}
	return out
}

// filterDestinations returns the subset of destinations a relay's exit
// policy accepts, resolving each destination's host to an IP first.
func (s *Selector) filterDestinations(relay *consensus.Relay, destinations []Destination) []Destination {
	var reachable []Destination
	for _, dest := range destinations {
		ip := net.ParseIP(dest.Host)
		if ip == nil {
			ips, err := net.LookupIP(dest.Host)
			if err != nil || len(ips) == 0 {
				continue
			}
			ip = ips[0]
		}
		if relay.Policy.Accepts(ip, dest.Port) {
			reachable = append(reachable, dest)
		}
	}
	return reachable
}

// relayInCountry is a placeholder hook for GeoIP-based country filtering
// (-C CC). The consensus document itself carries no country data; a real
// deployment would consult a GeoIP database keyed on relay.Address. Without
// one wired in, country filtering degrades to "no relays match" rather than
// silently ignoring the flag.
func relayInCountry(relay *consensus.Relay, country string) bool {
	return false
}
