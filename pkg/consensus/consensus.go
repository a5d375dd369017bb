// Package consensus loads the Tor directory document and per-relay
// descriptors from Tor's own on-disk cache, producing a fingerprint-keyed
// map of Relay with flags and exit policy. The cache files
// (cached-consensus, cached-descriptors) are written by the Tor process
// itself once bootstrapped via pkg/bine — this package only parses them.
package consensus

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opd-ai/go-exitmap/pkg/errors"
	"github.com/opd-ai/go-exitmap/pkg/logger"
)

const (
	// maxMalformedEntryRate rejects a consensus if more than this percentage
	// of "r " entries fail to parse — a sign of a truncated or corrupt file
	// rather than a handful of unsupported relay lines.
	maxMalformedEntryRate = 10
)

// Loader parses consensus and descriptor cache files into a Relay map.
type Loader struct {
	logger *logger.Logger
}

// NewLoader creates a new consensus Loader.
func NewLoader(log *logger.Logger) *Loader {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Loader{logger: log.Component("consensus")}
}

// Load reads cached-consensus and cached-descriptors from dataDir and
// returns a fingerprint-keyed Relay map, joining each relay's exit policy
// from its descriptor when present.
func (l *Loader) Load(dataDir string) (map[string]*Relay, error) {
	consensusPath := filepath.Join(dataDir, "cached-consensus")
	f, err := os.Open(consensusPath)
	if err != nil {
		return nil, errors.DirectoryError("open cached-consensus", err)
	}
	defer f.Close()

	relays, err := l.parseConsensus(f)
	if err != nil {
		return nil, errors.DirectoryError("parse cached-consensus", err)
	}

	byFP := make(map[string]*Relay, len(relays))
	for _, r := range relays {
		byFP[r.Fingerprint] = r
	}

	descPath := filepath.Join(dataDir, "cached-descriptors")
	if df, err := os.Open(descPath); err == nil {
		defer df.Close()
		if err := l.parseDescriptors(df, byFP); err != nil {
			l.logger.Warn("failed to parse cached-descriptors", "error", err)
		}
	} else {
		l.logger.Warn("cached-descriptors not found; exit policies unavailable", "path", descPath)
	}

	l.logger.Info("loaded consensus", "relays", len(byFP))
	return byFP, nil
}

// parseConsensus scans a network-status document for "r " (router) and
// "s " (flags) lines. Grounded on the teacher's directory.go scanner-based
// parser, adapted to the local-file rather than HTTP-fetched document.
func (l *Loader) parseConsensus(r io.Reader) ([]*Relay, error) {
	var relays []*Relay
	scanner := bufio.NewScanner(r)
	// consensus lines can be long (base64 identity digests); grow the buffer.
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var current *Relay
	var totalEntries, malformed int

	flush := func() {
		if current != nil {
			relays = append(relays, current)
		}
	}

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "r "):
			totalEntries++
			flush()

			parts := strings.Fields(line)
			if len(parts) < 9 {
				malformed++
				current = nil
				l.logger.Debug("skipping malformed relay entry", "line", line)
				continue
			}

			current = &Relay{
				Nickname:    parts[1],
				Fingerprint: decodeFingerprint(parts[2]),
				Address:     parts[6],
			}
			if orport, err := strconv.Atoi(parts[7]); err == nil {
				current.ORPort = orport
			}
			if dirport, err := strconv.Atoi(parts[8]); err == nil {
				current.DirPort = dirport
			}

		case strings.HasPrefix(line, "s ") && current != nil:
			current.Flags = strings.Fields(line[2:])
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading consensus: %w", err)
	}

	if totalEntries > 0 {
		threshold := totalEntries * maxMalformedEntryRate / 100
		if malformed > threshold {
			return nil, fmt.Errorf("excessive malformed entries: %d/%d (>%d%%)", malformed, totalEntries, maxMalformedEntryRate)
		}
	}

	return relays, nil
}

// parseDescriptors scans cached-descriptors for "fingerprint"-identified
// blocks and attaches each relay's ExitPolicy. A block runs from a
// "fingerprint " line to the next such line (or EOF); "accept"/"reject"
// lines within it form the ordered policy rule list.
func (l *Loader) parseDescriptors(r io.Reader, byFP map[string]*Relay) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var current *Relay
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "fingerprint "):
			fp := decodeFingerprint(strings.Join(strings.Fields(line)[1:], ""))
			current = byFP[fp]

		case strings.HasPrefix(line, "accept ") || strings.HasPrefix(line, "reject "):
			if current == nil {
				continue
			}
			rule, err := parsePolicyRule(line)
			if err != nil {
				l.logger.Debug("skipping malformed policy rule", "line", line, "error", err)
				continue
			}
			current.Policy.Rules = append(current.Policy.Rules, rule)
		}
	}
	return scanner.Err()
}

// decodeFingerprint normalizes a consensus/descriptor fingerprint token
// (which may carry internal spaces from "FP AA BB CC ..." formatting) into
// a bare uppercase hex string.
func decodeFingerprint(token string) string {
	return strings.ToUpper(strings.ReplaceAll(token, " ", ""))
}

// parsePolicyRule parses one "accept|reject ADDRESS:PORT[-PORT]" line.
func parsePolicyRule(line string) (PolicyRule, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return PolicyRule{}, fmt.Errorf("malformed policy line: %q", line)
	}

	rule := PolicyRule{}
	if fields[0] == "accept" {
		rule.Action = PolicyAccept
	} else {
		rule.Action = PolicyReject
	}

	addrPort := fields[1]
	idx := strings.LastIndex(addrPort, ":")
	if idx < 0 {
		return PolicyRule{}, fmt.Errorf("malformed address:port %q", addrPort)
	}
	addr, portSpec := addrPort[:idx], addrPort[idx+1:]

	if addr != "*" {
		network, err := parseAddressPattern(addr)
		if err != nil {
			return PolicyRule{}, err
		}
		rule.Network = network
	}

	if portSpec != "*" {
		lo, hi, err := parsePortRange(portSpec)
		if err != nil {
			return PolicyRule{}, err
		}
		rule.PortLo, rule.PortHi = lo, hi
	}

	return rule, nil
}

func parseAddressPattern(addr string) (*net.IPNet, error) {
	if strings.Contains(addr, "/") {
		_, network, err := net.ParseCIDR(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", addr, err)
		}
		return network, nil
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("invalid address %q", addr)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

func parsePortRange(spec string) (int, int, error) {
	if idx := strings.Index(spec, "-"); idx >= 0 {
		lo, err := strconv.Atoi(spec[:idx])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid port range %q: %w", spec, err)
		}
		hi, err := strconv.Atoi(spec[idx+1:])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid port range %q: %w", spec, err)
		}
		return lo, hi, nil
	}
	port, err := strconv.Atoi(spec)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port %q: %w", spec, err)
	}
	return port, port, nil
}
