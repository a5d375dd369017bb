// Package config provides the scan configuration for the exit-relay scanner.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ExitMode selects which exit-flag population the Selector draws from.
type ExitMode string

const (
	// ExitModeGoodOnly selects only relays without the BADEXIT flag (default).
	ExitModeGoodOnly ExitMode = "good"
	// ExitModeBadOnly selects only relays carrying the BADEXIT flag.
	ExitModeBadOnly ExitMode = "bad"
	// ExitModeAll selects every RUNNING EXIT relay regardless of BADEXIT.
	ExitModeAll ExitMode = "all"
)

// Config holds every tunable the Orchestrator, Selector, and Probe Worker
// lifecycle need. It is built by applying, in increasing precedence: built-in
// defaults, a ScanProfile file (-f), environment variables, then CLI flags.
type Config struct {
	// Exit filter (mutually exclusive — Validate enforces this)
	Country        string   // -C
	FirstHopFP     string   // -i, pin first hop
	ExitMode       ExitMode // -b / -l / default good
	ExitFPList     []string // -e (comma-separated) or loaded from -E file
	ExitFPListFile string   // -E

	// Pacing
	BuildDelay  time.Duration // -d
	BuildJitter time.Duration // -n

	// Redundancy
	Redundancy int // -R, circuits per exit

	// Destination override
	DestHost string // -H
	DestPort int    // -p

	// Directories
	DataDir     string // -t, Tor client data directory
	AnalysisDir string // -a, result output directory

	// Modules to run
	Modules []string

	// Metrics HTTP exposition
	MetricsAddr string // -M / EXITMAP_METRICS_ADDR

	// Resource caps / timeouts, overridable by environment variables
	MaxPendingCircuits int           // MAX_PENDING_CIRCUITS
	ReliableFirstHop   bool          // RELIABLE_FIRST_HOP
	GraceTimeout       time.Duration // EXITMAP_GRACE_TIMEOUT
	FixedFirstHop      string        // EXITMAP_FIRST_HOP, overrides -i

	LogLevel string
}

// DefaultConfig returns the built-in defaults before any profile, env, or
// flag overrides are applied.
func DefaultConfig() *Config {
	return &Config{
		ExitMode:           ExitModeGoodOnly,
		BuildDelay:         0,
		BuildJitter:        0,
		Redundancy:         1,
		DestHost:           "",
		DestPort:           0,
		DataDir:            defaultDataDir(),
		AnalysisDir:        "./data",
		Modules:            nil,
		MetricsAddr:        "",
		MaxPendingCircuits: 128,
		ReliableFirstHop:   false,
		GraceTimeout:       10 * time.Second,
		LogLevel:           "info",
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.exitmap-go"
	}
	return "./.exitmap-go"
}

// ApplyEnv overlays environment-variable overrides onto cfg, per spec.md §6
// and SPEC_FULL.md §6's addition.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("MAX_PENDING_CIRCUITS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_PENDING_CIRCUITS: %w", err)
		}
		c.MaxPendingCircuits = n
	}
	if v := os.Getenv("RELIABLE_FIRST_HOP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RELIABLE_FIRST_HOP: %w", err)
		}
		c.ReliableFirstHop = b
	}
	if v := os.Getenv("EXITMAP_GRACE_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EXITMAP_GRACE_TIMEOUT: %w", err)
		}
		c.GraceTimeout = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("EXITMAP_FIRST_HOP"); v != "" {
		c.FixedFirstHop = v
	}
	if v := os.Getenv("EXITMAP_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	return nil
}

// Validate checks the configuration for internal consistency. It mirrors the
// mutual-exclusivity and range checks implied by spec.md §6's flag table.
func (c *Config) Validate() error {
	exclusive := 0
	if c.Country != "" {
		exclusive++
	}
	if len(c.ExitFPList) > 0 {
		exclusive++
	}
	if c.ExitFPListFile != "" {
		exclusive++
	}
	if exclusive > 1 {
		return fmt.Errorf("country, explicit fingerprint list, and fingerprint file are mutually exclusive")
	}

	switch c.ExitMode {
	case ExitModeGoodOnly, ExitModeBadOnly, ExitModeAll:
	default:
		return fmt.Errorf("invalid exit mode %q", c.ExitMode)
	}

	if c.Redundancy < 1 {
		return fmt.Errorf("redundancy must be >= 1, got %d", c.Redundancy)
	}
	if c.BuildDelay < 0 {
		return fmt.Errorf("build delay must be >= 0")
	}
	if c.BuildJitter < 0 {
		return fmt.Errorf("build jitter must be >= 0")
	}
	if c.MaxPendingCircuits < 1 {
		return fmt.Errorf("max pending circuits must be >= 1, got %d", c.MaxPendingCircuits)
	}
	if c.GraceTimeout <= 0 {
		return fmt.Errorf("grace timeout must be > 0")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data directory must not be empty")
	}
	if strings.TrimSpace(c.AnalysisDir) == "" {
		return fmt.Errorf("analysis directory must not be empty")
	}
	if len(c.Modules) == 0 {
		return fmt.Errorf("at least one probe module must be specified")
	}
	if (c.DestHost == "") != (c.DestPort == 0) {
		return fmt.Errorf("destination host and port must be set together")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}

	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.ExitFPList = append([]string(nil), c.ExitFPList...)
	clone.Modules = append([]string(nil), c.Modules...)
	return &clone
}
