package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// ScanProfile is a named, on-disk set of flag values an operator can reuse
// across invocations instead of retyping a long flag combination (-f FILE).
// Explicit CLI flags always take precedence over profile values.
type ScanProfile struct {
	Country            string   `yaml:"country"`
	FirstHopFP         string   `yaml:"first_hop_fp"`
	ExitMode           string   `yaml:"exit_mode"`
	ExitFPList         []string `yaml:"exit_fingerprints"`
	ExitFPListFile     string   `yaml:"exit_fingerprint_file"`
	BuildDelaySeconds  float64  `yaml:"build_delay_seconds"`
	BuildJitterSeconds float64  `yaml:"build_jitter_seconds"`
	Redundancy         int      `yaml:"redundancy"`
	DestHost           string   `yaml:"dest_host"`
	DestPort           int      `yaml:"dest_port"`
	DataDir            string   `yaml:"data_dir"`
	AnalysisDir        string   `yaml:"analysis_dir"`
	Modules            []string `yaml:"modules"`
	MetricsAddr        string   `yaml:"metrics_addr"`
}

// LoadProfile reads a ScanProfile from a YAML file.
func LoadProfile(path string) (*ScanProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scan profile: %w", err)
	}
	var p ScanProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse scan profile: %w", err)
	}
	return &p, nil
}

// ApplyProfile overlays non-zero ScanProfile fields onto cfg. It must be
// called before ApplyEnv/flag parsing so that flags retain the highest
// precedence.
func (c *Config) ApplyProfile(p *ScanProfile) {
	if p == nil {
		return
	}
	if p.Country != "" {
		c.Country = p.Country
	}
	if p.FirstHopFP != "" {
		c.FirstHopFP = p.FirstHopFP
	}
	if p.ExitMode != "" {
		c.ExitMode = ExitMode(p.ExitMode)
	}
	if len(p.ExitFPList) > 0 {
		c.ExitFPList = p.ExitFPList
	}
	if p.ExitFPListFile != "" {
		c.ExitFPListFile = p.ExitFPListFile
	}
	if p.BuildDelaySeconds > 0 {
		c.BuildDelay = secondsToDuration(p.BuildDelaySeconds)
	}
	if p.BuildJitterSeconds > 0 {
		c.BuildJitter = secondsToDuration(p.BuildJitterSeconds)
	}
	if p.Redundancy > 0 {
		c.Redundancy = p.Redundancy
	}
	if p.DestHost != "" {
		c.DestHost = p.DestHost
	}
	if p.DestPort > 0 {
		c.DestPort = p.DestPort
	}
	if p.DataDir != "" {
		c.DataDir = p.DataDir
	}
	if p.AnalysisDir != "" {
		c.AnalysisDir = p.AnalysisDir
	}
	if len(p.Modules) > 0 {
		c.Modules = p.Modules
	}
	if p.MetricsAddr != "" {
		c.MetricsAddr = p.MetricsAddr
	}
}
