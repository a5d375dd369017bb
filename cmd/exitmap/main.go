// Command exitmap drives exit-relay scan runs: select candidate exit
// relays from the Tor consensus, build one circuit per candidate, run a
// named probe module's measurement over each, and write per-relay JSON
// results under the analysis directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/opd-ai/go-exitmap/pkg/config"
	"github.com/opd-ai/go-exitmap/pkg/health"
	"github.com/opd-ai/go-exitmap/pkg/httpmetrics"
	"github.com/opd-ai/go-exitmap/pkg/logger"
	"github.com/opd-ai/go-exitmap/pkg/metrics"
	"github.com/opd-ai/go-exitmap/pkg/orchestrator"

	_ "github.com/opd-ai/go-exitmap/probes/dnshealth"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.DefaultConfig()

	var profilePath string
	var exitFPListStr string
	var badExit, allExits bool
	var buildDelaySecs, buildJitterSecs float64

	pflag.StringVarP(&cfg.Country, "country", "C", "", "restrict exits to this two-letter country code")
	pflag.StringVarP(&exitFPListStr, "exit-fingerprints", "e", "", "comma-separated explicit exit fingerprints")
	pflag.StringVarP(&cfg.ExitFPListFile, "exit-fingerprint-file", "E", "", "file of explicit exit fingerprints, one per line")
	pflag.BoolVarP(&badExit, "bad-exits-only", "b", false, "scan only BADEXIT-flagged relays")
	pflag.BoolVarP(&allExits, "all-exits", "l", false, "scan all RUNNING EXIT relays regardless of BADEXIT")
	pflag.Float64VarP(&buildDelaySecs, "build-delay", "d", 0, "seconds to delay between circuit build requests")
	pflag.Float64VarP(&buildJitterSecs, "build-jitter", "n", 0, "seconds of random jitter added to build delay")
	pflag.StringVarP(&cfg.FirstHopFP, "first-hop", "i", "", "pin the first hop to this fingerprint")
	pflag.IntVarP(&cfg.Redundancy, "redundancy", "R", 1, "circuits to build per exit")
	pflag.StringVarP(&cfg.DestHost, "dest-host", "H", "", "override probe destination host")
	pflag.IntVarP(&cfg.DestPort, "dest-port", "p", 0, "override probe destination port")
	pflag.StringVarP(&cfg.DataDir, "data-dir", "t", cfg.DataDir, "overlay client data directory")
	pflag.StringVarP(&cfg.AnalysisDir, "analysis-dir", "a", cfg.AnalysisDir, "result output directory")
	pflag.StringVarP(&cfg.MetricsAddr, "metrics-addr", "M", "", "address to serve HTTP metrics/health on")
	pflag.StringVarP(&profilePath, "profile", "f", "", "load flag defaults from a YAML scan profile")
	pflag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, or error")

	pflag.Parse()

	if profilePath != "" {
		profile, err := config.LoadProfile(profilePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		cfg.ApplyProfile(profile)
	}

	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	// Re-apply the command line so explicit flags take precedence over
	// profile and environment values.
	pflag.Parse()

	if buildDelaySecs > 0 {
		cfg.BuildDelay = time.Duration(buildDelaySecs * float64(time.Second))
	}
	if buildJitterSecs > 0 {
		cfg.BuildJitter = time.Duration(buildJitterSecs * float64(time.Second))
	}
	if exitFPListStr != "" {
		cfg.ExitFPList = strings.Split(exitFPListStr, ",")
	}
	switch {
	case badExit:
		cfg.ExitMode = config.ExitModeBadOnly
	case allExits:
		cfg.ExitMode = config.ExitModeAll
	}
	cfg.Modules = pflag.Args()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 1
	}
	if cfg.ExitFPListFile != "" {
		data, err := os.ReadFile(cfg.ExitFPListFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "configuration error:", err)
			return 1
		}
		cfg.ExitFPList = strings.Fields(string(data))
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	log := logger.New(level, os.Stdout)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	orch := orchestrator.New(cfg, log)

	var metricsServer *httpmetrics.Server
	if cfg.MetricsAddr != "" {
		monitor := health.NewMonitor()
		monitor.RegisterChecker(health.NewConsensusHealthChecker(orch.ConsensusStats))
		metricsServer = httpmetrics.NewServer(cfg.MetricsAddr, metricsProvider{orch.Metrics()}, healthProvider{monitor}, metrics.NewPrometheusCollector(orch.Metrics()), log)
		if err := metricsServer.Start(); err != nil {
			log.Error("failed to start metrics server", "error", err)
		} else {
			defer metricsServer.Stop()
		}
	}

	runID := uuid.New().String()
	log.Info("starting scan run", "run_id", runID, "modules", cfg.Modules)

	resultDir, err := orch.Run(ctx, runID)
	if err != nil {
		log.Error("scan run failed", "error", err)
		return 1
	}

	log.Info("scan run complete", "result_dir", resultDir)
	return 0
}

type metricsProvider struct{ m *metrics.Metrics }

func (p metricsProvider) Snapshot() *metrics.Snapshot { return p.m.Snapshot() }

type healthProvider struct{ m *health.Monitor }

func (p healthProvider) Check(ctx context.Context) health.OverallHealth { return p.m.Check(ctx) }
