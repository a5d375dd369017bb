// Package dnshealth implements the illustrative DNS-Health Probe (spec
// §4.6): it drives a RESOLVE request for a freshly generated subdomain
// through each exit relay's circuit and checks whether the relay's exit
// DNS resolver returns a sane answer.
//
// Two modes, selected by configuration: Wildcard mode expects a specific
// IP back for a unique query under a wildcard-DNS domain the operator
// controls; NXDOMAIN mode has no expected answer and instead treats an
// authoritative NXDOMAIN (SOCKS reply code 4) as the healthy outcome,
// since it proves the relay's resolver reached the real internet rather
// than a captive portal or DNS-hijacking middlebox.
package dnshealth

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/go-exitmap/pkg/probe"
	"github.com/opd-ai/go-exitmap/pkg/socksintercept"
)

const moduleName = "dnshealth"

// statuses that warrant another attempt, up to the configured retry limit.
// dns_fail, wrong_ip, success, hard_timeout, and exception are all terminal.
var retryableStatuses = map[string]bool{
	string(socksintercept.StatusGeneralFailure):     true,
	string(socksintercept.StatusNetworkUnreachable):  true,
	string(socksintercept.StatusConnectionRefused):  true,
	string(socksintercept.StatusTTLExpired):         true,
	string(socksintercept.StatusCommandUnsupported): true,
	string(socksintercept.StatusAddressUnsupported): true,
	"timeout":                true,
	"eof_error":              true,
	"tor_connection_lost":    true,
	"tor_connection_refused": true,
}

// Config holds this module's tunables. The instance registered under
// "dnshealth" starts from DefaultConfig and takes each DNS_* environment
// variable named below that is set; the three durations are in seconds.
type Config struct {
	WildcardDomain string        // DNS_WILDCARD_DOMAIN; non-empty selects wildcard mode
	ExpectedIP     string        // DNS_EXPECTED_IP, required in wildcard mode
	TargetHost     string        // query base in NXDOMAIN mode; not set from -H, so the registered instance uses an empty base
	QueryTimeout   time.Duration // DNS_QUERY_TIMEOUT, default 45s
	MaxRetries     int           // DNS_MAX_RETRIES, default 3
	HardTimeout    time.Duration // DNS_HARD_TIMEOUT, default 180s (enforced by pkg/worker, not this module)
	RetryDelay     time.Duration // DNS_RETRY_DELAY
	RunID          string
}

// DefaultConfig returns the module's built-in defaults.
func DefaultConfig() Config {
	return Config{
		QueryTimeout: 45 * time.Second,
		MaxRetries:   3,
		HardTimeout:  180 * time.Second,
		RetryDelay:   2 * time.Second,
	}
}

// Module implements probe.Module for the DNS-health measurement.
type Module struct {
	cfg Config
}

// New creates a DNS-health probe module with the given configuration.
func New(cfg Config) *Module {
	return &Module{cfg: cfg}
}

func init() {
	probe.Register(moduleName, func() probe.Module {
		cfg := DefaultConfig()
		cfg.WildcardDomain = os.Getenv("DNS_WILDCARD_DOMAIN")
		cfg.ExpectedIP = os.Getenv("DNS_EXPECTED_IP")
		if n, err := strconv.Atoi(os.Getenv("DNS_MAX_RETRIES")); err == nil {
			cfg.MaxRetries = n
		}
		for name, dst := range map[string]*time.Duration{"DNS_QUERY_TIMEOUT": &cfg.QueryTimeout, "DNS_HARD_TIMEOUT": &cfg.HardTimeout, "DNS_RETRY_DELAY": &cfg.RetryDelay} {
			if secs, err := strconv.ParseFloat(os.Getenv(name), 64); err == nil {
				*dst = time.Duration(secs * float64(time.Second))
			}
		}
		return New(cfg)
	})
}

// Name implements probe.Module.
func (m *Module) Name() string { return moduleName }

// ConfigureRun implements probe.RunConfigurable: it stamps the run id into
// every subsequent outcome's Extra["run_id"].
func (m *Module) ConfigureRun(runID string) { m.cfg.RunID = runID }

// HardTimeout implements probe.HardTimeoutProvider.
func (m *Module) HardTimeout() time.Duration { return m.cfg.HardTimeout }

// Setup implements probe.Module; this module needs no per-run setup beyond
// the configuration already validated by pkg/config.
func (m *Module) Setup(ctx context.Context) error { return nil }

// Teardown implements probe.Module; no cross-relay state to flush.
func (m *Module) Teardown(terminated bool) {}

// mode reports which of the two DNS-health modes this run is configured for.
func (m *Module) mode() string {
	if m.cfg.WildcardDomain != "" {
		return "wildcard"
	}
	return "nxdomain"
}

// maxAttempts returns the effective retry ceiling, never less than 1.
func (m *Module) maxAttempts() int {
	if m.cfg.MaxRetries < 1 {
		return 1
	}
	return m.cfg.MaxRetries
}

// TimeoutOutcome implements probe.TimeoutOutcomeProvider: when the Probe
// Worker's hard-timeout watchdog fires before Probe returns, the result is
// recorded with the same field set a normal outcome would carry (spec §8
// S6), with attempt pinned at the retry ceiling since a hard timeout means
// every attempt the module was allowed has been spent.
func (m *Module) TimeoutOutcome(pctx probe.Context, elapsed time.Duration) probe.Outcome {
	return m.outcome(pctx, "hard_timeout", "", "", nil, elapsed, m.maxAttempts(), m.mode())
}

// generateUniqueQuery builds a query name of the form <32hex>.<8hex>.<base>
// (spec §8 P5): 32 hex characters of UUID entropy, the first 8 lowercase
// hex characters of the relay's fingerprint, and the configured base
// domain. Two calls never produce the same string.
func generateUniqueQuery(fingerprint, base string) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	fpPrefix := strings.ToLower(fingerprint)
	if len(fpPrefix) > 8 {
		fpPrefix = fpPrefix[:8]
	}
	return fmt.Sprintf("%s.%s.%s", id, fpPrefix, base)
}

// Probe implements probe.Module.
func (m *Module) Probe(ctx context.Context, pctx probe.Context) probe.Outcome {
	mode := m.mode()
	base := m.cfg.WildcardDomain
	if mode == "nxdomain" {
		base = m.cfg.TargetHost
	}

	maxAttempts := m.maxAttempts()

	var lastStatus string
	var lastErrMsg string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		query := generateUniqueQuery(pctx.Exit.Fingerprint, base)
		start := time.Now()

		status, resolvedIP, err := m.attempt(ctx, pctx, query)
		latency := time.Since(start)

		if mode == "nxdomain" && status == string(socksintercept.StatusDNSFail) {
			return m.outcome(pctx, "success", query, "NXDOMAIN", nil, latency, attempt, mode)
		}

		if status == "success" {
			if mode == "wildcard" {
				if resolvedIP == m.cfg.ExpectedIP {
					return m.outcome(pctx, "success", query, resolvedIP, nil, latency, attempt, mode)
				}
				wrongIPErr := fmt.Errorf("Expected %s, got %s", m.cfg.ExpectedIP, resolvedIP)
				return m.outcome(pctx, "wrong_ip", query, resolvedIP, wrongIPErr, latency, attempt, mode)
			}
			return m.outcome(pctx, "success", query, resolvedIP, nil, latency, attempt, mode)
		}

		lastStatus, lastErrMsg = status, err
		if status == string(socksintercept.StatusDNSFail) {
			// terminal in wildcard mode: a real NXDOMAIN there is a failure
			return m.outcome(pctx, status, query, "", fmt.Errorf("%s", lastErrMsg), latency, attempt, mode)
		}
		if !retryableStatuses[status] {
			return m.outcome(pctx, status, query, "", fmt.Errorf("%s", lastErrMsg), latency, attempt, mode)
		}
		if attempt == maxAttempts {
			return m.outcome(pctx, status, query, "", fmt.Errorf("%s", lastErrMsg), latency, attempt, mode)
		}

		select {
		case <-ctx.Done():
			return m.outcome(pctx, "hard_timeout", query, "", nil, time.Since(start), attempt, mode)
		case <-time.After(m.cfg.RetryDelay):
		}
	}

	return m.outcome(pctx, lastStatus, "", "", fmt.Errorf("%s", lastErrMsg), 0, maxAttempts, mode)
}

// attempt performs one RESOLVE request and classifies its outcome into a
// status token, a resolved IP (when applicable), and an error message.
func (m *Module) attempt(ctx context.Context, pctx probe.Context, query string) (status, resolvedIP, errMsg string) {
	queryCtx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()

	deadline, _ := queryCtx.Deadline()
	dialTimeout := time.Until(deadline)

	conn, result, err := socksintercept.Dial(pctx.SocksAddr, dialTimeout, socksintercept.CommandResolve, query, 0, pctx.AttachHook, pctx.RegisterConn)
	if err != nil {
		if queryCtx.Err() == context.DeadlineExceeded {
			return "timeout", "", err.Error()
		}
		return "tor_connection_refused", "", err.Error()
	}
	defer conn.Close()

	conn.SetDeadline(deadline)

	if result.Status != socksintercept.StatusSuccess {
		return string(result.Status), "", fmt.Sprintf("SOCKS resolve failed: %s", result.Status)
	}
	if result.ResolvedIP == nil {
		return "eof_error", "", "RESOLVE reply carried no address"
	}
	return "success", result.ResolvedIP.String(), ""
}

func (m *Module) outcome(pctx probe.Context, status, query, resolvedIP string, errVal error, latency time.Duration, attempt int, mode string) probe.Outcome {
	extra := map[string]interface{}{
		"exit_address": pctx.Exit.Address,
		"exiturl":      pctx.Exit.MetricsURL(),
		"first_hop":    pctx.FirstHopFP,
		"query_domain": query,
		"expected_ip":  m.cfg.ExpectedIP,
		"timestamp":    time.Now().Unix(),
		"run_id":       m.cfg.RunID,
		"mode":         mode,
		"circuit_id":   pctx.CircuitID,
		"resolved_ip":  nullableString(resolvedIP),
		"latency_ms":   latency.Milliseconds(),
		"attempt":      attempt,
	}
	if errVal != nil {
		extra["error"] = errVal.Error()
	} else {
		extra["error"] = nil
	}

	return probe.Outcome{
		Status:      status,
		Fingerprint: pctx.Exit.Fingerprint,
		Nickname:    pctx.Exit.Nickname,
		Extra:       extra,
	}
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
