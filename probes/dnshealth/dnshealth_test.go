package dnshealth

import (
	"context"
	"encoding/binary"
	"net"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/go-exitmap/pkg/consensus"
	"github.com/opd-ai/go-exitmap/pkg/probe"
)

var queryNameRe = regexp.MustCompile(`^[0-9a-f]{32}\.[0-9a-f]{1,8}\.[a-z0-9.-]+$`)

// TestGenerateUniqueQueryForm exercises spec P5: every generated query name
// matches <32hex>.<8hex-fingerprint-prefix>.<base> and no two calls collide.
func TestGenerateUniqueQueryForm(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		q := generateUniqueQuery("ABCDEF0123456789", "wildcard.example.org")
		assert.Regexp(t, queryNameRe, q)
		assert.True(t, strings.HasSuffix(q, ".wildcard.example.org"))
		assert.False(t, seen[q], "query name must be unique across calls")
		seen[q] = true
	}
}

func TestGenerateUniqueQueryShortFingerprint(t *testing.T) {
	q := generateUniqueQuery("AB", "base.example")
	parts := strings.SplitN(q, ".", 3)
	require.Len(t, parts, 3)
	assert.Equal(t, "ab", parts[1])
}

// fakeSOCKSServer replies to each accepted connection with the next code in
// sequence, cycling to the last entry once exhausted.
func fakeSOCKSServer(t *testing.T, codes []byte, ip net.IP) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		idx := 0
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			code := codes[idx]
			if idx < len(codes)-1 {
				idx++
			}
			go func(conn net.Conn, code byte) {
				defer conn.Close()
				buf := make([]byte, 3)
				if _, err := readFullN(conn, buf); err != nil {
					return
				}
				conn.Write([]byte{0x05, 0x00})

				header := make([]byte, 5)
				if _, err := readFullN(conn, header); err != nil {
					return
				}
				domainLen := int(header[4])
				rest := make([]byte, domainLen+2)
				if _, err := readFullN(conn, rest); err != nil {
					return
				}

				reply := []byte{0x05, code, 0x00, 0x01}
				reply = append(reply, ip.To4()...)
				portBytes := make([]byte, 2)
				binary.BigEndian.PutUint16(portBytes, 0)
				reply = append(reply, portBytes...)
				conn.Write(reply)
			}(conn, code)
		}
	}()

	return ln.Addr().String()
}

func readFullN(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func testRelay() *consensus.Relay {
	return &consensus.Relay{Fingerprint: "ABCDEF0123456789", Nickname: "testrelay", Address: "1.2.3.4"}
}

func testContext(socksAddr string) probe.Context {
	return probe.Context{
		Exit:       testRelay(),
		FirstHopFP: "FIRSTHOPFP",
		SocksAddr:  socksAddr,
		CircuitID:  "c1",
	}
}

// TestProbeWildcardSuccess exercises S1: a wildcard-mode query that resolves
// to the expected IP is reported success.
func TestProbeWildcardSuccess(t *testing.T) {
	addr := fakeSOCKSServer(t, []byte{0x00}, net.ParseIP("10.0.0.1"))

	cfg := DefaultConfig()
	cfg.WildcardDomain = "wild.example.org"
	cfg.ExpectedIP = "10.0.0.1"
	m := New(cfg)

	out := m.Probe(context.Background(), testContext(addr))
	assert.Equal(t, "success", out.Status)
	assert.Equal(t, "wildcard", out.Extra["mode"])
	assert.Equal(t, "FIRSTHOPFP", out.Extra["first_hop"])
	assert.Equal(t, "https://metrics.torproject.org/rs.html#details/ABCDEF0123456789", out.Extra["exiturl"])
}

// TestProbeWildcardWrongIP exercises S2: a wildcard-mode query resolving to
// an unexpected IP is reported wrong_ip, not success.
func TestProbeWildcardWrongIP(t *testing.T) {
	addr := fakeSOCKSServer(t, []byte{0x00}, net.ParseIP("10.0.0.2"))

	cfg := DefaultConfig()
	cfg.WildcardDomain = "wild.example.org"
	cfg.ExpectedIP = "10.0.0.1"
	m := New(cfg)

	out := m.Probe(context.Background(), testContext(addr))
	assert.Equal(t, "wrong_ip", out.Status)
	assert.Equal(t, "10.0.0.2", out.Extra["resolved_ip"])
}

// TestProbeNXDOMAINModeTreatsAuthoritativeNXDOMAINAsSuccess exercises S3.
func TestProbeNXDOMAINModeTreatsAuthoritativeNXDOMAINAsSuccess(t *testing.T) {
	addr := fakeSOCKSServer(t, []byte{0x04}, net.IPv4zero) // dns_fail code

	cfg := DefaultConfig()
	cfg.TargetHost = "nxdomain.example.org"
	m := New(cfg)

	out := m.Probe(context.Background(), testContext(addr))
	assert.Equal(t, "success", out.Status)
	assert.Equal(t, "NXDOMAIN", out.Extra["resolved_ip"])
}

// TestProbeWildcardDNSFailIsTerminalFailure exercises S5: a real NXDOMAIN in
// wildcard mode is a genuine failure, not success, and is never retried.
func TestProbeWildcardDNSFailIsTerminalFailure(t *testing.T) {
	addr := fakeSOCKSServer(t, []byte{0x04, 0x04, 0x04}, net.IPv4zero)

	cfg := DefaultConfig()
	cfg.WildcardDomain = "wild.example.org"
	cfg.ExpectedIP = "10.0.0.1"
	cfg.MaxRetries = 3
	cfg.RetryDelay = time.Millisecond
	m := New(cfg)

	out := m.Probe(context.Background(), testContext(addr))
	assert.Equal(t, string(symbolDNSFail), out.Status)
}

// TestProbeRetriesRetryableStatusThenSucceeds exercises S4: a retryable
// SOCKS failure on the first attempt does not end the probe; a later
// attempt that succeeds reports success.
func TestProbeRetriesRetryableStatusThenSucceeds(t *testing.T) {
	addr := fakeSOCKSServer(t, []byte{0x01, 0x00}, net.ParseIP("10.0.0.1")) // general_failure, then success

	cfg := DefaultConfig()
	cfg.WildcardDomain = "wild.example.org"
	cfg.ExpectedIP = "10.0.0.1"
	cfg.MaxRetries = 3
	cfg.RetryDelay = time.Millisecond
	m := New(cfg)

	out := m.Probe(context.Background(), testContext(addr))
	assert.Equal(t, "success", out.Status)
	assert.Equal(t, float64(2), toFloat(out.Extra["attempt"]))
}

// TestProbeExhaustsRetriesAndReportsLastStatus exercises the retry ceiling:
// once MaxRetries attempts all return a retryable status, the probe reports
// that status rather than retrying forever.
func TestProbeExhaustsRetriesAndReportsLastStatus(t *testing.T) {
	addr := fakeSOCKSServer(t, []byte{0x01, 0x01, 0x01}, net.IPv4zero)

	cfg := DefaultConfig()
	cfg.WildcardDomain = "wild.example.org"
	cfg.ExpectedIP = "10.0.0.1"
	cfg.MaxRetries = 3
	cfg.RetryDelay = time.Millisecond
	m := New(cfg)

	out := m.Probe(context.Background(), testContext(addr))
	assert.Equal(t, "socks_general_failure", out.Status)
}

func TestConfigureRunStampsRunID(t *testing.T) {
	addr := fakeSOCKSServer(t, []byte{0x00}, net.ParseIP("10.0.0.1"))

	cfg := DefaultConfig()
	cfg.WildcardDomain = "wild.example.org"
	cfg.ExpectedIP = "10.0.0.1"
	m := New(cfg)
	m.ConfigureRun("run-123")

	out := m.Probe(context.Background(), testContext(addr))
	assert.Equal(t, "run-123", out.Extra["run_id"])
}

func TestHardTimeoutReflectsConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HardTimeout = 42 * time.Second
	m := New(cfg)
	assert.Equal(t, 42*time.Second, m.HardTimeout())
}

// TestMaxAttemptsFloorsAtOne exercises the retry-ceiling guard: a
// misconfigured or zero-value MaxRetries must never suppress a probe
// entirely.
func TestMaxAttemptsFloorsAtOne(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	m := New(cfg)
	assert.Equal(t, 1, m.maxAttempts())

	cfg.MaxRetries = 5
	m = New(cfg)
	assert.Equal(t, 5, m.maxAttempts())
}

// TestTimeoutOutcomeCarriesFirstHopAndExiturl exercises spec S6: the record
// the hard-timeout watchdog uses must carry the same field set a normal
// outcome would, including first_hop and exiturl, with attempt pinned at
// the retry ceiling.
func TestTimeoutOutcomeCarriesFirstHopAndExiturl(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WildcardDomain = "wild.example.org"
	cfg.MaxRetries = 3
	m := New(cfg)
	m.ConfigureRun("run-xyz")

	pctx := testContext("127.0.0.1:0")
	out := m.TimeoutOutcome(pctx, 2*time.Second)

	assert.Equal(t, "hard_timeout", out.Status)
	assert.Equal(t, "ABCDEF0123456789", out.Fingerprint)
	assert.Equal(t, "FIRSTHOPFP", out.Extra["first_hop"])
	assert.Equal(t, "https://metrics.torproject.org/rs.html#details/ABCDEF0123456789", out.Extra["exiturl"])
	assert.Equal(t, "run-xyz", out.Extra["run_id"])
	assert.Equal(t, int64(2000), out.Extra["latency_ms"])
	assert.Equal(t, 3, out.Extra["attempt"])
}

// symbolDNSFail mirrors socksintercept.StatusDNSFail's raw token without
// importing the package twice in this file's helper.
const symbolDNSFail = "dns_fail"

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	default:
		return -1
	}
}
