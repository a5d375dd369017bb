package consensus

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/go-exitmap/pkg/logger"
)

const sampleConsensus = `network-status-version 3
vote-status consensus
r relay1 AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA AAAAAAAAAAAAAAAAAAAAAAAAAAAA 2026-01-01 00:00:00 1.2.3.4 9001 0
s Exit Fast Running Stable Valid
r relay2 BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB BBBBBBBBBBBBBBBBBBBBBBBBBBBB 2026-01-01 00:00:00 5.6.7.8 9001 9030
s BadExit Exit Running Valid
`

const sampleDescriptors = `router relay1 1.2.3.4 9001 0 0
fingerprint AAAA AAAA AAAA AAAA AAAA AAAA AAAA AAAA AAAA AAAA
accept *:80
accept *:443
reject *:*
router relay2 5.6.7.8 9001 9030 0
fingerprint BBBB BBBB BBBB BBBB BBBB BBBB BBBB BBBB BBBB BBBB
reject 10.0.0.0/8:*
accept *:*
`

func testLoader() *Loader {
	return NewLoader(logger.NewDefault())
}

func TestParseConsensusExtractsRelaysAndFlags(t *testing.T) {
	l := testLoader()
	relays, err := l.parseConsensus(strings.NewReader(sampleConsensus))
	require.NoError(t, err)
	require.Len(t, relays, 2)

	assert.Equal(t, "relay1", relays[0].Nickname)
	assert.Equal(t, "1.2.3.4", relays[0].Address)
	assert.Equal(t, 9001, relays[0].ORPort)
	assert.Equal(t, 0, relays[0].DirPort)
	assert.True(t, relays[0].IsExit())
	assert.True(t, relays[0].IsRunning())

	assert.Equal(t, "relay2", relays[1].Nickname)
	assert.True(t, relays[1].IsBadExit())
}

func TestParseConsensusRejectsExcessiveMalformedEntries(t *testing.T) {
	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, "r bad") // too few fields
	}
	doc := strings.Join(lines, "\n")

	l := testLoader()
	_, err := l.parseConsensus(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestParseConsensusTolerantOfAFewMalformedEntries(t *testing.T) {
	var b strings.Builder
	b.WriteString(sampleConsensus)
	// pad with enough well-formed entries that one malformed line stays
	// under the 10% threshold (threshold rounds down, so a handful of good
	// entries isn't enough on its own).
	for i := 0; i < 20; i++ {
		b.WriteString("r padrelay AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA AAAAAAAAAAAAAAAAAAAAAAAAAAAA 2026-01-01 00:00:00 9.9.9.9 9001 0\n")
		b.WriteString("s Running\n")
	}
	b.WriteString("r bad\n")

	l := testLoader()
	relays, err := l.parseConsensus(strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Len(t, relays, 22)
}

func TestParseDescriptorsAttachesExitPolicy(t *testing.T) {
	l := testLoader()
	relays, err := l.parseConsensus(strings.NewReader(sampleConsensus))
	require.NoError(t, err)

	byFP := make(map[string]*Relay, len(relays))
	for _, r := range relays {
		byFP[r.Fingerprint] = r
	}

	err = l.parseDescriptors(strings.NewReader(sampleDescriptors), byFP)
	require.NoError(t, err)

	relay1 := byFP[decodeFingerprint("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")]
	require.NotNil(t, relay1)
	require.Len(t, relay1.Policy.Rules, 3)
	assert.True(t, relay1.Policy.Accepts(net.ParseIP("1.1.1.1"), 80))
	assert.False(t, relay1.Policy.Accepts(net.ParseIP("1.1.1.1"), 22))
}

func TestDecodeFingerprintNormalizesSpacesAndCase(t *testing.T) {
	assert.Equal(t, "AABBCC", decodeFingerprint("aa bb cc"))
	assert.Equal(t, "AABBCC", decodeFingerprint("AABBCC"))
}

func TestLoadReadsBothCacheFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cached-consensus"), []byte(sampleConsensus), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cached-descriptors"), []byte(sampleDescriptors), 0o644))

	l := testLoader()
	relays, err := l.Load(dir)
	require.NoError(t, err)
	require.Len(t, relays, 2)

	for _, r := range relays {
		assert.NotEmpty(t, r.Policy.Rules)
	}
}

func TestLoadToleratesMissingDescriptors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cached-consensus"), []byte(sampleConsensus), 0o644))

	l := testLoader()
	relays, err := l.Load(dir)
	require.NoError(t, err)
	require.Len(t, relays, 2)
	for _, r := range relays {
		assert.Empty(t, r.Policy.Rules)
	}
}

func TestLoadFailsWithoutConsensusFile(t *testing.T) {
	dir := t.TempDir()
	l := testLoader()
	_, err := l.Load(dir)
	assert.Error(t, err)
}
