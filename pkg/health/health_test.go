package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlHealthCheckerStatuses(t *testing.T) {
	down := NewControlHealthChecker(func() ControlStats {
		return ControlStats{Connected: false}
	})
	assert.Equal(t, StatusUnhealthy, down.Check(context.Background()).Status)

	saturated := NewControlHealthChecker(func() ControlStats {
		return ControlStats{Connected: true, PendingCircuits: 128, MaxPendingAllowed: 128}
	})
	assert.Equal(t, StatusDegraded, saturated.Check(context.Background()).Status)

	healthy := NewControlHealthChecker(func() ControlStats {
		return ControlStats{Connected: true, PendingCircuits: 5, MaxPendingAllowed: 128}
	})
	assert.Equal(t, StatusHealthy, healthy.Check(context.Background()).Status)
}

func TestConsensusHealthCheckerStatuses(t *testing.T) {
	empty := NewConsensusHealthChecker(func() ConsensusStats {
		return ConsensusStats{LoadedAt: time.Now(), RelayCount: 0}
	})
	assert.Equal(t, StatusUnhealthy, empty.Check(context.Background()).Status)

	noExits := NewConsensusHealthChecker(func() ConsensusStats {
		return ConsensusStats{LoadedAt: time.Now(), RelayCount: 100, ExitCount: 0}
	})
	assert.Equal(t, StatusDegraded, noExits.Check(context.Background()).Status)

	stale := NewConsensusHealthChecker(func() ConsensusStats {
		return ConsensusStats{LoadedAt: time.Now().Add(-4 * time.Hour), RelayCount: 100, ExitCount: 10}
	})
	assert.Equal(t, StatusDegraded, stale.Check(context.Background()).Status)

	fresh := NewConsensusHealthChecker(func() ConsensusStats {
		return ConsensusStats{LoadedAt: time.Now(), RelayCount: 100, ExitCount: 10}
	})
	assert.Equal(t, StatusHealthy, fresh.Check(context.Background()).Status)
}

func TestMonitorAggregatesWorstStatus(t *testing.T) {
	m := NewMonitor()
	m.RegisterChecker(NewControlHealthChecker(func() ControlStats {
		return ControlStats{Connected: true, PendingCircuits: 1, MaxPendingAllowed: 10}
	}))
	m.RegisterChecker(NewConsensusHealthChecker(func() ConsensusStats {
		return ConsensusStats{LoadedAt: time.Now(), RelayCount: 0}
	}))

	overall := m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, overall.Status)
	require.Len(t, overall.Components, 2)
}

func TestMonitorUnregisterChecker(t *testing.T) {
	m := NewMonitor()
	checker := NewControlHealthChecker(func() ControlStats { return ControlStats{Connected: true} })
	m.RegisterChecker(checker)
	m.UnregisterChecker(checker.Name())

	overall := m.Check(context.Background())
	assert.Equal(t, StatusHealthy, overall.Status)
	assert.Empty(t, overall.Components)
}

func TestGetLastCheckReflectsMostRecentCheck(t *testing.T) {
	m := NewMonitor()
	m.RegisterChecker(NewControlHealthChecker(func() ControlStats {
		return ControlStats{Connected: true, PendingCircuits: 1, MaxPendingAllowed: 10}
	}))

	m.Check(context.Background())
	last := m.GetLastCheck()
	assert.Equal(t, StatusHealthy, last.Status)
}
