package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollectorExposesSnapshotValues(t *testing.T) {
	m := New()
	m.CircuitsRegistered.Add(3)
	m.CircuitsBuilt.Add(2)
	m.ProbesStarted.Inc()

	collector := NewPrometheusCollector(m)
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(collector))

	out, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 11, out)
}

func TestPrometheusCollectorDescribeEmitsAllDescs(t *testing.T) {
	m := New()
	collector := NewPrometheusCollector(m)

	ch := make(chan *prometheus.Desc, 32)
	collector.Describe(ch)
	close(ch)

	var count int
	for range ch {
		count++
	}
	assert.Equal(t, 11, count)
}

func TestPrometheusCollectorMetricNamesUseExitmapNamespace(t *testing.T) {
	m := New()
	collector := NewPrometheusCollector(m)
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(collector))

	mfs, err := reg.Gather()
	require.NoError(t, err)

	var sawNamespaced bool
	for _, mf := range mfs {
		if strings.HasPrefix(mf.GetName(), "exitmap_") {
			sawNamespaced = true
		}
	}
	assert.True(t, sawNamespaced)
}
