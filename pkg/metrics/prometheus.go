package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector adapts a *Metrics snapshot to the prometheus.Collector
// interface so a scan run's counters can be scraped alongside the hand-rolled
// JSON snapshot exposed by pkg/httpmetrics.
type PrometheusCollector struct {
	metrics *Metrics

	circuitsRegistered *prometheus.Desc
	circuitsBuilt      *prometheus.Desc
	circuitsFailed     *prometheus.Desc
	circuitsInFlight   *prometheus.Desc
	attachesCompleted  *prometheus.Desc
	attachesFailed     *prometheus.Desc
	probesStarted      *prometheus.Desc
	probesFinished     *prometheus.Desc
	probesTerminated   *prometheus.Desc
	socksErrors        *prometheus.Desc
	uptimeSeconds      *prometheus.Desc
}

// NewPrometheusCollector wraps m for registration with a prometheus.Registry.
func NewPrometheusCollector(m *Metrics) *PrometheusCollector {
	ns := "exitmap"
	return &PrometheusCollector{
		metrics:            m,
		circuitsRegistered: prometheus.NewDesc(ns+"_circuits_registered_total", "Circuits registered with the orchestrator", nil, nil),
		circuitsBuilt:      prometheus.NewDesc(ns+"_circuits_built_total", "Circuits that reached BUILT", nil, nil),
		circuitsFailed:     prometheus.NewDesc(ns+"_circuits_failed_total", "Circuits that reached FAILED or errored immediately", nil, nil),
		circuitsInFlight:   prometheus.NewDesc(ns+"_circuits_in_flight", "Circuits neither built nor failed yet", nil, nil),
		attachesCompleted:  prometheus.NewDesc(ns+"_attaches_completed_total", "Stream-to-circuit attaches completed", nil, nil),
		attachesFailed:     prometheus.NewDesc(ns+"_attaches_failed_total", "Stream-to-circuit attaches rejected by the client", nil, nil),
		probesStarted:      prometheus.NewDesc(ns+"_probes_started_total", "Probe workers started", nil, nil),
		probesFinished:     prometheus.NewDesc(ns+"_probes_finished_total", "Probe workers that signalled completion", nil, nil),
		probesTerminated:   prometheus.NewDesc(ns+"_probes_terminated_total", "Probe workers killed as stragglers", nil, nil),
		socksErrors:        prometheus.NewDesc(ns+"_socks_errors_total", "SOCKS-intercept layer errors", nil, nil),
		uptimeSeconds:      prometheus.NewDesc(ns+"_uptime_seconds", "Seconds since the scan started", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.circuitsRegistered
	ch <- c.circuitsBuilt
	ch <- c.circuitsFailed
	ch <- c.circuitsInFlight
	ch <- c.attachesCompleted
	ch <- c.attachesFailed
	ch <- c.probesStarted
	ch <- c.probesFinished
	ch <- c.probesTerminated
	ch <- c.socksErrors
	ch <- c.uptimeSeconds
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.circuitsRegistered, prometheus.CounterValue, float64(s.CircuitsRegistered))
	ch <- prometheus.MustNewConstMetric(c.circuitsBuilt, prometheus.CounterValue, float64(s.CircuitsBuilt))
	ch <- prometheus.MustNewConstMetric(c.circuitsFailed, prometheus.CounterValue, float64(s.CircuitsFailed))
	ch <- prometheus.MustNewConstMetric(c.circuitsInFlight, prometheus.GaugeValue, float64(s.CircuitsInFlight))
	ch <- prometheus.MustNewConstMetric(c.attachesCompleted, prometheus.CounterValue, float64(s.AttachesCompleted))
	ch <- prometheus.MustNewConstMetric(c.attachesFailed, prometheus.CounterValue, float64(s.AttachesFailed))
	ch <- prometheus.MustNewConstMetric(c.probesStarted, prometheus.CounterValue, float64(s.ProbesStarted))
	ch <- prometheus.MustNewConstMetric(c.probesFinished, prometheus.CounterValue, float64(s.ProbesFinished))
	ch <- prometheus.MustNewConstMetric(c.probesTerminated, prometheus.CounterValue, float64(s.ProbesTerminated))
	ch <- prometheus.MustNewConstMetric(c.socksErrors, prometheus.CounterValue, float64(s.SocksErrors))
	ch <- prometheus.MustNewConstMetric(c.uptimeSeconds, prometheus.GaugeValue, float64(s.UptimeSeconds))
}
