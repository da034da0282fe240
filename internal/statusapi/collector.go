package statusapi

import (
	"github.com/prometheus/client_golang/prometheus"

	"hedgeproxy/internal/upstream"
)

// collector is a prometheus.Collector that reads the upstream list's
// live snapshot at scrape time, rather than mirroring counters into a
// second set of prometheus-owned gauges that could drift out of sync.
type collector struct {
	list *upstream.List

	openConns *prometheus.Desc
	txBytes   *prometheus.Desc
	rxBytes   *prometheus.Desc
	errors    *prometheus.Desc
	score     *prometheus.Desc
	healthy   *prometheus.Desc
}

func newCollector(list *upstream.List) *collector {
	labels := []string{"tag", "protocol", "addr"}
	ns := "hedgeproxy_upstream"
	return &collector{
		list:      list,
		openConns: prometheus.NewDesc(ns+"_open_conns", "Currently open connections through this upstream.", labels, nil),
		txBytes:   prometheus.NewDesc(ns+"_tx_bytes_total", "Cumulative bytes sent client to upstream.", labels, nil),
		rxBytes:   prometheus.NewDesc(ns+"_rx_bytes_total", "Cumulative bytes sent upstream to client.", labels, nil),
		errors:    prometheus.NewDesc(ns+"_errors_total", "Cumulative failed attempts and splice errors.", labels, nil),
		score:     prometheus.NewDesc(ns+"_score_ms", "Monitor-derived latency score in milliseconds; lower is preferred.", labels, nil),
		healthy:   prometheus.NewDesc(ns+"_healthy", "1 if the upstream's recent health probes succeeded, else 0.", labels, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.openConns
	ch <- c.txBytes
	ch <- c.rxBytes
	ch <- c.errors
	ch <- c.score
	ch <- c.healthy
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, u := range c.list.Snapshot() {
		snap := u.Snapshot()
		labels := []string{snap.Tag, snap.Protocol, snap.Addr}

		ch <- prometheus.MustNewConstMetric(c.openConns, prometheus.GaugeValue, float64(snap.OpenConns), labels...)
		ch <- prometheus.MustNewConstMetric(c.txBytes, prometheus.CounterValue, float64(snap.TxBytes), labels...)
		ch <- prometheus.MustNewConstMetric(c.rxBytes, prometheus.CounterValue, float64(snap.RxBytes), labels...)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(snap.Errors), labels...)
		ch <- prometheus.MustNewConstMetric(c.score, prometheus.GaugeValue, float64(snap.ScoreMillis), labels...)
		healthy := 0.0
		if snap.Healthy {
			healthy = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.healthy, prometheus.GaugeValue, healthy, labels...)
	}
}
