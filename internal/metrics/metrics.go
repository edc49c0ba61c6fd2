// Package metrics registers the Prometheus counters and gauges that
// expose the Framer, Data Link and PubSub internals named in spec.md
// §4.1/§4.2/§4.4 (total_bytes, ignored_bytes, resync count,
// retransmissions, pending publications). It follows the same
// prometheus.MustRegister + promhttp.Handler wiring the sockstats
// exporter uses, generalized from one hand-rolled Collector into a set
// of plain counters/gauges updated by the stack's own call sites.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every exported series. Callers update the series
// directly; there is no polling method. cmd/fbpd updates PubSubPending
// and PubSubPublishTotal; the Framer and DataLink series are registered
// but no call site in this module updates them, so they stay at zero.
type Metrics struct {
	FramerTotalBytes   prometheus.Counter
	FramerIgnoredBytes prometheus.Counter
	FramerResyncTotal  prometheus.Counter

	DataLinkRetransmitTotal prometheus.Counter
	DataLinkTxWindowUsed    prometheus.Gauge
	DataLinkRxWindowUsed    prometheus.Gauge
	DataLinkState           prometheus.Gauge

	PubSubPending     prometheus.Gauge
	PubSubPublishTotal prometheus.Counter
}

// New constructs and registers every series under namespace ns (e.g.
// "fitterbap") against reg. Passing a fresh prometheus.NewRegistry()
// keeps tests hermetic; cmd/fbpd also passes its own registry rather
// than prometheus.DefaultRegisterer.
func New(ns string, reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}

	return &Metrics{
		FramerTotalBytes:   counter("framer_total_bytes", "Total bytes fed into the framer"),
		FramerIgnoredBytes: counter("framer_ignored_bytes", "Bytes discarded while resynchronizing"),
		FramerResyncTotal:  counter("framer_resync_total", "Number of times the framer lost and regained sync"),

		DataLinkRetransmitTotal: counter("datalink_retransmit_total", "Frames retransmitted after a NACK or timeout"),
		DataLinkTxWindowUsed:    gauge("datalink_tx_window_used", "In-flight unacknowledged TX frames"),
		DataLinkRxWindowUsed:    gauge("datalink_rx_window_used", "Out-of-order RX frames held pending reorder"),
		DataLinkState:           gauge("datalink_state", "Current Connection FSM state (datalink.State value)"),

		PubSubPending:      gauge("pubsub_pending", "Publications queued awaiting Process"),
		PubSubPublishTotal: counter("pubsub_publish_total", "Total publications accepted by PubSub.Publish"),
	}
}
