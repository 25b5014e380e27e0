package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cibd"
const subsystem = "server"

type metrics struct {
	requests    *prometheus.CounterVec
	diffs       *prometheus.CounterVec
	broadcasts  prometheus.Counter
	resyncs     prometheus.Counter
	syncs       prometheus.Counter
	checkpoints *prometheus.CounterVec
	callbacks   prometheus.Gauge
	primary     prometheus.Gauge
	epoch       *prometheus.GaugeVec
}

func newMetrics() *metrics {
	return &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Number of requests processed, by operation and result code.",
		}, []string{"op", "code"}),
		diffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peer_diffs_total",
			Help:      "Number of patchsets received from peers, by outcome.",
		}, []string{"outcome"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "diff_broadcasts_total",
			Help:      "Number of patchsets broadcast to peers.",
		}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resync_requests_total",
			Help:      "Number of full resyncs requested from the primary.",
		}),
		syncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "syncs_sent_total",
			Help:      "Number of full documents sent to peers.",
		}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checkpoints_total",
			Help:      "Number of checkpoints written, by result.",
		}, []string{"result"}),
		callbacks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_callbacks",
			Help:      "Number of forwarded requests awaiting a reply.",
		}),
		primary: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "primary",
			Help:      "1 while this node is the primary.",
		}),
		epoch: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "document_version",
			Help:      "Version counters of the current document.",
		}, []string{"counter"}),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.requests,
		m.diffs,
		m.broadcasts,
		m.resyncs,
		m.syncs,
		m.checkpoints,
		m.callbacks,
		m.primary,
		m.epoch,
	}
}
