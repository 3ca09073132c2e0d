package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	opStore    = "store"
	opRetrieve = "retrieve"

	outcomeOK       = "ok"
	outcomeInvalid  = "invalid_identifier"
	outcomeNotFound = "not_found"
	outcomeFailure  = "storage_failure"
)

type metrics struct {
	operations *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	inflight   *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "depot",
			Name:      "operations_total",
			Help:      "Store and retrieve operations by outcome.",
		}, []string{"op", "outcome"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "depot",
			Name:      "transferred_bytes_total",
			Help:      "Blob bytes received by store and sent by retrieve.",
		}, []string{"op"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "depot",
			Name:      "inflight_operations",
			Help:      "Operations currently transferring data.",
		}, []string{"op"}),
	}
	reg.MustRegister(m.operations, m.bytes, m.inflight)
	return m
}

func (m *metrics) observe(op, outcome string, n int64) {
	m.operations.WithLabelValues(op, outcome).Inc()
	if n > 0 {
		m.bytes.WithLabelValues(op).Add(float64(n))
	}
}
