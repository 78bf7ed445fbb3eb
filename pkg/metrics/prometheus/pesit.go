// Package prometheus implements the metrics interfaces on the
// process-wide Prometheus registry.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pesit-go/pesitd/pkg/metrics"
)

// pesitMetrics is the Prometheus implementation of
// metrics.PesitMetrics. The nil receiver is a no-op on every method so
// disabled metrics cost nothing at the call sites.
type pesitMetrics struct {
	connectionsAccepted *prometheus.CounterVec
	connectionsClosed   *prometheus.CounterVec
	activeConnections   *prometheus.GaugeVec
	fpdus               *prometheus.CounterVec
	transfers           *prometheus.CounterVec
	bytesTransferred    *prometheus.CounterVec
}

// NewPesitMetrics creates the Prometheus-backed listener metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewPesitMetrics() metrics.PesitMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &pesitMetrics{
		connectionsAccepted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pesitd_connections_accepted_total",
				Help: "Total connections accepted per listener",
			},
			[]string{"server_id"},
		),
		connectionsClosed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pesitd_connections_closed_total",
				Help: "Total connections closed per listener",
			},
			[]string{"server_id"},
		),
		activeConnections: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pesitd_active_connections",
				Help: "Currently open sessions per listener",
			},
			[]string{"server_id"},
		),
		fpdus: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pesitd_fpdus_total",
				Help: "Protocol units by kind and direction",
			},
			[]string{"server_id", "kind", "direction"},
		),
		transfers: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pesitd_transfers_total",
				Help: "Finished transfers by direction and outcome",
			},
			[]string{"server_id", "direction", "outcome"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pesitd_bytes_transferred_total",
				Help: "Payload bytes moved by direction",
			},
			[]string{"server_id", "direction"},
		),
	}
}

func (m *pesitMetrics) RecordConnectionAccepted(serverID string) {
	if m == nil {
		return
	}
	m.connectionsAccepted.WithLabelValues(serverID).Inc()
}

func (m *pesitMetrics) RecordConnectionClosed(serverID string) {
	if m == nil {
		return
	}
	m.connectionsClosed.WithLabelValues(serverID).Inc()
}

func (m *pesitMetrics) SetActiveConnections(serverID string, count int) {
	if m == nil {
		return
	}
	m.activeConnections.WithLabelValues(serverID).Set(float64(count))
}

func (m *pesitMetrics) RecordFPDU(serverID, kind, direction string) {
	if m == nil {
		return
	}
	m.fpdus.WithLabelValues(serverID, kind, direction).Inc()
}

func (m *pesitMetrics) RecordTransfer(serverID, direction, outcome string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(serverID, direction, outcome).Inc()
}

func (m *pesitMetrics) RecordBytesTransferred(serverID, direction string, bytes int64) {
	if m == nil {
		return
	}
	m.bytesTransferred.WithLabelValues(serverID, direction).Add(float64(bytes))
}
