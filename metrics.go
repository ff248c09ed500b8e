package connectproxy

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the proxy's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	connections   prometheus.Counter
	rejections    *prometheus.CounterVec
	tunnels       *prometheus.CounterVec
	activeTunnels prometheus.Gauge
	relayedBytes  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewCounter(prometheus.CounterOpts{
			Namespace: "connectproxy",
			Name:      "connections_accepted_total",
			Help:      "Client connections accepted.",
		}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "connectproxy",
			Name:      "requests_rejected_total",
			Help:      "Requests answered with an error status, by status code.",
		}, []string{"code"}),
		tunnels: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "connectproxy",
			Name:      "tunnels_total",
			Help:      "Tunnel attempts, by result.",
		}, []string{"result"}),
		activeTunnels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "connectproxy",
			Name:      "tunnels_active",
			Help:      "Tunnels currently relaying data.",
		}),
		relayedBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "connectproxy",
			Name:      "relayed_bytes_total",
			Help:      "Bytes relayed through tunnels, by direction.",
		}, []string{"direction"}),
	}
}

func (m *Metrics) connectionAccepted() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) requestRejected(status int) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) tunnelEstablished() {
	if m == nil {
		return
	}
	m.tunnels.WithLabelValues("established").Inc()
	m.activeTunnels.Inc()
}

func (m *Metrics) tunnelFailed() {
	if m == nil {
		return
	}
	m.tunnels.WithLabelValues("failed").Inc()
}

func (m *Metrics) tunnelClosed() {
	if m == nil {
		return
	}
	m.activeTunnels.Dec()
}

func (m *Metrics) bytesRelayed(dir string, n int) {
	if m == nil {
		return
	}
	m.relayedBytes.WithLabelValues(dir).Add(float64(n))
}
