// Package metrics provides Prometheus metrics for socks5gate.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "socks5gate"
)

// Metrics contains all Prometheus metrics for the proxy.
type Metrics struct {
	// Connection / worker metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	WorkersReaped     prometheus.Counter

	// Auth metrics
	AuthFailures  prometheus.Counter
	AuthOnceHits  prometheus.Counter
	MethodDenials *prometheus.CounterVec

	// CONNECT (TCP relay) metrics
	ConnectLatency  prometheus.Histogram
	ConnectErrors   *prometheus.CounterVec
	RelayBytesSent  prometheus.Counter
	RelayBytesRecv  prometheus.Counter
	RelayIdleClosed prometheus.Counter

	// UDP ASSOCIATE metrics
	UDPAssociationsActive prometheus.Gauge
	UDPAssociationsTotal  prometheus.Counter
	UDPTargetsActive      prometheus.Gauge
	UDPDatagramsIn        prometheus.Counter
	UDPDatagramsOut       prometheus.Counter
	UDPDatagramsDropped   *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently active client connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of client connections accepted",
		}),
		WorkersReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_reaped_total",
			Help:      "Total number of worker goroutines that have finished their connection",
		}),

		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total username/password authentication failures",
		}),
		AuthOnceHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_once_hits_total",
			Help:      "Total connections accepted via auth-once NO_AUTH fallback",
		}),
		MethodDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "method_denials_total",
			Help:      "Total connections rejected during method negotiation",
		}, []string{"reason"}),

		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Histogram of CONNECT dial latency",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		ConnectErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_errors_total",
			Help:      "Total CONNECT dial errors by SOCKS5 reply code",
		}, []string{"reply"}),
		RelayBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_sent_total",
			Help:      "Total bytes relayed from client to upstream",
		}),
		RelayBytesRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_received_total",
			Help:      "Total bytes relayed from upstream to client",
		}),
		RelayIdleClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_idle_closed_total",
			Help:      "Total TCP relays torn down by the idle timeout",
		}),

		UDPAssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associations_active",
			Help:      "Number of active UDP ASSOCIATE sessions",
		}),
		UDPAssociationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_associations_total",
			Help:      "Total UDP ASSOCIATE sessions created",
		}),
		UDPTargetsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_targets_active",
			Help:      "Number of distinct upstream UDP sockets currently open across all associations",
		}),
		UDPDatagramsIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_in_total",
			Help:      "Total datagrams received from clients on the server-side UDP socket",
		}),
		UDPDatagramsOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_out_total",
			Help:      "Total datagrams relayed back to clients",
		}),
		UDPDatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_dropped_total",
			Help:      "Total datagrams dropped by reason",
		}, []string{"reason"}),
	}
}

// RecordConnect records a new accepted client connection.
func (m *Metrics) RecordConnect() {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// RecordDisconnect records a worker finishing its connection.
func (m *Metrics) RecordDisconnect() {
	m.ConnectionsActive.Dec()
	m.WorkersReaped.Inc()
}

// RecordAuthFailure records a failed RFC 1929 credential check.
func (m *Metrics) RecordAuthFailure() {
	m.AuthFailures.Inc()
}

// RecordAuthOnceHit records a connection accepted via the auth-once set.
func (m *Metrics) RecordAuthOnceHit() {
	m.AuthOnceHits.Inc()
}

// RecordMethodDenial records a connection rejected during method negotiation.
func (m *Metrics) RecordMethodDenial(reason string) {
	m.MethodDenials.WithLabelValues(reason).Inc()
}

// RecordConnectLatency records CONNECT dial latency.
func (m *Metrics) RecordConnectLatency(latencySeconds float64) {
	m.ConnectLatency.Observe(latencySeconds)
}

// RecordConnectError records a CONNECT dial failure by SOCKS5 reply code.
func (m *Metrics) RecordConnectError(reply string) {
	m.ConnectErrors.WithLabelValues(reply).Inc()
}

// RecordRelayBytes records bytes relayed in each direction.
func (m *Metrics) RecordRelayBytes(sent, recv int64) {
	if sent > 0 {
		m.RelayBytesSent.Add(float64(sent))
	}
	if recv > 0 {
		m.RelayBytesRecv.Add(float64(recv))
	}
}

// RecordRelayIdleClose records a TCP relay torn down by the idle timeout.
func (m *Metrics) RecordRelayIdleClose() {
	m.RelayIdleClosed.Inc()
}

// RecordUDPAssociationOpen records a new UDP ASSOCIATE session.
func (m *Metrics) RecordUDPAssociationOpen() {
	m.UDPAssociationsActive.Inc()
	m.UDPAssociationsTotal.Inc()
}

// RecordUDPAssociationClose records a UDP ASSOCIATE session tearing down.
func (m *Metrics) RecordUDPAssociationClose() {
	m.UDPAssociationsActive.Dec()
}

// RecordUDPTargetOpen records a new per-target upstream UDP socket.
func (m *Metrics) RecordUDPTargetOpen() {
	m.UDPTargetsActive.Inc()
}

// RecordUDPTargetClose records an upstream UDP socket closing.
func (m *Metrics) RecordUDPTargetClose() {
	m.UDPTargetsActive.Dec()
}

// RecordUDPDatagramIn records a datagram received from a client.
func (m *Metrics) RecordUDPDatagramIn() {
	m.UDPDatagramsIn.Inc()
}

// RecordUDPDatagramOut records a datagram relayed back to a client.
func (m *Metrics) RecordUDPDatagramOut() {
	m.UDPDatagramsOut.Inc()
}

// RecordUDPDatagramDropped records a dropped datagram by reason.
func (m *Metrics) RecordUDPDatagramDropped(reason string) {
	m.UDPDatagramsDropped.WithLabelValues(reason).Inc()
}
