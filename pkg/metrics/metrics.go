// Package metrics exposes the Prometheus collectors shared across swarmd,
// mirroring the teacher's storage package: package-level collectors plus an
// Enabled() gate so call sites can skip expensive label construction when
// nobody is scraping.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var enabled atomic.Bool

// Enable turns on metrics collection. Called once at process start by
// whatever wires up the Prometheus registry; until then every collector
// update in this module is skipped.
func Enable() {
	enabled.Store(true)
}

// Enabled reports whether metrics collection is turned on.
func Enabled() bool {
	return enabled.Load()
}

var (
	// QueuedPeers reports Swarm.num_queued per info-hash.
	QueuedPeers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "swarmd",
		Subsystem: "swarm",
		Name:      "queued_peers",
		Help:      "Peers waiting for an outbound dial slot.",
	}, []string{"info_hash"})

	// ActiveConns reports Swarm.num_conns per info-hash.
	ActiveConns = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "swarmd",
		Subsystem: "swarm",
		Name:      "active_conns",
		Help:      "Peers holding a live transport, handshaken or not.",
	}, []string{"info_hash"})

	// ActiveWires reports Swarm.num_peers per info-hash.
	ActiveWires = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "swarmd",
		Subsystem: "swarm",
		Name:      "active_wires",
		Help:      "Peers that completed a matching handshake.",
	}, []string{"info_hash"})

	// BytesTransferred counts bytes moved per info-hash and direction.
	BytesTransferred = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarmd",
		Subsystem: "swarm",
		Name:      "bytes_total",
		Help:      "Bytes transferred, labeled by direction (download/upload).",
	}, []string{"info_hash", "direction"})

	// HandshakeMismatches counts incoming connections whose handshake
	// info-hash matched no registered swarm on the accepting port.
	HandshakeMismatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarmd",
		Subsystem: "pool",
		Name:      "handshake_mismatches_total",
		Help:      "Incoming connections destroyed for matching no swarm.",
	}, []string{"port"})

	// DialFailures counts outbound connect failures per info-hash.
	DialFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarmd",
		Subsystem: "swarm",
		Name:      "dial_failures_total",
		Help:      "Outbound TCP connect failures.",
	}, []string{"info_hash"})
)

// Registry returns a Registerer with every swarmd collector registered,
// suitable for handing to adminhttp's /metrics handler.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(QueuedPeers, ActiveConns, ActiveWires, BytesTransferred, HandshakeMismatches, DialFailures)
	return r
}
