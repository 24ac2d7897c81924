// Package storage defines the pluggable persistent cache of recently
// active peer addresses, one set per info-hash, that a Swarm consults on
// startup to requeue known-good peers instead of waiting on external
// discovery (a restart-resilience feature this module adds beyond the
// core swarm-manager scope). Backends register themselves through
// RegisterBuilder the way the teacher's storage backends do.
package storage

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sot-tech/swarmd/pkg/conf"
	"github.com/sot-tech/swarmd/pkg/stop"
)

// PeerCache remembers which addresses recently reached an active wire for
// a given info-hash, and forgets them again once they're gone stale.
type PeerCache interface {
	// Remember records addr as recently active for the hex info-hash ih.
	Remember(ctx context.Context, ih, addr string) error
	// Recent returns up to limit addresses recently active for ih,
	// most-recently-seen first.
	Recent(ctx context.Context, ih string, limit int) ([]string, error)
	// Forget removes addr from ih's recent set.
	Forget(ctx context.Context, ih, addr string) error
	stop.Stopper
}

// Builder constructs a PeerCache from a decoded config map; registered by
// each backend's init().
type Builder func(conf.MapConfig) (PeerCache, error)

var builders = make(map[string]Builder)

// RegisterBuilder makes a PeerCache backend available to NewPeerCache
// under name. Panics on duplicate registration, mirroring the teacher's
// frontend.RegisterBuilder contract (frontend/udp/frontend.go).
func RegisterBuilder(name string, b Builder) {
	if _, exists := builders[name]; exists {
		panic(fmt.Sprintf("storage: builder %q already registered", name))
	}
	builders[name] = b
}

// NewPeerCache constructs the backend registered under name.
func NewPeerCache(name string, cfg conf.MapConfig) (PeerCache, error) {
	b, ok := builders[name]
	if !ok {
		return nil, fmt.Errorf("storage: no builder registered for %q", name)
	}
	return b(cfg)
}

// PromGCDurationMilliseconds reports how long each backend's periodic
// expiry sweep took, labeled by backend name.
var PromGCDurationMilliseconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "swarmd",
	Subsystem: "storage",
	Name:      "gc_duration_milliseconds",
	Help:      "Time taken to expire stale peer-cache entries.",
	Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
}, []string{"backend"})
