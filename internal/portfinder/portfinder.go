// Package portfinder hands out ephemeral TCP ports for swarms that call
// Listen without naming one, per spec.md §4.2/§9: "Select the ephemeral
// base port once at process start... so repeated runs in the same
// container don't collide."
package portfinder

import (
	"math/rand"
	"sync/atomic"
)

const (
	minPort = 1025
	maxPort = 61025
	span    = maxPort - minPort
)

// Provider hands out ports starting from a randomized base chosen once,
// cycling forward so concurrent callers never hand out the same value
// twice in a row.
type Provider struct {
	next atomic.Uint32
}

// New returns a Provider with its base chosen from the process-global
// random source.
func New() *Provider {
	p := &Provider{}
	p.next.Store(uint32(minPort + rand.Intn(span)))
	return p
}

// Next returns the next candidate port; callers are responsible for
// retrying with the subsequent value if binding it fails.
func (p *Provider) Next() int {
	for {
		cur := p.next.Load()
		n := cur + 1
		if n >= maxPort {
			n = minPort
		}
		if p.next.CompareAndSwap(cur, n) {
			return int(cur)
		}
	}
}
