package pool

import (
	"fmt"
	"sync"

	"github.com/sot-tech/swarmd/internal/portfinder"
	"github.com/sot-tech/swarmd/swarm"
	"github.com/sot-tech/swarmd/wire"
)

// maxEphemeralAttempts bounds how many candidate ports Manager tries
// before giving up on an unspecified-port Listen (spec.md §4.2
// "ephemeral-port provider").
const maxEphemeralAttempts = 32

// Manager is the process-wide TCP-port registry (spec.md §4.2 "a single
// registry mapping TCP port -> Pool"). Its lifecycle is lazy: a Pool is
// created on first swarm registering a port, and destroyed when its last
// swarm is removed.
type Manager struct {
	wireFn wire.Factory

	mu    sync.Mutex
	pools map[int]*Pool
	pf    *portfinder.Provider
}

// NewManager returns a Manager that attaches wireFn to every incoming
// connection it demultiplexes, across every pool it owns.
func NewManager(wireFn wire.Factory) *Manager {
	return &Manager{
		wireFn: wireFn,
		pools:  make(map[int]*Pool),
		pf:     portfinder.New(),
	}
}

// AddSwarm implements swarm.Registry. It binds (or joins) port's Pool and
// registers s on it; port == 0 asks the ephemeral-port provider. Runs
// asynchronously since binding may retry over several seconds, and
// Swarm.Listen must not block (spec.md §5).
func (m *Manager) AddSwarm(s *swarm.Swarm, port int) {
	go m.addSwarm(s, port)
}

func (m *Manager) addSwarm(s *swarm.Swarm, port int) {
	if port != 0 {
		pl, err := m.poolFor(port)
		if err != nil {
			s.NotifyError(fmt.Errorf("pool: bind port %d: %w", port, err))
			return
		}
		pl.addSwarm(s)
		return
	}

	var lastErr error
	for i := 0; i < maxEphemeralAttempts; i++ {
		candidate := m.pf.Next()
		pl, err := m.poolFor(candidate)
		if err != nil {
			lastErr = err
			continue
		}
		if pl.addSwarm(s) {
			return
		}
		// An info-hash collision on a freshly chosen ephemeral port is
		// vanishingly unlikely; addSwarm already reported the error.
		return
	}
	s.NotifyError(fmt.Errorf("pool: no ephemeral port available after %d attempts: %w", maxEphemeralAttempts, lastErr))
}

// poolFor returns the Pool bound to port, creating and binding one if
// none exists yet. Creation is serialized on m.mu so two concurrent
// callers naming the same new port can't race to bind it twice; this
// trades a little concurrency (bind is rare and fast on the happy path)
// for a pool registry with no retry/rollback bookkeeping.
func (m *Manager) poolFor(port int) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pl, ok := m.pools[port]; ok {
		return pl, nil
	}
	pl := newPool(port, m)
	if err := pl.bind(); err != nil {
		return nil, err
	}
	m.pools[pl.port] = pl
	return pl, nil
}

// forget removes p from the registry; called by Pool once its last
// swarm has been removed (spec.md §4.3 removeSwarm, "remove the pool
// from the process-wide registry").
func (m *Manager) forget(p *Pool) {
	m.mu.Lock()
	if m.pools[p.port] == p {
		delete(m.pools, p.port)
	}
	m.mu.Unlock()
}
