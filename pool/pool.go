// Package pool implements port-level demultiplexing of incoming TCP
// connections across the swarms sharing a listening port (spec.md §4.3).
// It is the only package permitted to import both swarm and peer while
// itself being imported by neither, keeping swarm/peer free of any
// knowledge of how connections are routed to them.
package pool

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sot-tech/swarmd/bittorrent"
	"github.com/sot-tech/swarmd/peer"
	"github.com/sot-tech/swarmd/pkg/log"
	"github.com/sot-tech/swarmd/pkg/metrics"
	"github.com/sot-tech/swarmd/swarm"
	"github.com/sot-tech/swarmd/transport"
	"github.com/sot-tech/swarmd/wire"
)

// BindRetries is the number of additional attempts made after an
// EADDRINUSE before giving up (spec.md §4.3).
const BindRetries = 5

// BindRetryDelay is the pause between bind retries.
const BindRetryDelay = time.Second

// HandshakeTimeoutIn is the deadline for an incoming connection to
// complete its handshake; shorter than the outbound
// swarm.HandshakeTimeoutOut because an incoming peer dialed us first and
// must speak immediately (spec.md §4.3).
const HandshakeTimeoutIn = 5 * time.Second

var logger = log.NewLogger("pool")

// Pool owns one listening TCP port and demultiplexes accepted
// connections, by handshake info-hash, across the swarms registered on
// it (spec.md §4.3).
type Pool struct {
	manager *Manager

	swarms *swarmRegistry

	mu        sync.Mutex
	port      int
	listener  transport.Listener
	listening bool
	destroyed bool
	conns     map[transport.Conn]struct{} // pre-handshake incoming connections
}

func newPool(port int, m *Manager) *Pool {
	return &Pool{
		manager: m,
		port:    port,
		swarms:  newSwarmRegistry(),
		conns:   make(map[transport.Conn]struct{}),
	}
}

// bind opens the listener, retrying on EADDRINUSE per BindRetries/
// BindRetryDelay, and starts the accept loop on success.
func (p *Pool) bind() error {
	var lastErr error
	for i := 0; i <= BindRetries; i++ {
		ln, err := transport.ListenTCP(p.port)
		if err == nil {
			p.mu.Lock()
			p.listener = ln
			p.port = resolvePort(ln.Addr(), p.port)
			p.listening = true
			p.mu.Unlock()
			go p.acceptLoop()
			return nil
		}
		lastErr = err
		if !errors.Is(err, syscall.EADDRINUSE) {
			return err
		}
		if i < BindRetries {
			time.Sleep(BindRetryDelay)
		}
	}
	return lastErr
}

func resolvePort(addr string, fallback int) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fallback
	}
	n, err := strconv.Atoi(portStr)
	if err != nil {
		return fallback
	}
	return n
}

// addSwarm registers s under its hex info-hash. Returns false, after
// reporting an error on s, if the info-hash is already registered on
// this pool (spec.md §4.3 addSwarm).
func (p *Pool) addSwarm(s *swarm.Swarm) bool {
	key := s.InfoHash().HexString()

	if !p.swarms.SetIfAbsent(key, s) {
		s.NotifyError(errors.New("pool: info-hash already registered on this port"))
		return false
	}

	p.mu.Lock()
	port := p.port
	listening := p.listening
	p.mu.Unlock()

	s.BindPool(p)
	if listening {
		s.NotifyListening(port)
	}
	return true
}

// RemoveSwarm implements swarm.PoolHandle: deletes s and, if that empties
// the pool, destroys it and deregisters it from the Manager
// (spec.md §4.3 removeSwarm).
func (p *Pool) RemoveSwarm(s *swarm.Swarm) {
	p.swarms.Delete(s.InfoHash().HexString())

	if p.swarms.Len() == 0 {
		p.destroy()
		p.manager.forget(p)
	}
}

func (p *Pool) destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	conns := make([]transport.Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = nil
	ln := p.listener
	p.mu.Unlock()

	for _, c := range conns {
		c.Destroy()
	}
	if ln != nil {
		_ = ln.Close()
	}
}

func (p *Pool) acceptLoop() {
	for {
		c, err := p.listener.Accept()
		if err != nil {
			p.mu.Lock()
			destroyed := p.destroyed
			p.mu.Unlock()
			if !destroyed {
				logger.Warn().Err(err).Int("port", p.port).Msg("accept failed, listener stopped")
			}
			return
		}

		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			c.Destroy()
			continue
		}
		p.conns[c] = struct{}{}
		p.mu.Unlock()

		go p.handleIncoming(c)
	}
}

// handleIncoming attaches a Wire to a freshly accepted connection, arms
// the incoming handshake deadline, and on a matching handshake hands the
// peer off to the owning swarm; on no match or any terminal event before
// a match, it destroys the connection (spec.md §4.3 Demultiplexing).
func (p *Pool) handleIncoming(c transport.Conn) {
	defer func() {
		p.mu.Lock()
		if p.conns != nil {
			delete(p.conns, c)
		}
		p.mu.Unlock()
	}()

	w := p.manager.wireFn(c)
	timer := time.AfterFunc(HandshakeTimeoutIn, func() {
		w.Destroy()
	})

	for ev := range w.Events() {
		switch ev.Kind {
		case wire.EventHandshake:
			timer.Stop()
			p.dispatch(c, w, ev)
			return
		case wire.EventError, wire.EventEnd, wire.EventClose:
			timer.Stop()
			w.Destroy()
			return
		}
	}
}

func (p *Pool) dispatch(c transport.Conn, w wire.Wire, ev wire.Event) {
	sw, ok := p.swarms.Get(ev.IH.HexString())
	if !ok && ev.IH.IsV2() {
		sw, ok = p.swarms.Get(ev.IH.TruncateV1().HexString())
	}
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()

	if !ok {
		if metrics.Enabled() {
			metrics.HandshakeMismatches.WithLabelValues(strconv.Itoa(port)).Inc()
		}
		w.Destroy()
		return
	}

	var addr *bittorrent.Address
	if a, err := bittorrent.ParseAddress(c.RemoteAddrString()); err == nil {
		addr = &a
	}
	pr := peer.NewIncoming(c.RemoteAddrString(), c, addr, nil)
	pr.SetWire(w)
	sw.OnIncoming(pr, w)
}
