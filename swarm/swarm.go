// Package swarm implements the core of the BitTorrent swarm manager: one
// Swarm per info-hash, maintaining the queue of pending peers, the
// dictionary of known peers, the list of handshaken wires, aggregate
// counters and speedometers, and the hard cap on simultaneous
// connections. See spec.md §4.1.
package swarm

import (
	"sync"
	"sync/atomic"

	"github.com/sot-tech/swarmd/bittorrent"
	"github.com/sot-tech/swarmd/peer"
	"github.com/sot-tech/swarmd/pkg/log"
	"github.com/sot-tech/swarmd/pkg/metrics"
	"github.com/sot-tech/swarmd/pkg/stop"
	"github.com/sot-tech/swarmd/speedometer"
	"github.com/sot-tech/swarmd/storage"
	"github.com/sot-tech/swarmd/transport"
	"github.com/sot-tech/swarmd/wire"
)

// Registry is the narrow interface a port-demultiplexing manager (package
// pool's Manager) satisfies so Swarm.Listen can register without this
// package importing pool (which itself must import swarm to hold
// *Swarm values in its per-port maps).
type Registry interface {
	// AddSwarm binds (or joins an already-bound) listener for port,
	// or picks one via an ephemeral-port provider if port == 0, and
	// registers s against it. Duplicate info-hash registration and bind
	// failure are reported asynchronously as EventError on s, never
	// returned here, matching spec.md §4.1's synchronous, non-blocking
	// Listen contract.
	AddSwarm(s *Swarm, port int)
}

// PoolHandle is the narrow callback a Swarm uses to detach from its pool
// on Destroy, satisfied by package pool's *Pool.
type PoolHandle interface {
	RemoveSwarm(s *Swarm)
}

// Swarm is the set of peers participating in exchanging a single torrent,
// identified by an info-hash (spec.md §3).
type Swarm struct {
	infoHash bittorrent.InfoHash
	peerID   bittorrent.PeerID
	opts     bittorrent.HandshakeOptions
	dialer   transport.Dialer
	wireFn   wire.Factory
	logger   *log.Logger
	sink     *eventSink

	mu        sync.Mutex
	port      int
	paused    bool
	destroyed bool
	pool      PoolHandle
	queue     []*peer.Peer
	peers     map[string]*peer.Peer
	wires     []wire.Wire
	cache     storage.PeerCache

	downloaded atomic.Uint64
	uploaded   atomic.Uint64
	downSpeed  *speedometer.Speedometer
	upSpeed    *speedometer.Speedometer

	listenOnce sync.Once
	closeOnce  sync.Once
	closeResult stop.Result
}

// New constructs a Swarm for infoHash, presenting peerID and opts during
// every handshake. dialer opens outbound transports (normally
// transport.TCPDialer{}); wireFn attaches the external peer-wire codec to
// a freshly connected transport.
func New(infoHash bittorrent.InfoHash, peerID bittorrent.PeerID, opts bittorrent.HandshakeOptions, dialer transport.Dialer, wireFn wire.Factory) *Swarm {
	s := &Swarm{
		infoHash:  infoHash,
		peerID:    peerID,
		opts:      opts,
		dialer:    dialer,
		wireFn:    wireFn,
		logger:    log.NewLogger("swarm"),
		peers:     make(map[string]*peer.Peer),
		downSpeed: speedometer.New(speedometer.DefaultWindow),
		upSpeed:   speedometer.New(speedometer.DefaultWindow),
	}
	s.sink = newEventSink(s.logger)
	return s
}

// InfoHash returns the swarm's immutable info-hash.
func (s *Swarm) InfoHash() bittorrent.InfoHash { return s.infoHash }

// PeerID returns the swarm's immutable local peer id.
func (s *Swarm) PeerID() bittorrent.PeerID { return s.peerID }

// Port returns the bound TCP port, or 0 before Listen resolves.
func (s *Swarm) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// OnEvent registers the single external consumer of this swarm's events.
// One consumer per swarm is the normal case (spec.md §9); calling this
// again replaces the previous handler.
func (s *Swarm) OnEvent(h func(Event)) {
	s.sink.setHandler(h)
}

// Downloaded returns the monotonically non-decreasing download byte
// counter.
func (s *Swarm) Downloaded() uint64 { return s.downloaded.Load() }

// Uploaded returns the monotonically non-decreasing upload byte counter.
func (s *Swarm) Uploaded() uint64 { return s.uploaded.Load() }

// DownloadSpeed returns the current download rate estimate in bytes/sec.
func (s *Swarm) DownloadSpeed() float64 { return s.downSpeed.Rate() }

// UploadSpeed returns the current upload rate estimate in bytes/sec.
func (s *Swarm) UploadSpeed() float64 { return s.upSpeed.Rate() }

// Ratio is uploaded/downloaded, or 0 if nothing has been downloaded yet.
func (s *Swarm) Ratio() float64 {
	d := s.Downloaded()
	if d == 0 {
		return 0
	}
	return float64(s.Uploaded()) / float64(d)
}

// NumQueued is the count of peers waiting for an outbound dial slot.
func (s *Swarm) NumQueued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// NumConns is the count of peers occupying a connection slot (dialing,
// connecting, or active); this is the quantity the admission cap
// (MaxConns) bounds.
func (s *Swarm) NumConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numConnsLocked()
}

// NumPeers is the count of peers with an active, handshaken wire.
func (s *Swarm) NumPeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.wires)
}

// Wires returns a snapshot of the currently active wires. Order is
// observational only (spec.md §3).
func (s *Swarm) Wires() []wire.Wire {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Wire, len(s.wires))
	copy(out, s.wires)
	return out
}

// Add enqueues addr for outbound dial. A no-op if the swarm is destroyed,
// a peer with that key already exists, or addr fails validation
// (spec.md §4.1).
func (s *Swarm) Add(addr string) {
	a, err := bittorrent.ParseAddress(addr)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if _, exists := s.peers[a.String()]; exists {
		s.mu.Unlock()
		return
	}
	p := peer.New(a, s)
	s.peers[a.String()] = p
	s.queue = append(s.queue, p)
	s.mu.Unlock()

	s.reportQueueDepth()
	s.drain()
}

// Remove tears down the peer keyed by addr, if any, and attempts a drain
// so a queued peer can take its slot (spec.md §4.1 _remove).
func (s *Swarm) Remove(addr string) {
	s.removeByKey(addr)
	s.drain()
}

// Pause prevents new outbound dials only; it does not affect incoming
// connections nor in-flight transfers (spec.md §4.1).
func (s *Swarm) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume lifts Pause and attempts a drain.
func (s *Swarm) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.drain()
}

// Listen binds (or joins) a listener for port via registry, or an
// ephemeral one if port == 0. cb, if non-nil, is invoked on the first
// EventListening for this swarm.
func (s *Swarm) Listen(registry Registry, port int, cb func(port int)) {
	if cb != nil {
		prev := s.sink.handler
		s.sink.setHandler(func(ev Event) {
			if ev.Kind == EventListening {
				cb(ev.Port)
			}
			if prev != nil {
				prev(ev)
			}
		})
	}
	registry.AddSwarm(s, port)
}

// bindPool is called by a Registry once this swarm has been accepted
// into a Pool, so Destroy can later detach cleanly.
func (s *Swarm) bindPool(p PoolHandle) {
	s.mu.Lock()
	s.pool = p
	s.mu.Unlock()
}

// notifyListening is called by package pool once the owning Pool's
// listener is bound. Delivered at most once per swarm; it is not held
// back or ordered against EventWire from outbound dials already running.
func (s *Swarm) notifyListening(port int) {
	s.listenOnce.Do(func() {
		s.mu.Lock()
		s.port = port
		destroyed := s.destroyed
		s.mu.Unlock()
		if !destroyed {
			s.sink.emit(Event{Kind: EventListening, Port: port})
		}
	})
}

// notifyError surfaces a non-fatal runtime fault as an EventError; the
// swarm remains operable (spec.md §7).
func (s *Swarm) notifyError(err error) {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed || err == nil {
		return
	}
	s.logger.Warn().Err(err).Stringer("infoHash", s.infoHash).Msg("swarm error")
	s.sink.emit(Event{Kind: EventError, Err: err})
}

// Stop implements stop.Stopper so many swarms can be shut down through one
// stop.Group.
func (s *Swarm) Stop() stop.Result {
	return s.Destroy()
}

// Destroy marks the swarm destroyed, tears down every peer, detaches from
// its pool, and asynchronously emits EventClose exactly once
// (spec.md §4.1). Safe to call more than once; later calls return the
// same Result.
func (s *Swarm) Destroy() stop.Result {
	s.closeOnce.Do(func() {
		c := make(stop.Channel)
		s.closeResult = c.Result()
		go s.destroyOnce(c)
	})
	return s.closeResult
}

func (s *Swarm) destroyOnce(c stop.Channel) {
	s.mu.Lock()
	s.destroyed = true
	peers := make([]*peer.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	pool := s.pool
	s.pool = nil
	s.mu.Unlock()

	for _, p := range peers {
		p.Destroy()
	}
	if pool != nil {
		pool.RemoveSwarm(s)
	}

	s.sink.emit(Event{Kind: EventClose})
	s.sink.close()
	metrics.QueuedPeers.DeleteLabelValues(s.infoHash.HexString())
	metrics.ActiveConns.DeleteLabelValues(s.infoHash.HexString())
	metrics.ActiveWires.DeleteLabelValues(s.infoHash.HexString())
	c.Done(nil)
}

func (s *Swarm) reportQueueDepth() {
	if metrics.Enabled() {
		metrics.QueuedPeers.WithLabelValues(s.infoHash.HexString()).Set(float64(s.NumQueued()))
	}
}

func (s *Swarm) reportConnCounts() {
	if metrics.Enabled() {
		metrics.ActiveConns.WithLabelValues(s.infoHash.HexString()).Set(float64(s.NumConns()))
		metrics.ActiveWires.WithLabelValues(s.infoHash.HexString()).Set(float64(s.NumPeers()))
	}
}
