package swarm

import (
	"context"

	"github.com/sot-tech/swarmd/bittorrent"
	"github.com/sot-tech/swarmd/peer"
	"github.com/sot-tech/swarmd/pkg/metrics"
	"github.com/sot-tech/swarmd/transport"
	"github.com/sot-tech/swarmd/wire"
)

// drain pops queued peers and dials them until num_conns reaches MaxConns,
// the queue empties, or the swarm is paused/destroyed (spec.md §4.1
// _drain). Safe to call from any goroutine; it is invoked after every
// state change that could free or fill a slot.
func (s *Swarm) drain() {
	for {
		s.mu.Lock()
		if s.destroyed || s.paused || len(s.queue) == 0 || s.numConnsLocked() >= MaxConns {
			s.mu.Unlock()
			return
		}
		p := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.reportQueueDepth()
		p.DisarmTimeout()
		s.dial(p)
	}
}

// numConnsLocked is NumConns without acquiring s.mu; callers must already
// hold it.
func (s *Swarm) numConnsLocked() int {
	n := 0
	for _, p := range s.peers {
		if p.OccupiesConnSlot() {
			n++
		}
	}
	return n
}

// dial claims a connection slot for the popped peer and hands the actual
// connect off to a goroutine: Add (and every other public API method that
// reaches drain) must not block on network I/O (spec.md §5), so only the
// synchronous state transition that makes the peer count against
// MaxConns happens here.
func (s *Swarm) dial(p *peer.Peer) {
	p.SetState(peer.StateDialing)
	s.reportConnCounts()
	go s.doDial(p)
}

// doDial performs the outbound connect: connect, attach wire, arm the
// handshake deadline, send our handshake, and start the per-peer event
// loop that will observe the remote handshake (spec.md §4.1 _drain,
// "On connect:").
func (s *Swarm) doDial(p *peer.Peer) {
	ctx, cancel := context.WithTimeout(context.Background(), transport.DialTimeout)
	conn, err := s.dialer.DialContext(ctx, p.Addr.String())
	cancel()
	if err != nil {
		if metrics.Enabled() {
			metrics.DialFailures.WithLabelValues(s.infoHash.HexString()).Inc()
		}
		s.logger.Debug().Err(err).Str("addr", p.ID).Msg("dial failed")
		p.SetState(peer.StateAwaitingReconnect)
		s.reportConnCounts()
		s.scheduleRetryOrDestroy(p)
		return
	}
	if p.Destroyed() {
		conn.Destroy()
		return
	}

	p.SetConn(conn)
	p.SetState(peer.StateConnecting)
	s.reportConnCounts()

	w := s.wireFn(conn)
	p.SetWire(w)
	p.ArmTimeout(HandshakeTimeoutOut, func() {
		s.logger.Debug().Str("addr", p.ID).Msg("outbound handshake timed out")
		p.Destroy()
	})

	go s.runWireEvents(p, w)

	if err := w.Handshake(s.infoHash, s.peerID, s.opts); err != nil {
		s.notifyError(err)
		return
	}
	p.MarkHandshakeSent()
}

// onIncoming is called by a Registry once it has demultiplexed an accepted
// connection's handshake to this swarm's info-hash (spec.md §4.1
// _onincoming): the remote side has already handshaken, so the swarm only
// needs to answer and promote.
func (s *Swarm) onIncoming(p *peer.Peer, w wire.Wire) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		p.Destroy()
		return
	}
	if _, exists := s.peers[p.ID]; exists {
		s.mu.Unlock()
		p.Destroy()
		return
	}
	s.peers[p.ID] = p
	s.mu.Unlock()

	p.SetOwner(s)
	p.DisarmTimeout()
	s.reportConnCounts()

	go s.runWireEvents(p, w)

	if err := w.Handshake(s.infoHash, s.peerID, s.opts); err != nil {
		s.notifyError(err)
		p.Destroy()
		return
	}
	p.MarkHandshakeSent()
	s.onWire(p, w)
}

// runWireEvents is the single reader of w.Events() for the lifetime of
// this wire, started right after attach so no event (including the
// handshake this goroutine itself is waiting for) is missed.
func (s *Swarm) runWireEvents(p *peer.Peer, w wire.Wire) {
	for ev := range w.Events() {
		switch ev.Kind {
		case wire.EventHandshake:
			if p.State() == peer.StateActive {
				continue
			}
			if !s.matchesInfoHash(ev.IH) {
				s.logger.Warn().Str("addr", p.ID).Stringer("got", ev.IH).Msg("remote handshake info-hash mismatch")
				p.Destroy()
				return
			}
			s.onWire(p, w)
		case wire.EventDownload:
			s.downloaded.Add(uint64(ev.N))
			s.downSpeed.Update(ev.N)
			if metrics.Enabled() {
				metrics.BytesTransferred.WithLabelValues(s.infoHash.HexString(), "download").Add(float64(ev.N))
			}
			s.sink.emit(Event{Kind: EventDownload, N: ev.N, Addr: p.ID})
		case wire.EventUpload:
			s.uploaded.Add(uint64(ev.N))
			s.upSpeed.Update(ev.N)
			if metrics.Enabled() {
				metrics.BytesTransferred.WithLabelValues(s.infoHash.HexString(), "upload").Add(float64(ev.N))
			}
			s.sink.emit(Event{Kind: EventUpload, N: ev.N, Addr: p.ID})
		case wire.EventError, wire.EventEnd, wire.EventFinish, wire.EventClose:
			s.onWireTerminal(p, ev.Err)
			return
		}
	}
}

// matchesInfoHash reports whether ih identifies this swarm's torrent,
// falling back to a v1-truncated comparison for a v2 handshake against a
// v1-registered swarm (spec.md §4.1, hybrid info-hash support).
func (s *Swarm) matchesInfoHash(ih bittorrent.InfoHash) bool {
	if s.infoHash.Equal(ih) {
		return true
	}
	return ih.IsV2() && ih.TruncateV1().Equal(s.infoHash)
}

// onWire promotes p to active: cancels its handshake deadline, resets its
// retry count, records its wire, and emits EventWire (spec.md §4.1 _onwire).
func (s *Swarm) onWire(p *peer.Peer, w wire.Wire) {
	p.DisarmTimeout()
	p.ResetRetries()
	p.SetState(peer.StateActive)

	s.mu.Lock()
	s.wires = append(s.wires, w)
	s.mu.Unlock()

	s.reportConnCounts()
	s.rememberActive(p.ID)
	s.sink.emit(Event{Kind: EventWire, Wire: w, Addr: p.ID})
}

// onWireTerminal handles a wire reaching a terminal event while its peer
// was not explicitly destroyed: either the swarm is gone, the backoff
// schedule is exhausted, in which case the peer is destroyed outright, or
// the peer is detached from its transport and re-armed for a delayed
// re-queue (spec.md §4.1, §6).
func (s *Swarm) onWireTerminal(p *peer.Peer, err error) {
	if p.Destroyed() {
		return
	}
	s.notifyError(err)
	s.detachWireLocked(p.Wire())
	p.DetachTransport()
	s.reportConnCounts()
	s.scheduleRetryOrDestroy(p)
}

// scheduleRetryOrDestroy applies the backoff schedule: destroy outright if
// the swarm is gone or the schedule is exhausted, otherwise arm a timer
// that re-queues p after the next delay.
func (s *Swarm) scheduleRetryOrDestroy(p *peer.Peer) {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()

	retries := p.Retries()
	delay, exhausted := backoffDelay(retries)
	if destroyed || exhausted {
		p.Destroy()
		return
	}
	p.IncRetries()
	p.ArmTimeout(delay, func() { s.requeue(p) })
}

// requeue appends p back onto the outbound queue after its backoff delay
// elapses, then attempts a drain.
func (s *Swarm) requeue(p *peer.Peer) {
	if p.Destroyed() {
		return
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, p)
	s.mu.Unlock()

	p.SetState(peer.StateQueued)
	s.reportQueueDepth()
	s.drain()
}

// removeByKey tears down the peer keyed by addr, if any (spec.md §4.1
// _remove). Destroy's Owner callbacks (DetachWire, PeerDestroyed) perform
// the rest of the bookkeeping.
func (s *Swarm) removeByKey(addr string) {
	s.mu.Lock()
	p, ok := s.peers[addr]
	s.mu.Unlock()
	if !ok {
		return
	}
	p.Destroy()
}

// detachWireLocked removes w from s.wires if present; safe to call with w
// == nil or already removed.
func (s *Swarm) detachWireLocked(w wire.Wire) {
	if w == nil {
		return
	}
	s.mu.Lock()
	for i, ww := range s.wires {
		if ww == w {
			s.wires = append(s.wires[:i], s.wires[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// DetachWire implements peer.Owner: called during Peer.Destroy whenever
// that peer has a wire attached; a no-op if the wire was never promoted.
func (s *Swarm) DetachWire(w wire.Wire) {
	s.detachWireLocked(w)
	s.reportConnCounts()
}

// PeerDestroyed implements peer.Owner: called exactly once, at the end of
// Peer.Destroy, so the swarm can forget it and attempt a drain.
func (s *Swarm) PeerDestroyed(p *peer.Peer) {
	s.mu.Lock()
	if s.peers[p.ID] == p {
		delete(s.peers, p.ID)
	}
	for i, q := range s.queue {
		if q == p {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.reportQueueDepth()
	s.reportConnCounts()
	s.drain()
}
