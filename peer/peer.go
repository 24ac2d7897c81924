// Package peer holds Peer, the locus of idempotent teardown for one
// remote endpoint, per spec.md §4.2. A Peer never holds a strong
// reference back into its owning Swarm's internals beyond the narrow
// Owner interface below, so destruction can unlink it without dangling
// callback captures (spec.md §9).
package peer

import (
	"sync"
	"time"

	"github.com/sot-tech/swarmd/bittorrent"
	"github.com/sot-tech/swarmd/transport"
	"github.com/sot-tech/swarmd/wire"
)

// State is the phase of a Peer's lifecycle; a Peer is in exactly one of
// these at any time (spec.md §3 invariants).
type State int

const (
	// StateQueued is a peer sitting on the swarm's outbound queue.
	StateQueued State = iota
	// StateDialing is a peer with an in-flight outbound TCP connect.
	StateDialing
	// StateConnecting is a peer with a live transport but no completed
	// handshake yet (either direction).
	StateConnecting
	// StateActive is a peer with a handshaken wire in the swarm's wires.
	StateActive
	// StateAwaitingReconnect is a peer that lost its wire and is
	// waiting out a backoff delay before re-queueing.
	StateAwaitingReconnect
	// StateDestroyed is terminal.
	StateDestroyed
)

// Owner is the narrow callback surface a Peer uses to notify its Swarm,
// kept separate from the Swarm type itself to avoid a peer<->swarm
// import cycle and so a Peer never closes over Swarm internals directly.
type Owner interface {
	// DetachWire removes w from the swarm's active wire list, called
	// during Destroy whenever this peer has a wire attached, whether or
	// not it had been promoted to active.
	DetachWire(w wire.Wire)
	// PeerDestroyed is called exactly once, at the end of Destroy, so
	// the swarm can remove the peer from _peers and attempt a _drain.
	PeerDestroyed(p *Peer)
}

// Peer is one remote endpoint: its address/id, its transport, its
// attached wire, a handshake-deadline timer, retry count, and the
// destruction flag that makes Destroy idempotent.
type Peer struct {
	// ID is the address string for TCP peers, or an opaque connection
	// id for WebRTC peers (spec.md §3).
	ID string
	// Addr is nil for a WebRTC peer until known.
	Addr *bittorrent.Address

	mu            sync.Mutex
	conn          transport.Conn
	w             wire.Wire
	owner         Owner
	timeout       *time.Timer
	retries       int
	sentHandshake bool
	destroyed     bool
	state         State
}

// New constructs a Peer queued for outbound dial, keyed by addr.
func New(addr bittorrent.Address, owner Owner) *Peer {
	return &Peer{
		ID:    addr.String(),
		Addr:  &addr,
		owner: owner,
		state: StateQueued,
	}
}

// NewIncoming constructs a Peer that already has a live transport, accepted
// by a Pool before any handshake has completed. addr is the peer's
// dial-back address when known (the remote address of a TCP connection is
// always known, unlike a WebRTC peer's, which stays nil until signaled) so
// that a later disconnect can still be retried through the normal backoff
// path instead of leaving the peer stranded.
func NewIncoming(id string, conn transport.Conn, addr *bittorrent.Address, owner Owner) *Peer {
	return &Peer{
		ID:    id,
		Addr:  addr,
		owner: owner,
		conn:  conn,
		state: StateConnecting,
	}
}

// State returns the peer's current lifecycle phase.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState transitions the peer. Callers (Swarm) hold the invariant that
// transitions only move forward except Queued<->AwaitingReconnect.
func (p *Peer) SetState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	p.state = s
}

// OccupiesConnSlot reports whether this peer currently holds (or is in the
// process of acquiring) a transport, and so counts against Swarm's
// MaxConns admission cap: dialing, connecting, and active all occupy a
// slot; queued, awaiting-reconnect, and destroyed do not. This is assigned
// the moment a dial is launched, not once it completes, so the cap bounds
// in-flight dials the same way a synchronously-assigned socket handle
// would (spec.md §3 "peer.conn != null implies...").
func (p *Peer) OccupiesConnSlot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateDialing, StateConnecting, StateActive:
		return true
	default:
		return false
	}
}

// Conn returns the current transport handle, or nil before dial / after
// destroy.
func (p *Peer) Conn() transport.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// SetConn attaches a transport handle, e.g. once an outbound dial
// completes.
func (p *Peer) SetConn(c transport.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.destroyed {
		p.conn = c
	}
}

// Wire returns the attached framer, or nil before attach / after destroy.
func (p *Peer) Wire() wire.Wire {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w
}

// SetWire attaches a Wire.
func (p *Peer) SetWire(w wire.Wire) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.destroyed {
		p.w = w
	}
}

// SetOwner reassigns which Owner is notified on Destroy, used when a Pool
// hands an adopted incoming peer off to the Swarm that claimed it.
func (p *Peer) SetOwner(owner Owner) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.destroyed {
		p.owner = owner
	}
}

// SentHandshake reports whether our handshake has already been sent on
// this peer's wire.
func (p *Peer) SentHandshake() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sentHandshake
}

// MarkHandshakeSent records that the swarm has sent its handshake; a
// no-op if already set, enforcing "at most once per peer" (spec.md §4.1).
func (p *Peer) MarkHandshakeSent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sentHandshake = true
}

// Retries returns the current backoff attempt count.
func (p *Peer) Retries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retries
}

// IncRetries bumps the retry counter and returns the new value.
func (p *Peer) IncRetries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries++
	return p.retries
}

// ResetRetries zeroes the counter, called on a successful handshake
// (spec.md §4.1 _onwire).
func (p *Peer) ResetRetries() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries = 0
}

// ArmTimeout sets the handshake-deadline timer, replacing any existing
// one. fn runs if the timer fires before Destroy or DisarmTimeout.
func (p *Peer) ArmTimeout(d time.Duration, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	if p.timeout != nil {
		p.timeout.Stop()
	}
	p.timeout = time.AfterFunc(d, fn)
}

// DisarmTimeout cancels any pending timer (handshake deadline or backoff
// re-enqueue), a no-op if none is armed.
func (p *Peer) DisarmTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disarmLocked()
}

func (p *Peer) disarmLocked() {
	if p.timeout != nil {
		p.timeout.Stop()
		p.timeout = nil
	}
}

// Destroyed reports whether Destroy has already run.
func (p *Peer) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// Destroy is idempotent: the first call tears down every resource the
// peer holds and notifies its owner exactly once; subsequent calls are a
// no-op, satisfying spec.md §4.2 and the testable property in §8 that
// calling Destroy n times has the same observable effect as once.
func (p *Peer) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.state = StateDestroyed
	conn, w, owner := p.conn, p.w, p.owner
	p.disarmLocked()
	p.conn, p.w, p.owner = nil, nil, nil
	p.mu.Unlock()

	if conn != nil {
		conn.Destroy()
	}
	if w != nil {
		w.Destroy()
		if owner != nil {
			owner.DetachWire(w)
		}
	}
	if owner != nil {
		owner.PeerDestroyed(p)
	}
}
