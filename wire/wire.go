// Package wire defines the contract the swarm core consumes from an
// external peer-wire-protocol codec (framing, handshake layout, piece
// request/response, choke/interest, extensions). The codec itself is out
// of scope for this module (spec.md §1); this package is the seam.
package wire

import (
	"github.com/sot-tech/swarmd/bittorrent"
	"github.com/sot-tech/swarmd/transport"
)

// Factory builds a Wire on top of a freshly dialed or accepted transport
// connection. The swarm core is agnostic to the actual codec; production
// wiring supplies one, tests use internal/wiretest's reference
// implementation.
type Factory func(transport.Conn) Wire

// EventKind enumerates the events a Wire emits, per spec.md §4.4.
type EventKind int

const (
	// EventHandshake fires once upon receipt of the remote handshake.
	EventHandshake EventKind = iota
	// EventDownload fires with bytes received since the last fire.
	EventDownload
	// EventUpload fires with bytes sent since the last fire.
	EventUpload
	// EventEnd mirrors the underlying transport's half-close.
	EventEnd
	// EventFinish fires when the writable side has flushed and finished.
	EventFinish
	// EventError carries a protocol-level error.
	EventError
	// EventClose fires once, terminally, regardless of cause.
	EventClose
)

// Event is a single notification from a Wire, read from Events() by the
// pool until the handshake is demultiplexed and by the owning swarm after.
type Event struct {
	Kind  EventKind
	N     int // byte count for EventDownload/EventUpload
	Err   error
	IH    bittorrent.InfoHash
	PeerID bittorrent.PeerID
	Ext   bittorrent.Extensions
}

// Wire is the duplex peer-protocol stream layered atop a transport.Conn.
// An implementation must satisfy this contract, or be mocked by it (see
// internal/wiretest for the reference implementation used by this
// module's own tests).
type Wire interface {
	// Handshake sends our handshake. Must be called at most once per
	// wire; the swarm tracks this with Peer.SentHandshake.
	Handshake(ih bittorrent.InfoHash, peerID bittorrent.PeerID, opts bittorrent.HandshakeOptions) error
	// Events returns the channel of protocol events this wire emits.
	// Closed after Destroy.
	Events() <-chan Event
	// Destroy forces termination; must cause an EventClose.
	Destroy()
}
