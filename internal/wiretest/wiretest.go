// Package wiretest is a reference wire.Wire implementation used by this
// module's own tests in place of the real, out-of-scope peer-wire codec
// (spec.md §1). It speaks a minimal fixed-size handshake (info-hash +
// peer id) over a transport.Conn and otherwise just relays byte counts
// fed to it by a test as download/upload events, using pkg/bytepool for the handshake buffer the
// way a real codec would reuse scratch buffers per connection.
package wiretest

import (
	"io"
	"sync"

	"github.com/sot-tech/swarmd/bittorrent"
	"github.com/sot-tech/swarmd/pkg/bytepool"
	"github.com/sot-tech/swarmd/transport"
	"github.com/sot-tech/swarmd/wire"
)

const handshakeLen = bittorrent.InfoHashV1Len + 20 // info-hash + peer id

var scratch = bytepool.NewBytePool(handshakeLen)

// Wire is the reference wire.Wire over a transport.Conn, reading and
// writing a fixed-size handshake and otherwise relaying explicit
// Inject calls as protocol events.
type Wire struct {
	conn   transport.Conn
	events chan wire.Event

	mu        sync.Mutex
	once      sync.Once
	destroyed bool
}

// New wraps conn as a Factory-compatible Wire.
func New(conn transport.Conn) wire.Wire {
	w := &Wire{
		conn:   conn,
		events: make(chan wire.Event, 16),
	}
	go w.readLoop()
	return w
}

// Factory adapts New to wire.Factory.
var Factory wire.Factory = New

func (w *Wire) readLoop() {
	buf := scratch.Get()
	defer scratch.Put(buf)
	_, err := io.ReadFull(w.conn, *buf)
	if err != nil {
		w.emit(wire.Event{Kind: wire.EventError, Err: err})
		return
	}
	ih, err := bittorrent.NewInfoHash((*buf)[:bittorrent.InfoHashV1Len])
	if err != nil {
		w.emit(wire.Event{Kind: wire.EventError, Err: err})
		return
	}
	var pid bittorrent.PeerID
	copy(pid[:], (*buf)[bittorrent.InfoHashV1Len:])
	w.emit(wire.Event{Kind: wire.EventHandshake, IH: ih, PeerID: pid})

	for ev := range w.conn.Events() {
		switch ev {
		case transport.EventEnd:
			w.emit(wire.Event{Kind: wire.EventEnd})
		case transport.EventError:
			w.emit(wire.Event{Kind: wire.EventError})
		case transport.EventClose:
			w.emit(wire.Event{Kind: wire.EventClose})
		}
		return
	}
}

// Handshake writes the fixed-size handshake payload.
func (w *Wire) Handshake(ih bittorrent.InfoHash, peerID bittorrent.PeerID, _ bittorrent.HandshakeOptions) error {
	buf := make([]byte, 0, handshakeLen)
	buf = append(buf, ih.Bytes()[:bittorrent.InfoHashV1Len]...)
	buf = append(buf, peerID[:]...)
	_, err := w.conn.Write(buf)
	return err
}

// InjectTransfer simulates n bytes having moved, downloaded if download is
// true and uploaded otherwise, for tests driving speedometer/counter
// behavior without a real peer on the other end.
func (w *Wire) InjectTransfer(download bool, n int) {
	kind := wire.EventUpload
	if download {
		kind = wire.EventDownload
	}
	w.emit(wire.Event{Kind: kind, N: n})
}

func (w *Wire) emit(ev wire.Event) {
	w.mu.Lock()
	destroyed := w.destroyed
	w.mu.Unlock()
	if destroyed {
		return
	}
	select {
	case w.events <- ev:
	default:
	}
}

// Events implements wire.Wire.
func (w *Wire) Events() <-chan wire.Event {
	return w.events
}

// Destroy implements wire.Wire.
func (w *Wire) Destroy() {
	w.once.Do(func() {
		w.emit(wire.Event{Kind: wire.EventClose})
		w.mu.Lock()
		w.destroyed = true
		w.mu.Unlock()
		w.conn.Destroy()
		close(w.events)
	})
}
