package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sot-tech/swarmd/bittorrent"
	"github.com/sot-tech/swarmd/transport"
	"github.com/sot-tech/swarmd/wire"
)

type fakeConn struct {
	mu        sync.Mutex
	destroyed bool
	events    chan transport.Event
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan transport.Event, 1)}
}

func (c *fakeConn) Read([]byte) (int, error)  { return 0, nil }
func (c *fakeConn) Write([]byte) (int, error) { return 0, nil }
func (c *fakeConn) Close() error              { c.Destroy(); return nil }
func (c *fakeConn) RemoteAddrString() string  { return "127.0.0.1:6881" }
func (c *fakeConn) Events() <-chan transport.Event {
	return c.events
}
func (c *fakeConn) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true
	close(c.events)
}
func (c *fakeConn) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

type fakeWire struct {
	mu        sync.Mutex
	destroyed bool
	events    chan wire.Event
}

func newFakeWire() *fakeWire {
	return &fakeWire{events: make(chan wire.Event, 1)}
}

func (w *fakeWire) Handshake(bittorrent.InfoHash, bittorrent.PeerID, bittorrent.HandshakeOptions) error {
	return nil
}
func (w *fakeWire) Events() <-chan wire.Event { return w.events }
func (w *fakeWire) Destroy() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.destroyed {
		return
	}
	w.destroyed = true
	close(w.events)
}
func (w *fakeWire) isDestroyed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.destroyed
}

type fakeOwner struct {
	mu            sync.Mutex
	detachedWires []wire.Wire
	destroyed     []*Peer
}

func (o *fakeOwner) DetachWire(w wire.Wire) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.detachedWires = append(o.detachedWires, w)
}

func (o *fakeOwner) PeerDestroyed(p *Peer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.destroyed = append(o.destroyed, p)
}

func (o *fakeOwner) destroyedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.destroyed)
}

func mustAddr(t *testing.T, s string) bittorrent.Address {
	t.Helper()
	a, err := bittorrent.ParseAddress(s)
	require.NoError(t, err)
	return a
}

func TestNewPeerStartsQueued(t *testing.T) {
	owner := &fakeOwner{}
	p := New(mustAddr(t, "127.0.0.1:6881"), owner)
	assert.Equal(t, StateQueued, p.State())
	assert.Equal(t, "127.0.0.1:6881", p.ID)
	assert.False(t, p.Destroyed())
}

func TestDestroyTearsDownConnAndWireAndNotifiesOwner(t *testing.T) {
	owner := &fakeOwner{}
	p := New(mustAddr(t, "127.0.0.1:6881"), owner)
	c := newFakeConn()
	w := newFakeWire()
	p.SetConn(c)
	p.SetWire(w)
	p.SetState(StateActive)

	p.Destroy()

	assert.True(t, p.Destroyed())
	assert.True(t, c.isDestroyed())
	assert.True(t, w.isDestroyed())
	assert.Nil(t, p.Conn())
	assert.Nil(t, p.Wire())
	assert.Equal(t, 1, owner.destroyedCount())
	assert.Len(t, owner.detachedWires, 1)
}

func TestDestroyIsIdempotent(t *testing.T) {
	owner := &fakeOwner{}
	p := New(mustAddr(t, "127.0.0.1:6881"), owner)
	c := newFakeConn()
	p.SetConn(c)

	p.Destroy()
	p.Destroy()
	p.Destroy()

	assert.Equal(t, 1, owner.destroyedCount())
}

func TestDestroyWithoutActiveWireDoesNotDetach(t *testing.T) {
	owner := &fakeOwner{}
	p := New(mustAddr(t, "127.0.0.1:6881"), owner)
	p.Destroy()
	assert.Empty(t, owner.detachedWires)
	assert.Equal(t, 1, owner.destroyedCount())
}

func TestArmTimeoutFiresAfterDelay(t *testing.T) {
	owner := &fakeOwner{}
	p := New(mustAddr(t, "127.0.0.1:6881"), owner)

	fired := make(chan struct{})
	p.ArmTimeout(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout never fired")
	}
}

func TestDisarmTimeoutPreventsFire(t *testing.T) {
	owner := &fakeOwner{}
	p := New(mustAddr(t, "127.0.0.1:6881"), owner)

	fired := make(chan struct{})
	p.ArmTimeout(20*time.Millisecond, func() { close(fired) })
	p.DisarmTimeout()

	select {
	case <-fired:
		t.Fatal("timeout fired despite disarm")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestDestroyDisarmsPendingTimeout(t *testing.T) {
	owner := &fakeOwner{}
	p := New(mustAddr(t, "127.0.0.1:6881"), owner)

	fired := make(chan struct{})
	p.ArmTimeout(20*time.Millisecond, func() { close(fired) })
	p.Destroy()

	select {
	case <-fired:
		t.Fatal("timeout fired after destroy")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestRetriesResetAndIncrement(t *testing.T) {
	owner := &fakeOwner{}
	p := New(mustAddr(t, "127.0.0.1:6881"), owner)

	assert.Equal(t, 0, p.Retries())
	assert.Equal(t, 1, p.IncRetries())
	assert.Equal(t, 2, p.IncRetries())
	p.ResetRetries()
	assert.Equal(t, 0, p.Retries())
}

func TestMarkHandshakeSentIsOnceObservable(t *testing.T) {
	owner := &fakeOwner{}
	p := New(mustAddr(t, "127.0.0.1:6881"), owner)
	assert.False(t, p.SentHandshake())
	p.MarkHandshakeSent()
	assert.True(t, p.SentHandshake())
	p.MarkHandshakeSent()
	assert.True(t, p.SentHandshake())
}

func TestDetachTransportMovesToAwaitingReconnectWithoutDestroying(t *testing.T) {
	owner := &fakeOwner{}
	p := New(mustAddr(t, "127.0.0.1:6881"), owner)
	c := newFakeConn()
	w := newFakeWire()
	p.SetConn(c)
	p.SetWire(w)

	detached := p.DetachTransport()

	assert.Equal(t, w, detached)
	assert.Equal(t, StateAwaitingReconnect, p.State())
	assert.False(t, p.Destroyed())
	assert.Nil(t, p.Conn())
	assert.Nil(t, p.Wire())
	assert.True(t, c.isDestroyed())
	assert.False(t, w.isDestroyed(), "DetachTransport must not destroy the wire itself, only hand it back")
}

func TestDetachTransportNoopAfterDestroy(t *testing.T) {
	owner := &fakeOwner{}
	p := New(mustAddr(t, "127.0.0.1:6881"), owner)
	p.Destroy()
	assert.Nil(t, p.DetachTransport())
}

func TestNewIncomingStartsConnecting(t *testing.T) {
	owner := &fakeOwner{}
	c := newFakeConn()
	addr := mustAddr(t, "203.0.113.1:5000")
	p := NewIncoming("203.0.113.1:5000", c, &addr, owner)
	assert.Equal(t, StateConnecting, p.State())
	assert.Equal(t, c, p.Conn())
	assert.Equal(t, &addr, p.Addr)
}

func TestNewIncomingWithoutAddrStaysNilForRedial(t *testing.T) {
	owner := &fakeOwner{}
	c := newFakeConn()
	p := NewIncoming("opaque-webrtc-id", c, nil, owner)
	assert.Nil(t, p.Addr)
}

func TestSetOwnerNoopAfterDestroy(t *testing.T) {
	owner := &fakeOwner{}
	other := &fakeOwner{}
	p := New(mustAddr(t, "127.0.0.1:6881"), owner)
	p.Destroy()
	p.SetOwner(other)
	p.Destroy()
	assert.Equal(t, 1, owner.destroyedCount())
	assert.Equal(t, 0, other.destroyedCount())
}
