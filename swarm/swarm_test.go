package swarm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sot-tech/swarmd/bittorrent"
	"github.com/sot-tech/swarmd/internal/wiretest"
	"github.com/sot-tech/swarmd/peer"
	"github.com/sot-tech/swarmd/transport"
)

var (
	testIH     = mustIH("swarm_test_infohash")
	testSelfID = mustPeerID("local_peer_id")
	testRemote = mustPeerID("remote_peer_id")
)

// fixedLen pads or truncates s to exactly n bytes, so short human-readable
// labels can stand in for the fixed-width identifiers the wire protocol
// requires.
func fixedLen(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

func mustIH(s string) bittorrent.InfoHash {
	return bittorrent.MustNewInfoHash(fixedLen(s, bittorrent.InfoHashV1Len))
}

func mustPeerID(s string) bittorrent.PeerID {
	id, err := bittorrent.NewPeerID(fixedLen(s, bittorrent.PeerIDLen))
	if err != nil {
		panic(err)
	}
	return id
}

// pipeConn adapts one end of a net.Pipe to transport.Conn, mirroring
// transport.tcpConn's read/write-error-to-event translation.
type pipeConn struct {
	net.Conn
	events chan transport.Event
	once   sync.Once
}

func newPipeConn(c net.Conn) *pipeConn {
	return &pipeConn{Conn: c, events: make(chan transport.Event, 1)}
}

func (c *pipeConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		c.emit(pipeErrEvent(err))
	}
	return n, err
}

func (c *pipeConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err != nil {
		c.emit(transport.EventError)
	}
	return n, err
}

func pipeErrEvent(err error) transport.Event {
	if err == io.EOF {
		return transport.EventEnd
	}
	return transport.EventError
}

func (c *pipeConn) emit(ev transport.Event) {
	select {
	case c.events <- ev:
	default:
	}
}

func (c *pipeConn) RemoteAddrString() string { return "10.0.0.1:6881" }
func (c *pipeConn) Events() <-chan transport.Event {
	return c.events
}
func (c *pipeConn) Destroy() {
	c.once.Do(func() {
		_ = c.Conn.Close()
		select {
		case c.events <- transport.EventClose:
		default:
		}
		close(c.events)
	})
}
func (c *pipeConn) Close() error { c.Destroy(); return nil }

// handshakeDialer dials by handing back one end of a net.Pipe, with a
// goroutine on the other end playing the remote peer: it reads our
// handshake and writes back its own so the outbound promotion path (onWire)
// runs exactly as it would against a real socket.
type handshakeDialer struct {
	mu     sync.Mutex
	dialed []string
}

func (d *handshakeDialer) DialContext(_ context.Context, addr string) (transport.Conn, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, addr)
	d.mu.Unlock()

	client, server := net.Pipe()
	go remoteHandshake(server)
	return newPipeConn(client), nil
}

func remoteHandshake(server net.Conn) {
	buf := make([]byte, bittorrent.InfoHashV1Len+20)
	if _, err := io.ReadFull(server, buf); err != nil {
		return
	}
	resp := make([]byte, 0, len(buf))
	resp = append(resp, testIH.Bytes()[:bittorrent.InfoHashV1Len]...)
	resp = append(resp, testRemote[:]...)
	_, _ = server.Write(resp)
}

// blockingDialer never completes until its context is cancelled, modeling
// an in-flight TCP connect to an unresponsive address.
type blockingDialer struct{}

func (blockingDialer) DialContext(ctx context.Context, _ string) (transport.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// failDialer always fails immediately.
type failDialer struct{}

func (failDialer) DialContext(context.Context, string) (transport.Conn, error) {
	return nil, errors.New("connection refused")
}

func mustTestAddr(t *testing.T, s string) bittorrent.Address {
	t.Helper()
	a, err := bittorrent.ParseAddress(s)
	require.NoError(t, err)
	return a
}

// collectEvents installs a handler that forwards onto a buffered channel.
// The channel is deliberately never closed: Destroy() keeps emitting
// (EventClose) after a test stops reading, and a send on a closed channel
// would panic the emitting goroutine.
func collectEvents(s *Swarm) <-chan Event {
	ch := make(chan Event, 64)
	s.OnEvent(func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch
}

func waitForKind(t *testing.T, ch <-chan Event, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
			return Event{}
		}
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition never became true")
	}
}

func TestAddDialsAndPromotesToActive(t *testing.T) {
	s := New(testIH, testSelfID, nil, &handshakeDialer{}, wiretest.Factory)
	defer s.Destroy()

	events := collectEvents(s)

	s.Add("10.0.0.1:6881")

	ev := waitForKind(t, events, EventWire, time.Second)
	require.NotNil(t, ev.Wire)
	assert.Equal(t, "10.0.0.1:6881", ev.Addr)

	assert.Equal(t, 1, s.NumPeers())
	assert.Equal(t, 1, s.NumConns())
	assert.Equal(t, 0, s.NumQueued())
}

func TestAddDoesNotBlockOnSlowDial(t *testing.T) {
	s := New(testIH, testSelfID, nil, blockingDialer{}, wiretest.Factory)
	defer s.Destroy()

	start := time.Now()
	s.Add("10.0.0.2:6881")
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 200*time.Millisecond, "Add must return immediately, never block on network I/O")
	waitUntil(t, time.Second, func() bool { return s.NumConns() == 1 })
}

func TestDuplicateAddressIsNoop(t *testing.T) {
	s := New(testIH, testSelfID, nil, blockingDialer{}, wiretest.Factory)
	defer s.Destroy()

	s.Add("10.0.0.3:6881")
	s.Add("10.0.0.3:6881")
	s.Add("10.0.0.3:6881")

	waitUntil(t, time.Second, func() bool { return s.NumConns() == 1 })
	assert.Len(t, s.peers, 1)
}

func TestCapEnforcement(t *testing.T) {
	s := New(testIH, testSelfID, nil, blockingDialer{}, wiretest.Factory)
	defer s.Destroy()

	for i := 1; i <= MaxConns+1; i++ {
		s.Add(addrWithPort(i))
	}

	assert.Equal(t, MaxConns, s.NumConns())
	assert.Equal(t, 1, s.NumQueued())
}

func addrWithPort(port int) string {
	return fmt.Sprintf("10.0.0.9:%d", port)
}

func TestFailedDialDoesNotHoldConnSlotDuringBackoff(t *testing.T) {
	s := New(testIH, testSelfID, nil, failDialer{}, wiretest.Factory)
	defer s.Destroy()

	s.Add("10.0.0.4:6881")

	// The dial fails essentially immediately; once the peer's state has
	// moved off "dialing" it must no longer count against the cap, even
	// though it is still waiting out its first backoff delay.
	waitUntil(t, time.Second, func() bool { return s.NumConns() == 0 })
}

func TestDestroyEmitsCloseExactlyOnceAndClearsState(t *testing.T) {
	s := New(testIH, testSelfID, nil, &handshakeDialer{}, wiretest.Factory)

	var closes int
	var mu sync.Mutex
	done := make(chan struct{})
	s.OnEvent(func(ev Event) {
		if ev.Kind == EventClose {
			mu.Lock()
			closes++
			mu.Unlock()
			close(done)
		}
	})

	s.Add("10.0.0.5:6881")
	waitUntil(t, time.Second, func() bool { return s.NumPeers() == 1 })

	result := s.Destroy()
	require.NoError(t, result.Wait())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("never observed EventClose")
	}

	// A second Destroy must not emit a second EventClose or re-run teardown.
	s.Destroy()
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, closes)
	assert.Equal(t, 0, s.NumPeers())
	assert.Len(t, s.peers, 0)
	assert.Len(t, s.Wires(), 0)
}

func TestRatioZeroWithoutDownload(t *testing.T) {
	s := New(testIH, testSelfID, nil, blockingDialer{}, wiretest.Factory)
	defer s.Destroy()

	assert.Zero(t, s.Ratio())
	s.uploaded.Add(500)
	assert.Zero(t, s.Ratio(), "ratio must stay 0 until something has been downloaded")
}

func TestListeningDeliveredBeforeWire(t *testing.T) {
	s := New(testIH, testSelfID, nil, &handshakeDialer{}, wiretest.Factory)
	defer s.Destroy()

	events := collectEvents(s)

	s.Listen(fakeRegistry{}, 6969, nil)
	s.Add("10.0.0.6:6881")

	first := waitForKind(t, events, EventListening, time.Second)
	assert.Equal(t, 6969, first.Port)

	waitForKind(t, events, EventWire, time.Second)
}

type fakeRegistry struct{}

func (fakeRegistry) AddSwarm(s *Swarm, port int) {
	s.notifyListening(port)
}

func TestBackoffDelaySchedule(t *testing.T) {
	for i, want := range Backoff {
		got, exhausted := backoffDelay(i)
		assert.False(t, exhausted)
		assert.Equal(t, want, got)
	}
	_, exhausted := backoffDelay(len(Backoff))
	assert.True(t, exhausted)
}

func TestScheduleRetryOrDestroyExhaustsAfterBackoffLength(t *testing.T) {
	s := New(testIH, testSelfID, nil, blockingDialer{}, wiretest.Factory)
	defer s.Destroy()

	addr := mustTestAddr(t, "10.0.0.7:6881")
	p := peer.New(addr, s)

	for i := 0; i < len(Backoff); i++ {
		s.scheduleRetryOrDestroy(p)
		assert.False(t, p.Destroyed())
	}
	assert.Equal(t, len(Backoff), p.Retries())

	s.scheduleRetryOrDestroy(p)
	assert.True(t, p.Destroyed())
}
