package pool

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sot-tech/swarmd/bittorrent"
	"github.com/sot-tech/swarmd/internal/wiretest"
	"github.com/sot-tech/swarmd/swarm"
	"github.com/sot-tech/swarmd/transport"
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

func waitForSwarmEvent(t *testing.T, ch <-chan swarm.Event, kind swarm.EventKind, timeout time.Duration) swarm.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for swarm event kind %d", kind)
			return swarm.Event{}
		}
	}
}

func assertNoSwarmEvent(t *testing.T, ch <-chan swarm.Event, kind swarm.EventKind, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				t.Fatalf("unexpected swarm event kind %d", kind)
			}
		case <-deadline:
			return
		}
	}
}

func dialRaw(t *testing.T, port int) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	return c
}

func handshakeBytes(ih bittorrent.InfoHash, id bittorrent.PeerID) []byte {
	buf := make([]byte, 0, bittorrent.InfoHashV1Len+20)
	buf = append(buf, ih.Bytes()[:bittorrent.InfoHashV1Len]...)
	buf = append(buf, id[:]...)
	return buf
}

func TestDispatchRoutesMatchingInfoHash(t *testing.T) {
	m := NewManager(wiretest.Factory)
	ih := mustIH("pool_test_infohash_aaa1")
	s := swarm.New(ih, mustPeerID("local_peer_id_000010"), nil, transport.TCPDialer{}, wiretest.Factory)
	defer s.Destroy()

	events := make(chan swarm.Event, 16)
	s.OnEvent(func(ev swarm.Event) {
		select {
		case events <- ev:
		default:
		}
	})

	port := listenAndWait(t, s, m, events)

	conn := dialRaw(t, port)
	defer conn.Close()

	_, err := conn.Write(handshakeBytes(ih, mustPeerID("remote_peer_id_00010")))
	require.NoError(t, err)

	ev := waitForSwarmEvent(t, events, swarm.EventWire, time.Second)
	require.NotNil(t, ev.Wire)
	assert.Equal(t, 1, s.NumPeers())
}

// listenAndWait starts s listening through m on an ephemeral port and
// blocks until its EventListening arrives on events, which must already be
// wired up via s.OnEvent.
func listenAndWait(t *testing.T, s *swarm.Swarm, m *Manager, events chan swarm.Event) int {
	t.Helper()
	s.Listen(m, 0, nil)
	ev := waitForSwarmEvent(t, events, swarm.EventListening, time.Second)
	return ev.Port
}

func TestUnmatchedInfoHashIsDestroyedWithoutWireEvent(t *testing.T) {
	m := NewManager(wiretest.Factory)
	ih := mustIH("pool_test_infohash_aaa2")
	other := mustIH("pool_test_infohash_zzz2")
	s := swarm.New(ih, mustPeerID("local_peer_id_000011"), nil, transport.TCPDialer{}, wiretest.Factory)
	defer s.Destroy()

	events := make(chan swarm.Event, 16)
	s.OnEvent(func(ev swarm.Event) {
		select {
		case events <- ev:
		default:
		}
	})

	port := listenAndWait(t, s, m, events)

	conn := dialRaw(t, port)
	defer conn.Close()
	_, err := conn.Write(handshakeBytes(other, mustPeerID("remote_peer_id_00011")))
	require.NoError(t, err)

	assertNoSwarmEvent(t, events, swarm.EventWire, 200*time.Millisecond)
	assert.Equal(t, 0, s.NumPeers())
}

func TestDuplicateInfoHashOnSamePortErrorsOnlySecondSwarm(t *testing.T) {
	m := NewManager(wiretest.Factory)
	ih := mustIH("pool_test_infohash_aaa3")

	s1 := swarm.New(ih, mustPeerID("local_peer_id_000012"), nil, transport.TCPDialer{}, wiretest.Factory)
	defer s1.Destroy()
	s1Events := make(chan swarm.Event, 16)
	s1.OnEvent(func(ev swarm.Event) {
		select {
		case s1Events <- ev:
		default:
		}
	})
	port := listenAndWait(t, s1, m, s1Events)

	s2 := swarm.New(ih, mustPeerID("local_peer_id_000013"), nil, transport.TCPDialer{}, wiretest.Factory)
	defer s2.Destroy()
	s2Events := make(chan swarm.Event, 16)
	s2.OnEvent(func(ev swarm.Event) {
		select {
		case s2Events <- ev:
		default:
		}
	})
	s2.Listen(m, port, nil)

	waitForSwarmEvent(t, s2Events, swarm.EventError, time.Second)
	assertNoSwarmEvent(t, s1Events, swarm.EventError, 200*time.Millisecond)
}

func TestRemovingLastSwarmClosesListenerAndDeregistersPool(t *testing.T) {
	m := NewManager(wiretest.Factory)
	ih := mustIH("pool_test_infohash_aaa4")
	s := swarm.New(ih, mustPeerID("local_peer_id_000014"), nil, transport.TCPDialer{}, wiretest.Factory)

	events := make(chan swarm.Event, 16)
	s.OnEvent(func(ev swarm.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	port := listenAndWait(t, s, m, events)

	m.mu.Lock()
	_, ok := m.pools[port]
	m.mu.Unlock()
	require.True(t, ok, "pool must be registered while its swarm is alive")

	require.NoError(t, s.Destroy().Wait())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		_, stillThere := m.pools[port]
		m.mu.Unlock()
		if !stillThere {
			break
		}
		time.Sleep(time.Millisecond)
	}

	m.mu.Lock()
	_, stillThere := m.pools[port]
	m.mu.Unlock()
	assert.False(t, stillThere, "pool must be deregistered once its last swarm is removed")

	_, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
	assert.Error(t, err, "listener must be closed once the pool is destroyed")
}
