package transport

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"

	reuseport "github.com/libp2p/go-reuseport"

	"github.com/sot-tech/swarmd/pkg/log"
)

var logger = log.NewLogger("transport")

// tcpConn adapts a net.Conn to Conn, translating read/write failures into
// the terminal Events a Wire or Peer waits on.
type tcpConn struct {
	net.Conn
	events    chan Event
	once      sync.Once
	destroyed chan struct{}
}

func wrapConn(c net.Conn) *tcpConn {
	return &tcpConn{
		Conn:      c,
		events:    make(chan Event, 1),
		destroyed: make(chan struct{}),
	}
}

func (c *tcpConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		c.emit(errEvent(err))
	}
	return n, err
}

func (c *tcpConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err != nil {
		c.emit(EventError)
	}
	return n, err
}

func errEvent(err error) Event {
	if err == io.EOF {
		return EventEnd
	}
	return EventError
}

func (c *tcpConn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.destroyed:
	default:
		// A slow/absent consumer must never block the read/write path;
		// the first buffered terminal state wins and later ones are
		// dropped.
	}
}

func (c *tcpConn) RemoteAddrString() string {
	if ra := c.Conn.RemoteAddr(); ra != nil {
		return ra.String()
	}
	return ""
}

func (c *tcpConn) Events() <-chan Event {
	return c.events
}

func (c *tcpConn) Destroy() {
	c.once.Do(func() {
		close(c.destroyed)
		_ = c.Conn.Close()
		select {
		case c.events <- EventClose:
		default:
		}
		close(c.events)
	})
}

func (c *tcpConn) Close() error {
	c.Destroy()
	return nil
}

// TCPDialer dials outbound TCP connections.
type TCPDialer struct {
	net.Dialer
}

// DialContext implements Dialer.
func (d TCPDialer) DialContext(ctx context.Context, addr string) (Conn, error) {
	c, err := d.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return wrapConn(c), nil
}

// TCPListener accepts inbound TCP connections. It binds with SO_REUSEPORT
// via go-reuseport, matching the teacher's ReusePort convention
// (frontend/udp/frontend.go) generalized from UDP to TCP so a bind retry
// after EADDRINUSE (§4.3) can hand the same port to a fresh listener
// without waiting out the OS's TIME_WAIT.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP binds a TCPListener on the given port. port == 0 selects an
// ephemeral port.
func ListenTCP(port int) (*TCPListener, error) {
	ln, err := reuseport.Listen("tcp", portAddr(port))
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln}, nil
}

func portAddr(port int) string {
	if port <= 0 {
		return ":0"
	}
	return ":" + strconv.Itoa(port)
}

// Accept blocks for the next inbound connection.
func (l *TCPListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return wrapConn(c), nil
}

// Addr returns the bound local address, including the assigned port when
// ListenTCP was called with port == 0.
func (l *TCPListener) Addr() string {
	return l.ln.Addr().String()
}

// Close stops accepting new connections.
func (l *TCPListener) Close() error {
	logger.Debug().Str("addr", l.Addr()).Msg("closing listener")
	return l.ln.Close()
}
